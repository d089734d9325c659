package youtube

// ClientProfile is a device-client identity accepted by the Innertube /player endpoint.
// The set is closed: adding a profile means adding a constant and a profileSpecs row,
// and the array length keeps the two in lockstep at compile time.
type ClientProfile int

const (
	ProfileWeb ClientProfile = iota
	ProfileMWeb
	ProfileAndroid
	ProfileIOS
	ProfileTVEmbedded
	profileCount
)

type profileSpec struct {
	name        string // context.client.clientName
	headerID    string // X-Youtube-Client-Name
	version     string
	userAgent   string
	androidSDK  int
	deviceModel string
	osName      string
	osVersion   string
	embedded    bool // send thirdParty.embedUrl
	webScript   bool // formats are cipher-protected; needs signatureTimestamp
}

var profileSpecs = [profileCount]profileSpec{
	ProfileWeb: {
		name:      "WEB",
		headerID:  "1",
		version:   ytWebVersion,
		userAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		webScript: true,
	},
	ProfileMWeb: {
		name:      "MWEB",
		headerID:  "2",
		version:   "2.20250222.01.00",
		userAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1",
		webScript: true,
	},
	ProfileAndroid: {
		name:       "ANDROID",
		headerID:   "3",
		version:    ytAndroidVersion,
		userAgent:  "com.google.android.youtube/" + ytAndroidVersion + " (Linux; U; Android 11) gzip",
		androidSDK: 30,
		osName:     "Android",
		osVersion:  "11",
	},
	ProfileIOS: {
		name:        "IOS",
		headerID:    "5",
		version:     ytIOSVersion,
		userAgent:   "com.google.ios.youtube/" + ytIOSVersion + " (iPhone16,2; U; CPU iOS 18_3_2 like Mac OS X;)",
		deviceModel: "iPhone16,2",
		osName:      "iPhone",
		osVersion:   "18.3.2.22D82",
	},
	ProfileTVEmbedded: {
		name:      "TVHTML5_SIMPLY_EMBEDDED_PLAYER",
		headerID:  "85",
		version:   "2.0",
		userAgent: "Mozilla/5.0 (PlayStation; PlayStation 4/12.00) AppleWebKit/605.1.15 (KHTML, like Gecko)",
		embedded:  true,
		webScript: true,
	},
}

func (p ClientProfile) spec() profileSpec { return profileSpecs[p] }

// String returns the Innertube client name.
func (p ClientProfile) String() string {
	if p < 0 || p >= profileCount {
		return "UNKNOWN"
	}
	return profileSpecs[p].name
}

// CaptionProfiles are raced for caption-track discovery.
var CaptionProfiles = []ClientProfile{ProfileAndroid, ProfileIOS, ProfileMWeb, ProfileTVEmbedded}

// AudioProfiles are all attempted in parallel for audio candidates.
var AudioProfiles = []ClientProfile{ProfileAndroid, ProfileIOS, ProfileTVEmbedded, ProfileMWeb}
