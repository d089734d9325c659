package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

// YouTube Innertube API: low-level constants, types, and HTTP primitives.
// Caption orchestration lives in captions.go and gateway.go, audio in audio.go.

const (
	defaultBaseURL   = "https://www.youtube.com"
	ytPlayerPath     = "/youtubei/v1/player"
	ytWebVersion     = "2.20250222.10.00"
	ytAndroidVersion = "20.10.38"
	ytIOSVersion     = "20.10.4"
)

// Options configures a Client. Zero values fall back to production defaults.
type Options struct {
	HTTPClient    *http.Client
	Browser       *engine.BrowserClient // nil = plain HTTP page scrape
	BaseURL       string
	HostRPS       float64
	PageTimeout   time.Duration
	CallTimeout   time.Duration
	AudioMaxBytes int64
	Hosts         HostPolicy
	YTDLPPath     string
	SessionToken  string
	CaptionRounds int
	RoundDelay    time.Duration
}

// Client talks to the video host: watch page, player API, caption tracks and media CDN.
type Client struct {
	opts    Options
	limiter *rate.Limiter
	scripts sync.Map // script URL → *playerScript, latestScriptKey → path
}

// New builds a Client.
func New(o Options) *Client {
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.BaseURL == "" {
		o.BaseURL = defaultBaseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.PageTimeout <= 0 {
		o.PageTimeout = 15 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.AudioMaxBytes <= 0 {
		o.AudioMaxBytes = 25 * 1024 * 1024
	}
	if len(o.Hosts.Suffixes) == 0 {
		o.Hosts = DefaultHostPolicy
	}
	if o.CaptionRounds <= 0 {
		o.CaptionRounds = 3
	}
	if o.RoundDelay <= 0 {
		o.RoundDelay = 500 * time.Millisecond
	}
	limit := rate.Inf
	if o.HostRPS > 0 {
		limit = rate.Limit(o.HostRPS)
	}
	return &Client{opts: o, limiter: rate.NewLimiter(limit, 4)}
}

// --- /player request types ---

type playerRequest struct {
	VideoID                    string               `json:"videoId"`
	Context                    playerContext        `json:"context"`
	PlaybackContext            *playbackContext     `json:"playbackContext,omitempty"`
	ServiceIntegrityDimensions *integrityDimensions `json:"serviceIntegrityDimensions,omitempty"`
	RacyCheckOk                bool                 `json:"racyCheckOk"`
	ContentCheckOk             bool                 `json:"contentCheckOk"`
}

type playerContext struct {
	Client     clientContext `json:"client"`
	ThirdParty *thirdParty   `json:"thirdParty,omitempty"`
}

type clientContext struct {
	ClientName        string `json:"clientName"`
	ClientVersion     string `json:"clientVersion"`
	AndroidSdkVersion int    `json:"androidSdkVersion,omitempty"`
	DeviceModel       string `json:"deviceModel,omitempty"`
	OsName            string `json:"osName,omitempty"`
	OsVersion         string `json:"osVersion,omitempty"`
	VisitorData       string `json:"visitorData,omitempty"`
	Hl                string `json:"hl,omitempty"`
	Gl                string `json:"gl,omitempty"`
}

type thirdParty struct {
	EmbedURL string `json:"embedUrl"`
}

type playbackContext struct {
	ContentPlaybackContext struct {
		SignatureTimestamp int    `json:"signatureTimestamp,omitempty"`
		HTML5Preference    string `json:"html5Preference"`
	} `json:"contentPlaybackContext"`
}

type integrityDimensions struct {
	PoToken string `json:"poToken"`
}

// --- /player response types (also embedded in the watch page) ---

type playerResponse struct {
	PlayabilityStatus *struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
	Captions *struct {
		PlayerCaptionsTracklistRenderer struct {
			CaptionTracks []rawCaptionTrack `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	} `json:"captions"`
	StreamingData *struct {
		AdaptiveFormats []rawFormat `json:"adaptiveFormats"`
		Formats         []rawFormat `json:"formats"`
	} `json:"streamingData"`
	VideoDetails *struct {
		VideoID          string `json:"videoId"`
		Title            string `json:"title"`
		Author           string `json:"author"`
		ChannelID        string `json:"channelId"`
		LengthSeconds    string `json:"lengthSeconds"`
		ShortDescription string `json:"shortDescription"`
	} `json:"videoDetails"`
	Storyboards *struct {
		PlayerStoryboardSpecRenderer *struct {
			Spec string `json:"spec"`
		} `json:"playerStoryboardSpecRenderer"`
	} `json:"storyboards"`
}

type rawCaptionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"` // "asr" = auto-generated
	Name         struct {
		SimpleText string `json:"simpleText"`
	} `json:"name"`
	IsTranslatable bool `json:"isTranslatable"`
}

type rawFormat struct {
	Itag            int    `json:"itag"`
	URL             string `json:"url"`
	SignatureCipher string `json:"signatureCipher"`
	Cipher          string `json:"cipher"`
	MimeType        string `json:"mimeType"`
	Bitrate         int    `json:"bitrate"`
	ContentLength   string `json:"contentLength"`
}

// PlayerData is the common shape every profile's response is normalized into.
type PlayerData struct {
	Profile        ClientProfile
	Playability    string
	Reason         string
	Tracks         []CaptionTrack
	Formats        []AudioCandidate
	Metadata       engine.VideoMetadata
	StoryboardSpec string
}

// CaptionTrack is a selectable caption stream. Ephemeral.
type CaptionTrack struct {
	SourceURL       string
	LanguageCode    string
	Name            string
	IsAutoGenerated bool
	IsTranslatable  bool
}

// AudioCandidate is a downloadable audio format offered by one profile.
type AudioCandidate struct {
	Profile       ClientProfile
	Itag          int
	URL           string
	MimeType      string
	Bitrate       int
	ContentLength int64
	Cipher        *CipherDescriptor // set when URL is empty
}

func normalizePlayer(profile ClientProfile, videoID string, r *playerResponse) *PlayerData {
	pd := &PlayerData{Profile: profile, Metadata: engine.VideoMetadata{VideoID: videoID}}
	if r.PlayabilityStatus != nil {
		pd.Playability = r.PlayabilityStatus.Status
		pd.Reason = r.PlayabilityStatus.Reason
	}
	if r.VideoDetails != nil {
		length, _ := strconv.Atoi(r.VideoDetails.LengthSeconds)
		pd.Metadata = engine.VideoMetadata{
			VideoID:       videoID,
			Title:         r.VideoDetails.Title,
			Author:        r.VideoDetails.Author,
			ChannelID:     r.VideoDetails.ChannelID,
			LengthSeconds: length,
			Description:   engine.TruncateRunes(r.VideoDetails.ShortDescription, 500, "…"),
		}
	}
	if r.Storyboards != nil && r.Storyboards.PlayerStoryboardSpecRenderer != nil {
		pd.StoryboardSpec = r.Storyboards.PlayerStoryboardSpecRenderer.Spec
	}
	if r.Captions != nil {
		for _, t := range r.Captions.PlayerCaptionsTracklistRenderer.CaptionTracks {
			if t.BaseURL == "" {
				continue
			}
			pd.Tracks = append(pd.Tracks, CaptionTrack{
				SourceURL:       absoluteURL(t.BaseURL),
				LanguageCode:    t.LanguageCode,
				Name:            t.Name.SimpleText,
				IsAutoGenerated: t.Kind == "asr",
				IsTranslatable:  t.IsTranslatable,
			})
		}
	}
	if r.StreamingData != nil {
		all := append(append([]rawFormat{}, r.StreamingData.AdaptiveFormats...), r.StreamingData.Formats...)
		for _, f := range all {
			if !strings.HasPrefix(f.MimeType, "audio/") {
				continue
			}
			size, _ := strconv.ParseInt(f.ContentLength, 10, 64)
			c := AudioCandidate{
				Profile:       profile,
				Itag:          f.Itag,
				URL:           f.URL,
				MimeType:      f.MimeType,
				Bitrate:       f.Bitrate,
				ContentLength: size,
			}
			if c.URL == "" {
				raw := f.SignatureCipher
				if raw == "" {
					raw = f.Cipher
				}
				if raw == "" {
					continue
				}
				desc, err := ParseCipherDescriptor(raw)
				if err != nil {
					continue
				}
				c.Cipher = &desc
			}
			pd.Formats = append(pd.Formats, c)
		}
	}
	return pd
}

func absoluteURL(u string) string {
	if strings.HasPrefix(u, "/") {
		return defaultBaseURL + u
	}
	return u
}

// generateVisitorData creates a random 11-char visitor ID for Innertube requests.
func generateVisitorData() string {
	const chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	b := make([]byte, 11)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))] //nolint:gosec // non-cryptographic use
	}
	return string(b)
}

// playerOpts carries per-call extras for /player.
type playerOpts struct {
	signatureTimestamp int
	poToken            string
}

// player calls /player under one device-client identity.
func (c *Client) player(ctx context.Context, profile ClientProfile, videoID string, po playerOpts) (*PlayerData, error) {
	spec := profile.spec()
	visitorData := generateVisitorData()

	reqBody := playerRequest{
		VideoID: videoID,
		Context: playerContext{
			Client: clientContext{
				ClientName:        spec.name,
				ClientVersion:     spec.version,
				AndroidSdkVersion: spec.androidSDK,
				DeviceModel:       spec.deviceModel,
				OsName:            spec.osName,
				OsVersion:         spec.osVersion,
				VisitorData:       visitorData,
				Hl:                "en",
				Gl:                "US",
			},
		},
		RacyCheckOk:    true,
		ContentCheckOk: true,
	}
	if spec.embedded {
		reqBody.Context.ThirdParty = &thirdParty{EmbedURL: "https://www.youtube.com/embed/" + videoID}
	}
	if spec.webScript && po.signatureTimestamp > 0 {
		pc := &playbackContext{}
		pc.ContentPlaybackContext.SignatureTimestamp = po.signatureTimestamp
		pc.ContentPlaybackContext.HTML5Preference = "HTML5_PREF_WANTS"
		reqBody.PlaybackContext = pc
	}
	if po.poToken != "" {
		reqBody.ServiceIntegrityDimensions = &integrityDimensions{PoToken: po.poToken}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+ytPlayerPath+"?prettyPrint=false", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", spec.userAgent)
	req.Header.Set("X-Youtube-Client-Name", spec.headerID)
	req.Header.Set("X-Youtube-Client-Version", spec.version)
	req.Header.Set("X-Goog-Visitor-Id", visitorData)
	req.Header.Set("Origin", "https://www.youtube.com")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, &engine.NetworkError{Op: "player " + profile.String(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("player %s: HTTP %d: %s", profile, resp.StatusCode, snippet)
	}

	var pr playerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4*1024*1024)).Decode(&pr); err != nil {
		return nil, &engine.ParseError{Format: "player " + profile.String(), Err: err}
	}
	return normalizePlayer(profile, videoID, &pr), nil
}
