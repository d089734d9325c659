package engine

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/anatolykoptev/go-kit/strutil"
)

// User-Agent strings used across HTTP clients.
const (
	UserAgentBot    = "GoTranscript/1.0"
	UserAgentChrome = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

var (
	htmlTagRe   = regexp.MustCompile(`<[^>]+>`)
	videoIDRe   = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
	videoRefRes = []*regexp.Regexp{
		regexp.MustCompile(`[?&]v=([A-Za-z0-9_-]{11})`),
		regexp.MustCompile(`youtu\.be/([A-Za-z0-9_-]{11})`),
		regexp.MustCompile(`/(?:shorts|embed|live)/([A-Za-z0-9_-]{11})`),
	}
)

// CleanHTML strips HTML tags and trims whitespace.
func CleanHTML(s string) string {
	return strings.TrimSpace(htmlTagRe.ReplaceAllString(s, ""))
}

// TruncateRunes caps s at limit runes, appending suffix if truncated.
// Safe for UTF-8 (Cyrillic, CJK, emoji).
func TruncateRunes(s string, limit int, suffix string) string {
	return strutil.TruncateWith(s, limit, suffix)
}

// ParseVideoID accepts a bare 11-char id or a watch/short/embed URL.
func ParseVideoID(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if videoIDRe.MatchString(ref) {
		return ref, nil
	}
	for _, re := range videoRefRes {
		if m := re.FindStringSubmatch(ref); len(m) == 2 {
			return m[1], nil
		}
	}
	return "", ErrInvalidVideoID
}

// WithStageTimeout derives the context for one pipeline stage: whichever fires
// first of the caller's cancellation and the stage's own deadline wins.
func WithStageTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
