package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/net/html"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

// ytInitialPlayerResponseMarker marks the start of the player response JSON in watch page HTML.
const ytInitialPlayerResponseMarker = "ytInitialPlayerResponse = "

// CaptionResult is a fetched and parsed caption track plus the video context around it.
type CaptionResult struct {
	Segments       []engine.TranscriptSegment
	Metadata       engine.VideoMetadata
	StoryboardSpec string
	Track          CaptionTrack
}

// AcquireCaptions scrapes the watch page, which embeds the same player data
// /player returns, and fetches the best caption track from it. Cheaper than
// the profile cascade, so it runs first.
func (c *Client) AcquireCaptions(ctx context.Context, videoID string) (*CaptionResult, error) {
	ctx, cancel := engine.WithStageTimeout(ctx, c.opts.PageTimeout)
	defer cancel()

	page, err := c.fetchPage(ctx, c.opts.BaseURL+"/watch?v="+videoID+"&hl=en")
	if err != nil {
		return nil, err
	}
	if p := playerScriptPath(page); p != "" {
		c.scripts.Store(latestScriptKey, p)
	}

	raw, err := extractPlayerResponse(page)
	if err != nil {
		return nil, err
	}
	var pr playerResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, &engine.ParseError{Format: "ytInitialPlayerResponse", Err: err}
	}
	pd := normalizePlayer(ProfileWeb, videoID, &pr)
	if len(pd.Tracks) == 0 {
		if pd.Reason != "" {
			return nil, fmt.Errorf("watch page %s (%s): %w", pd.Playability, pd.Reason, engine.ErrNoTracks)
		}
		return nil, fmt.Errorf("watch page: %w", engine.ErrNoTracks)
	}
	return c.captionsFromPlayer(ctx, pd)
}

// fetchPage GETs an HTML page with browser-like headers. The stealth client is
// used when configured; it carries its own timeout and proxy rotation.
func (c *Client) fetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if bc := c.opts.Browser; bc != nil {
		headers := engine.ChromeHeaders()
		headers["accept-language"] = "en-US,en;q=0.9"
		data, _, status, err := bc.Do("GET", pageURL, headers, nil)
		if err != nil {
			return nil, &engine.NetworkError{Op: "watch page", Err: err}
		}
		if status != http.StatusOK {
			return nil, fmt.Errorf("watch page: HTTP %d", status)
		}
		return data, nil
	}

	resp, err := engine.RetryHTTP(ctx, engine.DefaultRetryConfig, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", engine.RandomUserAgent())
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		return c.opts.HTTPClient.Do(req)
	})
	if err != nil {
		return nil, &engine.NetworkError{Op: "watch page", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("watch page: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 6*1024*1024))
	if err != nil {
		return nil, &engine.NetworkError{Op: "watch page read", Err: err}
	}
	return body, nil
}

// extractPlayerResponse walks the page's <script> elements for the inline
// ytInitialPlayerResponse assignment and returns its JSON object.
func extractPlayerResponse(page []byte) ([]byte, error) {
	z := html.NewTokenizer(bytes.NewReader(page))
	inScript := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return nil, &engine.ParseError{Format: "watch page", Err: errors.New("ytInitialPlayerResponse not found")}
			}
			return nil, &engine.ParseError{Format: "watch page", Err: z.Err()}
		case html.StartTagToken:
			name, _ := z.TagName()
			inScript = string(name) == "script"
		case html.EndTagToken:
			inScript = false
		case html.TextToken:
			if !inScript {
				continue
			}
			text := z.Text()
			idx := bytes.Index(text, []byte(ytInitialPlayerResponseMarker))
			if idx < 0 {
				continue
			}
			obj := extractJSON(text[idx+len(ytInitialPlayerResponseMarker):])
			if obj == nil {
				return nil, &engine.ParseError{Format: "watch page", Err: errors.New("unterminated ytInitialPlayerResponse")}
			}
			return obj, nil
		}
	}
}

// extractJSON returns the balanced {...} object at the start of b.
func extractJSON(b []byte) []byte {
	if len(b) == 0 || b[0] != '{' {
		return nil
	}
	depth := 0
	inStr := false
	escaped := false
	for i, c := range b {
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return b[:i+1]
			}
		}
	}
	return nil
}

type playerScript struct {
	dec *Decipherer
	sts int
}

// latestScriptKey holds the most recent player script path seen on a watch page.
const latestScriptKey = "latest"

// decipherer loads and parses the player script, caching one parse per script URL.
func (c *Client) decipherer(ctx context.Context, videoID string) (*Decipherer, int, error) {
	var path string
	if v, ok := c.scripts.Load(latestScriptKey); ok {
		path = v.(string)
	} else {
		page, err := c.fetchPage(ctx, c.opts.BaseURL+"/embed/"+videoID)
		if err != nil {
			return nil, 0, err
		}
		path = playerScriptPath(page)
		if path == "" {
			return nil, 0, &engine.CodecError{Stage: "script", Err: errors.New("player script url not found")}
		}
	}
	scriptURL := path
	if strings.HasPrefix(path, "/") {
		scriptURL = c.opts.BaseURL + path
	}
	if v, ok := c.scripts.Load(scriptURL); ok {
		ps := v.(*playerScript)
		return ps.dec, ps.sts, nil
	}

	script, err := c.fetchPage(ctx, scriptURL)
	if err != nil {
		return nil, 0, err
	}
	dec, err := ParseCipher(string(script))
	if err != nil {
		return nil, 0, err
	}
	ps := &playerScript{dec: dec, sts: signatureTimestamp(string(script))}
	c.scripts.Store(scriptURL, ps)
	slog.Debug("youtube: player script parsed", slog.String("script", scriptURL), slog.Int("ops", len(dec.ops)), slog.Int("sts", ps.sts))
	return ps.dec, ps.sts, nil
}
