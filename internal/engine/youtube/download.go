package youtube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

// HostPolicy is the allow-list every media URL must satisfy before it is fetched.
type HostPolicy struct {
	Suffixes  []string
	AllowHTTP bool // tests only
}

// DefaultHostPolicy accepts the host's media CDN over HTTPS.
var DefaultHostPolicy = HostPolicy{Suffixes: []string{".googlevideo.com"}}

// Check returns ErrBlockedHost unless raw points at an allowed host.
func (p HostPolicy) Check(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrBlockedHost, err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !p.AllowHTTP {
			return fmt.Errorf("%w: scheme %s", engine.ErrBlockedHost, u.Scheme)
		}
	default:
		return fmt.Errorf("%w: scheme %q", engine.ErrBlockedHost, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	for _, s := range p.Suffixes {
		s = strings.ToLower(s)
		if host == strings.TrimPrefix(s, ".") || strings.HasSuffix(host, s) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", engine.ErrBlockedHost, host)
}

// download fetches a media URL under the byte ceiling. The declared length is
// checked before reading; the actual stream is counted and aborted past the ceiling.
func (c *Client) download(ctx context.Context, rawURL, userAgent string) ([]byte, error) {
	if err := c.opts.Hosts.Check(rawURL); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")

	hc := *c.opts.HTTPClient
	hc.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return errors.New("too many redirects")
		}
		return c.opts.Hosts.Check(r.URL.String())
	}

	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, engine.ErrBlockedHost) {
			return nil, err
		}
		return nil, &engine.NetworkError{Op: "audio download", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("audio download: HTTP %d", resp.StatusCode)
	}

	limit := c.opts.AudioMaxBytes
	if resp.ContentLength > limit {
		return nil, fmt.Errorf("%w: declared %d > %d", engine.ErrTooLarge, resp.ContentLength, limit)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &engine.NetworkError{Op: "audio read", Err: err}
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: stream exceeded %d bytes", engine.ErrTooLarge, limit)
	}
	if len(data) == 0 {
		return nil, errors.New("audio download: empty body")
	}
	return data, nil
}
