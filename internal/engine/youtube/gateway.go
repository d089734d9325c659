package youtube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

type playerResult struct {
	profile ClientProfile
	pd      *PlayerData
	err     error
}

// FetchCaptions races the caption profiles for a non-empty track list.
// Each round fans out to every profile; the first non-empty answer wins and
// the rest are abandoned. ErrNoTracks is returned when every profile answered
// but none had tracks.
func (c *Client) FetchCaptions(ctx context.Context, videoID string) (*PlayerData, error) {
	var errs []error
	empty := 0
	for round := 0; round < c.opts.CaptionRounds; round++ {
		if round > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.opts.RoundDelay):
			}
		}

		results := make(chan playerResult, len(CaptionProfiles))
		for _, p := range CaptionProfiles {
			go func() {
				pd, err := c.player(ctx, p, videoID, playerOpts{})
				results <- playerResult{profile: p, pd: pd, err: err}
			}()
		}

		for range CaptionProfiles {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case r := <-results:
				if r.err != nil {
					slog.Debug("youtube: caption profile failed",
						slog.String("id", videoID), slog.String("profile", r.profile.String()), slog.Any("error", r.err))
					errs = append(errs, r.err)
					continue
				}
				if len(r.pd.Tracks) > 0 {
					slog.Debug("youtube: caption profile won",
						slog.String("id", videoID), slog.String("profile", r.profile.String()), slog.Int("round", round))
					return r.pd, nil
				}
				empty++
			}
		}
	}
	if empty > 0 {
		return nil, errors.Join(engine.ErrNoTracks, errors.Join(errs...))
	}
	return nil, fmt.Errorf("caption cascade: %w", errors.Join(errs...))
}

// FetchAudioCandidates queries every audio profile in parallel and pools the
// usable candidates: ciphered URLs resolved, hosts validated, declared sizes
// under the ceiling. Sorted with mp4 audio first, then smallest bitrate.
func (c *Client) FetchAudioCandidates(ctx context.Context, videoID string) ([]AudioCandidate, error) {
	slots := make([][]AudioCandidate, len(AudioProfiles))
	failures := make([]error, len(AudioProfiles))

	var g errgroup.Group
	for i, p := range AudioProfiles {
		g.Go(func() error {
			pd, err := c.player(ctx, p, videoID, playerOpts{})
			if err != nil {
				failures[i] = err
				return nil
			}
			slots[i] = pd.Formats
			return nil
		})
	}
	_ = g.Wait()

	var pooled []AudioCandidate
	for _, s := range slots {
		pooled = append(pooled, s...)
	}
	usable := c.resolveCandidates(ctx, videoID, pooled)
	if len(usable) == 0 {
		return nil, errors.Join(engine.ErrAudioUnavailable, errors.Join(failures...))
	}
	return usable, nil
}

func (c *Client) resolveCandidates(ctx context.Context, videoID string, in []AudioCandidate) []AudioCandidate {
	var (
		dec     *Decipherer
		decErr  error
		decDone bool
	)
	seen := make(map[string]bool, len(in))
	out := make([]AudioCandidate, 0, len(in))
	for _, cand := range in {
		if cand.URL == "" && cand.Cipher != nil {
			if !decDone {
				dec, _, decErr = c.decipherer(ctx, videoID)
				decDone = true
				if decErr != nil {
					slog.Warn("youtube: cipher unavailable", slog.String("id", videoID), slog.Any("error", decErr))
				}
			}
			if dec == nil {
				continue
			}
			u, err := dec.ResolveURL(*cand.Cipher)
			if err != nil {
				continue
			}
			cand.URL = u
		}
		if cand.URL == "" || seen[cand.URL] {
			continue
		}
		if err := c.opts.Hosts.Check(cand.URL); err != nil {
			slog.Warn("youtube: rejected audio host", slog.String("id", videoID), slog.Any("error", err))
			continue
		}
		if cand.ContentLength > c.opts.AudioMaxBytes {
			continue
		}
		seen[cand.URL] = true
		out = append(out, cand)
	}
	sort.SliceStable(out, func(i, j int) bool {
		mi, mj := strings.HasPrefix(out[i].MimeType, "audio/mp4"), strings.HasPrefix(out[j].MimeType, "audio/mp4")
		if mi != mj {
			return mi
		}
		return out[i].Bitrate < out[j].Bitrate
	})
	return out
}

// needsPoToken reports whether a caption track URL requires a PoToken (browser-only).
// Tracks with &exp=xpe cannot be fetched server-side.
func needsPoToken(baseURL string) bool {
	return strings.Contains(baseURL, "&exp=xpe")
}

func isEnglish(code string) bool {
	return code == "en" || strings.HasPrefix(code, "en-")
}

// SelectTrack picks a manual English track, else an auto-generated English
// track, else any translatable track with an English auto-translate parameter.
func SelectTrack(tracks []CaptionTrack) (CaptionTrack, bool) {
	usable := make([]CaptionTrack, 0, len(tracks))
	for _, t := range tracks {
		if !needsPoToken(t.SourceURL) {
			usable = append(usable, t)
		}
	}
	for _, t := range usable {
		if isEnglish(t.LanguageCode) && !t.IsAutoGenerated {
			return t, true
		}
	}
	for _, t := range usable {
		if isEnglish(t.LanguageCode) {
			return t, true
		}
	}
	for _, t := range usable {
		if t.IsTranslatable {
			t.SourceURL += "&tlang=en"
			return t, true
		}
	}
	if len(usable) > 0 {
		t := usable[0]
		t.SourceURL += "&tlang=en"
		return t, true
	}
	return CaptionTrack{}, false
}

// fetchTrack downloads a caption track, asking for json3 and accepting XML.
func (c *Client) fetchTrack(ctx context.Context, track CaptionTrack) ([]engine.TranscriptSegment, error) {
	u := track.SourceURL
	if !strings.Contains(u, "fmt=") {
		u += "&fmt=json3"
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := engine.RetryHTTP(ctx, engine.DefaultRetryConfig, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", engine.UserAgentChrome)
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
		return c.opts.HTTPClient.Do(req)
	})
	if err != nil {
		return nil, &engine.NetworkError{Op: "caption track", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("caption track: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, &engine.NetworkError{Op: "caption track read", Err: err}
	}
	return ParseCaptions(body)
}

// GatewayCaptions runs the profile cascade and fetches the selected track.
func (c *Client) GatewayCaptions(ctx context.Context, videoID string) (*CaptionResult, error) {
	pd, err := c.FetchCaptions(ctx, videoID)
	if err != nil {
		return nil, err
	}
	return c.captionsFromPlayer(ctx, pd)
}

func (c *Client) captionsFromPlayer(ctx context.Context, pd *PlayerData) (*CaptionResult, error) {
	track, ok := SelectTrack(pd.Tracks)
	if !ok {
		return nil, fmt.Errorf("all tracks require PoToken: %w", engine.ErrNoTracks)
	}
	segs, err := c.fetchTrack(ctx, track)
	if err != nil {
		return nil, err
	}
	return &CaptionResult{
		Segments:       segs,
		Metadata:       pd.Metadata,
		StoryboardSpec: pd.StoryboardSpec,
		Track:          track,
	}, nil
}
