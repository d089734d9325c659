package youtube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

// AcquireAudio obtains raw audio for speech-to-text. Order: local download
// helper, the web profile with the session token, then the device-client
// cascade. Every path enforces the byte ceiling; every URL passes the host policy.
func (c *Client) AcquireAudio(ctx context.Context, videoID string) ([]byte, error) {
	var errs []error

	if bin := c.ytdlpBinary(); bin != "" {
		data, err := c.downloadWithHelper(ctx, bin, videoID)
		if err == nil {
			engine.IncrAudio(true)
			slog.Info("youtube: audio via helper", slog.String("id", videoID), slog.Int("bytes", len(data)))
			return data, nil
		}
		slog.Warn("youtube: helper download failed", slog.String("id", videoID), slog.Any("error", err))
		errs = append(errs, err)
	}

	if c.opts.SessionToken != "" {
		data, err := c.webAudio(ctx, videoID)
		if err == nil {
			engine.IncrAudio(true)
			return data, nil
		}
		slog.Warn("youtube: web profile audio failed", slog.String("id", videoID), slog.Any("error", err))
		errs = append(errs, err)
	}

	cands, err := c.FetchAudioCandidates(ctx, videoID)
	if err == nil {
		data, derr := c.downloadFirst(ctx, cands)
		if derr == nil {
			engine.IncrAudio(true)
			return data, nil
		}
		err = derr
	}
	errs = append(errs, err)

	engine.IncrAudio(false)
	return nil, fmt.Errorf("%w: %w", engine.ErrAudioUnavailable, errors.Join(errs...))
}

// webAudio asks /player as the web client, which needs the script's signature
// timestamp and a session token, and resolves ciphered formats.
func (c *Client) webAudio(ctx context.Context, videoID string) ([]byte, error) {
	_, sts, err := c.decipherer(ctx, videoID)
	if err != nil {
		var ce *engine.CodecError
		if !errors.As(err, &ce) {
			return nil, err
		}
		slog.Warn("youtube: player script changed shape", slog.String("id", videoID), slog.Any("error", err))
		engine.IncrCodecErrors()
	}
	pd, err := c.player(ctx, ProfileWeb, videoID, playerOpts{signatureTimestamp: sts, poToken: c.opts.SessionToken})
	if err != nil {
		return nil, err
	}
	cands := c.resolveCandidates(ctx, videoID, pd.Formats)
	if len(cands) == 0 {
		return nil, fmt.Errorf("web profile (%s): no usable formats", pd.Playability)
	}
	return c.downloadFirst(ctx, cands)
}

func (c *Client) downloadFirst(ctx context.Context, cands []AudioCandidate) ([]byte, error) {
	var errs []error
	for _, cand := range cands {
		data, err := c.download(ctx, cand.URL, cand.Profile.spec().userAgent)
		if err == nil {
			slog.Debug("youtube: audio downloaded",
				slog.String("profile", cand.Profile.String()), slog.Int("itag", cand.Itag), slog.Int("bytes", len(data)))
			return data, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, errors.New("no audio candidates")
	}
	return nil, errors.Join(errs...)
}
