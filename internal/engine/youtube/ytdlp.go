package youtube

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

var (
	commandContext = exec.CommandContext
	lookPath       = exec.LookPath
)

// ytdlpBinary resolves the local download helper, or "" when none is installed.
func (c *Client) ytdlpBinary() string {
	name := c.opts.YTDLPPath
	if name == "" {
		name = "yt-dlp"
	}
	path, err := lookPath(name)
	if err != nil {
		return ""
	}
	return path
}

// downloadWithHelper streams bestaudio to stdout under the byte ceiling.
func (c *Client) downloadWithHelper(ctx context.Context, binary, videoID string) ([]byte, error) {
	limit := c.opts.AudioMaxBytes
	args := []string{
		"--quiet", "--no-warnings", "--no-playlist",
		"-f", "bestaudio[ext=m4a]/bestaudio",
		"--max-filesize", strconv.FormatInt(limit, 10),
		"-o", "-",
		"https://www.youtube.com/watch?v=" + videoID,
	}
	cmd := commandContext(ctx, binary, args...) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start yt-dlp: %w", err)
	}
	data, readErr := io.ReadAll(io.LimitReader(stdout, limit+1))
	if int64(len(data)) > limit {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("yt-dlp: %w", engine.ErrTooLarge)
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("yt-dlp: %w: %s", err, engine.TruncateRunes(stderr.String(), 200, "…"))
	}
	if readErr != nil {
		return nil, fmt.Errorf("yt-dlp read: %w", readErr)
	}
	if len(data) == 0 {
		return nil, errors.New("yt-dlp: empty output")
	}
	return data, nil
}
