// Package toolutil renders transcripts for tool and CLI output.
package toolutil

import (
	"fmt"
	"strings"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

// Output formats accepted by the transcript tools.
const (
	FormatText        = "text"
	FormatTimestamped = "timestamped"
	FormatSegments    = "segments"
)

// NormFormat normalises a format field: empty or unknown → "text".
func NormFormat(f string) string {
	switch f = strings.ToLower(strings.TrimSpace(f)); f {
	case FormatTimestamped, FormatSegments:
		return f
	default:
		return FormatText
	}
}

// PlainText joins segment texts with single spaces.
func PlainText(segs []engine.TranscriptSegment) string {
	var b strings.Builder
	for _, s := range segs {
		if s.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s.Text)
	}
	return b.String()
}

// Timestamped renders one "[mm:ss] text" line per segment.
func Timestamped(segs []engine.TranscriptSegment) string {
	var b strings.Builder
	for _, s := range segs {
		fmt.Fprintf(&b, "[%s] %s\n", Clock(s.Offset), s.Text)
	}
	return b.String()
}

// Clock formats seconds as m:ss, or h:mm:ss past the hour.
func Clock(seconds float64) string {
	total := int(seconds)
	if total < 0 {
		total = 0
	}
	h, m, s := total/3600, total%3600/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
