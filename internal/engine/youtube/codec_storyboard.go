package youtube

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

// StoryboardLevel is one resolution of the sprite-sheet index.
type StoryboardLevel struct {
	Index      int
	Width      int
	Height     int
	FrameCount int
	Columns    int
	Rows       int
	Interval   time.Duration // time between frames; 0 = evenly spread over the video
	name       string
	sigh       string
	template   string
}

// Sheets is the number of sprite images needed to cover every frame.
func (l StoryboardLevel) Sheets() int {
	per := l.Columns * l.Rows
	if per <= 0 {
		return 0
	}
	return (l.FrameCount + per - 1) / per
}

// SheetURL returns the image URL for the given sprite sheet of this level.
func (l StoryboardLevel) SheetURL(sheet int) string {
	name := strings.ReplaceAll(l.name, "$M", strconv.Itoa(sheet))
	u := strings.ReplaceAll(l.template, "$L", strconv.Itoa(l.Index))
	u = strings.ReplaceAll(u, "$N", name)
	if l.sigh != "" {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "sigh=" + l.sigh
	}
	return u
}

// ParseStoryboard splits a spec of the form "template|w#h#count#cols#rows#interval#name#sigh|...".
func ParseStoryboard(spec string) ([]StoryboardLevel, error) {
	parts := strings.Split(spec, "|")
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "http") {
		return nil, &engine.ParseError{Format: "storyboard", Err: fmt.Errorf("no levels in %q", engine.TruncateRunes(spec, 60, "…"))}
	}
	template := parts[0]
	levels := make([]StoryboardLevel, 0, len(parts)-1)
	for i, p := range parts[1:] {
		f := strings.Split(p, "#")
		if len(f) < 8 {
			return nil, &engine.ParseError{Format: "storyboard", Err: fmt.Errorf("level %d has %d fields", i, len(f))}
		}
		nums := make([]int, 6)
		for j := range nums {
			n, err := strconv.Atoi(f[j])
			if err != nil {
				return nil, &engine.ParseError{Format: "storyboard", Err: fmt.Errorf("level %d field %d: %w", i, j, err)}
			}
			nums[j] = n
		}
		levels = append(levels, StoryboardLevel{
			Index:      i,
			Width:      nums[0],
			Height:     nums[1],
			FrameCount: nums[2],
			Columns:    nums[3],
			Rows:       nums[4],
			Interval:   time.Duration(nums[5]) * time.Millisecond,
			name:       f[6],
			sigh:       f[7],
			template:   template,
		})
	}
	return levels, nil
}
