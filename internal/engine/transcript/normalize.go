// Package transcript normalizes raw caption and speech-to-text segments.
//
// Stages run in a fixed order: Deduplicate, Clean, MergeIntoSentences.
// Every stage returns a new slice; inputs are never mutated.
package transcript

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

// MergeOptions bounds sentence merging.
type MergeOptions struct {
	MaxGap float64 // seconds of silence that force a flush
	MinLen int     // runes before terminal punctuation may flush
	MaxLen int     // runes a merged segment may not exceed
}

// DefaultMergeOptions match what caption and STT output look like in practice.
var DefaultMergeOptions = MergeOptions{MaxGap: 3, MinLen: 30, MaxLen: 150}

// Normalize orders segments by offset and runs all three stages.
func Normalize(segs []engine.TranscriptSegment) []engine.TranscriptSegment {
	sorted := make([]engine.TranscriptSegment, len(segs))
	copy(sorted, segs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	return MergeIntoSentences(Clean(Deduplicate(sorted)), DefaultMergeOptions)
}

// Deduplicate drops a segment identical to the last kept one, or fully
// contained in it while overlapping in time. The kept segment absorbs the
// dropped one's end so rolling captions do not open artificial gaps.
func Deduplicate(segs []engine.TranscriptSegment) []engine.TranscriptSegment {
	out := make([]engine.TranscriptSegment, 0, len(segs))
	for _, s := range segs {
		if n := len(out); n > 0 {
			prev := &out[n-1]
			cur := strings.TrimSpace(s.Text)
			last := strings.TrimSpace(prev.Text)
			if cur == last || (cur != "" && strings.Contains(last, cur) && s.Offset < prev.End()) {
				if end := s.End(); end > prev.End() {
					prev.Duration = end - prev.Offset
				}
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

var (
	bracketRe    = regexp.MustCompile(`\[[^\]]*\]`)
	noiseParenRe = regexp.MustCompile(`(?i)\(\s*(?:music|applause|laughter|laughs|laughing|inaudible|silence|noise|cheering|crosstalk|sighs)[^)]*\)`)
	musicGlyphRe = regexp.MustCompile(`[♪♫🎵🎶]+`)
	chevronRe    = regexp.MustCompile(`>>+`)
	speakerRe    = regexp.MustCompile(`^(?:[A-Z][A-Z0-9 .'\-]{0,30}|(?i:speaker\s*\d+)):\s+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Clean strips non-speech annotations and speaker labels, collapses
// whitespace, drops segments left empty and prunes word timings whose text
// no longer appears in the cleaned segment.
func Clean(segs []engine.TranscriptSegment) []engine.TranscriptSegment {
	out := make([]engine.TranscriptSegment, 0, len(segs))
	for _, s := range segs {
		text := cleanText(s.Text)
		if text == "" {
			continue
		}
		s.Text = text
		if len(s.Words) > 0 {
			words := make([]engine.Word, 0, len(s.Words))
			for _, w := range s.Words {
				wt := strings.TrimSpace(w.Text)
				if wt != "" && strings.Contains(text, wt) {
					w.Text = wt
					words = append(words, w)
				}
			}
			s.Words = words
			if len(words) == 0 {
				s.Words = nil
			}
		}
		out = append(out, s)
	}
	return out
}

func cleanText(s string) string {
	s = bracketRe.ReplaceAllString(s, " ")
	s = noiseParenRe.ReplaceAllString(s, " ")
	s = musicGlyphRe.ReplaceAllString(s, " ")
	s = chevronRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
	s = speakerRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// MergeIntoSentences greedily joins consecutive fragments. A segment is
// flushed before a fragment that starts more than MaxGap after it ends or
// that would push it past MaxLen, and after a fragment that ends it with
// terminal punctuation once it holds at least MinLen runes.
func MergeIntoSentences(segs []engine.TranscriptSegment, opts MergeOptions) []engine.TranscriptSegment {
	if opts.MaxLen <= 0 {
		opts = DefaultMergeOptions
	}
	out := make([]engine.TranscriptSegment, 0, len(segs))
	var (
		cur    *engine.TranscriptSegment
		curEnd float64
	)
	flush := func() {
		if cur != nil {
			cur.Duration = curEnd - cur.Offset
			out = append(out, *cur)
			cur = nil
		}
	}

	for _, s := range segs {
		if cur != nil {
			gap := s.Offset - curEnd
			long := utf8.RuneCountInString(cur.Text)+1+utf8.RuneCountInString(s.Text) > opts.MaxLen
			if gap > opts.MaxGap || long {
				flush()
			}
		}
		if cur == nil {
			seg := engine.TranscriptSegment{Text: s.Text, Offset: s.Offset}
			seg.Words = append(seg.Words, s.Words...)
			cur = &seg
			curEnd = s.End()
		} else {
			cur.Text += " " + s.Text
			cur.Words = append(cur.Words, s.Words...)
			curEnd = max(curEnd, s.End())
		}
		if utf8.RuneCountInString(cur.Text) >= opts.MinLen && endsSentence(cur.Text) {
			flush()
		}
	}
	flush()
	return out
}

func endsSentence(s string) bool {
	s = strings.TrimRight(s, `"')]»”’ `)
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return true
	}
	return strings.HasSuffix(s, "…") || strings.HasSuffix(s, "。")
}
