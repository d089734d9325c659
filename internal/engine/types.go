package engine

import "time"

// --- Transcript types ---

// Word is a word-level timing inside a segment.
type Word struct {
	Text    string `json:"text"`
	StartMs int64  `json:"startMs"`
}

// TranscriptSegment is one time-aligned piece of text.
// The JSON shape matches what the GPU service upserts into the transcripts table.
type TranscriptSegment struct {
	Text     string  `json:"text"`
	Offset   float64 `json:"offset"`   // seconds
	Duration float64 `json:"duration"` // seconds
	Words    []Word  `json:"words,omitempty"`
}

// End returns the segment end in seconds.
func (s TranscriptSegment) End() float64 { return s.Offset + s.Duration }

// Source identifies which acquisition tier produced a transcript.
type Source string

const (
	SourceWebScrape     Source = "web-scrape"
	SourceSTTOpenAI     Source = "stt-provider-a"
	SourceSTTCloudflare Source = "stt-provider-b"
	SourceGPU           Source = "gpu-transcription"
)

// CachedTranscript is a persisted acquisition result.
type CachedTranscript struct {
	VideoID   string              `json:"videoId"`
	Segments  []TranscriptSegment `json:"segments"`
	Source    Source              `json:"source"`
	FetchedAt time.Time           `json:"fetchedAt"`
	ExpiresAt time.Time           `json:"expiresAt"`
}

// Expired reports whether the transcript is past its retention window.
func (c *CachedTranscript) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// DurationSeconds returns the end of the last segment.
func (c *CachedTranscript) DurationSeconds() float64 {
	return SegmentsDuration(c.Segments)
}

// SegmentsDuration returns the end time of the last segment, 0 for none.
func SegmentsDuration(segs []TranscriptSegment) float64 {
	if len(segs) == 0 {
		return 0
	}
	return segs[len(segs)-1].End()
}

// VideoMetadata is the subset of player metadata surfaced to callers.
type VideoMetadata struct {
	VideoID       string `json:"videoId"`
	Title         string `json:"title,omitempty"`
	Author        string `json:"author,omitempty"`
	ChannelID     string `json:"channelId,omitempty"`
	LengthSeconds int    `json:"lengthSeconds,omitempty"`
	Description   string `json:"description,omitempty"`
}
