package pipeline

import (
	"github.com/anatolykoptev/go_transcript/internal/engine"
	"github.com/anatolykoptev/go_transcript/internal/store"
)

// EventKind names a delivery event. Kinds arrive in order:
// status*, then meta, segments, done; or status*, queued; or error.
type EventKind string

const (
	EventStatus   EventKind = "status"
	EventMeta     EventKind = "meta"
	EventSegments EventKind = "segments"
	EventDone     EventKind = "done"
	EventError    EventKind = "error"
	EventQueued   EventKind = "queued"
)

// Event is one pushed notice. Data holds the kind's payload struct.
type Event struct {
	Kind EventKind
	Data any
}

// Phases reported in StatusData.
const (
	PhaseCache    = "cache"
	PhaseCaptions = "captions"
	PhaseGateway  = "gateway"
	PhaseSTT      = "stt"
	PhaseQueue    = "queue"
)

type StatusData struct {
	Phase   string `json:"phase"`
	Message string `json:"message"`
}

type MetaData struct {
	Source         engine.Source         `json:"source"`
	Cached         bool                  `json:"cached"`
	Metadata       *engine.VideoMetadata `json:"metadata,omitempty"`
	StoryboardSpec string                `json:"storyboardSpec,omitempty"`
}

type SegmentsData struct {
	Segments []engine.TranscriptSegment `json:"segments"`
}

type DoneData struct {
	Total           int           `json:"total"`
	Source          engine.Source `json:"source"`
	DurationSeconds float64       `json:"durationSeconds"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// QueuedData tells the caller to stop waiting and follow the job instead.
type QueuedData struct {
	VideoID string              `json:"videoId"`
	Action  store.EnqueueAction `json:"action"`
	JobID   string              `json:"jobId,omitempty"`
}

// Emitter receives events in order. Implementations must not block for long.
type Emitter func(Event)

func (e Emitter) emit(kind EventKind, data any) {
	if e != nil {
		e(Event{Kind: kind, Data: data})
	}
}

func (e Emitter) status(phase, msg string) { e.emit(EventStatus, StatusData{Phase: phase, Message: msg}) }
