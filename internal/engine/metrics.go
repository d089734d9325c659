package engine

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics tracks operational counters across the engine.
var metrics struct {
	TranscriptRequests atomic.Int64
	PageScrapes        atomic.Int64
	PageScrapeHits     atomic.Int64
	GatewayCaptions    atomic.Int64
	GatewayCaptionHits atomic.Int64
	AudioAttempts      atomic.Int64
	AudioSuccesses     atomic.Int64
	CodecErrors        atomic.Int64
	STTAttempts        atomic.Int64
	STTSuccesses       atomic.Int64
	QueueEnqueues      atomic.Int64
	WorkerCompleted    atomic.Int64
	WorkerFailed       atomic.Int64
	WorkerPreempted    atomic.Int64
	WorkerGPUBusy      atomic.Int64
}

var metricKeys = []string{
	"transcript_requests",
	"page_scrapes", "page_scrape_hits",
	"gateway_captions", "gateway_caption_hits",
	"audio_attempts", "audio_successes", "codec_errors",
	"stt_attempts", "stt_successes",
	"queue_enqueues",
	"worker_completed", "worker_failed", "worker_preempted", "worker_gpu_busy",
	"cache_hits", "cache_misses",
}

// GetMetrics returns a snapshot of all metrics including cache stats.
func GetMetrics() map[string]int64 {
	hits, misses := CacheStats()
	return map[string]int64{
		"transcript_requests":  metrics.TranscriptRequests.Load(),
		"page_scrapes":         metrics.PageScrapes.Load(),
		"page_scrape_hits":     metrics.PageScrapeHits.Load(),
		"gateway_captions":     metrics.GatewayCaptions.Load(),
		"gateway_caption_hits": metrics.GatewayCaptionHits.Load(),
		"audio_attempts":       metrics.AudioAttempts.Load(),
		"audio_successes":      metrics.AudioSuccesses.Load(),
		"codec_errors":         metrics.CodecErrors.Load(),
		"stt_attempts":         metrics.STTAttempts.Load(),
		"stt_successes":        metrics.STTSuccesses.Load(),
		"queue_enqueues":       metrics.QueueEnqueues.Load(),
		"worker_completed":     metrics.WorkerCompleted.Load(),
		"worker_failed":        metrics.WorkerFailed.Load(),
		"worker_preempted":     metrics.WorkerPreempted.Load(),
		"worker_gpu_busy":      metrics.WorkerGPUBusy.Load(),
		"cache_hits":           hits,
		"cache_misses":         misses,
	}
}

// FormatMetrics returns metrics as a simple text format for HTTP endpoint.
func FormatMetrics() string {
	m := GetMetrics()
	var sb strings.Builder
	for _, k := range metricKeys {
		fmt.Fprintf(&sb, "%s %d\n", k, m[k])
	}
	return sb.String()
}

// Incrementors for the pipeline and youtube sub-packages.
func IncrTranscriptRequests() { metrics.TranscriptRequests.Add(1) }
func IncrPageScrape(hit bool) {
	metrics.PageScrapes.Add(1)
	if hit {
		metrics.PageScrapeHits.Add(1)
	}
}
func IncrGatewayCaptions(hit bool) {
	metrics.GatewayCaptions.Add(1)
	if hit {
		metrics.GatewayCaptionHits.Add(1)
	}
}
func IncrAudio(ok bool) {
	metrics.AudioAttempts.Add(1)
	if ok {
		metrics.AudioSuccesses.Add(1)
	}
}
func IncrCodecErrors() { metrics.CodecErrors.Add(1) }

// Incrementors for stt/ and worker/.
func IncrSTT(ok bool) {
	metrics.STTAttempts.Add(1)
	if ok {
		metrics.STTSuccesses.Add(1)
	}
}
func IncrQueueEnqueues()   { metrics.QueueEnqueues.Add(1) }
func IncrWorkerCompleted() { metrics.WorkerCompleted.Add(1) }
func IncrWorkerFailed()    { metrics.WorkerFailed.Add(1) }
func IncrWorkerPreempted() { metrics.WorkerPreempted.Add(1) }
func IncrWorkerGPUBusy()   { metrics.WorkerGPUBusy.Add(1) }
