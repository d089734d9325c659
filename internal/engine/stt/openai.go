package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

// OpenAI speech-to-text via audio.transcriptions with segment and word timestamps.
type OpenAI struct {
	apiKey  string
	baseURL string
	model   string
	hc      *http.Client
}

// NewOpenAI builds provider A. An empty apiKey leaves it unavailable.
func NewOpenAI(apiKey, baseURL, model string, hc *http.Client) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "whisper-1"
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &OpenAI{apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), model: model, hc: hc}
}

func (o *OpenAI) Name() engine.Source { return engine.SourceSTTOpenAI }
func (o *OpenAI) Available() bool     { return o.apiKey != "" }

type openAIVerbose struct {
	Text     string `json:"text"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
	Words []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
}

func (o *OpenAI) Transcribe(ctx context.Context, audio []byte) ([]engine.TranscriptSegment, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := [][2]string{
		{"model", o.model},
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "segment"},
		{"timestamp_granularities[]", "word"},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, err
		}
	}
	fw, err := mw.CreateFormFile("file", "audio.m4a")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := o.hc.Do(req)
	if err != nil {
		return nil, &engine.NetworkError{Op: "openai transcription", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("openai http %d: %s", resp.StatusCode, string(b))
	}
	var vr openAIVerbose
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, &engine.ParseError{Format: "openai verbose_json", Err: err}
	}

	segs := make([]engine.TranscriptSegment, 0, len(vr.Segments))
	wi := 0
	for _, s := range vr.Segments {
		seg := engine.TranscriptSegment{Text: strings.TrimSpace(s.Text), Offset: s.Start, Duration: s.End - s.Start}
		for wi < len(vr.Words) && vr.Words[wi].Start < s.End {
			if w := strings.TrimSpace(vr.Words[wi].Word); w != "" && vr.Words[wi].Start >= s.Start {
				seg.Words = append(seg.Words, engine.Word{Text: w, StartMs: int64(vr.Words[wi].Start * 1000)})
			}
			wi++
		}
		segs = append(segs, seg)
	}
	if len(segs) == 0 && strings.TrimSpace(vr.Text) != "" {
		segs = append(segs, engine.TranscriptSegment{Text: strings.TrimSpace(vr.Text)})
	}
	return segs, nil
}
