package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

// Cloudflare Workers AI whisper backend.
// POST {base}/accounts/{account_id}/ai/run/{model} with bearer API token.
type Cloudflare struct {
	accountID string
	apiToken  string
	model     string
	baseURL   string
	hc        *http.Client
}

// NewCloudflare builds provider B. Both account and token are required.
func NewCloudflare(accountID, apiToken, model string, hc *http.Client) *Cloudflare {
	if model == "" {
		model = "@cf/openai/whisper"
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Cloudflare{
		accountID: accountID,
		apiToken:  apiToken,
		model:     model,
		baseURL:   "https://api.cloudflare.com/client/v4",
		hc:        hc,
	}
}

func (c *Cloudflare) Name() engine.Source { return engine.SourceSTTCloudflare }
func (c *Cloudflare) Available() bool     { return c.accountID != "" && c.apiToken != "" }

type cfResp struct {
	Success bool            `json:"success"`
	Errors  []any           `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type cfWhisperResult struct {
	Text  string `json:"text"`
	Words []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
}

// Transcribe returns one segment per word; the normalizer merges them into sentences.
func (c *Cloudflare) Transcribe(ctx context.Context, audio []byte) ([]engine.TranscriptSegment, error) {
	url := fmt.Sprintf("%s/accounts/%s/ai/run/%s", c.baseURL, c.accountID, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(audio))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &engine.NetworkError{Op: "cloudflare transcription", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("cloudflare http %d: %s", resp.StatusCode, string(b))
	}
	var cr cfResp
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, &engine.ParseError{Format: "cloudflare", Err: err}
	}
	if !cr.Success {
		return nil, fmt.Errorf("cloudflare response not successful: %v", cr.Errors)
	}
	var wr cfWhisperResult
	if err := json.Unmarshal(cr.Result, &wr); err != nil {
		return nil, &engine.ParseError{Format: "cloudflare whisper", Err: err}
	}

	segs := make([]engine.TranscriptSegment, 0, len(wr.Words))
	for _, w := range wr.Words {
		text := strings.TrimSpace(w.Word)
		if text == "" {
			continue
		}
		segs = append(segs, engine.TranscriptSegment{Text: text, Offset: w.Start, Duration: w.End - w.Start})
	}
	if len(segs) == 0 && strings.TrimSpace(wr.Text) != "" {
		segs = append(segs, engine.TranscriptSegment{Text: strings.TrimSpace(wr.Text)})
	}
	return segs, nil
}
