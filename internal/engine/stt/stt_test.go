package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

type fakeAudio struct {
	calls int
	err   error
}

func (f *fakeAudio) AcquireAudio(context.Context, string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte("audio"), nil
}

type fakeProvider struct {
	name      engine.Source
	available bool
	segs      []engine.TranscriptSegment
	err       error
	delay     time.Duration
	calls     int
}

func (f *fakeProvider) Name() engine.Source { return f.name }
func (f *fakeProvider) Available() bool     { return f.available }
func (f *fakeProvider) Transcribe(ctx context.Context, _ []byte) ([]engine.TranscriptSegment, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.segs, f.err
}

func TestCascadeFallsThrough(t *testing.T) {
	audio := &fakeAudio{}
	a := &fakeProvider{name: engine.SourceSTTOpenAI, available: true, err: errors.New("quota")}
	b := &fakeProvider{name: engine.SourceSTTCloudflare, available: true, segs: []engine.TranscriptSegment{
		{Text: "hello", Offset: 0, Duration: 0.4},
		{Text: "world.", Offset: 0.5, Duration: 0.4},
	}}
	res, err := NewCascade(audio, time.Second, a, b).Run(context.Background(), "abcdefghijk")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Source != engine.SourceSTTCloudflare {
		t.Errorf("source = %s", res.Source)
	}
	if len(res.Segments) != 1 || res.Segments[0].Text != "hello world." {
		t.Errorf("segments not normalized: %+v", res.Segments)
	}
	if audio.calls != 1 {
		t.Errorf("audio fetched %d times, want 1", audio.calls)
	}
}

func TestCascadeExhausted(t *testing.T) {
	tests := []struct {
		name      string
		audioErr  error
		providers []Provider
		wantAudio int
	}{
		{"none configured", nil, []Provider{&fakeProvider{available: false}}, 0},
		{"audio unavailable", engine.ErrAudioUnavailable, []Provider{&fakeProvider{available: true}}, 1},
		{"all empty", nil, []Provider{&fakeProvider{available: true}, &fakeProvider{available: true}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			audio := &fakeAudio{err: tt.audioErr}
			_, err := NewCascade(audio, time.Second, tt.providers...).Run(context.Background(), "abcdefghijk")
			if !errors.Is(err, engine.ErrSttExhausted) {
				t.Fatalf("err = %v, want ErrSttExhausted", err)
			}
			if tt.audioErr != nil && !errors.Is(err, tt.audioErr) {
				t.Errorf("err = %v, want wrapped %v", err, tt.audioErr)
			}
			if audio.calls != tt.wantAudio {
				t.Errorf("audio calls = %d, want %d", audio.calls, tt.wantAudio)
			}
		})
	}
}

func TestCascadeProviderTimeout(t *testing.T) {
	slow := &fakeProvider{name: engine.SourceSTTOpenAI, available: true, delay: time.Second}
	fast := &fakeProvider{name: engine.SourceSTTCloudflare, available: true, segs: []engine.TranscriptSegment{{Text: "ok", Duration: 1}}}
	res, err := NewCascade(&fakeAudio{}, 20*time.Millisecond, slow, fast).Run(context.Background(), "abcdefghijk")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Source != engine.SourceSTTCloudflare {
		t.Errorf("source = %s, want fallback after timeout", res.Source)
	}
}

func TestOpenAITranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" || r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.FormValue("response_format") != "verbose_json" || len(r.MultipartForm.Value["timestamp_granularities[]"]) != 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		if string(data) != "audio" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"text":"hi there. bye","segments":[{"start":0,"end":1.2,"text":" hi there."},{"start":1.5,"end":2,"text":" bye"}],
			"words":[{"word":"hi","start":0,"end":0.4},{"word":"there.","start":0.5,"end":1.1},{"word":"bye","start":1.5,"end":1.9}]}`)
	}))
	defer srv.Close()

	p := NewOpenAI("sk-test", srv.URL+"/v1", "", srv.Client())
	if !p.Available() {
		t.Fatal("configured provider should be available")
	}
	segs, err := p.Transcribe(context.Background(), []byte("audio"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(segs) != 2 || segs[0].Text != "hi there." || segs[1].Offset != 1.5 {
		t.Fatalf("segments = %+v", segs)
	}
	if len(segs[0].Words) != 2 || segs[1].Words[0].StartMs != 1500 {
		t.Errorf("words = %+v / %+v", segs[0].Words, segs[1].Words)
	}

	if NewOpenAI("", "", "", nil).Available() {
		t.Error("provider without key must be unavailable")
	}
}

func TestCloudflareTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/accounts/acct/ai/run/@cf/openai/whisper") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"success":true,"result":{"text":"good morning","words":[{"word":"good","start":0,"end":0.3},{"word":" ","start":0.3,"end":0.3},{"word":"morning","start":0.4,"end":0.9}]}}`)
	}))
	defer srv.Close()

	p := NewCloudflare("acct", "tok", "", srv.Client())
	p.baseURL = srv.URL
	segs, err := p.Transcribe(context.Background(), []byte("audio"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(segs) != 2 || segs[1].Text != "morning" || segs[1].Offset != 0.4 {
		t.Errorf("segments = %+v", segs)
	}
}

func TestCloudflareUnsuccessful(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false,"errors":[{"message":"bad audio"}],"result":null}`)
	}))
	defer srv.Close()

	p := NewCloudflare("acct", "tok", "", srv.Client())
	p.baseURL = srv.URL
	if _, err := p.Transcribe(context.Background(), []byte("audio")); err == nil {
		t.Fatal("expected error for unsuccessful response")
	}
	if NewCloudflare("acct", "", "", nil).Available() {
		t.Error("provider without token must be unavailable")
	}
}
