package youtube

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"strings"

	"golang.org/x/net/html"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

// Caption payloads come in two shapes: json3 (events with nested text runs)
// and timedtext XML, either srv1 <text start dur> or srv3 <p t d> with <s> word spans.

type json3Doc struct {
	Events []json3Event `json:"events"`
}

type json3Event struct {
	TStartMs    int64 `json:"tStartMs"`
	DDurationMs int64 `json:"dDurationMs"`
	Segs        []struct {
		UTF8      string `json:"utf8"`
		TOffsetMs int64  `json:"tOffsetMs"`
	} `json:"segs"`
}

// ParseJSON3 decodes the event-based caption format.
func ParseJSON3(data []byte) ([]engine.TranscriptSegment, error) {
	var doc json3Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &engine.ParseError{Format: "json3", Err: err}
	}
	var segs []engine.TranscriptSegment
	for _, ev := range doc.Events {
		if len(ev.Segs) == 0 {
			continue
		}
		var sb strings.Builder
		var words []engine.Word
		for _, s := range ev.Segs {
			sb.WriteString(s.UTF8)
			if w := strings.TrimSpace(s.UTF8); w != "" {
				words = append(words, engine.Word{Text: w, StartMs: ev.TStartMs + s.TOffsetMs})
			}
		}
		text := collapseSpace(sb.String())
		if text == "" {
			continue
		}
		seg := engine.TranscriptSegment{
			Text:     text,
			Offset:   float64(ev.TStartMs) / 1000,
			Duration: float64(ev.DDurationMs) / 1000,
		}
		if len(words) > 1 {
			seg.Words = words
		}
		segs = append(segs, seg)
	}
	if len(segs) == 0 {
		return nil, &engine.ParseError{Format: "json3", Err: engine.ErrNoTracks}
	}
	return segs, nil
}

type xmlTimedText struct {
	Texts []xmlText `xml:"text"`
	Body  *struct {
		Paragraphs []xmlParagraph `xml:"p"`
	} `xml:"body"`
}

type xmlText struct {
	Start float64 `xml:"start,attr"`
	Dur   float64 `xml:"dur,attr"`
	Inner string  `xml:",innerxml"`
}

type xmlParagraph struct {
	T     int64  `xml:"t,attr"`
	D     int64  `xml:"d,attr"`
	Inner string `xml:",innerxml"`
	Spans []struct {
		T    int64  `xml:"t,attr"`
		Text string `xml:",chardata"`
	} `xml:"s"`
}

// ParseTimedTextXML decodes srv1 and srv3 XML caption documents.
func ParseTimedTextXML(data []byte) ([]engine.TranscriptSegment, error) {
	var doc xmlTimedText
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, &engine.ParseError{Format: "timedtext xml", Err: err}
	}

	var segs []engine.TranscriptSegment
	for _, t := range doc.Texts {
		text := decodeCaptionText(t.Inner)
		if text == "" {
			continue
		}
		segs = append(segs, engine.TranscriptSegment{Text: text, Offset: t.Start, Duration: t.Dur})
	}
	if doc.Body != nil {
		for _, p := range doc.Body.Paragraphs {
			text := decodeCaptionText(p.Inner)
			if text == "" {
				continue
			}
			seg := engine.TranscriptSegment{
				Text:     text,
				Offset:   float64(p.T) / 1000,
				Duration: float64(p.D) / 1000,
			}
			for _, s := range p.Spans {
				if w := decodeCaptionText(s.Text); w != "" {
					seg.Words = append(seg.Words, engine.Word{Text: w, StartMs: p.T + s.T})
				}
			}
			segs = append(segs, seg)
		}
	}
	if len(segs) == 0 {
		return nil, &engine.ParseError{Format: "timedtext xml", Err: engine.ErrNoTracks}
	}
	return segs, nil
}

// ParseCaptions sniffs the payload shape and dispatches to the right decoder.
func ParseCaptions(data []byte) ([]engine.TranscriptSegment, error) {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0:
		return nil, &engine.ParseError{Format: "captions", Err: errors.New("empty payload")}
	case trimmed[0] == '<':
		return ParseTimedTextXML(trimmed)
	default:
		return ParseJSON3(trimmed)
	}
}

// decodeCaptionText strips markup and undoes the double entity encoding
// the host applies to timedtext bodies (&amp;#39; → &#39; → ').
func decodeCaptionText(inner string) string {
	s := engine.CleanHTML(inner)
	s = html.UnescapeString(html.UnescapeString(s))
	return collapseSpace(s)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
