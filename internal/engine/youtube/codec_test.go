package youtube

import (
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

func TestDecipherPrimitives(t *testing.T) {
	const sig = "ABCDEFGHIJ"
	tests := []struct {
		name string
		ops  []cipherOp
		want string
	}{
		{"reverse", []cipherOp{{kind: cipherReverse}}, "JIHGFEDCBA"},
		{"drop 2", []cipherOp{{kind: cipherDrop, arg: 2}}, "CDEFGHIJ"},
		{"swap 3", []cipherOp{{kind: cipherSwap, arg: 3}}, "DBCAEFGHIJ"},
		{"swap wraps", []cipherOp{{kind: cipherSwap, arg: 13}}, "DBCAEFGHIJ"},
		{"drop past end", []cipherOp{{kind: cipherDrop, arg: 40}}, ""},
		{"combined", []cipherOp{{kind: cipherReverse}, {kind: cipherDrop, arg: 2}, {kind: cipherSwap, arg: 3}}, "EGFHDCBA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Decipherer{ops: tt.ops}
			if got := d.Decode(sig); got != tt.want {
				t.Errorf("Decode(%q) = %q, want %q", sig, got, tt.want)
			}
		})
	}
}

const testPlayerScript = `var x=1;
var Xy={ab:function(a){a.reverse()},cd:function(a,b){a.splice(0,b)},
"ef":function(a,b){var c=a[0];a[0]=a[b%a.length];a[b%a.length]=c}};
Qz=function(a){a=a.split("");Xy.ab(a,0);Xy.cd(a,2);Xy["ef"](a,3);return a.join("")};
var cfg={signatureTimestamp:20100};`

func TestParseCipher(t *testing.T) {
	d, err := ParseCipher(testPlayerScript)
	if err != nil {
		t.Fatalf("ParseCipher: %v", err)
	}
	if len(d.ops) != 3 {
		t.Fatalf("ops = %d, want 3", len(d.ops))
	}
	if got := d.Decode("ABCDEFGHIJ"); got != "EGFHDCBA" {
		t.Errorf("Decode = %q, want %q", got, "EGFHDCBA")
	}
	if sts := signatureTimestamp(testPlayerScript); sts != 20100 {
		t.Errorf("signatureTimestamp = %d, want 20100", sts)
	}
}

func TestParseCipherSpliceSwap(t *testing.T) {
	script := `var Xy={ab:function(a,b){a.splice(0,1,a.splice(b,1,a[0])[0])},cd:function(a,b){a.splice(0,b)}};
Qz=function(a){a=a.split("");Xy.ab(a,3);return a.join("")};`
	d, err := ParseCipher(script)
	if err != nil {
		t.Fatalf("ParseCipher: %v", err)
	}
	if len(d.ops) != 1 || d.ops[0].kind != cipherSwap {
		t.Fatalf("ops = %+v, want one swap", d.ops)
	}
	if got := d.Decode("ABCDEFGHIJ"); got != "DBCAEFGHIJ" {
		t.Errorf("Decode = %q, want %q", got, "DBCAEFGHIJ")
	}

	helpers, err := parseHelperTable(script, "Xy")
	if err != nil {
		t.Fatalf("parseHelperTable: %v", err)
	}
	if helpers["cd"] != cipherDrop {
		t.Errorf("cd = %v, want drop", helpers["cd"])
	}
}

func TestParseCipherShapeChanged(t *testing.T) {
	tests := []struct {
		name   string
		script string
		stage  string
	}{
		{"no entry", `var a=function(b){return b}`, "entry"},
		{"no helper table", `Qz=function(a){a=a.split("");Zz.ab(a,1);return a.join("")};`, "helpers"},
		{"unknown idiom", `var Zz={ab:function(a){a.sort()}};Qz=function(a){a=a.split("");Zz.ab(a,1);return a.join("")};`, "helpers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCipher(tt.script)
			var ce *engine.CodecError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want CodecError", err)
			}
			if ce.Stage != tt.stage {
				t.Errorf("stage = %q, want %q", ce.Stage, tt.stage)
			}
		})
	}
}

func TestResolveURL(t *testing.T) {
	raw := "s=ABCDEFGHIJ&sp=sig&url=" + url.QueryEscape("https://rr1.googlevideo.com/videoplayback?itag=140")
	desc, err := ParseCipherDescriptor(raw)
	if err != nil {
		t.Fatalf("ParseCipherDescriptor: %v", err)
	}
	d := &Decipherer{ops: []cipherOp{{kind: cipherReverse}}}
	got, err := d.ResolveURL(desc)
	if err != nil {
		t.Fatalf("ResolveURL: %v", err)
	}
	u, _ := url.Parse(got)
	if u.Query().Get("sig") != "JIHGFEDCBA" {
		t.Errorf("sig = %q, want reversed signature", u.Query().Get("sig"))
	}
	if u.Query().Get("itag") != "140" {
		t.Error("original query must be preserved")
	}

	desc, err = ParseCipherDescriptor("s=XYZ&url=" + url.QueryEscape("https://rr1.googlevideo.com/v"))
	if err != nil {
		t.Fatalf("ParseCipherDescriptor: %v", err)
	}
	if desc.ParamName != "signature" {
		t.Errorf("default param = %q, want signature", desc.ParamName)
	}
	if _, err := ParseCipherDescriptor("sp=sig"); err == nil {
		t.Error("expected error for descriptor without url")
	}
}

func TestParseJSON3(t *testing.T) {
	data := []byte(`{"events":[
		{"tStartMs":0,"dDurationMs":1500,"segs":[{"utf8":"hello"},{"utf8":" there","tOffsetMs":600}]},
		{"tStartMs":1500,"dDurationMs":10,"segs":[{"utf8":"\n"}]},
		{"tStartMs":2000,"dDurationMs":1000},
		{"tStartMs":2500,"dDurationMs":1200,"segs":[{"utf8":"world"}]}
	]}`)
	segs, err := ParseJSON3(data)
	if err != nil {
		t.Fatalf("ParseJSON3: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("segments = %d, want 2", len(segs))
	}
	if segs[0].Text != "hello there" || segs[0].Duration != 1.5 {
		t.Errorf("seg0 = %+v", segs[0])
	}
	if len(segs[0].Words) != 2 || segs[0].Words[1].StartMs != 600 {
		t.Errorf("words = %+v", segs[0].Words)
	}
	if segs[1].Offset != 2.5 || segs[1].Text != "world" {
		t.Errorf("seg1 = %+v", segs[1])
	}
}

func TestParseTimedTextXML(t *testing.T) {
	t.Run("srv1", func(t *testing.T) {
		data := []byte(`<?xml version="1.0" encoding="utf-8" ?><transcript>` +
			`<text start="0.5" dur="2.1">it&amp;#39;s   fine</text>` +
			`<text start="2.6" dur="1">&amp;quot;ok&amp;quot;</text>` +
			`<text start="4" dur="1"> </text></transcript>`)
		segs, err := ParseTimedTextXML(data)
		if err != nil {
			t.Fatalf("ParseTimedTextXML: %v", err)
		}
		if len(segs) != 2 {
			t.Fatalf("segments = %d, want 2", len(segs))
		}
		if segs[0].Text != "it's fine" || segs[0].Offset != 0.5 {
			t.Errorf("seg0 = %+v", segs[0])
		}
		if segs[1].Text != `"ok"` {
			t.Errorf("seg1 text = %q", segs[1].Text)
		}
	})

	t.Run("srv3", func(t *testing.T) {
		data := []byte(`<timedtext format="3"><body>` +
			`<p t="1000" d="2000"><s t="0">good</s><s t="400"> morning</s></p>` +
			`<p t="3000" d="500">bye</p></body></timedtext>`)
		segs, err := ParseTimedTextXML(data)
		if err != nil {
			t.Fatalf("ParseTimedTextXML: %v", err)
		}
		if len(segs) != 2 {
			t.Fatalf("segments = %d, want 2", len(segs))
		}
		if segs[0].Text != "good morning" || segs[0].Offset != 1 || segs[0].Duration != 2 {
			t.Errorf("seg0 = %+v", segs[0])
		}
		if len(segs[0].Words) != 2 || segs[0].Words[1].StartMs != 1400 {
			t.Errorf("words = %+v", segs[0].Words)
		}
	})

	t.Run("empty document", func(t *testing.T) {
		_, err := ParseTimedTextXML([]byte(`<transcript></transcript>`))
		if !errors.Is(err, engine.ErrNoTracks) {
			t.Errorf("err = %v, want ErrNoTracks", err)
		}
	})
}

func TestParseCaptionsSniff(t *testing.T) {
	if _, err := ParseCaptions([]byte(`  <transcript><text start="0" dur="1">x</text></transcript>`)); err != nil {
		t.Errorf("xml sniff: %v", err)
	}
	if _, err := ParseCaptions([]byte(`{"events":[{"tStartMs":0,"segs":[{"utf8":"x"}]}]}`)); err != nil {
		t.Errorf("json sniff: %v", err)
	}
	var pe *engine.ParseError
	if _, err := ParseCaptions([]byte("not captions")); !errors.As(err, &pe) {
		t.Errorf("err = %v, want ParseError", err)
	}
}

// Parsing never grows the text beyond what the payload carried.
func TestParseCaptionsPreservesOrderAndLength(t *testing.T) {
	data := []byte(`<transcript><text start="0" dur="1">one</text><text start="1" dur="1">two  three</text><text start="3" dur="1">four</text></transcript>`)
	segs, err := ParseCaptions(data)
	if err != nil {
		t.Fatalf("ParseCaptions: %v", err)
	}
	total := 0
	for i, s := range segs {
		total += len(s.Text)
		if i > 0 && s.Offset < segs[i-1].Offset {
			t.Errorf("segment %d out of order", i)
		}
	}
	if total > len("one")+len("two  three")+len("four") {
		t.Errorf("total chars %d grew", total)
	}
}

func TestParseStoryboard(t *testing.T) {
	spec := "https://i.ytimg.com/sb/abc/storyboard3_L$L/$N.jpg?sqp=xyz" +
		"|48#27#100#10#10#0#default#rs$AAA" +
		"|80#45#250#10#10#2000#M$M#rs$BBB"
	levels, err := ParseStoryboard(spec)
	if err != nil {
		t.Fatalf("ParseStoryboard: %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("levels = %d, want 2", len(levels))
	}
	l1 := levels[1]
	if l1.Width != 80 || l1.Height != 45 || l1.Columns != 10 || l1.Rows != 10 {
		t.Errorf("geometry = %+v", l1)
	}
	if l1.Interval != 2*time.Second {
		t.Errorf("interval = %v, want 2s", l1.Interval)
	}
	if l1.Sheets() != 3 {
		t.Errorf("sheets = %d, want 3", l1.Sheets())
	}
	got := l1.SheetURL(2)
	want := "https://i.ytimg.com/sb/abc/storyboard3_L1/M2.jpg?sqp=xyz&sigh=rs$BBB"
	if got != want {
		t.Errorf("SheetURL = %q, want %q", got, want)
	}
	if !strings.Contains(levels[0].SheetURL(0), "/default.jpg") {
		t.Errorf("level 0 url = %q", levels[0].SheetURL(0))
	}

	if _, err := ParseStoryboard("garbage"); err == nil {
		t.Error("expected error for spec without levels")
	}
	if _, err := ParseStoryboard("https://x/$L|1#2#3"); err == nil {
		t.Error("expected error for short level")
	}
}
