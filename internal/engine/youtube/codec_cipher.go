package youtube

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

// CipherDescriptor is a media URL whose signature must be solved before it is fetchable.
type CipherDescriptor struct {
	BaseURL   string
	Signature string
	ParamName string // query parameter that carries the solved signature
}

// ParseCipherDescriptor decodes a signatureCipher value ("s=...&sp=...&url=...").
func ParseCipherDescriptor(raw string) (CipherDescriptor, error) {
	q, err := url.ParseQuery(raw)
	if err != nil {
		return CipherDescriptor{}, &engine.ParseError{Format: "signature cipher", Err: err}
	}
	d := CipherDescriptor{BaseURL: q.Get("url"), Signature: q.Get("s"), ParamName: q.Get("sp")}
	if d.BaseURL == "" || d.Signature == "" {
		return CipherDescriptor{}, &engine.ParseError{Format: "signature cipher", Err: errors.New("missing url or s")}
	}
	if d.ParamName == "" {
		d.ParamName = "signature"
	}
	return d, nil
}

type cipherKind int

const (
	cipherReverse cipherKind = iota
	cipherDrop               // drop the first k characters
	cipherSwap               // swap element 0 with element k mod len
)

type cipherOp struct {
	kind cipherKind
	arg  int
}

// Decipherer replays the signature transformation recovered from a player script.
type Decipherer struct {
	ops []cipherOp
}

var (
	cipherEntryRes = []*regexp.Regexp{
		regexp.MustCompile(`\b([a-zA-Z0-9_$]{2,})\s*=\s*function\(\s*a\s*\)\s*\{\s*a\s*=\s*a\.split\(\s*""\s*\)`),
		regexp.MustCompile(`function\s+([a-zA-Z0-9_$]{2,})\s*\(\s*a\s*\)\s*\{\s*a\s*=\s*a\.split\(\s*""\s*\)`),
	}
	cipherCallRe   = regexp.MustCompile(`([a-zA-Z0-9_$]+)(?:\.([a-zA-Z0-9_$]+)|\["([a-zA-Z0-9_$]+)"\])\(a,(\d+)\)`)
	cipherMethodRe = regexp.MustCompile(`([a-zA-Z0-9_$]+|"[^"]+")\s*:\s*function\s*\([^)]*\)\s*\{([^}]*)\}`)
	cipherJoinRe   = regexp.MustCompile(`return\s+a\.join\(\s*""\s*\)`)
)

// ParseCipher locates the signature entry function in a player script and
// classifies every helper it calls. A CodecError means the script changed shape.
func ParseCipher(script string) (*Decipherer, error) {
	start := -1
	for _, re := range cipherEntryRes {
		if loc := re.FindStringIndex(script); loc != nil {
			start = loc[1]
			break
		}
	}
	if start < 0 {
		return nil, &engine.CodecError{Stage: "entry", Err: errors.New("signature function not found")}
	}
	end := cipherJoinRe.FindStringIndex(script[start:])
	if end == nil {
		return nil, &engine.CodecError{Stage: "entry", Err: errors.New("signature function has no join")}
	}
	body := script[start : start+end[0]]

	calls := cipherCallRe.FindAllStringSubmatch(body, -1)
	if len(calls) == 0 {
		return nil, &engine.CodecError{Stage: "entry", Err: errors.New("signature function has no helper calls")}
	}
	objName := calls[0][1]
	helpers, err := parseHelperTable(script, objName)
	if err != nil {
		return nil, err
	}

	d := &Decipherer{}
	for _, c := range calls {
		if c[1] != objName {
			return nil, &engine.CodecError{Stage: "entry", Err: fmt.Errorf("mixed helper objects %s/%s", objName, c[1])}
		}
		method := c[2]
		if method == "" {
			method = c[3]
		}
		kind, ok := helpers[method]
		if !ok {
			return nil, &engine.CodecError{Stage: "helper", Err: fmt.Errorf("helper %s.%s not classified", objName, method)}
		}
		arg, _ := strconv.Atoi(c[4])
		d.ops = append(d.ops, cipherOp{kind: kind, arg: arg})
	}
	return d, nil
}

// parseHelperTable finds "var obj={...};" and classifies each method body.
func parseHelperTable(script, objName string) (map[string]cipherKind, error) {
	re := regexp.MustCompile(`var\s+` + regexp.QuoteMeta(objName) + `\s*=\s*\{`)
	loc := re.FindStringIndex(script)
	if loc == nil {
		return nil, &engine.CodecError{Stage: "helpers", Err: fmt.Errorf("helper table %s not found", objName)}
	}
	table := extractJSON([]byte(script[loc[1]-1:]))
	if table == nil {
		return nil, &engine.CodecError{Stage: "helpers", Err: fmt.Errorf("helper table %s unterminated", objName)}
	}

	helpers := make(map[string]cipherKind)
	for _, m := range cipherMethodRe.FindAllStringSubmatch(string(table), -1) {
		name := strings.Trim(m[1], `"`)
		// Swap idioms come first: one of them is itself built from splice.
		switch fn := strings.Join(strings.Fields(m[2]), ""); {
		case strings.Contains(fn, "%a.length"), strings.Contains(fn, "a[0]=a[b"), strings.Contains(fn, "splice(0,1,"):
			helpers[name] = cipherSwap
		case strings.Contains(fn, "reverse"):
			helpers[name] = cipherReverse
		case strings.Contains(fn, "splice"):
			helpers[name] = cipherDrop
		}
	}
	if len(helpers) == 0 {
		return nil, &engine.CodecError{Stage: "helpers", Err: fmt.Errorf("no known idioms in %s", objName)}
	}
	return helpers, nil
}

// Decode applies the recovered operations to a signature.
func (d *Decipherer) Decode(sig string) string {
	b := []byte(sig)
	for _, op := range d.ops {
		switch op.kind {
		case cipherReverse:
			for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
				b[i], b[j] = b[j], b[i]
			}
		case cipherDrop:
			k := min(op.arg, len(b))
			b = b[k:]
		case cipherSwap:
			if len(b) == 0 {
				continue
			}
			k := op.arg % len(b)
			b[0], b[k] = b[k], b[0]
		}
	}
	return string(b)
}

// ResolveURL returns the playable URL with the solved signature appended.
func (d *Decipherer) ResolveURL(desc CipherDescriptor) (string, error) {
	u, err := url.Parse(desc.BaseURL)
	if err != nil {
		return "", &engine.ParseError{Format: "cipher url", Err: err}
	}
	q := u.Query()
	q.Set(desc.ParamName, d.Decode(desc.Signature))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var (
	playerJSRe = regexp.MustCompile(`"(?:jsUrl|PLAYER_JS_URL)"\s*:\s*"([^"]+base\.js)"`)
	stsRes     = []*regexp.Regexp{
		regexp.MustCompile(`signatureTimestamp\s*[:=]\s*(\d+)`),
		regexp.MustCompile(`\bsts\s*:\s*(\d+)`),
	}
)

// playerScriptPath extracts the player script path from a watch or embed page.
func playerScriptPath(page []byte) string {
	if m := playerJSRe.FindSubmatch(page); len(m) == 2 {
		return strings.ReplaceAll(string(m[1]), `\/`, "/")
	}
	return ""
}

// signatureTimestamp extracts the script version the /player call must echo back.
func signatureTimestamp(script string) int {
	for _, re := range stsRes {
		if m := re.FindStringSubmatch(script); len(m) == 2 {
			n, _ := strconv.Atoi(m[1])
			return n
		}
	}
	return 0
}
