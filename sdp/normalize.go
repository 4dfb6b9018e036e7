package sdp

import (
	"bytes"
	"errors"
	"fmt"
	psdp "github.com/pion/sdp/v3"
	"slices"
	"strconv"
	"strings"
)

var ErrMalformed = errors.New("malformed SDP")

// Canonical order of session-level fields expected by the pion lexer.
const sessionOrder = "vosiuepcbtrzka"

// Fields that may appear at most once at session level.
const sessionSingle = "vosiuepczk"

const defaultOrigin = "- 0 0 IN IP4 0.0.0.0"

var knownMedia = []string{"audio", "video", "text", "application", "message"}

var knownProtos = []string{"UDP", "RTP", "AVP", "SAVP", "SAVPF", "TLS", "DTLS", "SCTP", "AVPF", "TCP"}

type line struct {
	key   byte
	value string
}

// normalize rewrites a camera-produced body into something the strict
// RFC 4566 lexer accepts: session fields reordered, o=/s=/t= filled in when
// missing. Media blocks of unknown type or profile, or holding a line the
// lexer rejects, are removed.
// It returns the rewritten body and a description of each dropped block.
func normalize(body []byte) ([]byte, []string, error) {
	var lines []line
	var blocks []*block
	for i, raw := range strings.Split(string(body), "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if len(raw) >= 2 && raw[1] == '=' && raw[0] == 'm' {
			blocks = append(blocks, &block{media: raw[2:]})
			continue
		}
		if len(raw) < 2 || raw[1] != '=' {
			if len(blocks) == 0 {
				return nil, nil, fmt.Errorf("%w: line %d %q", ErrMalformed, i+1, raw)
			}
			b := blocks[len(blocks)-1]
			if b.bad == "" {
				b.bad = fmt.Sprintf("line %d %q", i+1, raw)
			}
			continue
		}
		l := line{key: raw[0], value: raw[2:]}
		if len(blocks) == 0 {
			lines = append(lines, l)
		} else {
			b := blocks[len(blocks)-1]
			b.lines = append(b.lines, l)
		}
	}
	if len(lines) == 0 || lines[0].key != 'v' {
		return nil, nil, fmt.Errorf("%w: body does not start with v=", ErrMalformed)
	}

	session := map[byte][]string{}
	for _, l := range lines {
		if strings.IndexByte(sessionOrder, l.key) < 0 {
			continue
		}
		if strings.IndexByte(sessionSingle, l.key) >= 0 && len(session[l.key]) > 0 {
			continue
		}
		session[l.key] = append(session[l.key], l.value)
	}
	if len(session['o']) == 0 || !validOrigin(session['o'][0]) {
		session['o'] = []string{defaultOrigin}
	}
	if len(session['s']) == 0 || session['s'][0] == "" {
		session['s'] = []string{"-"}
	}
	if len(session['t']) == 0 {
		session['t'] = []string{"0 0"}
		delete(session, 'r')
	}

	var head bytes.Buffer
	for k := 0; k < len(sessionOrder); k++ {
		key := sessionOrder[k]
		for _, v := range session[key] {
			writeLine(&head, key, v)
		}
	}
	var sd psdp.SessionDescription
	if err := sd.Unmarshal(head.Bytes()); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	out := bytes.NewBuffer(slices.Clone(head.Bytes()))
	var dropped []string
	for _, b := range blocks {
		if b.bad == "" && !validMedia(b.media) {
			b.bad = "unsupported media or profile"
		}
		if b.bad == "" {
			candidate := bytes.NewBuffer(slices.Clone(head.Bytes()))
			b.render(candidate)
			var one psdp.SessionDescription
			if err := one.Unmarshal(candidate.Bytes()); err != nil {
				b.bad = err.Error()
			}
		}
		if b.bad != "" {
			dropped = append(dropped, fmt.Sprintf("m=%s: %s", b.media, b.bad))
			continue
		}
		b.render(out)
	}
	return out.Bytes(), dropped, nil
}

// block is one m= section with its lines.
type block struct {
	media string
	lines []line
	// Why the block is unusable, empty when it is fine.
	bad string
}

func (b *block) render(out *bytes.Buffer) {
	writeLine(out, 'm', b.media)
	for _, l := range b.lines {
		if strings.IndexByte("icbka", l.key) >= 0 {
			writeLine(out, l.key, l.value)
		}
	}
}

func writeLine(out *bytes.Buffer, key byte, value string) {
	out.WriteByte(key)
	out.WriteByte('=')
	out.WriteString(value)
	out.WriteString("\r\n")
}

func validOrigin(v string) bool {
	f := strings.Fields(v)
	if len(f) != 6 {
		return false
	}
	if _, err := strconv.ParseUint(f[1], 10, 64); err != nil {
		return false
	}
	if _, err := strconv.ParseUint(f[2], 10, 64); err != nil {
		return false
	}
	return f[3] == "IN" && (f[4] == "IP4" || f[4] == "IP6")
}

func validMedia(v string) bool {
	f := strings.Fields(v)
	if len(f) < 4 || !slices.Contains(knownMedia, f[0]) {
		return false
	}
	port := f[1]
	if i := strings.IndexByte(port, '/'); i >= 0 {
		port = port[:i]
	}
	if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		return false
	}
	for _, p := range strings.Split(f[2], "/") {
		if !slices.Contains(knownProtos, p) {
			return false
		}
	}
	return true
}
