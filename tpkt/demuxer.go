package tpkt

import (
	"bytes"
	"github.com/greendrake/rtspcam/packet"
	"strconv"
	"strings"
)

// Longest RTSP response header block accepted inside the interleaved stream.
const maxResponseHeader = 16 * 1024

var rtspPrefix = []byte("RTSP/")

type Payload struct {
	Channel uint8
	Data    []byte
	// Response marks a complete RTSP response (headers and body) in Data.
	Response bool
}

// Demuxer splits the byte stream of an RTSP control connection into
// interleaved payloads. Incomplete frames stay buffered until the rest arrives.
type Demuxer struct {
	buf []byte
	off int
	// Skipped counts bytes dropped while searching for a frame start.
	Skipped uint64
}

// Write appends received bytes. Data returned by earlier calls to Next is invalid afterwards.
func (d *Demuxer) Write(p []byte) {
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet consumed.
func (d *Demuxer) Buffered() int {
	return len(d.buf) - d.off
}

func (d *Demuxer) Reset() {
	d.buf = d.buf[:0]
	d.off = 0
}

// Next returns the next complete payload, or false if more bytes are needed.
func (d *Demuxer) Next() (Payload, bool) {
	for {
		b := d.buf[d.off:]
		if len(b) == 0 {
			return Payload{}, false
		}
		if b[0] == packet.TPKTMagic {
			h, err := packet.ParseTPKTHeader(b)
			if err != nil {
				return Payload{}, false
			}
			end := packet.TPKTHeaderSize + int(h.Length)
			if len(b) < end {
				return Payload{}, false
			}
			d.off += end
			return Payload{Channel: h.Channel, Data: b[packet.TPKTHeaderSize:end]}, true
		}
		if b[0] == 'R' {
			n, complete, ok := responseLength(b)
			if ok && !complete {
				return Payload{}, false
			}
			if ok {
				d.off += n
				return Payload{Data: b[:n], Response: true}, true
			}
		}
		d.off++
		d.Skipped++
	}
}

// responseLength reports the size of an RTSP response at the start of b.
// ok is false when b cannot be the start of a response.
func responseLength(b []byte) (n int, complete bool, ok bool) {
	if len(b) < len(rtspPrefix) {
		return 0, false, bytes.HasPrefix(rtspPrefix, b)
	}
	if !bytes.HasPrefix(b, rtspPrefix) {
		return 0, false, false
	}
	end := bytes.Index(b, []byte("\r\n\r\n"))
	if end < 0 {
		return 0, false, len(b) < maxResponseHeader
	}
	end += 4
	length := 0
	for _, l := range strings.Split(string(b[:end]), "\r\n") {
		k, v, found := strings.Cut(l, ":")
		if found && strings.EqualFold(strings.TrimSpace(k), "Content-Length") {
			length, _ = strconv.Atoi(strings.TrimSpace(v))
		}
	}
	if length < 0 {
		length = 0
	}
	if len(b) < end+length {
		return 0, false, true
	}
	return end + length, true, true
}
