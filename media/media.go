package media

import (
	"fmt"
	"strings"
)

type Kind uint8

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "audio"
}

type Codec uint8

const (
	CodecUnknown Codec = iota
	CodecH264
	CodecAAC
	CodecPCMA
	CodecPCMU
	CodecG726
)

var codecNames = map[Codec]string{
	CodecUnknown: "unknown",
	CodecH264:    "H264",
	CodecAAC:     "AAC",
	CodecPCMA:    "PCMA",
	CodecPCMU:    "PCMU",
	CodecG726:    "G726",
}

func (c Codec) String() string {
	if s, ok := codecNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Codec(%d)", uint8(c))
}

func (c Codec) Kind() Kind {
	if c == CodecH264 {
		return KindVideo
	}
	return KindAudio
}

// CodecByEncoding maps an rtpmap encoding name to a codec.
// G.726 variants carry their bitrate in the name ("G726-32"), returned in kbit/s.
func CodecByEncoding(name string) (Codec, int) {
	name = strings.ToUpper(name)
	switch {
	case name == "H264":
		return CodecH264, 0
	case name == "MPEG4-GENERIC":
		return CodecAAC, 0
	case name == "PCMA":
		return CodecPCMA, 0
	case name == "PCMU":
		return CodecPCMU, 0
	case strings.HasPrefix(name, "G726-") || strings.HasPrefix(name, "AAL2-G726-"):
		var kbps int
		_, err := fmt.Sscanf(name[strings.LastIndexByte(name, '-')+1:], "%d", &kbps)
		if err != nil || kbps%8 != 0 || kbps < 16 || kbps > 40 {
			return CodecUnknown, 0
		}
		return CodecG726, kbps
	}
	return CodecUnknown, 0
}

// Track describes one media stream announced by the server.
// Tracks are values; the byte slices are owned copies and must not be mutated.
type Track struct {
	Index       int
	Control     string
	Kind        Kind
	Codec       Codec
	PayloadType uint8
	ClockRate   int
	Channels    int
	// G.726 only.
	Bitrate       int
	BitsPerSample int

	// H.264 sprop-parameter-sets.
	SPS []byte
	PPS []byte

	// RFC 3640 parameters.
	AACConfig        []byte
	SizeLength       int
	IndexLength      int
	IndexDeltaLength int
}

func (t Track) String() string {
	s := fmt.Sprintf("#%d %s %s/%d", t.Index, t.Kind, t.Codec, t.ClockRate)
	if t.Kind == KindAudio && t.Channels > 0 {
		s += fmt.Sprintf("/%d", t.Channels)
	}
	if t.Codec == CodecG726 {
		s += fmt.Sprintf(" %dkbps", t.Bitrate)
	}
	return s
}
