package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TPKT-style interleaving header used by RTSP over TCP:
// '$', 1 byte channel id, 2 bytes big-endian payload length.
const (
	TPKTMagic      byte = '$'
	TPKTHeaderSize      = 4
	TPKTMaxPayload      = 0xFFFF
)

var (
	ErrShortTPKT   = errors.New("TPKT header needs 4 bytes")
	ErrTPKTMagic   = errors.New("TPKT header does not start with '$'")
	ErrTPKTTooLong = errors.New("TPKT payload exceeds 65535 bytes")
)

type TPKTHeader struct {
	Channel uint8
	Length  uint16
}

func ParseTPKTHeader(b []byte) (TPKTHeader, error) {
	if len(b) < TPKTHeaderSize {
		return TPKTHeader{}, ErrShortTPKT
	}
	if b[0] != TPKTMagic {
		return TPKTHeader{}, fmt.Errorf("%w: got 0x%02x", ErrTPKTMagic, b[0])
	}
	return TPKTHeader{
		Channel: b[1],
		Length:  binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

// AppendTPKT appends an interleaved frame carrying payload on channel to dst.
func AppendTPKT(dst []byte, channel uint8, payload []byte) ([]byte, error) {
	if len(payload) > TPKTMaxPayload {
		return dst, fmt.Errorf("%w: %d", ErrTPKTTooLong, len(payload))
	}
	dst = append(dst, TPKTMagic, channel, 0, 0)
	binary.BigEndian.PutUint16(dst[len(dst)-2:], uint16(len(payload)))
	return append(dst, payload...), nil
}
