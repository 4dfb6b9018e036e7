package packet

import (
	"errors"
	"fmt"
	"github.com/pion/rtp"
)

const (
	RTPVersion    uint8 = 2
	RTPHeaderSize       = 12
)

var (
	ErrShortRTP   = errors.New("RTP packet shorter than fixed header")
	ErrRTPVersion = errors.New("unsupported RTP version")
)

// ParseRTP decodes buf into an RTP packet view.
// The returned packet's Payload (and CSRC/extension data) alias buf,
// so it is only valid until buf is reused. Use Clone() to keep it around.
func ParseRTP(buf []byte) (*rtp.Packet, error) {
	if len(buf) < RTPHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortRTP, len(buf))
	}
	if v := buf[0] >> 6; v != RTPVersion {
		return nil, fmt.Errorf("%w: %d", ErrRTPVersion, v)
	}
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf); err != nil {
		return nil, err
	}
	return pkt, nil
}

// IsRTCP tells RTCP apart from RTP when both share one transport (RFC 5761 section 4).
func IsRTCP(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	pt := buf[1]
	return pt >= 192 && pt <= 223
}
