package depacketizer

import (
	"errors"
	"fmt"
	"github.com/greendrake/rtspcam/frame"
	"github.com/greendrake/rtspcam/media"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "depacketizer")

var (
	ErrShortPayload = errors.New("payload too short")
	ErrUnsupported  = errors.New("unsupported packetization")
	ErrTruncated    = errors.New("truncated payload")
	ErrTooLarge     = errors.New("access unit too large")
	ErrIncomplete   = errors.New("access unit discarded after packet loss")
)

// Depacketizer turns the ordered RTP packets of one track into frames.
// Frames own their data; the packet may be reused as soon as Push returns.
type Depacketizer interface {
	Push(pkt *rtp.Packet) ([]*frame.Frame, error)
	// Reset drops any partially assembled access unit.
	Reset()
}

func New(track media.Track) (Depacketizer, error) {
	switch track.Codec {
	case media.CodecH264:
		return newH264(track), nil
	case media.CodecAAC:
		return newAAC(track)
	case media.CodecPCMA, media.CodecPCMU, media.CodecG726:
		return newPCM(track), nil
	}
	return nil, fmt.Errorf("%w: codec %v", ErrUnsupported, track.Codec)
}
