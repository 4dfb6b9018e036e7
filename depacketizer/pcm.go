package depacketizer

import (
	"bytes"
	"github.com/greendrake/rtspcam/frame"
	"github.com/greendrake/rtspcam/media"
	"github.com/pion/rtp"
	"time"
)

// G.711 and G.726: every packet is a frame of its own.
type pcmDepacketizer struct {
	track         media.Track
	bitsPerSample int
}

func newPCM(track media.Track) *pcmDepacketizer {
	d := &pcmDepacketizer{track: track, bitsPerSample: 8}
	if track.Codec == media.CodecG726 {
		d.bitsPerSample = track.BitsPerSample
	}
	return d
}

func (d *pcmDepacketizer) Reset() {}

func (d *pcmDepacketizer) Push(pkt *rtp.Packet) ([]*frame.Frame, error) {
	if len(pkt.Payload) == 0 {
		return nil, nil
	}
	channels := d.track.Channels
	if channels <= 0 {
		channels = 1
	}
	f := &frame.Frame{
		Track:              d.track.Index,
		Codec:              d.track.Codec,
		IsAudio:            true,
		Timestamp:          pkt.Timestamp,
		Data:               bytes.Clone(pkt.Payload),
		SampleRate:         d.track.ClockRate,
		Channels:           channels,
		BitsPerCodedSample: d.bitsPerSample,
	}
	if d.track.ClockRate > 0 && d.bitsPerSample > 0 {
		samples := len(pkt.Payload) * 8 / d.bitsPerSample / channels
		f.Duration = time.Duration(samples) * time.Second / time.Duration(d.track.ClockRate)
	}
	return []*frame.Frame{f}, nil
}
