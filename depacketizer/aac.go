package depacketizer

import (
	"bytes"
	"fmt"
	"github.com/bluenviron/mediacommon/pkg/bits"
	"github.com/bluenviron/mediacommon/pkg/codecs/mpeg4audio"
	"github.com/greendrake/rtspcam/frame"
	"github.com/greendrake/rtspcam/media"
	"github.com/pion/rtp"
	"time"
)

// mpeg4-generic (RFC 3640) in AAC-hbr or AAC-lbr mode.
type aacDepacketizer struct {
	track      media.Track
	config     []byte
	sampleRate int
	channels   int

	frag     []byte
	fragSize int
	fragTS   uint32
	fragOn   bool
}

func newAAC(track media.Track) (*aacDepacketizer, error) {
	if track.SizeLength <= 0 || track.SizeLength+track.IndexLength > 32 {
		return nil, fmt.Errorf("%w: sizelength=%d indexlength=%d", ErrUnsupported, track.SizeLength, track.IndexLength)
	}
	d := &aacDepacketizer{
		track:      track,
		sampleRate: track.ClockRate,
		channels:   track.Channels,
	}
	if len(track.AACConfig) > 0 {
		var asc mpeg4audio.AudioSpecificConfig
		if err := asc.Unmarshal(track.AACConfig); err != nil {
			return nil, fmt.Errorf("AAC config: %w", err)
		}
		d.config = track.AACConfig
		d.sampleRate = asc.SampleRate
		d.channels = asc.ChannelCount
	}
	return d, nil
}

func (d *aacDepacketizer) Reset() {
	d.frag = nil
	d.fragOn = false
}

func (d *aacDepacketizer) Push(pkt *rtp.Packet) ([]*frame.Frame, error) {
	p := pkt.Payload
	if len(p) < 2 {
		return nil, ErrShortPayload
	}
	if p[0] == 0xFF && p[1]&0xF0 == 0xF0 {
		d.Reset()
		return d.pushADTS(pkt)
	}

	headerBits := int(p[0])<<8 | int(p[1])
	headerBytes := (headerBits + 7) / 8
	if headerBits == 0 || len(p) < 2+headerBytes {
		return nil, fmt.Errorf("%w: AU headers", ErrTruncated)
	}
	sizes, err := d.readSizes(p[2:2+headerBytes], headerBits)
	if err != nil {
		return nil, err
	}
	data := p[2+headerBytes:]

	if d.fragOn {
		if pkt.Timestamp != d.fragTS || len(sizes) != 1 {
			log.Debugf("Track %d: dropping incomplete AAC fragment", d.track.Index)
			d.Reset()
		} else {
			d.frag = append(d.frag, data...)
			if len(d.frag) < d.fragSize {
				return nil, nil
			}
			au := d.frag[:d.fragSize]
			d.Reset()
			return []*frame.Frame{d.frame(au, pkt.Timestamp)}, nil
		}
	}

	if len(sizes) == 1 && sizes[0] > len(data) {
		if sizes[0] > mpeg4audio.MaxAccessUnitSize {
			return nil, ErrTooLarge
		}
		d.frag = bytes.Clone(data)
		d.fragSize = sizes[0]
		d.fragTS = pkt.Timestamp
		d.fragOn = true
		return nil, nil
	}

	var out []*frame.Frame
	ts := pkt.Timestamp
	for _, size := range sizes {
		if size > len(data) {
			return out, fmt.Errorf("%w: AU of %d bytes, %d left", ErrTruncated, size, len(data))
		}
		out = append(out, d.frame(bytes.Clone(data[:size]), ts))
		data = data[size:]
		ts += mpeg4audio.SamplesPerAccessUnit
	}
	return out, nil
}

func (d *aacDepacketizer) readSizes(buf []byte, n int) ([]int, error) {
	var sizes []int
	pos := 0
	indexBits := d.track.IndexLength
	for pos < n {
		if n-pos < d.track.SizeLength+indexBits {
			break
		}
		size, err := bits.ReadBits(buf, &pos, d.track.SizeLength)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		if indexBits > 0 {
			if _, err := bits.ReadBits(buf, &pos, indexBits); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
			}
		}
		indexBits = d.track.IndexDeltaLength
		sizes = append(sizes, int(size))
	}
	if len(sizes) == 0 {
		return nil, fmt.Errorf("%w: no AU header", ErrTruncated)
	}
	return sizes, nil
}

// Some cameras put whole ADTS frames in the payload instead.
func (d *aacDepacketizer) pushADTS(pkt *rtp.Packet) ([]*frame.Frame, error) {
	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(pkt.Payload); err != nil {
		return nil, fmt.Errorf("%w: ADTS: %v", ErrTruncated, err)
	}
	var out []*frame.Frame
	ts := pkt.Timestamp
	for _, ap := range pkts {
		if ap.SampleRate != d.sampleRate || ap.ChannelCount != d.channels || d.config == nil {
			cfg, err := mpeg4audio.AudioSpecificConfig{
				Type:         ap.Type,
				SampleRate:   ap.SampleRate,
				ChannelCount: ap.ChannelCount,
			}.Marshal()
			if err != nil {
				return out, err
			}
			d.config = cfg
			d.sampleRate = ap.SampleRate
			d.channels = ap.ChannelCount
		}
		out = append(out, d.frame(bytes.Clone(ap.AU), ts))
		ts += mpeg4audio.SamplesPerAccessUnit
	}
	return out, nil
}

func (d *aacDepacketizer) frame(au []byte, ts uint32) *frame.Frame {
	f := &frame.Frame{
		Track:      d.track.Index,
		Codec:      media.CodecAAC,
		IsAudio:    true,
		Timestamp:  ts,
		Data:       au,
		Config:     d.config,
		SampleRate: d.sampleRate,
		Channels:   d.channels,
	}
	if d.sampleRate > 0 {
		f.Duration = time.Duration(mpeg4audio.SamplesPerAccessUnit) * time.Second / time.Duration(d.sampleRate)
	}
	return f
}
