package depacketizer

import (
	"bytes"
	"fmt"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/greendrake/rtspcam/frame"
	"github.com/greendrake/rtspcam/media"
	"github.com/pion/rtp"
)

// RFC 6184 aggregation and fragmentation units.
const (
	naluSTAPA = 24
	naluFUA   = 28
)

// Start code length used when writing Annex-B.
const startCodeSize = 4

type h264Depacketizer struct {
	track media.Track
	sps   []byte
	pps   []byte

	ts     uint32
	hasTS  bool
	nalus  [][]byte
	size   int
	fu     []byte
	fuOn   bool
	seq    uint16
	hasSeq bool
	// Packets of the unit being assembled were seen, and some were lost.
	inUnit  bool
	corrupt bool
}

func newH264(track media.Track) *h264Depacketizer {
	return &h264Depacketizer{
		track: track,
		sps:   track.SPS,
		pps:   track.PPS,
	}
}

func (d *h264Depacketizer) Reset() {
	d.nalus = nil
	d.size = 0
	d.fu = nil
	d.fuOn = false
	d.hasTS = false
	d.hasSeq = false
	d.inUnit = false
	d.corrupt = false
}

func (d *h264Depacketizer) Push(pkt *rtp.Packet) ([]*frame.Frame, error) {
	var out []*frame.Frame
	var dropped bool

	gap := d.hasSeq && pkt.SequenceNumber != d.seq+1
	if gap {
		log.Debugf("Track %d: sequence gap before %d, dropping the access unit", d.track.Index, pkt.SequenceNumber)
		d.fu = nil
		d.fuOn = false
		d.corrupt = true
	}
	d.seq, d.hasSeq = pkt.SequenceNumber, true

	// Some cameras never set the marker bit; a new timestamp ends the unit too.
	if d.hasTS && pkt.Timestamp != d.ts {
		d.fu = nil
		d.fuOn = false
		f, ok := d.flush()
		if f != nil {
			out = append(out, f)
		}
		dropped = !ok
		// The lost packets may have opened this unit as well.
		d.corrupt = gap
	}
	d.ts, d.hasTS = pkt.Timestamp, true
	d.inUnit = true

	if err := d.unpack(pkt.Payload); err != nil {
		return out, err
	}

	if pkt.Marker {
		d.fu = nil
		d.fuOn = false
		f, ok := d.flush()
		if f != nil {
			out = append(out, f)
		}
		dropped = dropped || !ok
	}
	if dropped {
		return out, ErrIncomplete
	}
	return out, nil
}

func (d *h264Depacketizer) unpack(payload []byte) error {
	if len(payload) < 1 {
		return ErrShortPayload
	}
	if isAnnexB(payload) {
		nalus, err := h264.AnnexBUnmarshal(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		for _, n := range nalus {
			if err := d.add(bytes.Clone(n)); err != nil {
				return err
			}
		}
		return nil
	}

	typ := payload[0] & 0x1F
	switch {
	case typ >= 1 && typ <= 23:
		return d.add(bytes.Clone(payload))

	case typ == naluSTAPA:
		buf := payload[1:]
		for len(buf) > 0 {
			if len(buf) < 2 {
				return fmt.Errorf("%w: STAP-A size field", ErrTruncated)
			}
			size := int(buf[0])<<8 | int(buf[1])
			buf = buf[2:]
			if size == 0 || size > len(buf) {
				return fmt.Errorf("%w: STAP-A unit of %d bytes", ErrTruncated, size)
			}
			if err := d.add(bytes.Clone(buf[:size])); err != nil {
				return err
			}
			buf = buf[size:]
		}
		return nil

	case typ == naluFUA:
		if len(payload) < 2 {
			return fmt.Errorf("%w: FU-A header", ErrShortPayload)
		}
		fuh := payload[1]
		start, end := fuh&0x80 != 0, fuh&0x40 != 0
		if start {
			if d.fuOn {
				log.Debugf("Track %d: FU-A restarted before its end", d.track.Index)
			}
			d.fu = append([]byte{payload[0]&0xE0 | fuh&0x1F}, payload[2:]...)
			d.fuOn = true
		} else {
			if !d.fuOn {
				// Start fragment was lost.
				return nil
			}
			d.fu = append(d.fu, payload[2:]...)
		}
		if len(d.fu) > h264.MaxAccessUnitSize {
			d.fu = nil
			d.fuOn = false
			return ErrTooLarge
		}
		if end {
			n := d.fu
			d.fu = nil
			d.fuOn = false
			return d.add(n)
		}
		return nil

	}
	// STAP-B, MTAP and FU-B are only used in interleaved packetization mode.
	return fmt.Errorf("%w: NAL type %d", ErrUnsupported, typ)
}

func (d *h264Depacketizer) add(nalu []byte) error {
	if len(nalu) == 0 {
		return nil
	}
	if d.size+len(nalu) > h264.MaxAccessUnitSize {
		d.nalus = nil
		d.size = 0
		return ErrTooLarge
	}
	d.nalus = append(d.nalus, nalu)
	d.size += len(nalu)
	return nil
}

// flush builds a frame out of the collected NAL units.
// Units made only of parameter sets or delimiters produce nothing.
// ok is false when the unit was discarded because packets were lost.
func (d *h264Depacketizer) flush() (f *frame.Frame, ok bool) {
	nalus := d.nalus
	d.nalus = nil
	d.size = 0
	corrupt, inUnit := d.corrupt, d.inUnit
	d.corrupt, d.inUnit = false, false

	var au [][]byte
	idr, nonIDR := false, false
	for _, n := range nalus {
		switch h264.NALUType(n[0] & 0x1F) {
		case h264.NALUTypeSPS:
			if !bytes.Equal(d.sps, n) {
				d.logSPS(n)
			}
			d.sps = n
			continue
		case h264.NALUTypePPS:
			d.pps = n
			continue
		case h264.NALUTypeAccessUnitDelimiter:
			continue
		case h264.NALUTypeIDR:
			idr = true
		case h264.NALUTypeNonIDR:
			nonIDR = true
		}
		au = append(au, n)
	}
	if corrupt {
		return nil, !inUnit
	}
	if !idr && !nonIDR {
		return nil, true
	}

	f = &frame.Frame{
		Track:           d.track.Index,
		Codec:           media.CodecH264,
		IsVideo:         true,
		IsVideoKeyFrame: idr,
		Timestamp:       d.ts,
		SampleRate:      d.track.ClockRate,
	}
	if idr {
		if d.sps != nil && d.pps != nil {
			au = append([][]byte{d.sps, d.pps}, au...)
			f.SPSSize = startCodeSize + len(d.sps)
			f.ParamSets = frame.Range{Offset: 0, Length: f.SPSSize + startCodeSize + len(d.pps)}
		} else {
			log.Debugf("Track %d: key frame before any SPS/PPS", d.track.Index)
		}
	}
	data, err := h264.AnnexBMarshal(au)
	if err != nil {
		log.Debugf("Track %d: %v", d.track.Index, err)
		return nil, true
	}
	f.Data = data
	return f, true
}

func (d *h264Depacketizer) logSPS(nalu []byte) {
	var sps h264.SPS
	if err := sps.Unmarshal(nalu); err != nil {
		log.Debugf("Track %d: unreadable SPS: %v", d.track.Index, err)
		return
	}
	log.Debugf("Track %d: SPS %dx%d", d.track.Index, sps.Width(), sps.Height())
}

func isAnnexB(b []byte) bool {
	return bytes.HasPrefix(b, []byte{0, 0, 0, 1}) || bytes.HasPrefix(b, []byte{0, 0, 1})
}
