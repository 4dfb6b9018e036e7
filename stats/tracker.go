package stats

import (
	"errors"
	"github.com/greendrake/rtspcam/packet"
	"github.com/greendrake/rtspcam/sequence"
	"github.com/pion/rtcp"
	"sync"
	"time"
)

var ErrUnknownTrack = errors.New("unknown track")

// Report is a snapshot of the statistics of one track.
type Report struct {
	Track    int
	Sequence sequence.Stats

	// Last RTCP sender report.
	HasSR             bool
	SRNTP             uint64
	SRRTPTime         uint32
	SRWallClock       time.Time
	SRArrival         time.Time
	SenderPacketCount uint32
	SenderOctetCount  uint32

	RTCPPackets  uint64
	RTCPErrors   uint64
	RTPErrors    uint64
	DecodeErrors uint64
	Frames       uint64
	Bytes        uint64
}

// WallClock maps an RTP timestamp to wall-clock time through the last sender report.
// It returns the zero time when no report has arrived yet.
func (r Report) WallClock(rtpTS uint32, clockRate int) time.Time {
	if !r.HasSR || clockRate <= 0 {
		return time.Time{}
	}
	diff := int64(int32(rtpTS - r.SRRTPTime))
	return r.SRWallClock.Add(time.Duration(diff) * time.Second / time.Duration(clockRate))
}

type entry struct {
	mu sync.Mutex
	r  Report
	// Expected/received at the time of the previous receiver report.
	prevExpected uint64
	prevReceived uint64
}

// Tracker holds per-track statistics. Each track is guarded separately
// so the pump can update one while readers snapshot another.
type Tracker struct {
	tracks []*entry
}

func New(tracks int) *Tracker {
	t := &Tracker{tracks: make([]*entry, tracks)}
	for i := range t.tracks {
		t.tracks[i] = &entry{r: Report{Track: i}}
	}
	return t
}

func (t *Tracker) Len() int {
	return len(t.tracks)
}

func (t *Tracker) get(track int) (*entry, error) {
	if track < 0 || track >= len(t.tracks) {
		return nil, ErrUnknownTrack
	}
	return t.tracks[track], nil
}

func (t *Tracker) with(track int, fn func(e *entry)) {
	e, err := t.get(track)
	if err != nil {
		return
	}
	e.mu.Lock()
	fn(e)
	e.mu.Unlock()
}

// HandleRTCP consumes a compound RTCP packet received for track.
func (t *Tracker) HandleRTCP(track int, buf []byte, now time.Time) error {
	e, err := t.get(track)
	if err != nil {
		return err
	}
	srs, err := packet.ParseSenderReports(buf)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.r.RTCPErrors++
		return err
	}
	e.r.RTCPPackets++
	for _, sr := range srs {
		e.r.HasSR = true
		e.r.SRNTP = sr.NTPTime
		e.r.SRRTPTime = sr.RTPTime
		e.r.SRWallClock = packet.NTPToTime(sr.NTPTime)
		e.r.SRArrival = now
		e.r.SenderPacketCount = sr.PacketCount
		e.r.SenderOctetCount = sr.OctetCount
	}
	return nil
}

func (t *Tracker) UpdateSequence(track int, st sequence.Stats) {
	t.with(track, func(e *entry) { e.r.Sequence = st })
}

func (t *Tracker) CountRTPError(track int) {
	t.with(track, func(e *entry) { e.r.RTPErrors++ })
}

func (t *Tracker) CountDecodeError(track int) {
	t.with(track, func(e *entry) { e.r.DecodeErrors++ })
}

func (t *Tracker) CountFrame(track int, size int) {
	t.with(track, func(e *entry) {
		e.r.Frames++
		e.r.Bytes += uint64(size)
	})
}

func (t *Tracker) Report(track int) (Report, error) {
	e, err := t.get(track)
	if err != nil {
		return Report{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.r, nil
}

// Reset forgets everything known about track.
func (t *Tracker) Reset(track int) {
	t.with(track, func(e *entry) {
		e.r = Report{Track: track}
		e.prevExpected, e.prevReceived = 0, 0
	})
}

// ResetCounters zeroes the packet, frame and error counters of track.
// The last sender report is kept so wall-clock mapping goes on working.
func (t *Tracker) ResetCounters(track int) {
	t.with(track, func(e *entry) {
		e.r.Sequence = sequence.Stats{}
		e.r.RTCPPackets, e.r.RTCPErrors = 0, 0
		e.r.RTPErrors, e.r.DecodeErrors = 0, 0
		e.r.Frames, e.r.Bytes = 0, 0
		e.prevExpected, e.prevReceived = 0, 0
	})
}

// ReceiverReport builds an RTCP receiver report (RFC 3550 section 6.4.2) for track,
// sent from localSSRC at now.
func (t *Tracker) ReceiverReport(track int, localSSRC uint32, now time.Time) ([]byte, error) {
	e, err := t.get(track)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	rr := &rtcp.ReceiverReport{SSRC: localSSRC}
	st := e.r.Sequence
	if st.Received > 0 {
		expInterval := int64(st.Expected) - int64(e.prevExpected)
		recvInterval := int64(st.Received) - int64(e.prevReceived)
		e.prevExpected, e.prevReceived = st.Expected, st.Received
		var fraction uint8
		if lost := expInterval - recvInterval; expInterval > 0 && lost > 0 {
			fraction = uint8((lost << 8) / expInterval)
		}
		totalLost := st.Lost
		if totalLost < 0 {
			totalLost = 0
		}
		if totalLost > 0x7FFFFF {
			totalLost = 0x7FFFFF
		}
		rep := rtcp.ReceptionReport{
			SSRC:               st.SSRC,
			FractionLost:       fraction,
			TotalLost:          uint32(totalLost),
			LastSequenceNumber: st.ExtendedHighest,
			Jitter:             uint32(st.Jitter),
		}
		if e.r.HasSR {
			rep.LastSenderReport = packet.MiddleNTP(e.r.SRNTP)
			rep.Delay = uint32(now.Sub(e.r.SRArrival).Seconds() * 65536)
		}
		rr.Reports = append(rr.Reports, rep)
	}
	e.mu.Unlock()
	return rr.Marshal()
}
