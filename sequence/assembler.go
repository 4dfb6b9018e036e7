package sequence

import (
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"time"
)

const (
	DefaultWindow = 32
	MaxWindow     = 1024
	// How long a buffered packet may wait for the holes before it.
	DefaultMaxDelay = 200 * time.Millisecond

	// A jump forward this large, or a packet this far behind the next expected
	// one, is only believed when the following packet confirms it (RFC 3550 A.1).
	maxDropout  = 3000
	maxMisorder = 100
)

var log = logrus.WithField("prefix", "sequence")

// Stats are the counters of one track. Received/Expected/Lost cover the time
// since the last Reset; the rest are lifetime values.
type Stats struct {
	SSRC            uint32
	Cycles          uint32
	HighestSeq      uint16
	ExtendedHighest uint32
	Received        uint64
	Expected        uint64
	Lost            int64
	// Interarrival jitter in clock units.
	Jitter     float64
	Late       uint64
	Duplicates uint64
	Discarded  uint64
	Resyncs    uint64
}

// Assembler reorders the RTP packets of one track and hands them to emit in
// strictly increasing extended sequence order.
//
// A packet that arrives less than window slots ahead of the next expected
// one is cloned and buffered. One that arrives further ahead releases the
// oldest slots, skipping the holes, until it fits. Expire gives up the holes
// in front of packets buffered for longer than MaxDelay. Packets behind the
// next expected sequence number and duplicates of buffered ones are dropped
// and never counted as received.
//
// The very first packet is held until a second one arrives, so a stream
// whose first two packets are swapped still starts at the lower one.
type Assembler struct {
	window    int
	clockRate int
	emit      func(*rtp.Packet)
	// Zero or negative disables Expire and the hold on the first packet.
	MaxDelay time.Duration

	started  bool
	anchored bool
	ssrc     uint32
	next     uint64 // extended seq expected next
	highest  uint64
	base     uint64
	slots    []slot
	buffered int
	badSeq   int32 // -1 when unset

	received    uint64
	expectedAcc uint64
	late        uint64
	duplicates  uint64
	discarded   uint64
	resyncs     uint64

	t0          time.Time
	lastTransit float64
	hasTransit  bool
	jitter      float64
}

type slot struct {
	pkt     *rtp.Packet
	arrival time.Time
}

// New makes an assembler with the given window (DefaultWindow if <= 0) for a
// track clocked at clockRate. emit receives packets in order; a packet is only
// valid during the call.
func New(window int, clockRate int, emit func(*rtp.Packet)) *Assembler {
	if window <= 0 {
		window = DefaultWindow
	}
	if window > MaxWindow {
		window = MaxWindow
	}
	return &Assembler{
		window:    window,
		clockRate: clockRate,
		emit:      emit,
		MaxDelay:  DefaultMaxDelay,
		slots:     make([]slot, window),
		badSeq:    -1,
	}
}

func (a *Assembler) Push(pkt *rtp.Packet, arrival time.Time) {
	if !a.started {
		a.start(pkt, arrival)
		if a.MaxDelay > 0 {
			a.received++
			a.updateJitter(pkt, arrival)
			a.hold(a.next, pkt, arrival)
			return
		}
		a.anchored = true
	} else if pkt.SSRC != a.ssrc {
		log.Debugf("SSRC changed %08X -> %08X", a.ssrc, pkt.SSRC)
		a.resync(pkt)
	}

	delta := int64(int16(pkt.SequenceNumber - uint16(a.highest)))
	ext := int64(a.highest) + delta
	if ext < 0 {
		a.late++
		return
	}
	e := uint64(ext)

	if (delta > maxDropout) || (e < a.next && a.next-e > maxMisorder) {
		if a.badSeq >= 0 && uint16(a.badSeq) == pkt.SequenceNumber {
			log.Debugf("Sequence restart at %d", pkt.SequenceNumber)
			a.resync(pkt)
			e = a.next
		} else {
			a.badSeq = int32(pkt.SequenceNumber + 1)
			a.discarded++
			return
		}
	}
	a.badSeq = -1

	if !a.anchored {
		a.anchored = true
		if e < a.next && a.next-e < uint64(a.window) {
			a.next, a.base = e, e
		} else {
			a.drain()
		}
	}
	if e < a.next {
		a.late++
		return
	}
	if e > a.next {
		if e < a.next+uint64(a.window) && a.slots[e%uint64(a.window)].pkt != nil {
			a.duplicates++
			return
		}
	}

	a.received++
	if e > a.highest {
		a.highest = e
	}
	a.updateJitter(pkt, arrival)

	if e >= a.next+uint64(a.window) {
		if a.buffered == 0 {
			a.next = e - uint64(a.window) + 1
		}
		for e >= a.next+uint64(a.window) {
			a.release()
		}
		a.drain()
	}
	if e == a.next {
		a.emit(pkt)
		a.next++
		a.drain()
		return
	}
	a.hold(e, pkt, arrival)
}

func (a *Assembler) hold(e uint64, pkt *rtp.Packet, arrival time.Time) {
	a.slots[e%uint64(a.window)] = slot{pkt: pkt.Clone(), arrival: arrival}
	a.buffered++
}

// Expire releases everything up to the last packet that has been buffered
// for MaxDelay or longer at now, giving up the holes in front of it.
func (a *Assembler) Expire(now time.Time) {
	if a.MaxDelay <= 0 || a.buffered == 0 {
		return
	}
	deadline := now.Add(-a.MaxDelay)
	var last uint64
	found := false
	for e := a.next; e < a.next+uint64(a.window); e++ {
		s := a.slots[e%uint64(a.window)]
		if s.pkt != nil && !s.arrival.After(deadline) {
			last, found = e, true
		}
	}
	if !found {
		return
	}
	a.anchored = true
	for a.next <= last {
		a.release()
	}
	a.drain()
}

func (a *Assembler) start(pkt *rtp.Packet, arrival time.Time) {
	a.started = true
	a.ssrc = pkt.SSRC
	e := uint64(pkt.SequenceNumber)
	a.next, a.highest, a.base = e, e, e
	a.t0 = arrival
}

// resync restarts numbering at pkt while keeping the cycle count.
// Whatever was buffered is released first.
func (a *Assembler) resync(pkt *rtp.Packet) {
	for a.buffered > 0 {
		a.release()
	}
	a.expectedAcc += a.expectedSinceBase()
	a.resyncs++
	a.ssrc = pkt.SSRC
	e := a.highest&^0xFFFF | uint64(pkt.SequenceNumber)
	a.next, a.highest, a.base = e, e, e
	a.badSeq = -1
	a.hasTransit = false
}

// release moves past the next expected slot, emitting it if it holds a packet.
func (a *Assembler) release() {
	i := int(a.next % uint64(a.window))
	if p := a.slots[i].pkt; p != nil {
		a.slots[i] = slot{}
		a.buffered--
		a.emit(p)
	}
	a.next++
}

func (a *Assembler) drain() {
	for a.buffered > 0 {
		i := int(a.next % uint64(a.window))
		p := a.slots[i].pkt
		if p == nil {
			return
		}
		a.slots[i] = slot{}
		a.buffered--
		a.emit(p)
		a.next++
	}
}

func (a *Assembler) updateJitter(pkt *rtp.Packet, arrival time.Time) {
	if a.clockRate <= 0 {
		return
	}
	transit := arrival.Sub(a.t0).Seconds()*float64(a.clockRate) - float64(pkt.Timestamp)
	if a.hasTransit {
		d := transit - a.lastTransit
		if d < 0 {
			d = -d
		}
		// Timestamps wrap at 2^32; such a step is not jitter.
		if d < 1<<31 {
			a.jitter += (d - a.jitter) / 16
		}
	}
	a.lastTransit = transit
	a.hasTransit = true
}

func (a *Assembler) expectedSinceBase() uint64 {
	if !a.started || a.highest+1 < a.base {
		return 0
	}
	return a.highest + 1 - a.base
}

func (a *Assembler) Stats() Stats {
	expected := a.expectedAcc + a.expectedSinceBase()
	return Stats{
		SSRC:            a.ssrc,
		Cycles:          uint32(a.highest >> 16),
		HighestSeq:      uint16(a.highest),
		ExtendedHighest: uint32(a.highest),
		Received:        a.received,
		Expected:        expected,
		Lost:            int64(expected) - int64(a.received),
		Jitter:          a.jitter,
		Late:            a.late,
		Duplicates:      a.duplicates,
		Discarded:       a.discarded,
		Resyncs:         a.resyncs,
	}
}

// Reset zeroes the counters. Numbering, cycles, jitter and buffered packets are kept.
func (a *Assembler) Reset() {
	a.received = 0
	a.expectedAcc = 0
	a.late, a.duplicates, a.discarded, a.resyncs = 0, 0, 0, 0
	if a.started {
		a.base = a.highest + 1
	}
}

// Clear drops buffered packets without emitting them.
func (a *Assembler) Clear() {
	clear(a.slots)
	a.buffered = 0
}
