package rtsp

import (
	"context"
	"errors"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/greendrake/rtspcam/frame"
	"github.com/greendrake/rtspcam/packet"
	"github.com/greendrake/rtspcam/tpkt"
	"github.com/pion/rtp"
	"net"
	"slices"
	"time"
)

// Run pumps the session until it is disconnected, ctx is done or a fatal
// error occurs. A clean disconnect returns nil.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.Disconnect)
	defer stop()
	for {
		if err := s.Step(); err != nil {
			if errors.Is(err, ErrDisconnected) {
				return nil
			}
			return err
		}
	}
}

// Step does one bounded unit of work: it waits up to PollInterval for media,
// dispatches whatever arrived, releases packets held past the reorder delay
// and runs keep-alive and receiver reports.
func (s *Session) Step() error {
	if s.disconnect.Load() {
		if s.State() != StateDisconnected {
			s.teardown()
		}
		s.disconnect.Store(false)
		return ErrDisconnected
	}
	switch s.State() {
	case StatePlaying:
	case StateError:
		return s.lastErr
	default:
		return ErrNotPlaying
	}

	wait := s.PollInterval
	if s.udp != nil {
		s.pollUDP(wait)
		// The control connection still carries keep-alive answers.
		wait = time.Millisecond
	}
	if err := s.readControl(wait); err != nil {
		if s.disconnect.Load() {
			return nil
		}
		return s.fail(err)
	}
	s.applyResets()
	if err := s.housekeeping(time.Now()); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Session) pollUDP(wait time.Duration) {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case p := <-s.udp.queue:
		s.handleUDP(p)
	case <-t.C:
		return
	}
	for {
		select {
		case p := <-s.udp.queue:
			s.handleUDP(p)
		default:
			return
		}
	}
}

func (s *Session) handleUDP(p udpPacket) {
	if p.rtcp {
		s.handleRTCP(p.track, p.data, p.at)
	} else {
		s.handleRTP(p.track, p.data, p.at)
	}
}

// readControl reads what the control connection has and dispatches every
// complete payload. Payloads left over from connecting go out first.
func (s *Session) readControl(wait time.Duration) error {
	s.dispatchBuffered()
	s.conn.SetReadDeadline(time.Now().Add(wait))
	n, err := s.conn.Read(s.readBuf)
	if n > 0 {
		s.demux.Write(s.readBuf[:n])
	}
	s.dispatchBuffered()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return newError(ConnectionFailed, "", err)
	}
	return nil
}

func (s *Session) dispatchBuffered() {
	for {
		p, ok := s.demux.Next()
		if !ok {
			return
		}
		s.dispatch(p, time.Now())
	}
}

func (s *Session) dispatch(p tpkt.Payload, now time.Time) {
	if p.Response {
		res, err := parseResponse(p.Data)
		if err != nil {
			s.log.Debugf("Unparsable response while playing: %v", err)
		} else if !success(res) {
			s.log.Warnf("Keep-alive answered with %d %s", res.StatusCode, res.StatusMessage)
		}
		return
	}
	r := s.channels[p.Channel]
	if !r.used {
		s.log.Debugf("Data on unassigned channel %d", p.Channel)
		return
	}
	if r.rtcp {
		s.handleRTCP(r.track, p.Data, now)
	} else {
		s.handleRTP(r.track, p.Data, now)
	}
}

func (s *Session) handleRTP(idx int, data []byte, now time.Time) {
	tr := s.tracks[idx]
	if tr == nil {
		return
	}
	tracker := s.tracker.Load()
	// Some servers multiplex RTCP onto the RTP channel.
	if packet.IsRTCP(data) {
		s.handleRTCP(idx, data, now)
		return
	}
	pkt, err := packet.ParseRTP(data)
	if err != nil {
		tracker.CountRTPError(idx)
		s.log.Debugf("Track %d: %v", idx, err)
		return
	}
	if pkt.PayloadType != tr.PayloadType {
		tracker.CountRTPError(idx)
		s.log.Debugf("Track %d: unexpected payload type %d", idx, pkt.PayloadType)
		return
	}
	tr.assembler.Push(pkt, now)
	tracker.UpdateSequence(idx, tr.assembler.Stats())
}

func (s *Session) handleRTCP(idx int, data []byte, now time.Time) {
	if err := s.tracker.Load().HandleRTCP(idx, data, now); err != nil {
		s.log.Debugf("Track %d: %v", idx, err)
	}
}

// depacketize receives packets from the assembler in sequence order.
func (s *Session) depacketize(tr *track, pkt *rtp.Packet) {
	tracker := s.tracker.Load()
	frames, err := tr.depack.Push(pkt)
	if err != nil {
		tracker.CountDecodeError(tr.Index)
		s.log.Debugf("Track %d: %v", tr.Index, err)
	}
	for _, f := range frames {
		s.deliver(tr, f)
	}
}

func (s *Session) deliver(tr *track, f *frame.Frame) {
	if !tr.hasTS {
		tr.hasTS = true
	} else {
		tr.ticks += int64(int32(f.Timestamp - tr.lastTS))
	}
	tr.lastTS = f.Timestamp
	if tr.ClockRate > 0 {
		f.PTS = time.Duration(tr.ticks) * time.Second / time.Duration(tr.ClockRate)
	}
	tracker := s.tracker.Load()
	if r, err := tracker.Report(tr.Index); err == nil {
		f.WallClock = r.WallClock(f.Timestamp, tr.ClockRate)
	}
	tracker.CountFrame(tr.Index, len(f.Data))
	if s.OnFrame != nil {
		s.OnFrame(f)
	}
}

func (s *Session) housekeeping(now time.Time) error {
	tracker := s.tracker.Load()
	for idx, tr := range s.tracks {
		if tr != nil {
			tr.assembler.Expire(now)
			tracker.UpdateSequence(idx, tr.assembler.Stats())
		}
	}
	if s.keepAlive > 0 && now.Sub(s.lastKeepAlive) >= s.keepAlive {
		s.lastKeepAlive = now
		if err := s.sendKeepAlive(); err != nil {
			return err
		}
	}
	if s.ReceiverReportPeriod > 0 && now.Sub(s.lastRR) >= s.ReceiverReportPeriod {
		s.lastRR = now
		if err := s.sendReceiverReports(now); err != nil {
			return err
		}
	}
	return nil
}

// sendKeepAlive does not wait for the answer; it arrives through the demuxer.
func (s *Session) sendKeepAlive() error {
	if slices.Contains(s.public, string(base.GetParameter)) {
		return s.write(newRequest(base.GetParameter, s.aggregate))
	}
	return s.write(newRequest(base.Options, s.url))
}

func (s *Session) sendReceiverReports(now time.Time) error {
	tracker := s.tracker.Load()
	for idx, tr := range s.tracks {
		if tr == nil {
			continue
		}
		rr, err := tracker.ReceiverReport(idx, s.localSSRC, now)
		if err != nil {
			s.log.Debugf("Track %d: %v", idx, err)
			continue
		}
		if tr.rtcpConn != nil {
			if tr.serverRTCP != nil {
				if _, err := tr.rtcpConn.WriteToUDP(rr, tr.serverRTCP); err != nil {
					s.log.Debugf("Track %d: receiver report: %v", idx, err)
				}
			}
			continue
		}
		fr := &base.InterleavedFrame{Channel: tr.spec.Interleaved[1], Payload: rr}
		s.conn.SetWriteDeadline(now.Add(s.ResponseTimeout))
		if err := s.rc.WriteInterleavedFrame(fr, make([]byte, fr.MarshalSize())); err != nil {
			return newError(ConnectionFailed, "", err)
		}
	}
	return nil
}
