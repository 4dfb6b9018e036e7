package rtsp

import (
	"errors"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	udpPortMin      = 10000
	udpPortMax      = 65000
	udpPairAttempts = 100
	udpQueueSize    = 1024
	// Largest possible UDP payload.
	udpMaxDatagram = 64 * 1024
)

var errNoUDPPorts = errors.New("no free even/odd UDP port pair")

// udpPair is an RTP socket on an even port and its RTCP sibling on the next one.
type udpPair struct {
	rtp  *net.UDPConn
	rtcp *net.UDPConn
}

func listenUDPPair() (*udpPair, error) {
	for i := 0; i < udpPairAttempts; i++ {
		port := udpPortMin + 2*rand.IntN((udpPortMax-udpPortMin)/2)
		rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			continue
		}
		rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port + 1})
		if err != nil {
			rtpConn.Close()
			continue
		}
		return &udpPair{rtp: rtpConn, rtcp: rtcpConn}, nil
	}
	return nil, errNoUDPPorts
}

func (p *udpPair) ports() [2]int {
	return [2]int{
		p.rtp.LocalAddr().(*net.UDPAddr).Port,
		p.rtcp.LocalAddr().(*net.UDPAddr).Port,
	}
}

func (p *udpPair) close() {
	p.rtp.Close()
	p.rtcp.Close()
}

type udpPacket struct {
	track int
	rtcp  bool
	data  []byte
	at    time.Time
}

// udpReceiver funnels datagrams from every track's sockets into one queue
// drained by the session goroutine.
type udpReceiver struct {
	queue   chan udpPacket
	pairs   map[int]*udpPair
	wg      sync.WaitGroup
	dropped atomic.Uint64
	started bool
}

func newUDPReceiver() *udpReceiver {
	return &udpReceiver{
		queue: make(chan udpPacket, udpQueueSize),
		pairs: map[int]*udpPair{},
	}
}

func (r *udpReceiver) add(track int, p *udpPair) {
	r.pairs[track] = p
}

func (r *udpReceiver) start() {
	if r.started {
		return
	}
	r.started = true
	for track, p := range r.pairs {
		r.wg.Add(2)
		go r.read(track, false, p.rtp)
		go r.read(track, true, p.rtcp)
	}
}

func (r *udpReceiver) read(track int, rtcp bool, conn *net.UDPConn) {
	defer r.wg.Done()
	buf := make([]byte, udpMaxDatagram)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt := udpPacket{track: track, rtcp: rtcp, data: append([]byte(nil), buf[:n]...), at: time.Now()}
		select {
		case r.queue <- pkt:
		default:
			r.dropped.Add(1)
		}
	}
}

func (r *udpReceiver) stop() {
	for _, p := range r.pairs {
		p.close()
	}
	r.wg.Wait()
}
