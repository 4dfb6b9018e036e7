package rtsp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/conn"
	"github.com/bluenviron/gortsplib/v4/pkg/headers"
	"github.com/google/uuid"
	"github.com/greendrake/rtspcam/depacketizer"
	"github.com/greendrake/rtspcam/frame"
	"github.com/greendrake/rtspcam/media"
	"github.com/greendrake/rtspcam/sdp"
	"github.com/greendrake/rtspcam/sequence"
	"github.com/greendrake/rtspcam/stats"
	"github.com/greendrake/rtspcam/tpkt"
	"github.com/greendrake/rtspcam/transport"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultConnectTimeout       = 5 * time.Second
	DefaultResponseTimeout      = 10 * time.Second
	DefaultPollInterval         = 50 * time.Millisecond
	DefaultReceiverReportPeriod = 5 * time.Second
	DefaultSessionTimeout       = 60 * time.Second
	DefaultUserAgent            = "rtspcam"

	defaultPort = "554"
	// How many stale responses (keep-alive answers) may precede the one awaited.
	maxStaleResponses = 5
)

var (
	ErrDisconnected = errors.New("rtsp: session disconnected")
	ErrNotPlaying   = errors.New("rtsp: session is not playing")
	ErrBusy         = errors.New("rtsp: session already in use")
	errNoTracks     = errors.New("no track could be set up")
	errNoSession    = errors.New("SETUP response without Session header")
)

type Config struct {
	// Bounds dialing the server.
	ConnectTimeout time.Duration
	// Bounds every request/response exchange.
	ResponseTimeout time.Duration
	Transport       transport.Preference
	ReorderWindow   int
	// How long one pump step waits for data.
	PollInterval time.Duration
	// Negative disables receiver reports.
	ReceiverReportPeriod time.Duration
	UserAgent            string
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.Transport == "" {
		c.Transport = transport.PreferAuto
	}
	if c.ReorderWindow <= 0 {
		c.ReorderWindow = sequence.DefaultWindow
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReceiverReportPeriod == 0 {
		c.ReceiverReportPeriod = DefaultReceiverReportPeriod
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
}

type route struct {
	used  bool
	rtcp  bool
	track int
}

type track struct {
	media.Track
	url        *base.URL
	spec       transport.Spec
	assembler  *sequence.Assembler
	depack     depacketizer.Depacketizer
	rtpConn    *net.UDPConn
	rtcpConn   *net.UDPConn
	serverRTCP *net.UDPAddr

	hasTS  bool
	lastTS uint32
	ticks  int64
}

// Session is an RTSP client session pulling media from one URL.
//
// Connect and then Run (or Step) must be called from the same goroutine,
// which is also the one the callbacks are invoked on. Disconnect, State,
// Tracks and Stats are safe to call from anywhere.
type Session struct {
	Config

	OnStateChanged func(old, new State)
	OnTrackReady   func(media.Track)
	OnFrame        func(*frame.Frame)
	OnError        func(*Error)

	state      atomic.Uint32
	disconnect atomic.Bool
	tracker    atomic.Pointer[stats.Tracker]

	connMu sync.Mutex
	conn   net.Conn
	// Requests and interleaved frames are written through rc. Reads go
	// through br so that bytes behind a response stay reachable.
	rc *conn.Conn
	br *bufio.Reader

	readyMu sync.Mutex
	ready   []media.Track

	log       *logrus.Entry
	url       *base.URL
	aggregate *base.URL
	creds     *Credentials
	auth      *authorizer
	cseq      int
	sessionID string
	keepAlive time.Duration
	public    []string
	lastErr   *Error

	tracks    []*track
	channels  [256]route
	demux     tpkt.Demuxer
	readBuf   []byte
	udp       *udpReceiver
	localSSRC uint32

	lastKeepAlive time.Time
	lastRR        time.Time

	resetMu sync.Mutex
	resets  []int
}

func NewSession(cfg Config) *Session {
	s := &Session{Config: cfg}
	s.log = logrus.WithField("prefix", "rtsp")
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(uint32(st)))
	if old == st {
		return
	}
	s.log.Debugf("%v -> %v", old, st)
	if s.OnStateChanged != nil {
		s.OnStateChanged(old, st)
	}
}

// Tracks returns the tracks that were set up successfully.
func (s *Session) Tracks() []media.Track {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	return slices.Clone(s.ready)
}

// Stats returns a snapshot per described track; degraded tracks are included.
func (s *Session) Stats() []stats.Report {
	t := s.tracker.Load()
	if t == nil {
		return nil
	}
	out := make([]stats.Report, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		if r, err := t.Report(i); err == nil {
			out = append(out, r)
		}
	}
	return out
}

// ResetStats zeroes the counters of one track: frames, bytes, errors and the
// sequence statistics. The last sender report is kept. Like Disconnect it
// only queues the request; the driving goroutine applies it at its next step.
func (s *Session) ResetStats(track int) {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()
	s.resets = append(s.resets, track)
}

func (s *Session) applyResets() {
	s.resetMu.Lock()
	pending := s.resets
	s.resets = nil
	s.resetMu.Unlock()
	tracker := s.tracker.Load()
	for _, idx := range pending {
		if idx < 0 || idx >= len(s.tracks) || s.tracks[idx] == nil {
			continue
		}
		tr := s.tracks[idx]
		tr.assembler.Reset()
		tracker.ResetCounters(idx)
		tracker.UpdateSequence(idx, tr.assembler.Stats())
		s.log.Debugf("Track %d: statistics reset", idx)
	}
}

// Disconnect asks the session to tear down. It returns at once; the goroutine
// driving the session performs the teardown at its next step.
func (s *Session) Disconnect() {
	s.disconnect.Store(true)
	s.interrupt()
}

// Close tears the session down synchronously. It must not overlap Connect or Run.
func (s *Session) Close() {
	s.disconnect.Store(true)
	if s.State() != StateDisconnected {
		s.teardown()
	}
	s.disconnect.Store(false)
}

// interrupt unblocks pending I/O on the control connection.
func (s *Session) interrupt() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.SetDeadline(time.Now())
	}
}

// Connect establishes the session and starts playing. Credentials may be nil,
// in which case those in the URL, if any, are used.
func (s *Session) Connect(ctx context.Context, uri string, creds *Credentials) error {
	if st := s.State(); st != StateDisconnected {
		return fmt.Errorf("%w (%v)", ErrBusy, st)
	}
	s.setDefaults()
	s.disconnect.Store(false)
	s.lastErr = nil
	s.creds = nil
	s.setState(StateConnecting)

	stop := context.AfterFunc(ctx, s.interrupt)
	err := s.connect(ctx, uri, creds)
	stop()

	if s.disconnect.Load() {
		s.teardown()
		s.disconnect.Store(false)
		return ErrDisconnected
	}
	if err != nil {
		if ctx.Err() != nil {
			var e *Error
			if errors.As(err, &e) && e.Kind == ConnectionFailed {
				e.Err = ctx.Err()
			}
		}
		return s.fail(err)
	}
	return nil
}

func (s *Session) connect(ctx context.Context, uri string, creds *Credentials) error {
	if err := s.setURL(uri, creds); err != nil {
		return err
	}
	if err := s.dial(ctx); err != nil {
		return err
	}

	s.setState(StateNegotiatingOptions)
	res, err := s.do(newRequest(base.Options, s.url))
	if err != nil {
		return err
	}
	for _, m := range strings.Split(headerValue(res.Header, "Public"), ",") {
		if m = strings.TrimSpace(m); m != "" {
			s.public = append(s.public, strings.ToUpper(m))
		}
	}

	s.setState(StateDescribing)
	desc, contentBase, err := s.describe(ctx)
	if err != nil {
		return err
	}
	s.aggregate, err = base.ParseURL(sdp.ControlURL(contentBase, desc.Control))
	if err != nil {
		return newError(BadResponse, "DESCRIBE", err)
	}
	tracker := stats.New(len(desc.Tracks))
	s.tracker.Store(tracker)
	s.tracks = make([]*track, len(desc.Tracks))

	s.setState(StateSettingUpTracks)
	for _, t := range desc.Tracks {
		if s.disconnect.Load() {
			return ErrDisconnected
		}
		if err := s.setup(t, contentBase); err != nil {
			var e *Error
			if errors.As(err, &e) && e.Track >= 0 {
				s.log.Warnf("Track %v unusable: %v", t, err)
				s.emitError(e)
				continue
			}
			return err
		}
	}
	if len(s.Tracks()) == 0 {
		return newError(TransportMismatch, "SETUP", errNoTracks)
	}

	req := newRequest(base.Play, s.aggregate)
	req.Header["Range"] = headers.Range{Value: &headers.RangeNPT{}}.Marshal()
	if _, err := s.do(req); err != nil {
		return err
	}

	// Media may already be queued right behind the PLAY response. It is
	// dispatched by the next Step.
	if n := s.br.Buffered(); n > 0 {
		b, _ := s.br.Peek(n)
		s.demux.Write(b)
		s.br.Discard(n)
	}
	s.readBuf = make([]byte, 64*1024)
	id := uuid.New()
	s.localSSRC = binary.BigEndian.Uint32(id[:4])
	if s.udp != nil {
		s.udp.start()
	}
	now := time.Now()
	s.lastKeepAlive, s.lastRR = now, now
	s.setState(StatePlaying)
	return nil
}

func (s *Session) setURL(uri string, creds *Credentials) error {
	u, err := base.ParseURL(uri)
	if err != nil {
		return newError(ConnectionFailed, "", err)
	}
	if creds == nil && u.User != nil {
		pw, _ := u.User.Password()
		creds = &Credentials{User: u.User.Username(), Password: pw}
	}
	if creds != nil {
		s.creds = creds
	}
	s.url = u.CloneWithoutCredentials()
	s.log = logrus.WithFields(logrus.Fields{"prefix": "rtsp", "url": s.url.String()})
	return nil
}

func (s *Session) dial(ctx context.Context) error {
	host := s.url.Host
	if s.url.Port() == "" {
		host = net.JoinHostPort(s.url.Hostname(), defaultPort)
	}
	d := net.Dialer{Timeout: s.ConnectTimeout}
	nc, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return newError(ConnectionFailed, "", err)
	}
	s.connMu.Lock()
	s.conn = nc
	s.connMu.Unlock()
	s.rc = conn.NewConn(nc)
	s.br = bufio.NewReaderSize(nc, 64*1024)
	if s.disconnect.Load() {
		s.interrupt()
	}
	return nil
}

func (s *Session) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.rc = nil
	s.br = nil
}

// describe issues DESCRIBE, following one redirect, and returns the parsed
// description and the base URL for track controls.
func (s *Session) describe(ctx context.Context) (*sdp.Description, string, error) {
	redirected := false
	for {
		req := newRequest(base.Describe, s.url)
		req.Header["Accept"] = base.HeaderValue{"application/sdp"}
		res, err := s.do(req)
		if err != nil {
			loc := ""
			if res != nil {
				loc = headerValue(res.Header, "Location")
			}
			if redirectCode(res) && loc != "" && !redirected {
				redirected = true
				s.log.Infof("Redirected to %s", loc)
				s.closeConn()
				if err := s.setURL(loc, nil); err != nil {
					return nil, "", err
				}
				if err := s.dial(ctx); err != nil {
					return nil, "", err
				}
				continue
			}
			return nil, "", err
		}
		desc, err := sdp.Parse(res.Body)
		if err != nil {
			return nil, "", newError(SdpParseError, "DESCRIBE", err)
		}
		if len(desc.Tracks) == 0 {
			return nil, "", newError(SdpParseError, "DESCRIBE", errors.New("no supported tracks"))
		}
		contentBase := headerValue(res.Header, "Content-Base")
		if contentBase == "" {
			contentBase = headerValue(res.Header, "Content-Location")
		}
		if contentBase == "" {
			contentBase = s.url.String()
		}
		return desc, contentBase, nil
	}
}

func redirectCode(res *base.Response) bool {
	return res != nil && (res.StatusCode == base.StatusMovedPermanently ||
		res.StatusCode == base.StatusFound || res.StatusCode == 307)
}

func (s *Session) setup(t media.Track, contentBase string) error {
	trackErr := func(kind ErrorKind, err error) *Error {
		e := newError(kind, "SETUP", err)
		e.Track = t.Index
		return e
	}
	u, err := base.ParseURL(sdp.ControlURL(contentBase, t.Control))
	if err != nil {
		return trackErr(BadResponse, err)
	}
	tr := &track{Track: t, url: u}

	var ports [2]int
	var pair *udpPair
	if s.Transport != transport.PreferTCP {
		pair, err = listenUDPPair()
		if err != nil {
			s.log.Warnf("No UDP ports for track %d, offering TCP only: %v", t.Index, err)
		} else {
			ports = pair.ports()
		}
	}
	offers := transport.Offers(t.Index, s.Transport, ports)
	usedUDP := false
	defer func() {
		if pair != nil && !usedUDP {
			pair.close()
		}
	}()

	req := newRequest(base.Setup, tr.url)
	req.Header["Transport"] = base.HeaderValue{transport.Header(offers)}
	res, err := s.do(req)
	if err != nil {
		var e *Error
		if res != nil && res.StatusCode == base.StatusUnsupportedTransport && errors.As(err, &e) {
			e.Kind = TransportMismatch
			e.Track = t.Index
		}
		return err
	}
	if s.sessionID == "" {
		if err := s.readSession(res.Header["Session"]); err != nil {
			return newError(BadResponse, "SETUP", err)
		}
	}
	th := headerValue(res.Header, "Transport")
	if th == "" {
		return trackErr(BadResponse, errors.New("no Transport header"))
	}
	chosen, err := transport.Parse(th)
	if err != nil {
		return trackErr(BadResponse, err)
	}
	tr.spec, err = transport.Match(offers, chosen)
	if err != nil {
		return trackErr(TransportMismatch, err)
	}

	tr.depack, err = depacketizer.New(t)
	if err != nil {
		return trackErr(BadResponse, err)
	}
	tr.assembler = sequence.New(s.ReorderWindow, t.ClockRate, func(p *rtp.Packet) {
		s.depacketize(tr, p)
	})

	if tr.spec.Protocol == transport.TCP {
		rtpCh, rtcpCh := tr.spec.Interleaved[0], tr.spec.Interleaved[1]
		if s.channels[rtpCh].used || s.channels[rtcpCh].used {
			return trackErr(TransportMismatch, fmt.Errorf("interleaved channels %d-%d already taken", rtpCh, rtcpCh))
		}
		s.channels[rtpCh] = route{used: true, track: t.Index}
		s.channels[rtcpCh] = route{used: true, rtcp: true, track: t.Index}
	} else {
		usedUDP = true
		tr.rtpConn, tr.rtcpConn = pair.rtp, pair.rtcp
		if tr.spec.ServerPorts[1] != 0 {
			if addr, ok := s.conn.RemoteAddr().(*net.TCPAddr); ok {
				tr.serverRTCP = &net.UDPAddr{IP: addr.IP, Port: tr.spec.ServerPorts[1]}
			}
		}
		if s.udp == nil {
			s.udp = newUDPReceiver()
		}
		s.udp.add(t.Index, pair)
	}

	s.tracks[t.Index] = tr
	s.readyMu.Lock()
	s.ready = append(s.ready, t)
	s.readyMu.Unlock()
	s.log.Infof("Track %v over %v", t, tr.spec.Protocol)
	if s.OnTrackReady != nil {
		s.OnTrackReady(t)
	}
	return nil
}

// "12345678;timeout=60"
func (s *Session) readSession(v base.HeaderValue) error {
	if len(v) == 0 {
		return errNoSession
	}
	var h headers.Session
	if err := h.Unmarshal(v[:1]); err != nil {
		return err
	}
	if h.Session = strings.TrimSpace(h.Session); h.Session == "" {
		return errNoSession
	}
	s.sessionID = h.Session
	s.keepAlive = DefaultSessionTimeout / 2
	if h.Timeout != nil && *h.Timeout > 0 {
		s.keepAlive = time.Duration(*h.Timeout) * time.Second / 2
	}
	return nil
}

// do performs one request, retrying once with credentials when challenged.
// A non-2xx outcome returns the response together with a BadResponseCode error.
func (s *Session) do(req *base.Request) (*base.Response, error) {
	method := string(req.Method)
	res, err := s.roundTrip(req)
	if err != nil {
		return nil, err
	}
	if !success(res) && s.creds != nil {
		if challenges := res.Header["WWW-Authenticate"]; len(challenges) > 0 {
			a, err := newAuthorizer(*s.creds, challenges)
			if err != nil {
				s.log.Warnf("%s: %v", method, err)
			} else {
				s.auth = a
				res, err = s.roundTrip(req)
				if err != nil {
					return nil, err
				}
			}
		}
	}
	if !success(res) {
		e := newError(BadResponseCode, method, errors.New(res.StatusMessage))
		e.Code = int(res.StatusCode)
		return res, e
	}
	return res, nil
}

func (s *Session) prepare(req *base.Request) {
	s.cseq++
	req.Header["CSeq"] = base.HeaderValue{strconv.Itoa(s.cseq)}
	req.Header["User-Agent"] = base.HeaderValue{s.UserAgent}
	if s.sessionID != "" && req.Method != base.Options && req.Method != base.Describe {
		req.Header["Session"] = headers.Session{Session: s.sessionID}.Marshal()
	}
	if s.auth != nil {
		s.auth.authorize(req)
	} else {
		delete(req.Header, "Authorization")
	}
}

func (s *Session) write(req *base.Request) error {
	s.prepare(req)
	if s.conn == nil {
		return newError(ConnectionFailed, string(req.Method), net.ErrClosed)
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.ResponseTimeout))
	if err := s.rc.WriteRequest(req); err != nil {
		return newError(ConnectionFailed, string(req.Method), err)
	}
	return nil
}

func (s *Session) roundTrip(req *base.Request) (*base.Response, error) {
	if err := s.write(req); err != nil {
		return nil, err
	}
	cseq := headerValue(req.Header, "CSeq")
	s.conn.SetReadDeadline(time.Now().Add(s.ResponseTimeout))
	for i := 0; ; i++ {
		res, err := readResponse(s.br)
		if err != nil {
			var e *Error
			if errors.As(err, &e) {
				e.Method = string(req.Method)
				return nil, e
			}
			return nil, newError(ConnectionFailed, string(req.Method), err)
		}
		if got := headerValue(res.Header, "CSeq"); got != "" && got != cseq && i < maxStaleResponses {
			s.log.Debugf("Skipping response with CSeq %s while waiting for %s", got, cseq)
			continue
		}
		return res, nil
	}
}

// fail moves the session to the Error state and releases everything.
func (s *Session) fail(err error) error {
	var e *Error
	if !errors.As(err, &e) {
		e = newError(ConnectionFailed, "", err)
	}
	if s.State() == StateError {
		return e
	}
	s.release()
	s.lastErr = e
	s.setState(StateError)
	s.emitError(e)
	return e
}

func (s *Session) emitError(e *Error) {
	if s.OnError != nil {
		s.OnError(e)
	}
}

// teardown sends TEARDOWN when a server session exists and releases everything.
func (s *Session) teardown() {
	prev := s.State()
	s.setState(StateTearingDown)
	if s.conn != nil && s.sessionID != "" && prev != StateError {
		req := newRequest(base.Teardown, s.aggregate)
		if err := s.write(req); err != nil {
			s.log.Debugf("TEARDOWN: %v", err)
		}
	}
	s.release()
	s.setState(StateDisconnected)
}

func (s *Session) release() {
	s.closeConn()
	if s.udp != nil {
		s.udp.stop()
		if n := s.udp.dropped.Load(); n > 0 {
			s.log.Warnf("%d UDP datagrams dropped on a full queue", n)
		}
		s.udp = nil
	}
	tracker := s.tracker.Load()
	for i, tr := range s.tracks {
		if tr == nil {
			continue
		}
		tr.depack.Reset()
		tr.assembler.Clear()
		if tracker != nil {
			tracker.Reset(i)
		}
	}
	s.tracks = nil
	s.channels = [256]route{}
	s.demux.Reset()
	s.readyMu.Lock()
	s.ready = nil
	s.readyMu.Unlock()
	s.auth = nil
	s.sessionID = ""
	s.public = nil
	s.cseq = 0
	s.resetMu.Lock()
	s.resets = nil
	s.resetMu.Unlock()
}
