package rtsp

import (
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/conn"
	"github.com/stretchr/testify/require"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeServer is a loopback RTSP server driven by a per-request handler.
// A handler returning false closes the connection.
type fakeServer struct {
	ln     net.Listener
	handle func(nc net.Conn, req *base.Request) bool

	mu          sync.Mutex
	requests    []*base.Request
	interleaved int
}

func newFakeServer(t *testing.T, handle func(net.Conn, *base.Request) bool) *fakeServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln, handle: handle}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) url() string {
	return "rtsp://" + s.ln.Addr().String() + "/live"
}

func (s *fakeServer) serve() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serveConn(nc)
	}
}

func (s *fakeServer) serveConn(nc net.Conn) {
	defer nc.Close()
	rc := conn.NewConn(nc)
	for {
		what, err := rc.Read()
		if err != nil {
			return
		}
		switch what := what.(type) {
		case *base.InterleavedFrame:
			s.mu.Lock()
			s.interleaved++
			s.mu.Unlock()
		case *base.Request:
			s.mu.Lock()
			s.requests = append(s.requests, what)
			s.mu.Unlock()
			if !s.handle(nc, what) {
				return
			}
		}
	}
}

func (s *fakeServer) methods() []base.Method {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]base.Method, len(s.requests))
	for i, r := range s.requests {
		out[i] = r.Method
	}
	return out
}

func (s *fakeServer) count(method base.Method) int {
	n := 0
	for _, m := range s.methods() {
		if m == method {
			n++
		}
	}
	return n
}

func (s *fakeServer) find(method base.Method) []*base.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*base.Request
	for _, r := range s.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (s *fakeServer) interleavedFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interleaved
}

// reply renders a response to req echoing its CSeq.
func reply(req *base.Request, code base.StatusCode, body string, h base.Header) string {
	if h == nil {
		h = base.Header{}
	}
	h["CSeq"] = req.Header["CSeq"]
	res := base.Response{StatusCode: code, Header: h}
	if body != "" {
		res.Body = []byte(body)
	}
	b, _ := res.Marshal()
	return string(b)
}

// camera answers like a typical IP camera. Hooks left nil take the defaults.
type camera struct {
	sdp string
	// Returns the Transport answer for a SETUP, empty for 461.
	transport func(req *base.Request) string
	// Extra bytes sent right after the PLAY response, in the same write.
	afterPlay func(nc net.Conn) []byte
	timeout   int
}

func firstOffer(req *base.Request) string {
	return strings.Split(headerValue(req.Header, "Transport"), ",")[0]
}

func (c *camera) handle(nc net.Conn, req *base.Request) bool {
	root := "rtsp://" + nc.LocalAddr().String() + "/live"
	var out string
	switch req.Method {
	case base.Options:
		out = reply(req, base.StatusOK, "", base.Header{
			"Public": {"OPTIONS, DESCRIBE, SETUP, PLAY, TEARDOWN, GET_PARAMETER"},
		})
	case base.Describe:
		out = reply(req, base.StatusOK, c.sdp, base.Header{
			"Content-Type": {"application/sdp"},
			"Content-Base": {root + "/"},
		})
	case base.Setup:
		tf := c.transport
		if tf == nil {
			tf = firstOffer
		}
		th := tf(req)
		if th == "" {
			out = reply(req, base.StatusUnsupportedTransport, "", nil)
			break
		}
		timeout := c.timeout
		if timeout == 0 {
			timeout = 60
		}
		out = reply(req, base.StatusOK, "", base.Header{
			"Transport": {th},
			"Session":   {"12345678;timeout=" + strconv.Itoa(timeout)},
		})
	case base.Play:
		out = reply(req, base.StatusOK, "", base.Header{
			"Session":  {"12345678"},
			"RTP-Info": {"url=" + root + "/trackID=1;seq=1"},
		})
		if c.afterPlay != nil {
			out += string(c.afterPlay(nc))
		}
	case base.Teardown:
		nc.Write([]byte(reply(req, base.StatusOK, "", nil)))
		return false
	default:
		out = reply(req, base.StatusOK, "", nil)
	}
	_, err := nc.Write([]byte(out))
	return err == nil
}
