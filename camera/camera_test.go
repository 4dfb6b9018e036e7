package camera

import (
	"context"
	"errors"
	"github.com/greendrake/rtspcam/frame"
	"github.com/greendrake/rtspcam/media"
	"github.com/greendrake/rtspcam/rtsp"
	"github.com/greendrake/rtspcam/stats"
	"github.com/greendrake/rtspcam/status"
	"github.com/greendrake/rtspcam/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net"
	"sync"
	"testing"
	"time"
)

func validCamera() *Camera {
	return &Camera{
		Name:      "door",
		Transport: transport.PreferTCP,
		Streams: []StreamConfig{
			{ID: 0, URI: "rtsp://192.168.1.10:554/stream0"},
			{ID: 1, URI: "rtsp://192.168.1.10/stream1"},
		},
		Keep:    []StreamID{0},
		WebCast: []StreamID{0, 1},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validCamera().Validate())

	for name, mutate := range map[string]func(c *Camera){
		"no name":          func(c *Camera) { c.Name = "" },
		"bad transport":    func(c *Camera) { c.Transport = "sctp" },
		"negative window":  func(c *Camera) { c.ReorderWindow = -1 },
		"duplicate stream": func(c *Camera) { c.Streams[1].ID = 0 },
		"bad uri":          func(c *Camera) { c.Streams[0].URI = "http://192.168.1.10/" },
		"unknown webcast":  func(c *Camera) { c.WebCast = []StreamID{7} },
		"unknown keep":     func(c *Camera) { c.Keep = []StreamID{2} },
	} {
		c := validCamera()
		mutate(c)
		assert.ErrorIs(t, c.Validate(), ErrConfig, name)
	}
}

func TestCredentialsAndSessionConfig(t *testing.T) {
	c := validCamera()
	assert.Nil(t, c.Credentials())
	c.User, c.Password = "admin", "secret"
	assert.Equal(t, &rtsp.Credentials{User: "admin", Password: "secret"}, c.Credentials())

	c.ReorderWindow = 64
	c.ConnectTimeout = 3 * time.Second
	cfg := c.SessionConfig()
	assert.Equal(t, transport.PreferTCP, cfg.Transport)
	assert.Equal(t, 64, cfg.ReorderWindow)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
}

func TestHasAnythingToDo(t *testing.T) {
	c := validCamera()
	assert.True(t, c.HasAnythingToDo())
	c.Keep, c.WebCast = nil, nil
	assert.False(t, c.HasAnythingToDo())
}

func TestStreamURI(t *testing.T) {
	c := validCamera()
	uri, ok := c.streamURI(1)
	assert.True(t, ok)
	assert.Equal(t, "rtsp://192.168.1.10/stream1", uri)
	_, ok = c.streamURI(5)
	assert.False(t, ok)
	assert.Equal(t, "1", StreamID2String(1))
}

func TestMissingKeptStreams(t *testing.T) {
	c := validCamera()
	assert.Equal(t, []StreamID{0}, c.missingKeptStreams())
	c.disabled.Store(true)
	assert.Empty(t, c.missingKeptStreams())
}

func TestIsReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	assert.True(t, isReachable(context.Background(), "rtsp://"+ln.Addr().String()+"/live"))

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := closed.Addr().String()
	closed.Close()
	assert.False(t, isReachable(context.Background(), "rtsp://"+addr+"/live"))
	assert.False(t, isReachable(context.Background(), "not a url"))
}

type fakeMonitor struct {
	shutDown bool
}

func (m *fakeMonitor) GetFrame() (*frame.Frame, error) { return nil, errors.New("no frames") }
func (m *fakeMonitor) ShutDown()                       { m.shutDown = true }
func (m *fakeMonitor) State() rtsp.State               { return rtsp.StatePlaying }

func (m *fakeMonitor) Tracks() []media.Track {
	return []media.Track{{Index: 0, Kind: media.KindAudio, Codec: media.CodecPCMA, ClockRate: 8000}}
}

func (m *fakeMonitor) Stats() []stats.Report {
	return []stats.Report{{Track: 0, Frames: 3}}
}

func TestStreamReportsMonitorState(t *testing.T) {
	s := &Stream{ID: 0, camera: validCamera()}
	assert.Equal(t, "Disconnected", s.State())
	assert.Nil(t, s.Tracks())
	assert.Nil(t, s.Stats())

	m := &fakeMonitor{}
	s.setMonitor(m)
	assert.Equal(t, "Playing", s.State())
	assert.Len(t, s.Tracks(), 1)
	assert.Equal(t, uint64(3), s.Stats()[0].Frames)

	s.stopMonitor(errors.New("test"))
	assert.True(t, m.shutDown)
	assert.Nil(t, s.getMonitor())
}

func TestStreamForwardsStateChanges(t *testing.T) {
	s := &Stream{ID: 0, camera: validCamera()}
	s.SetContext(context.Background())
	var mu sync.Mutex
	var states []string
	s.SetOChunkHandler(func(chunk any) {
		if ev, ok := chunk.(status.Event); ok && ev.Type == status.EventState {
			mu.Lock()
			states = append(states, ev.State)
			mu.Unlock()
		}
	})
	s.Start()
	defer s.Stop()

	orig := newMonitor
	defer func() { newMonitor = orig }()
	var onState func(old, new rtsp.State)
	newMonitor = func(ctx context.Context, uri string, creds *rtsp.Credentials, cfg rtsp.Config, cb func(old, new rtsp.State)) (Monitor, error) {
		onState = cb
		cb(rtsp.StateDisconnected, rtsp.StateConnecting)
		cb(rtsp.StateConnecting, rtsp.StatePlaying)
		return &fakeMonitor{}, nil
	}
	require.True(t, s.tryToMakeMonitor())
	require.NotNil(t, onState)

	// Later changes come from the session goroutine.
	onState(rtsp.StatePlaying, rtsp.StateError)
	onState(rtsp.StateError, rtsp.StateDisconnected)

	want := []string{"Connecting", "Playing", "Disconnected"}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == len(want)
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, states)
}

func TestStreamReportsConnectFailure(t *testing.T) {
	s := &Stream{ID: 0, camera: validCamera()}
	s.SetContext(context.Background())
	got := make(chan status.Event, 4)
	s.SetOChunkHandler(func(chunk any) {
		if ev, ok := chunk.(status.Event); ok {
			got <- ev
		}
	})
	s.Start()
	defer s.Stop()

	orig := newMonitor
	defer func() { newMonitor = orig }()
	newMonitor = func(ctx context.Context, uri string, creds *rtsp.Credentials, cfg rtsp.Config, cb func(old, new rtsp.State)) (Monitor, error) {
		return nil, errors.New("connection refused")
	}
	assert.False(t, s.tryToMakeMonitor())
	select {
	case ev := <-got:
		assert.Equal(t, "Error", ev.State)
		assert.Equal(t, "connection refused", ev.Error)
	case <-time.After(time.Second):
		t.Fatal("no state event")
	}
}
