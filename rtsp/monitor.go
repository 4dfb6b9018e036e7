package rtsp

import (
	"context"
	"errors"
	"github.com/greendrake/rtspcam/frame"
	"github.com/greendrake/rtspcam/media"
	"github.com/greendrake/rtspcam/stats"
	"sync"
	"time"
)

const (
	frameTimeout    = 5 * time.Second
	frameQueueDepth = 64
)

var ErrFrameTimeout = errors.New("rtsp: no frame within timeout")

// Monitor owns a Session driven by its own goroutine and hands frames out
// one at a time.
type Monitor struct {
	Ctx     context.Context
	session *Session
	cancel  context.CancelFunc
	frames  chan *frame.Frame
	done    chan struct{}
	errMu   sync.Mutex
	err     error
}

// NewMonitor connects synchronously and starts pumping in the background.
// onState, if not nil, sees every state change of the session, from
// whichever goroutine is driving it at the time.
func NewMonitor(ctx context.Context, uri string, creds *Credentials, cfg Config, onState func(old, new State)) (*Monitor, error) {
	ctx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		Ctx:    ctx,
		cancel: cancel,
		frames: make(chan *frame.Frame, frameQueueDepth),
		done:   make(chan struct{}),
	}
	s := NewSession(cfg)
	s.OnStateChanged = onState
	s.OnFrame = func(f *frame.Frame) {
		select {
		case m.frames <- f:
		case <-ctx.Done():
		}
	}
	s.OnError = func(e *Error) {
		if e.Track >= 0 {
			s.log.Warnf("%v", e)
		}
	}
	m.session = s
	if err := s.Connect(ctx, uri, creds); err != nil {
		cancel()
		return nil, err
	}
	go func() {
		defer close(m.done)
		if err := s.Run(ctx); err != nil {
			m.errMu.Lock()
			m.err = err
			m.errMu.Unlock()
		}
	}()
	return m, nil
}

func (m *Monitor) Tracks() []media.Track {
	return m.session.Tracks()
}

func (m *Monitor) Stats() []stats.Report {
	return m.session.Stats()
}

func (m *Monitor) ResetStats(track int) {
	m.session.ResetStats(track)
}

func (m *Monitor) State() State {
	return m.session.State()
}

// Err returns the error that stopped the session, if any.
func (m *Monitor) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

// ShutDown tears the session down and waits for the pump to exit.
func (m *Monitor) ShutDown() {
	m.cancel()
	<-m.done
}

func (m *Monitor) GetFrame() (*frame.Frame, error) {
	timeout := time.NewTimer(frameTimeout)
	defer timeout.Stop()
	select {
	case f := <-m.frames:
		return f, nil
	case <-timeout.C:
		return nil, ErrFrameTimeout
	case <-m.done:
		// Frames queued before the session stopped are still handed out.
		select {
		case f := <-m.frames:
			return f, nil
		default:
		}
		if err := m.Err(); err != nil {
			return nil, err
		}
		return nil, ErrDisconnected
	case <-m.Ctx.Done():
		return nil, m.Ctx.Err()
	}
}
