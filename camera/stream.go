package camera

import (
	"errors"
	"fmt"
	"github.com/greendrake/rtspcam/media"
	"github.com/greendrake/rtspcam/rtsp"
	"github.com/greendrake/rtspcam/stats"
	"github.com/greendrake/rtspcam/status"
	"github.com/greendrake/rtspcam/util"
	"github.com/greendrake/server_client_hierarchy"
	"sync"
	"time"
)

const (
	minRetryDelay = 300 * time.Millisecond
	maxRetryDelay = 30 * time.Second
)

// Stream is one RTSP stream of the camera.
// Clients/subscribers can be attached to it, e.g. status casters.
// This struct is client to Camera.
type Stream struct {
	server_client_hierarchy.Node
	ID     StreamID
	camera *Camera
	// Caster feeds status websocket clients. It exists only if there is at least one client.
	caster *status.Caster
	// Monitor pulls media from the camera. It exists at all times the stream node is running.
	// And the stream node is running only if there are status clients or the stream is kept.
	monitor          Monitor
	monitorMutex     sync.RWMutex
	monitorMakeMutex sync.Mutex
	casterMakeMutex  sync.Mutex
	// Output is called from the stream task and from the session goroutine.
	outputMutex sync.Mutex
}

func (s *Stream) emit(chunk any) {
	s.outputMutex.Lock()
	defer s.outputMutex.Unlock()
	s.Output(chunk)
}

// stateChanged forwards session state changes to status clients.
// Errors are reported along with their cause where they surface.
func (s *Stream) stateChanged(_, st rtsp.State) {
	if st != rtsp.StateError {
		s.emit(status.StateEvent(st.String(), nil))
	}
}

func (s *Stream) getMonitor() Monitor {
	s.monitorMutex.RLock()
	defer s.monitorMutex.RUnlock()
	return s.monitor
}

func (s *Stream) setMonitor(m Monitor) {
	s.monitorMutex.Lock()
	defer s.monitorMutex.Unlock()
	s.monitor = m
}

func (s *Stream) makeMonitor() {
	s.monitorMakeMutex.Lock()
	defer s.monitorMakeMutex.Unlock()
	if s.getMonitor() != nil {
		return
	}
	var delay time.Duration
	for !s.camera.IsDisabled() {
		if s.tryToMakeMonitor() {
			return
		}
		delay = util.NextBackoff(delay, minRetryDelay, maxRetryDelay)
		if !util.SleepCtx(s.Node.Ctx, delay) {
			return
		}
	}
}

func (s *Stream) tryToMakeMonitor() bool {
	uri, ok := s.camera.streamURI(s.ID)
	if !ok {
		log.Errorf("%v: no URI configured", s.GetNode().ID)
		s.camera.disable()
		return false
	}
	m, err := newMonitor(s.Node.Ctx, uri, s.camera.Credentials(), s.camera.SessionConfig(), s.stateChanged)
	if err != nil {
		s.emit(status.StateEvent(rtsp.StateError.String(), err))
		if rtsp.IsWrongCredentials(err) {
			log.Errorf("Wrong credentials for camera %v", s.camera.Name)
			s.camera.disable()
		} else {
			log.Warnf("%v: %v", s.GetNode().ID, err)
		}
		return false
	}
	for _, t := range m.Tracks() {
		log.Infof("%v: %v", s.GetNode().ID, t)
	}
	s.setMonitor(m)
	return true
}

func (s *Stream) stopMonitor(reason error) {
	if m := s.getMonitor(); m != nil {
		s.setMonitor(nil)
		log.Debugf("%v: stopping monitor: %v", s.GetNode().ID, reason)
		m.ShutDown()
	}
}

func (s *Stream) Init() {
	s.GetNode().ID = fmt.Sprintf("Stream [%v]:%v", s.camera.Name, s.ID)
	s.SetTask(func(ch chan bool) {
		defer s.stopMonitor(errors.New("stream task finished"))
		s.makeMonitor()
		for {
			select {
			case <-ch:
				return
			case <-s.Node.Ctx.Done():
				<-ch
				return
			default:
				m := s.getMonitor()
				if m == nil {
					// Disabled or interrupted while connecting.
					go s.Stop()
					<-ch
					return
				}
				f, err := m.GetFrame()
				if err == nil {
					s.emit(f)
				} else {
					log.Warnf("%v: %v", s.GetNode().ID, err)
					s.emit(status.StateEvent(rtsp.StateDisconnected.String(), err))
					s.stopMonitor(err)
					go s.Stop()
					<-ch
					return
				}
			}
		}
	})
}

func (s *Stream) GetCaster() *status.Caster {
	s.casterMakeMutex.Lock()
	defer s.casterMakeMutex.Unlock()
	if s.caster == nil {
		s.makeMonitor()
		// If the app was interrupted while connecting, there is still no monitor here, so:
		if s.getMonitor() != nil {
			cId := "Caster [" + string(s.camera.Name) + ":" + StreamID2String(s.ID) + "]"
			s.caster = status.NewCaster()
			s.caster.CamName = string(s.camera.Name)
			s.caster.GetNode().ID = cId
			s.caster.On("stop", func(args ...any) {
				s.caster = nil
			})
			s.AddClient(s.caster)
		}
	}
	return s.caster
}

func (s *Stream) Tracks() []media.Track {
	if m := s.getMonitor(); m != nil {
		return m.Tracks()
	}
	return nil
}

func (s *Stream) Stats() []stats.Report {
	if m := s.getMonitor(); m != nil {
		return m.Stats()
	}
	return nil
}

func (s *Stream) State() string {
	if m := s.getMonitor(); m != nil {
		return m.State().String()
	}
	return rtsp.StateDisconnected.String()
}
