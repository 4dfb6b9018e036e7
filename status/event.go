package status

import (
	"github.com/greendrake/rtspcam/frame"
	"time"
)

const (
	EventFrame = "frame"
	EventState = "state"
)

// Event is what websocket clients receive: frame metadata or a stream state change.
// Media payloads are never sent.
type Event struct {
	Type      string     `json:"type"`
	Track     int        `json:"track"`
	Codec     string     `json:"codec,omitempty"`
	Key       bool       `json:"key,omitempty"`
	Timestamp uint32     `json:"timestamp,omitempty"`
	PTS       float64    `json:"pts,omitempty"` // seconds since the first frame of the track
	Duration  float64    `json:"duration,omitempty"`
	WallClock *time.Time `json:"wallClock,omitempty"`
	Size      int        `json:"size,omitempty"`
	State     string     `json:"state,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func FrameEvent(f *frame.Frame) Event {
	e := Event{
		Type:      EventFrame,
		Track:     f.Track,
		Codec:     f.Codec.String(),
		Key:       f.IsVideoKeyFrame,
		Timestamp: f.Timestamp,
		PTS:       f.PTS.Seconds(),
		Duration:  f.Duration.Seconds(),
		Size:      len(f.Data),
	}
	if !f.WallClock.IsZero() {
		wc := f.WallClock
		e.WallClock = &wc
	}
	return e
}

func StateEvent(state string, err error) Event {
	e := Event{Type: EventState, Track: -1, State: state}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
