package camera

import (
	"context"
	"github.com/greendrake/rtspcam/frame"
	"github.com/greendrake/rtspcam/media"
	"github.com/greendrake/rtspcam/rtsp"
	"github.com/greendrake/rtspcam/stats"
)

type Monitor interface {
	GetFrame() (*frame.Frame, error)
	ShutDown()
	Tracks() []media.Track
	Stats() []stats.Report
	State() rtsp.State
}

// newMonitor is replaced in tests.
var newMonitor = func(ctx context.Context, uri string, creds *rtsp.Credentials, cfg rtsp.Config, onState func(old, new rtsp.State)) (Monitor, error) {
	return rtsp.NewMonitor(ctx, uri, creds, cfg, onState)
}
