package status

import (
	"github.com/greendrake/rtspcam/frame"
	"github.com/greendrake/server_client_hierarchy"
)

// Caster fans stream events out to websocket clients. It is a client of the
// stream node and exists only while somebody is watching.
type Caster struct {
	server_client_hierarchy.Node
	CamName string
}

func NewCaster() *Caster {
	caster := &Caster{}
	caster.SetIChunkHandler(caster.chunkHandler)
	return caster
}

func (c *Caster) chunkHandler(chunk any) {
	switch v := chunk.(type) {
	case *frame.Frame:
		c.Output(FrameEvent(v))
	case Event:
		c.Output(v)
	}
}
