package status

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/greendrake/server_client_hierarchy"
	"golang.org/x/net/websocket"
	"sync"
	"time"
)

const writeTimeout = 100 * time.Millisecond

// Client is a principally client Node bound to one websocket.
// It runs standalone until the browser connects, then receives events from the Caster.
type Client struct {
	server_client_hierarchy.Node
	caster             *Caster
	wsReadyChannel     chan bool
	stopCommandChannel chan bool
	ws                 *websocket.Conn
	wsReady            bool
	wsWriteMutex       sync.Mutex
}

func NewClient(c *gin.Context, caster *Caster) *Client {
	client := &Client{
		caster:         caster,
		wsReadyChannel: make(chan bool),
	}
	client.GetNode().ID = "Client " + uuid.New().String() + ", caster " + caster.GetNode().ID
	client.SetPrincipallyClient(true)
	client.SetTask(func(ch chan bool) {
		client.stopCommandChannel = ch
		handler := websocket.Handler(client.wsHandler)
		handler.ServeHTTP(c.Writer, c.Request)
	})
	client.SetIChunkHandler(client.eventHandler)
	// Events queue up from here on until the websocket is ready.
	caster.AddClient(client)
	return client
}

func (c *Client) eventHandler(chunk any) {
	if !c.wsReady {
		<-c.wsReadyChannel
		c.wsReady = true
	}
	e, ok := chunk.(Event)
	if !ok {
		return
	}
	c.send(e)
}

func (c *Client) send(e Event) {
	c.wsWriteMutex.Lock()
	defer c.wsWriteMutex.Unlock()
	if c.ws == nil {
		return
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		// Stopping flushes the input queue through eventHandler, hence the goroutine.
		go c.stopAndClose()
		return
	}
	if err := websocket.JSON.Send(c.ws, e); err != nil {
		log.Debugf("%v: %v", c.GetNode().ID, err)
		go c.stopAndClose()
	}
}

func (c *Client) wsHandler(ws *websocket.Conn) {
	defer c.stopAndClose()
	c.wsWriteMutex.Lock()
	c.ws = ws
	c.wsWriteMutex.Unlock()
	// Reading is only needed to notice the browser going away.
	go func() {
		var message string
		for {
			if err := websocket.Message.Receive(ws, &message); err != nil {
				c.stopAndClose()
				return
			}
		}
	}()
	select {
	case <-c.Node.Ctx.Done():
		<-c.stopCommandChannel
	case c.wsReadyChannel <- true:
		// The event handler may never take this if nothing is streaming.
		<-c.stopCommandChannel
	case <-c.stopCommandChannel:
	}
}

func (c *Client) stopAndClose() {
	c.wsWriteMutex.Lock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.wsWriteMutex.Unlock()
	c.Stop()
}
