package camera

import (
	"context"
	"errors"
	"fmt"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/greendrake/rtspcam/rtsp"
	"github.com/greendrake/rtspcam/transport"
	"github.com/greendrake/rtspcam/util"
	"github.com/greendrake/server_client_hierarchy"
	"github.com/sirupsen/logrus"
	"net"
	"slices"
	"strconv"
	"sync/atomic"
	"time"
)

var log = logrus.WithField("prefix", "camera")

type CamName string
type StreamID uint8

const defaultRTSPPort = "554"

var ErrConfig = errors.New("invalid camera configuration")

type StreamConfig struct {
	ID  StreamID `yaml:"ID"`
	URI string   `yaml:"URI"`
}

// This struct is read into from YAML.
// It is also client to the apex Node.
type Camera struct {
	// YAML fields start
	Name            CamName              `yaml:"Name"`
	User            string               `yaml:"User"`
	Password        string               `yaml:"Password"`
	Transport       transport.Preference `yaml:"Transport"`
	ReorderWindow   int                  `yaml:"ReorderWindow"`
	ConnectTimeout  time.Duration        `yaml:"ConnectTimeout"`
	ResponseTimeout time.Duration        `yaml:"ResponseTimeout"`
	Streams         []StreamConfig       `yaml:"Streams"`
	Keep            []StreamID           `yaml:"Keep"`    // Streams pulled at all times
	WebCast         []StreamID           `yaml:"WebCast"` // Streams exposed on the status server
	// YAML fields end

	server_client_hierarchy.Node
	disabled atomic.Bool
}

func StreamID2String(sId StreamID) string {
	return strconv.Itoa(int(sId))
}

func (c *Camera) IsDisabled() bool {
	return c.disabled.Load()
}

// disable stops the camera for good, e.g. after its credentials were rejected.
func (c *Camera) disable() {
	if c.disabled.CompareAndSwap(false, true) {
		go c.Stop()
	}
}

func (c *Camera) HasAnythingToDo() bool {
	return !c.IsDisabled() && (len(c.Keep) > 0 || len(c.WebCast) > 0)
}

// Validate checks what can be checked without touching the network.
func (c *Camera) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: camera without a name", ErrConfig)
	}
	switch c.Transport {
	case "", transport.PreferAuto, transport.PreferTCP, transport.PreferUDP:
	default:
		return fmt.Errorf("%w: %s: unknown transport %q", ErrConfig, c.Name, c.Transport)
	}
	if c.ReorderWindow < 0 {
		return fmt.Errorf("%w: %s: negative reorder window", ErrConfig, c.Name)
	}
	var ids []StreamID
	for _, s := range c.Streams {
		if slices.Contains(ids, s.ID) {
			return fmt.Errorf("%w: %s: duplicate stream %d", ErrConfig, c.Name, s.ID)
		}
		ids = append(ids, s.ID)
		if _, err := base.ParseURL(s.URI); err != nil {
			return fmt.Errorf("%w: %s: stream %d: %v", ErrConfig, c.Name, s.ID, err)
		}
	}
	for _, id := range slices.Concat(c.Keep, c.WebCast) {
		if !slices.Contains(ids, id) {
			return fmt.Errorf("%w: %s: stream %d is not configured", ErrConfig, c.Name, id)
		}
	}
	return nil
}

func (c *Camera) streamURI(sId StreamID) (string, bool) {
	for _, s := range c.Streams {
		if s.ID == sId {
			return s.URI, true
		}
	}
	return "", false
}

// Credentials returns nil when none are configured, leaving those in the URI, if any, in effect.
func (c *Camera) Credentials() *rtsp.Credentials {
	if c.User == "" {
		return nil
	}
	return &rtsp.Credentials{User: c.User, Password: c.Password}
}

func (c *Camera) SessionConfig() rtsp.Config {
	return rtsp.Config{
		ConnectTimeout:  c.ConnectTimeout,
		ResponseTimeout: c.ResponseTimeout,
		Transport:       c.Transport,
		ReorderWindow:   c.ReorderWindow,
	}
}

func (c *Camera) Init() {
	// Even though Camera acts as a server, we don't want it to stop when all clients removed.
	// It will be started automatically when added to the apex node.
	c.SetPrincipallyClient(true)
	c.GetNode().ID = "Camera [" + string(c.Name) + "]"
	c.SetTask(func(ch chan bool) {
		for {
			select {
			case <-ch:
				return
			case <-c.Node.Ctx.Done():
				<-ch
				return
			default:
				missing := c.missingKeptStreams()
				if len(missing) == 0 {
					// Nothing needs to be done. Stand by.
					util.SleepCtx(c.Node.Ctx, 100*time.Millisecond)
					continue
				}
				for _, sId := range missing {
					uri, _ := c.streamURI(sId)
					if isReachable(c.Node.Ctx, uri) {
						c.GetStream(sId)
					} else {
						log.Warnf("%v stream %v is offline, retrying in 5s...", c.GetNode().ID, sId)
						util.SleepCtx(c.Node.Ctx, 5*time.Second)
					}
				}
			}
		}
	})
}

func (c *Camera) GetStream(sId StreamID) *Stream {
	for _, _stream := range c.Clients {
		stream := _stream.(*Stream)
		if stream.ID == sId && !stream.IsStopping() {
			return stream
		}
	}
	// Stream does not exist yet.
	stream := &Stream{
		ID:     sId,
		camera: c,
	}
	stream.Init()
	c.AddClient(stream)
	return stream
}

// missingKeptStreams lists the Keep streams that have no running node.
func (c *Camera) missingKeptStreams() []StreamID {
	if c.IsDisabled() {
		return nil
	}
	missing := slices.Clone(c.Keep)
	for _, _s := range c.Clients {
		stream := _s.(*Stream)
		if i := slices.Index(missing, stream.ID); i > -1 && !stream.IsStopping() {
			missing = slices.Delete(missing, i, i+1)
		}
	}
	return missing
}

// isReachable dials the RTSP port the URI points at.
func isReachable(ctx context.Context, uri string) bool {
	u, err := base.ParseURL(uri)
	if err != nil {
		return false
	}
	port := u.Port()
	if port == "" {
		port = defaultRTSPPort
	}
	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return false
	}
	defer conn.Close()
	return true
}
