package status

import (
	"context"
	"github.com/gin-contrib/graceful"
	"github.com/gin-gonic/gin"
	"github.com/greendrake/rtspcam/media"
	"github.com/greendrake/rtspcam/stats"
	"github.com/sirupsen/logrus"
	"io"
	"net/http"
	"slices"
)

var log = logrus.WithField("prefix", "status")

// Source is one camera stream as seen by the status server.
type Source interface {
	// GetCaster returns nil when the stream cannot be started.
	GetCaster() *Caster
	Tracks() []media.Track
	Stats() []stats.Report
	State() string
}

type SourceGetter func(cam string, sid string) Source

type trackView struct {
	Index     int    `json:"index"`
	Control   string `json:"control"`
	Kind      string `json:"kind"`
	Codec     string `json:"codec"`
	ClockRate int    `json:"clockRate"`
	Channels  int    `json:"channels,omitempty"`
	Bitrate   int    `json:"bitrate,omitempty"`
}

type streamView struct {
	ID     string         `json:"id"`
	State  string         `json:"state"`
	Tracks []trackView    `json:"tracks"`
	Stats  []stats.Report `json:"stats"`
}

func Run(ctx context.Context, port string, ids []string, getter SourceGetter) error {
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = io.Discard
	router, err := graceful.Default(graceful.WithAddr(port))
	if err != nil {
		return err
	}
	routes(router.Engine, ids, getter)
	log.Infof("Status server listening on %s", port)
	return router.RunWithContext(ctx)
}

func routes(router *gin.Engine, ids []string, getter SourceGetter) {
	router.Use(CrossOrigin())

	router.GET("/streams", func(c *gin.Context) {
		c.JSON(http.StatusOK, ids)
	})

	lookup := func(c *gin.Context) (string, Source) {
		id := c.Param("cam") + "/" + c.Param("sid")
		if !slices.Contains(ids, id) {
			c.AbortWithStatus(http.StatusNotFound)
			return id, nil
		}
		src := getter(c.Param("cam"), c.Param("sid"))
		if src == nil {
			c.AbortWithStatus(http.StatusNotFound)
		}
		return id, src
	}

	router.GET("/stream/:cam/:sid", func(c *gin.Context) {
		id, src := lookup(c)
		if src == nil {
			return
		}
		view := streamView{ID: id, State: src.State(), Stats: src.Stats()}
		for _, t := range src.Tracks() {
			view.Tracks = append(view.Tracks, trackView{
				Index:     t.Index,
				Control:   t.Control,
				Kind:      t.Kind.String(),
				Codec:     t.Codec.String(),
				ClockRate: t.ClockRate,
				Channels:  t.Channels,
				Bitrate:   t.Bitrate,
			})
		}
		c.JSON(http.StatusOK, view)
	})

	router.GET("/stream/:cam/:sid/events", func(c *gin.Context) {
		_, src := lookup(c)
		if src == nil {
			return
		}
		// Nil when the stream could not start before the app was interrupted.
		caster := src.GetCaster()
		if caster == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		client := NewClient(c, caster)
		client.Start()
		client.Wait()
	})
}

// CrossOrigin Access-Control-Allow-Origin any methods
func CrossOrigin() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "OPTIONS, GET")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
