// Package api exposes the service over HTTP: camera management, stream
// control and the health/monitoring read side.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ethan/vas-ingest/pkg/health"
	"github.com/ethan/vas-ingest/pkg/ingest"
	"github.com/ethan/vas-ingest/pkg/logger"
	"github.com/ethan/vas-ingest/pkg/router"
	"github.com/ethan/vas-ingest/pkg/store"
)

// Ingestor is the slice of the orchestrator the API drives.
type Ingestor interface {
	Start(ctx context.Context, cameraID string) (*ingest.StartResult, error)
	Stop(ctx context.Context, cameraID string) error
	Probe(ctx context.Context, rtspURL string) (uint32, error)
	Registry() *ingest.Registry
}

// HealthSource is the slice of the health monitor the API reads and pokes.
type HealthSource interface {
	GetStatus() health.Status
	MarkHealthy(roomID string)
	Failed(roomID string) bool
}

// Capabilities is the router RPC slice needed for the capabilities passthrough.
type Capabilities interface {
	GetRouterRTPCapabilities(ctx context.Context, roomID string) (router.RTPCapabilities, error)
}

// Options wires the server's collaborators.
type Options struct {
	Repo       store.Repository
	Ingestor   Ingestor
	Health     HealthSource
	Router     Capabilities
	QueueStats func() ingest.QueueStats // nil is fine; health endpoint omits it
	Logger     *logger.Logger
	Addr       string
}

// Server is the HTTP front of the service.
type Server struct {
	opts   Options
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the router and handler set.
func NewServer(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{opts: opts}

	e := gin.New()
	e.Use(gin.Recovery())
	e.Use(s.requestLogger())

	v1 := e.Group("/api/v1")
	{
		v1.POST("/cameras", s.createCamera)
		v1.GET("/cameras", s.listCameras)
		v1.POST("/cameras/validate", s.validateCamera)
		v1.GET("/cameras/:id", s.getCamera)
		v1.PUT("/cameras/:id", s.updateCamera)
		v1.DELETE("/cameras/:id", s.deleteCamera)
		v1.GET("/cameras/:id/status", s.cameraStatus)
		v1.POST("/cameras/:id/start-stream", s.startStream)
		v1.POST("/cameras/:id/stop-stream", s.stopStream)

		v1.GET("/streams", s.listStreams)
		v1.GET("/streams/:id", s.getStream)
		v1.GET("/streams/:id/health", s.streamHealth)
		v1.GET("/streams/:id/transitions", s.streamTransitions)
		v1.GET("/streams/:id/router-capabilities", s.routerCapabilities)

		v1.GET("/health/streams", s.healthOverview)
	}

	s.engine = e
	return s
}

// Handler exposes the gin engine, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.http = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	s.opts.Logger.Info("http server listening", "addr", s.opts.Addr)

	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(started).Milliseconds(),
		}
		if status >= 500 {
			s.opts.Logger.Error("http request", fields...)
		} else {
			s.opts.Logger.Debug("http request", fields...)
		}
	}
}
