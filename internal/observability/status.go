package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

// StatusConfig wires a process's liveness into the status endpoint.
type StatusConfig struct {
	ID          string
	Addr        string
	CORSOrigins []string
	// Ready reports whether the transport is usable. Nil means always ready.
	Ready func() bool
	// Stats is rendered under /stats when set.
	Stats func() any
	// Logger receives one entry per request. Nil means the global logger.
	Logger *zerolog.Logger
}

// StatusServer exposes health, readiness, and Prometheus metrics over HTTP.
type StatusServer struct {
	cfg     StatusConfig
	router  *gin.Engine
	started time.Time
}

func NewStatusServer(cfg StatusConfig) *StatusServer {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s := &StatusServer{cfg: cfg, router: r, started: time.Now()}
	r.Use(s.access())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.registerRoutes()
	return s
}

func (s *StatusServer) Handler() http.Handler {
	return s.router
}

func (s *StatusServer) ready() bool {
	return s.cfg.Ready == nil || s.cfg.Ready()
}

// access records every request in the http metrics and logs it tagged with
// the service and its transport readiness. Prometheus scrapes log at debug.
func (s *StatusServer) access() gin.HandlerFunc {
	logger := log.Logger
	if s.cfg.Logger != nil {
		logger = *s.cfg.Logger
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		RecordHTTPRequest(s.cfg.ID, c.Request.Method, path, status, elapsed)

		var event *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			event = logger.Error()
		case path == "/metrics":
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		event.
			Str("service", s.cfg.ID).
			Bool("transport_ready", s.ready()).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", elapsed).
			Msg("observability.status request")
	}
}

func (s *StatusServer) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.ID,
			"version": Version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		ready := s.ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"service": s.cfg.ID,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.cfg.Stats != nil {
		s.router.GET("/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.cfg.Stats())
		})
	}
}

// Serve runs until ctx is cancelled, then shuts the listener down.
func (s *StatusServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("service", s.cfg.ID).Str("addr", ln.Addr().String()).Msg("status server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost"}
	}
	return out
}
