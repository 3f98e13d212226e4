package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"astoria/internal/logging"
)

// SnapshotFunc returns a JSON-serializable view of the running manager.
type SnapshotFunc func() any

// Server exposes /metrics, /healthz and /state for one manager.
type Server struct {
	bind     string
	snapshot SnapshotFunc
	logger   *slog.Logger
	srv      *http.Server
}

// NewServer builds a diagnostics listener. An empty bind disables it.
func NewServer(bind string, snapshot SnapshotFunc, logger *slog.Logger) *Server {
	return &Server{
		bind:     bind,
		snapshot: snapshot,
		logger:   logging.NewComponentLogger(logger, "metrics"),
	}
}

// Handler builds the router. Exposed for tests.
func (s *Server) Handler() http.Handler {
	Register()
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/state", func(c *gin.Context) {
		if s.snapshot == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot available"})
			return
		}
		c.JSON(http.StatusOK, s.snapshot())
	})
	return router
}

// Run serves until ctx is canceled. It returns immediately when disabled.
func (s *Server) Run(ctx context.Context) error {
	if s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("diagnostics listener started", logging.String("bind", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(listener)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
