// Package ops serves the operational endpoints: Prometheus metrics and health endpoints.
package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fox-gonic/fox"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// ReadyFunc reports whether the process can serve requests.
type ReadyFunc func(ctx context.Context) error

// Server 运维服务器
type Server struct {
	router *fox.Engine
	ready  ReadyFunc
}

// NewServer 创建运维服务器，ready 为空时始终就绪
func NewServer(ready ReadyFunc) *Server {
	s := &Server{router: fox.New(), ready: ready}
	s.setupRouters()
	return s
}

func (s *Server) setupRouters() {
	metrics := promhttp.Handler()
	s.router.GET("/metrics", func(c *fox.Context) {
		metrics.ServeHTTP(c.Writer, c.Request)
	})
	s.router.GET("/-/healthy", s.Healthy)
	s.router.GET("/-/ready", s.Ready)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Healthy 存活探针（GET /-/healthy）
func (s *Server) Healthy(c *fox.Context) {
	c.String(http.StatusOK, "OK")
}

// Ready 就绪探针（GET /-/ready）
func (s *Server) Ready(c *fox.Context) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			log.Warn().Err(err).Msg("readiness check failed")
			c.JSON(http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, map[string]any{"ready": true})
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("Starting ops server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
