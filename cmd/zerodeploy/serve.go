package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/qiniu/zerodeploy/internal/deploy/api"
	"github.com/qiniu/zerodeploy/internal/middleware"
	"github.com/qiniu/zerodeploy/internal/ops"
)

type serveOpts struct {
	*rootOpts
}

func newServeCommand(parent *rootOpts) *serveOpts {
	return &serveOpts{rootOpts: parent}
}

func (opts *serveOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the deploy API over HTTP",
		Long: `Serve the deploy API on server.bindAddr, and metrics and health endpoints on ops.bindAddr when set.

Requests must carry "Authorization: Bearer <server.token>" unless the token is empty.`,
		Args: cobra.NoArgs,
		RunE: opts.RunE,
	}
}

func (opts *serveOpts) RunE(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	svc, cfg, done, err := opts.service(ctx)
	if err != nil {
		return err
	}
	defer done()

	if lvl := strings.ToLower(cfg.Logging.Level); lvl != "debug" && lvl != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	if _, err := api.NewApi(svc, router, middleware.Authentication(cfg.Server.Token)); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveHTTP(ctx, &http.Server{Addr: cfg.Server.BindAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second})
	})
	if cfg.Ops.BindAddr != "" {
		opsSrv := ops.NewServer(func(ctx context.Context) error {
			_, err := svc.Releases(ctx)
			return err
		})
		g.Go(func() error { return opsSrv.Run(ctx, cfg.Ops.BindAddr) })
	}
	err = g.Wait()
	log.Info().Msg("zerodeploy api server exit...")
	return err
}

// serveHTTP runs srv until ctx is cancelled, then waits up to 30s for in-flight requests.
func serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("Starting server on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
