package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/qiniu/zerodeploy/internal/config"
	"github.com/qiniu/zerodeploy/internal/deploy/service"
	"github.com/qiniu/zerodeploy/internal/telemetry"
)

type rootOpts struct {
	configFile string
	descriptor string
	logLevel   string
	jsonOutput bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOpts{}
	cmd := &cobra.Command{
		Use:           "zerodeploy",
		Short:         "Zero-downtime container deployments over SSH",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "f", "", "application config file (JSON)")
	cmd.PersistentFlags().StringVarP(&opts.descriptor, "descriptor", "d", "", "deploy descriptor, defaults to deploy.descriptor from config")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print results as JSON")

	cmd.AddCommand(
		newDeployCommand(opts).Command(),
		newRollbackCommand(opts).Command(),
		newPlanCommand(opts).Command(),
		newStatusCommand(opts).Command(),
		newLogsCommand(opts).Command(),
		newReleasesCommand(opts).Command(),
		newRolloutsCommand(opts).Command(),
		newLockCommand(opts),
		newServeCommand(opts).Command(),
	)
	return cmd
}

// load reads the config and descriptor and configures logging.
func (o *rootOpts) load() (*config.Config, *config.Descriptor, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	setupLogging(cfg.Logging)

	path := o.descriptor
	if path == "" {
		path = cfg.Deploy.Descriptor
	}
	desc, err := config.LoadDescriptor(path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, desc, nil
}

// service builds the deploy service; the returned func closes it and flushes traces.
func (o *rootOpts) service(ctx context.Context) (service.DeployService, *config.Config, func(), error) {
	cfg, desc, err := o.load()
	if err != nil {
		return nil, nil, nil, err
	}
	shutdown, err := telemetry.Setup(ctx, cfg.Tracing, desc.Service)
	if err != nil {
		return nil, nil, nil, err
	}
	svc, err := service.Build(ctx, cfg, desc, nil)
	if err != nil {
		shutdown(context.Background())
		return nil, nil, nil, err
	}
	closeFn := func() {
		if err := svc.Close(); err != nil {
			log.Warn().Err(err).Msg("close deploy service")
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			log.Warn().Err(err).Msg("flush traces")
		}
	}
	return svc, cfg, closeFn, nil
}

// print writes v as JSON when --json is set, otherwise calls render.
func (o *rootOpts) print(w io.Writer, v any, render func(io.Writer)) error {
	if o.jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	render(w)
	return nil
}

func setupLogging(cfg config.LoggingConfig) {
	switch strings.ToLower(cfg.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		stop()
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
