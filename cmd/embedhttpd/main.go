// embedhttpd serves the JSON API, static files and metrics of a device
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/s00inx/embedhttpd/internal/log"
	"github.com/s00inx/embedhttpd/server"
)

type flags struct {
	config         string
	listen         []string
	maxConnections int
	docroot        string
	logLevel       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:           "embedhttpd",
		Short:         "Minimal embedded HTTP/1.x server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.config, "config", "c", "", "yaml config file")
	fl.StringArrayVarP(&f.listen, "listen", "l", nil, "listen on host:port, repeatable")
	fl.IntVar(&f.maxConnections, "max-connections", 0, "connection ceiling, 0 = unlimited")
	fl.StringVar(&f.docroot, "docroot", "", "serve static files from this directory")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

// load builds the config: defaults, then the file, then explicit flags
func (f *flags) load(cmd *cobra.Command) (server.Config, error) {
	cfg := server.DefaultConfig()
	if f.config != "" {
		var err error
		if cfg, err = server.LoadConfig(f.config); err != nil {
			return cfg, err
		}
	}

	fl := cmd.Flags()
	if fl.Changed("listen") {
		cfg.Listen = cfg.Listen[:0]
		for _, l := range f.listen {
			host, port, err := net.SplitHostPort(l)
			if err != nil {
				return cfg, fmt.Errorf("--listen %q: %w", l, err)
			}
			cfg.Listen = append(cfg.Listen, server.ListenConfig{Host: host, Port: port})
		}
	}
	if fl.Changed("max-connections") {
		cfg.MaxConnections = f.maxConnections
	}
	if fl.Changed("docroot") {
		cfg.DocumentRoot = f.docroot
	}
	if fl.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg server.Config) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := log.New(level, os.Stdout)
	defer func() { _ = logger.Sync() }()

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Errorf("init: %v", err)
		return err
	}
	registerRoutes(srv.API(), cfg)

	if err := srv.Listen(); err != nil {
		logger.Errorf("startup: %v", err)
		_ = srv.Shutdown(context.Background())
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx) }()

	select {
	case err = <-errc:
	case <-ctx.Done():
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err = srv.Shutdown(sctx); err == nil {
			err = <-errc
		}
	}
	if err != nil {
		logger.Errorf("server: %v", err)
	}
	return err
}
