package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/petitionlabs/gavel/pkg/config"
	"github.com/petitionlabs/gavel/pkg/config/provider"
	"github.com/petitionlabs/gavel/pkg/logger"
	"github.com/petitionlabs/gavel/pkg/runtime"
)

type ServeCmd struct {
	MetricsAddr string `name:"metrics-addr" help:"Address for /metrics and /healthz." default:":9090"`
	Watch       bool   `help:"Watch the config file and apply log-level changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	config.LoadDotEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, loader, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	cfg.Logging.Level = cli.LogLevel
	cfg.Logging.Format = cli.LogFormat

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return err
	}
	log := logger.Get("serve")

	if loader != nil && c.Watch {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				log.Warn("config watch stopped", "error", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.Observability().MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: c.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "error", err)
		}
	}()
	log.Info("runtime started", "metrics_addr", c.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	return rt.Shutdown(shutdownCtx)
}

// loadConfig reads the config file when one is given; otherwise the runtime
// starts on defaults. The returned loader is non-nil only for file configs.
func loadConfig(ctx context.Context, cli *CLI) (*config.Config, *config.Loader, error) {
	if cli.Config == "" {
		return &config.Config{}, nil, nil
	}
	p, err := provider.NewFileProvider(cli.Config)
	if err != nil {
		return nil, nil, err
	}
	loader := config.NewLoader(p, config.WithOnChange(func(next *config.Config) {
		logger.SetLevel(next.Logging.Level)
	}))
	cfg, err := loader.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}
