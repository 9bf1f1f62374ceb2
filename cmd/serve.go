package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wapair/internal/config"
	"github.com/nextlevelbuilder/wapair/internal/export"
	server "github.com/nextlevelbuilder/wapair/internal/http"
	"github.com/nextlevelbuilder/wapair/internal/pairing"
	"github.com/nextlevelbuilder/wapair/internal/wa"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pairing server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel)

			exporter, err := export.New(cfg.ExportEncrypted, cfg.ExportSecret)
			if err != nil {
				return err
			}

			pcfg := pairing.DefaultConfig()
			pcfg.DataDir = cfg.DataDir
			pcfg.SessionTTL = cfg.SessionTTL
			pcfg.IdleTTL = cfg.IdleTTL
			pcfg.SweepInterval = cfg.SweepInterval

			registry := pairing.NewRegistry(pairing.Deps{
				Connector: wa.NewConnector(),
				Exporter:  exporter,
				Policy: pairing.RetryPolicy{
					MaxRetries: cfg.MaxRetries,
					BaseDelay:  cfg.RetryBaseDelay,
					MaxDelay:   cfg.RetryMaxDelay,
				},
				RenderQR: wa.RenderQR,
				Config:   pcfg,
			})

			srv := server.NewServer(cfg, registry)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-errCh:
				registry.Shutdown()
				return err
			case sig := <-stop:
				slog.Info("shutting down", "signal", sig.String())
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown", "error", err)
			}
			registry.Shutdown()
			return nil
		},
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
