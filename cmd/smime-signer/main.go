// Package main is the entry point for the S/MIME signing milter and relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shineum/smime-signer/internal/certstore"
	"github.com/shineum/smime-signer/internal/config"
	"github.com/shineum/smime-signer/internal/metrics"
	"github.com/shineum/smime-signer/internal/milter"
	"github.com/shineum/smime-signer/internal/provider"
	"github.com/shineum/smime-signer/internal/provider/graph"
	"github.com/shineum/smime-signer/internal/provider/ses"
	"github.com/shineum/smime-signer/internal/provider/stdout"
	"github.com/shineum/smime-signer/internal/smime"
	"github.com/shineum/smime-signer/internal/smtp"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("smime-signer failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	mode, _ := cfg.SigningMode()
	onFailure, _ := cfg.FailurePolicy()

	if err := smime.Init(); err != nil {
		return fmt.Errorf("failed to initialize signing library: %w", err)
	}
	defer smime.Shutdown()

	store := certstore.New(cfg.Identities())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go reloadOnHangup(ctx, configPath, store)

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.ListenAndServe(ctx, cfg.Metrics.Listen); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
		slog.Info("metrics endpoint enabled", "listen", cfg.Metrics.Listen)
	}

	switch cfg.Mode {
	case config.ModeRelay:
		prov, err := selectProvider(ctx, cfg)
		if err != nil {
			return err
		}

		server := smtp.New(smtp.ServerConfig{
			ListenAddr:   cfg.SMTP.Listen,
			Hostname:     hostname(cfg.SMTP.Hostname),
			Provider:     prov,
			AuthUsername: cfg.SMTP.Username,
			AuthPassword: cfg.SMTP.Password,
			Session: smtp.SessionOptions{
				Resolver:       store,
				Mode:           mode,
				OnFailure:      onFailure,
				MaxMessageSize: cfg.SMTP.MaxMessageSize,
			},
		})

		slog.Info("starting smime-signer relay",
			"listen", cfg.SMTP.Listen,
			"provider", prov.Name(),
			"auth_enabled", cfg.AuthEnabled(),
			"signing_mode", mode.String(),
			"on_failure", onFailure.String(),
			"signers", store.Len(),
		)

		if err := server.ListenAndServe(ctx); err != nil {
			return fmt.Errorf("relay server: %w", err)
		}

	default:
		server := milter.NewServer(milter.ServerConfig{
			Network:   cfg.Milter.Network,
			Address:   cfg.Milter.Address,
			Resolver:  store,
			Mode:      mode,
			OnFailure: onFailure,
		}, slog.Default())

		slog.Info("starting smime-signer milter",
			"network", cfg.Milter.Network,
			"address", cfg.Milter.Address,
			"signing_mode", mode.String(),
			"on_failure", onFailure.String(),
			"signers", store.Len(),
		)

		if err := server.ListenAndServe(ctx); err != nil {
			return fmt.Errorf("milter server: %w", err)
		}
	}

	slog.Info("smime-signer stopped")
	return nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// reloadOnHangup re-reads the signer table on SIGHUP. Other settings need a
// restart.
func reloadOnHangup(ctx context.Context, path string, store *certstore.Store) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := loadConfig(path)
			if err == nil {
				err = cfg.Validate()
			}
			if err != nil {
				slog.Error("reload failed, keeping current signers", "error", err)
				continue
			}
			store.Replace(cfg.Identities())
			slog.Info("signers reloaded", "signers", store.Len())
		}
	}
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

func hostname(configured string) string {
	if configured != "" {
		return configured
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}

// selectProvider chooses the relay delivery backend. An explicit provider
// wins; otherwise Graph, then SES, then stdout is used, whichever is
// configured first.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	name := cfg.Provider
	if name == "" {
		switch {
		case cfg.GraphConfigured():
			name = "graph"
		case cfg.SESConfigured():
			name = "ses"
		default:
			name = "stdout"
		}
		slog.Info("provider auto-detected", "provider", name)
	}

	switch name {
	case "ses":
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case "graph":
		slog.Info("using Microsoft Graph provider",
			"sender", cfg.Graph.Sender,
		)
		return graph.New(graph.GraphProviderConfig{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}), nil

	case "stdout":
		slog.Info("using stdout provider")
		return stdout.New(), nil

	default:
		return nil, errors.New("unknown provider " + name)
	}
}
