// Package app wires configuration into the stores and generator shared by
// the server and the CLI.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ashureev/evalstream/internal/agent"
	"github.com/ashureev/evalstream/internal/config"
	"github.com/ashureev/evalstream/internal/remote"
)

// Remote is a remote store that also records registrations and can be
// health checked.
type Remote interface {
	remote.Store
	remote.Registrar
	Ping(ctx context.Context) error
}

// OpenRemote connects to Postgres when dsn is set, otherwise returns an
// in-memory store.
func OpenRemote(ctx context.Context, dsn string, logger *slog.Logger) (Remote, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dsn == "" {
		logger.Info("REMOTE_DSN not set, keeping assessment records in memory")
		return remote.NewMemoryStore(), nil
	}
	pg, err := remote.OpenPostgres(ctx, dsn, logger)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

// NewGenerator builds the configured model backend. registrar may be nil.
func NewGenerator(ctx context.Context, cfg config.GeneratorConfig, registrar agent.Registrar, logger *slog.Logger) (agent.Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case config.BackendGemini, "":
		gen, err := agent.NewGeminiGenerator(ctx, agent.GeminiConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: float32(cfg.Temperature),
			BaseURL:     cfg.BaseURL,
		}, registrar, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Using Gemini generator", "model", cfg.Model)
		return gen, nil
	case config.BackendGRPC:
		return agent.NewGrpcGenerator(agent.DefaultGrpcConfig(cfg.Address), logger)
	default:
		return nil, fmt.Errorf("unknown generator backend %q", cfg.Backend)
	}
}

// NewLogger returns a JSON logger at the named level. Unknown levels log
// at info.
func NewLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
