// Package hub parses dev hub command flags and composes its entrypoint.
package hub

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	entrypoint "github.com/louisbranch/switchboard/internal/platform/cmd"
	"github.com/louisbranch/switchboard/internal/platform/logging"
	"github.com/louisbranch/switchboard/internal/platform/telemetry/metrics"
	server "github.com/louisbranch/switchboard/internal/services/hub/app"
)

// Config holds dev hub command configuration.
type Config struct {
	HTTPAddr    string        `env:"SWITCHBOARD_HUB_HTTP_ADDR"    envDefault:":8090"`
	TokenSecret string        `env:"SWITCHBOARD_HUB_TOKEN_SECRET"`
	SeedPath    string        `env:"SWITCHBOARD_HUB_SEED_PATH"`
	Metrics     bool          `env:"SWITCHBOARD_HUB_METRICS"      envDefault:"true"`
	TokenTTL    time.Duration `env:"SWITCHBOARD_HUB_TOKEN_TTL"    envDefault:"12h"`
	Logging     logging.Config

	// IssueToken, when set, prints a token for that seeded user and exits.
	IssueToken string
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "hub HTTP listen address")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "HMAC secret for access tokens")
	fs.StringVar(&cfg.SeedPath, "seed", cfg.SeedPath, "JSON seed file (default built-in organization)")
	fs.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "serve prometheus metrics on /metrics")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "lifetime of issued tokens")
	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "log level")
	fs.StringVar(&cfg.IssueToken, "issue-token", "", "print an access token for a seeded user and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run serves the dev hub until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceHub, entrypoint.RunOptions{Logger: logger}, func(ctx context.Context) error {
		opts := []server.Option{server.WithLogger(logger.Named("hub"))}
		if cfg.Metrics {
			opts = append(opts, server.WithMetrics(metrics.New()))
		}
		if err := server.Run(ctx, server.Config{
			HTTPAddr:    cfg.HTTPAddr,
			TokenSecret: cfg.TokenSecret,
			SeedPath:    cfg.SeedPath,
		}, opts...); err != nil {
			logger.Error("hub stopped", zap.Error(err))
			return err
		}
		return nil
	})
}

// IssueToken writes an access token for cfg.IssueToken to w.
func IssueToken(cfg Config, w io.Writer) error {
	authority, err := server.NewTokenAuthority(cfg.TokenSecret)
	if err != nil {
		return err
	}
	seed := server.DefaultSeed()
	if strings.TrimSpace(cfg.SeedPath) != "" {
		seed, err = server.LoadSeed(cfg.SeedPath)
		if err != nil {
			return err
		}
	}
	userID := strings.TrimSpace(cfg.IssueToken)
	for _, user := range seed.Users {
		if user.ID != userID {
			continue
		}
		token, err := authority.Issue(user, cfg.TokenTTL)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		_, err = fmt.Fprintln(w, token)
		return err
	}
	return fmt.Errorf("user %q is not in the seed", userID)
}
