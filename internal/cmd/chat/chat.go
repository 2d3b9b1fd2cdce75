// Package chat parses headless client flags and composes the messaging core.
package chat

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/louisbranch/switchboard/internal/chat/api"
	"github.com/louisbranch/switchboard/internal/chat/dispatch"
	"github.com/louisbranch/switchboard/internal/chat/hub"
	"github.com/louisbranch/switchboard/internal/chat/messenger"
	"github.com/louisbranch/switchboard/internal/chat/schedule"
	"github.com/louisbranch/switchboard/internal/chat/session"
	sessionsqlite "github.com/louisbranch/switchboard/internal/chat/session/sqlite"
	entrypoint "github.com/louisbranch/switchboard/internal/platform/cmd"
	"github.com/louisbranch/switchboard/internal/platform/logging"
	"github.com/louisbranch/switchboard/internal/platform/telemetry/metrics"
	"github.com/louisbranch/switchboard/internal/platform/timeouts"
)

// Config holds headless client configuration.
type Config struct {
	HubURL         string `env:"SWITCHBOARD_HUB_URL"            envDefault:"http://localhost:8090"`
	APIURL         string `env:"SWITCHBOARD_API_URL"`
	AccessToken    string `env:"SWITCHBOARD_ACCESS_TOKEN"`
	SessionPath    string `env:"SWITCHBOARD_SESSION_DB"         envDefault:"data/session.db"`
	MetricsAddr    string `env:"SWITCHBOARD_CHAT_METRICS_ADDR"`
	ReconcileLimit int    `env:"SWITCHBOARD_RECONCILE_LIMIT"    envDefault:"50"`
	BriefChannel   string `env:"SWITCHBOARD_BRIEF_CHANNEL"`
	BriefCron      string `env:"SWITCHBOARD_BRIEF_CRON"         envDefault:"0 9 * * 1-5"`
	BriefTimezone  string `env:"SWITCHBOARD_BRIEF_TZ"           envDefault:"UTC"`
	Logging        logging.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HubURL, "hub-url", cfg.HubURL, "hub origin")
	fs.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "store API origin (default hub origin)")
	fs.StringVar(&cfg.AccessToken, "access-token", cfg.AccessToken, "bearer token; skips the session database")
	fs.StringVar(&cfg.SessionPath, "session-db", cfg.SessionPath, "session SQLite database")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve prometheus metrics on this address")
	fs.IntVar(&cfg.ReconcileLimit, "reconcile-limit", cfg.ReconcileLimit, "messages refetched per channel after a reconnect")
	fs.StringVar(&cfg.BriefChannel, "brief-channel", cfg.BriefChannel, "post the daily brief into this channel")
	fs.StringVar(&cfg.BriefCron, "brief-cron", cfg.BriefCron, "daily brief cron expression")
	fs.StringVar(&cfg.BriefTimezone, "brief-tz", cfg.BriefTimezone, "daily brief time zone")
	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "log level")
	fs.StringVar(&cfg.Logging.Format, "log-format", cfg.Logging.Format, "log format (json or console)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = cfg.HubURL
	}
	return cfg, nil
}

// Run connects the messaging core and logs inbound traffic until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceChat, entrypoint.RunOptions{Logger: logger}, func(ctx context.Context) error {
		source, closeSource, err := openSession(cfg)
		if err != nil {
			return err
		}
		defer closeSource()
		return run(ctx, cfg, source, logger)
	})
}

func openSession(cfg Config) (session.Source, func(), error) {
	if token := strings.TrimSpace(cfg.AccessToken); token != "" {
		return session.Static{Token: token}, func() {}, nil
	}
	store, err := sessionsqlite.Open(cfg.SessionPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open session store: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

func run(ctx context.Context, cfg Config, source session.Source, logger *zap.Logger) error {
	sess, err := source.Load(ctx)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	tokens := session.TokenFunc(source)

	m := metrics.New()
	if addr := strings.TrimSpace(cfg.MetricsAddr); addr != "" {
		stop := serveMetrics(addr, m, logger)
		defer stop()
	}

	client, err := api.NewClient(api.Config{BaseURL: cfg.APIURL, Token: tokens, Logger: logger.Named("api")})
	if err != nil {
		return err
	}
	svc, err := messenger.New(messenger.Deps{
		User:           sess.User,
		Store:          client,
		Hub:            hub.Config{URL: cfg.HubURL, Token: tokens},
		Logger:         logger,
		Metrics:        m,
		ReconcileLimit: cfg.ReconcileLimit,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("close messenger", zap.Error(err))
		}
	}()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start messenger: %w", err)
	}
	if err := svc.JoinAll(ctx); err != nil {
		logger.Warn("some channels could not be joined", zap.Error(err))
	}
	for _, channel := range svc.Channels() {
		svc.Subscribe(channel.ID, logInbound(logger, sess.User.ID))
	}
	logger.Info("chat client ready",
		zap.String("user_id", sess.User.ID),
		zap.Int("channels", len(svc.Channels())),
	)

	if strings.TrimSpace(cfg.BriefChannel) != "" {
		scheduler, err := newScheduler(cfg, svc, logger)
		if err != nil {
			return err
		}
		go func() {
			_ = scheduler.Run(ctx)
		}()
	}

	<-ctx.Done()
	return nil
}

func newScheduler(cfg Config, poster schedule.Poster, logger *zap.Logger) (*schedule.Scheduler, error) {
	location, err := time.LoadLocation(strings.TrimSpace(cfg.BriefTimezone))
	if err != nil {
		return nil, fmt.Errorf("load brief time zone: %w", err)
	}
	return schedule.New(schedule.Config{
		Cron:      cfg.BriefCron,
		ChannelID: cfg.BriefChannel,
		Location:  location,
	}, poster, schedule.WithLogger(logger.Named("schedule")))
}

func logInbound(logger *zap.Logger, selfID string) dispatch.Listener {
	return func(event dispatch.Event) {
		if event.Replay || event.Message.SenderID == selfID {
			return
		}
		logger.Info("message",
			zap.String("channel_id", event.Message.ChannelID),
			zap.String("sender_id", event.Message.SenderID),
			zap.String("outcome", event.Outcome.String()),
			zap.String("body", event.Message.Body),
		)
	}
}

func serveMetrics(addr string, m *metrics.Metrics, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: timeouts.ReadHeader}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
