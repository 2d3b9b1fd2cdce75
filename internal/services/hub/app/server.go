// Package server hosts the dev hub: an in-memory message-dispatch hub that
// speaks the websocket protocol and serves the store API over HTTP.
//
// It backs local development and end-to-end tests of the messaging core.
// Nothing is persisted; state starts from a Seed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/louisbranch/switchboard/internal/chat/hub"
	"github.com/louisbranch/switchboard/internal/platform/telemetry/metrics"
	"github.com/louisbranch/switchboard/internal/platform/timeouts"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxMessageBodyRunes     = 4000
	maxClientMessageIDRunes = 128

	maxChannelMessages   = 1000
	maxIdempotencyRecord = 4000

	defaultHistoryLimit = 50
	defaultSearchLimit  = 20
	maxHistoryLimit     = 200

	maxRequestBodyBytes = 1 << 20
)

// Config defines the inputs for the dev hub process.
type Config struct {
	HTTPAddr    string
	TokenSecret string
	// SeedPath is an optional JSON Seed; DefaultSeed is used when empty.
	SeedPath          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Option configures the hub handler.
type Option func(*hubServer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *hubServer) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics records connections and frames and serves /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *hubServer) {
		h.metrics = m
	}
}

// hubServer is the shared state behind every route.
type hubServer struct {
	authority *TokenAuthority
	store     *store
	rooms     *roomHub
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func newHubServer(authority *TokenAuthority, seed Seed, opts ...Option) *hubServer {
	h := &hubServer{
		authority: authority,
		store:     newStore(seed),
		rooms:     newRoomHub(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewHandler creates the dev hub routes.
func NewHandler(authority *TokenAuthority, seed Seed, opts ...Option) (http.Handler, error) {
	if authority == nil {
		return nil, errors.New("token authority is required")
	}
	return newHubServer(authority, seed, opts...).routes(), nil
}

// Server hosts the dev hub HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	logger          *zap.Logger
}

// NewServer builds a configured dev hub server.
func NewServer(config Config, opts ...Option) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	authority, err := NewTokenAuthority(config.TokenSecret)
	if err != nil {
		return nil, err
	}
	seed := DefaultSeed()
	if strings.TrimSpace(config.SeedPath) != "" {
		seed, err = LoadSeed(config.SeedPath)
		if err != nil {
			return nil, err
		}
	}

	h := newHubServer(authority, seed, opts...)
	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           h.routes(),
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		logger: h.logger,
	}, nil
}

// Run creates and serves a dev hub until the context ends.
func Run(ctx context.Context, config Config, opts ...Option) error {
	server, err := NewServer(config, opts...)
	if err != nil {
		return fmt.Errorf("init hub server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve hub: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("hub server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	s.logger.Info("hub server listening", zap.String("addr", s.httpAddr))
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil || s.httpServer == nil {
		return
	}
	if err := s.httpServer.Close(); err != nil {
		s.logger.Warn("close http server", zap.Error(err))
	}
}

func (h *hubServer) broadcast(peers []*wsPeer, frameType string, payload any) {
	frame, err := hub.NewFrame(frameType, "", payload)
	if err != nil {
		h.logger.Error("encode broadcast frame", zap.String("type", frameType), zap.Error(err))
		return
	}
	for _, peer := range peers {
		if err := peer.writeFrame(frame); err != nil {
			h.logger.Debug("drop frame for closed peer", zap.String("user_id", peer.userID), zap.Error(err))
		}
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
