// Package hub manages the live websocket link to the message-dispatch hub.
//
// A Manager owns at most one connection at a time. Init dials it, sharing a
// single in-flight dial between concurrent callers; a dropped link is
// re-dialed with capped exponential backoff and every joined channel is
// rejoined. While the link is not connected, sends and read markers go
// through the configured Fallback with the same return contract.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/louisbranch/switchboard/internal/chat"
	"github.com/louisbranch/switchboard/internal/chat/api"
	apperrors "github.com/louisbranch/switchboard/internal/platform/errors"
	"github.com/louisbranch/switchboard/internal/platform/id"
	"github.com/louisbranch/switchboard/internal/platform/otel"
	"github.com/louisbranch/switchboard/internal/platform/telemetry/metrics"
	"github.com/louisbranch/switchboard/internal/platform/timeouts"
)

// State is the connection lifecycle state.
type State int

const (
	// StateDisconnected means no link and no reconnect in progress.
	StateDisconnected State = iota
	// StateConnecting means an Init dial is in progress.
	StateConnecting
	// StateConnected means the link is live.
	StateConnected
	// StateReconnecting means the link dropped and is being re-dialed.
	StateReconnecting
)

// String returns a label for logs.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Hub invocations stay below the hub's per-connection frame limit.
const (
	defaultRateLimit = rate.Limit(20)
	defaultRateBurst = 10
)

// ErrNotConnected is returned when the link is down and no fallback is set.
var ErrNotConnected = apperrors.New(apperrors.CodeConnectionError, "hub: not connected")

// Fallback is the request/response transport used while the link is down.
type Fallback interface {
	SendMessage(ctx context.Context, channelID string, msg chat.OutboundMessage) (chat.Message, error)
	MarkRead(ctx context.Context, channelID string) error
}

// Config holds configuration for creating a Manager.
type Config struct {
	// URL is the hub origin, http(s) or ws(s). The websocket lives at /ws.
	URL string
	// Origin is sent with the handshake; defaults to URL.
	Origin string
	// Token supplies the bearer credential embedded in the handshake URL.
	Token api.TokenFunc

	DialTimeout      time.Duration
	RequestTimeout   time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// MaxReconnectAttempts stops re-dialing after this many failures; zero
	// retries until Disconnect.
	MaxReconnectAttempts int

	RateLimit rate.Limit
	RateBurst int
}

// Option configures a Manager.
type Option func(*Manager)

// WithFallback sets the transport used while the link is down.
func WithFallback(fallback Fallback) Option {
	return func(m *Manager) {
		m.fallback = fallback
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records sends, reconnects and state.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// Manager owns the hub connection lifecycle.
type Manager struct {
	cfg      Config
	handler  EventHandler
	fallback Fallback
	logger   *zap.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	dials    singleflight.Group

	mu         sync.Mutex
	state      State
	conn       *connection
	joined     []string
	generation uint64
	// stopReconnect cancels the running reconnect loop, if any.
	stopReconnect context.CancelFunc
	reconnectDone chan struct{}
	observers     []func(State)

	loops sync.WaitGroup
}

// New creates a disconnected manager.
func New(cfg Config, handler EventHandler, opts ...Option) (*Manager, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("hub: url is required")
	}
	if _, err := websocketURL(cfg.URL, "probe"); err != nil {
		return nil, err
	}
	if cfg.Token == nil {
		return nil, errors.New("hub: token source is required")
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = timeouts.HubDial
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = timeouts.HubRequest
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = timeouts.ReconnectInitial
	}
	if cfg.ReconnectMax < cfg.ReconnectInitial {
		cfg.ReconnectMax = max(timeouts.ReconnectMax, cfg.ReconnectInitial)
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}

	m := &Manager{
		cfg:     cfg,
		handler: handler,
		logger:  zap.NewNop(),
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers fn to observe state transitions.
func (m *Manager) OnStateChange(fn func(State)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Joined returns the channels joined on the current or next connection.
func (m *Manager) Joined() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.joined)
}

// Init connects to the hub. It returns nil when already connected, and
// concurrent callers share one dial.
//
// The shared dial is detached from ctx. When ctx ends first Init returns
// CONNECTION_ERROR, but the dial runs on and may still leave the manager
// Connected; call Disconnect to abandon it.
func (m *Manager) Init(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.State() == StateConnected {
		return nil
	}
	result := m.dials.DoChan("dial", func() (any, error) {
		dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.DialTimeout)
		defer cancel()
		return nil, m.connect(dialCtx)
	})
	select {
	case res := <-result:
		return res.Err
	case <-ctx.Done():
		return apperrors.Wrap(apperrors.CodeConnectionError, "hub: init canceled", ctx.Err())
	}
}

// Disconnect closes the link and stops reconnecting. In-flight sends are not
// recalled, and no event is dispatched after Disconnect returns.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.generation++
	conn := m.conn
	m.conn = nil
	stop := m.stopReconnect
	done := m.reconnectDone
	m.stopReconnect = nil
	m.reconnectDone = nil
	observers := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	if conn != nil {
		conn.close()
		<-conn.done
	}
	m.notify(observers, StateDisconnected)
	return nil
}

// Wait blocks until every read loop and reconnect loop started by m has
// exited. Call it after Disconnect.
func (m *Manager) Wait() {
	m.loops.Wait()
}

// Send posts a message, over the hub when connected and through the fallback
// otherwise.
func (m *Manager) Send(ctx context.Context, channelID string, msg chat.OutboundMessage) (chat.Message, error) {
	ctx, span := otel.Tracer("chat/hub").Start(ctx, "hub.Send")
	span.SetAttributes(attribute.String("channel.id", channelID))
	defer span.End()

	if conn := m.current(); conn != nil {
		reply, err := m.invoke(ctx, conn, TypeSendMessage, SendMessagePayload{
			ChannelID:    channelID,
			MessageInput: api.NewMessageInput(msg),
		})
		if err == nil {
			sent, err := completedMessage(reply)
			m.metrics.ObserveSend(metrics.TransportHub, err)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
			}
			return sent, err
		}
		m.metrics.ObserveSend(metrics.TransportHub, err)
		if !apperrors.IsCode(err, apperrors.CodeConnectionError) {
			span.SetStatus(codes.Error, err.Error())
			return chat.Message{}, err
		}
		m.logger.Info("hub send failed, using fallback", zap.String("channel_id", channelID), zap.Error(err))
	}

	if m.fallback == nil {
		span.SetStatus(codes.Error, ErrNotConnected.Error())
		return chat.Message{}, ErrNotConnected
	}
	span.SetAttributes(attribute.Bool("hub.fallback", true))
	sent, err := m.fallback.SendMessage(ctx, channelID, msg)
	m.metrics.ObserveSend(metrics.TransportFallback, err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return chat.Message{}, err
	}
	sent.Status = sent.Status.Advance(chat.StatusSent)
	return sent, nil
}

// Join subscribes the connection to channelID. While disconnected the
// channel is recorded and joined once the link is up.
func (m *Manager) Join(ctx context.Context, channelID string) error {
	if strings.TrimSpace(channelID) == "" {
		return apperrors.New(apperrors.CodeValidation, "hub: channel id is required")
	}
	m.mu.Lock()
	if !slices.Contains(m.joined, channelID) {
		m.joined = append(m.joined, channelID)
	}
	conn := m.conn
	if m.state != StateConnected {
		conn = nil
	}
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	_, err := m.invoke(ctx, conn, TypeJoinChannel, ChannelPayload{ChannelID: channelID})
	if err == nil || apperrors.IsCode(err, apperrors.CodeConnectionError) {
		return nil
	}
	m.mu.Lock()
	m.joined = slices.DeleteFunc(m.joined, func(id string) bool { return id == channelID })
	m.mu.Unlock()
	return err
}

// Leave unsubscribes from channelID.
func (m *Manager) Leave(ctx context.Context, channelID string) error {
	m.mu.Lock()
	m.joined = slices.DeleteFunc(m.joined, func(id string) bool { return id == channelID })
	conn := m.conn
	if m.state != StateConnected {
		conn = nil
	}
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	_, err := m.invoke(ctx, conn, TypeLeaveChannel, ChannelPayload{ChannelID: channelID})
	if apperrors.IsCode(err, apperrors.CodeConnectionError) {
		return nil
	}
	return err
}

// MarkRead records that the user has read channelID.
func (m *Manager) MarkRead(ctx context.Context, channelID string) error {
	if conn := m.current(); conn != nil {
		_, err := m.invoke(ctx, conn, TypeUpdateReadStatus, ChannelPayload{ChannelID: channelID})
		if !apperrors.IsCode(err, apperrors.CodeConnectionError) {
			return err
		}
	}
	if m.fallback == nil {
		return ErrNotConnected
	}
	return m.fallback.MarkRead(ctx, channelID)
}

func (m *Manager) current() *connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return nil
	}
	return m.conn
}

// connect dials one connection and installs it.
func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	reconnecting := m.state == StateReconnecting
	generation := m.generation
	var observers []func(State)
	if !reconnecting {
		observers = m.setStateLocked(StateConnecting)
	}
	m.mu.Unlock()
	m.notify(observers, StateConnecting)

	ws, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		if m.generation == generation && m.state == StateConnecting {
			observers = m.setStateLocked(StateDisconnected)
		} else {
			observers = nil
		}
		m.mu.Unlock()
		m.notify(observers, StateDisconnected)
		return err
	}

	conn := newConnection(ws)
	m.mu.Lock()
	if m.generation != generation {
		m.mu.Unlock()
		_ = ws.Close()
		return apperrors.New(apperrors.CodeConnectionError, "hub: disconnected while dialing")
	}
	m.conn = conn
	joined := slices.Clone(m.joined)
	observers = m.setStateLocked(StateConnected)
	m.loops.Add(1)
	m.mu.Unlock()

	go m.readLoop(conn)
	m.notify(observers, StateConnected)
	m.logger.Info("hub connected", zap.Bool("reconnect", reconnecting), zap.Int("channels", len(joined)))

	for _, channelID := range joined {
		if _, err := m.invoke(ctx, conn, TypeJoinChannel, ChannelPayload{ChannelID: channelID}); err != nil {
			m.logger.Warn("rejoin channel failed", zap.String("channel_id", channelID), zap.Error(err))
		}
	}
	if reconnecting {
		m.handler.OnReconnected(joined)
	}
	return nil
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := m.cfg.Token(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNotAuthenticated, "hub: load token", err)
	}
	if strings.TrimSpace(token) == "" {
		return nil, apperrors.New(apperrors.CodeNotAuthenticated, "hub: no access token")
	}

	wsURL, err := websocketURL(m.cfg.URL, token)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConnectionError, "hub: build url", err)
	}
	origin := m.cfg.Origin
	if origin == "" {
		origin = originOf(m.cfg.URL)
	}
	wsCfg, err := websocket.NewConfig(wsURL, origin)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConnectionError, "hub: websocket config", err)
	}
	wsCfg.Dialer = &net.Dialer{Timeout: m.cfg.DialTimeout}

	ws, err := wsCfg.DialContext(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConnectionError, "hub: dial", err)
	}
	return ws, nil
}

func (m *Manager) readLoop(conn *connection) {
	defer m.loops.Done()
	defer close(conn.done)

	decoder := json.NewDecoder(conn.ws)
	for {
		var frame Frame
		if err := decoder.Decode(&frame); err != nil {
			m.logger.Debug("hub read loop ended", zap.Error(err))
			break
		}
		if frame.RequestID != "" && conn.resolve(frame) {
			continue
		}
		if !m.isCurrent(conn) {
			break
		}
		m.handleEvent(frame)
	}
	conn.close()
	m.linkLost(conn)
}

func (m *Manager) isCurrent(conn *connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn == conn
}

func (m *Manager) handleEvent(frame Frame) {
	switch frame.Type {
	case TypeNewMessage, TypeMessageUpdated:
		var payload MessagePayload
		if err := frame.Decode(&payload); err != nil {
			m.logger.Warn("drop malformed hub event", zap.String("type", frame.Type), zap.Error(err))
			return
		}
		if frame.Type == TypeNewMessage {
			m.handler.OnNewMessage(payload.Message)
		} else {
			m.handler.OnMessageUpdated(payload.Message)
		}
	case TypeMessageDeleted:
		var payload MessageDeletedPayload
		if err := frame.Decode(&payload); err != nil {
			m.logger.Warn("drop malformed hub event", zap.String("type", frame.Type), zap.Error(err))
			return
		}
		m.handler.OnMessageDeleted(payload.ChannelID, payload.MessageID)
	case TypeChannelArchived:
		var payload ChannelPayload
		if err := frame.Decode(&payload); err != nil {
			m.logger.Warn("drop malformed hub event", zap.String("type", frame.Type), zap.Error(err))
			return
		}
		m.handler.OnChannelArchived(payload.ChannelID)
	case TypeUserOnline, TypeUserOffline:
		var payload UserPayload
		if err := frame.Decode(&payload); err != nil {
			m.logger.Warn("drop malformed hub event", zap.String("type", frame.Type), zap.Error(err))
			return
		}
		m.handler.OnPresence(payload.UserID, frame.Type == TypeUserOnline)
	case TypeError:
		var payload ErrorPayload
		_ = frame.Decode(&payload)
		reason := payload.Reason
		if reason == "" && payload.Error != nil {
			reason = payload.Error.Message
		}
		m.handler.OnHubError(reason)
	default:
		m.logger.Debug("ignore unknown hub frame", zap.String("type", frame.Type))
		return
	}
	m.metrics.ObserveDispatch(frame.Type)
}

// linkLost runs when a read loop exits. A loop that ended without
// Disconnect starts the reconnect loop.
func (m *Manager) linkLost(conn *connection) {
	conn.mu.Lock()
	for requestID, reply := range conn.pending {
		delete(conn.pending, requestID)
		close(reply)
	}
	conn.mu.Unlock()

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	observers := m.setStateLocked(StateReconnecting)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.stopReconnect = cancel
	m.reconnectDone = done
	m.loops.Add(1)
	m.mu.Unlock()

	m.logger.Warn("hub link lost, reconnecting")
	m.notify(observers, StateReconnecting)
	go m.reconnect(ctx, done)
}

func (m *Manager) reconnect(ctx context.Context, done chan struct{}) {
	defer m.loops.Done()
	defer close(done)

	delay := m.cfg.ReconnectInitial
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if m.State() != StateReconnecting {
			m.clearReconnect(done)
			return
		}
		m.metrics.ObserveReconnectAttempt()

		result := <-m.dials.DoChan("dial", func() (any, error) {
			dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
			defer cancel()
			return nil, m.connect(dialCtx)
		})
		if result.Err == nil {
			m.clearReconnect(done)
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("hub reconnect failed", zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(result.Err))

		if apperrors.IsCode(result.Err, apperrors.CodeNotAuthenticated) ||
			(m.cfg.MaxReconnectAttempts > 0 && attempt >= m.cfg.MaxReconnectAttempts) {
			m.giveUp(done)
			return
		}
		delay = min(delay*2, m.cfg.ReconnectMax)
		timer.Reset(delay)
	}
}

// clearReconnect drops the reconnect bookkeeping owned by done.
func (m *Manager) clearReconnect(done chan struct{}) {
	m.mu.Lock()
	if m.reconnectDone == done {
		m.stopReconnect = nil
		m.reconnectDone = nil
	}
	m.mu.Unlock()
}

func (m *Manager) giveUp(done chan struct{}) {
	m.mu.Lock()
	if m.reconnectDone != done {
		m.mu.Unlock()
		return
	}
	m.stopReconnect = nil
	m.reconnectDone = nil
	observers := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	m.logger.Error("hub reconnect abandoned")
	m.notify(observers, StateDisconnected)
}

// invoke sends an invocation frame and waits for its reply.
func (m *Manager) invoke(ctx context.Context, conn *connection, frameType string, payload any) (Frame, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return Frame{}, apperrors.Wrap(apperrors.CodeRateLimited, "hub: throttled", err)
	}

	requestID, err := id.NewID()
	if err != nil {
		return Frame{}, apperrors.Wrap(apperrors.CodeUnknown, "hub: request id", err)
	}
	frame, err := NewFrame(frameType, requestID, payload)
	if err != nil {
		return Frame{}, apperrors.Wrap(apperrors.CodeValidation, "hub: encode invocation", err)
	}

	reply := conn.expect(requestID)
	if err := conn.write(frame); err != nil {
		conn.forget(requestID)
		return Frame{}, apperrors.Wrap(apperrors.CodeConnectionError, fmt.Sprintf("hub: write %s", frameType), err)
	}

	timer := time.NewTimer(m.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case got, ok := <-reply:
		if !ok {
			return Frame{}, apperrors.New(apperrors.CodeConnectionError, fmt.Sprintf("hub: link closed awaiting %s", frameType))
		}
		if got.Type == TypeError {
			var payload ErrorPayload
			if err := got.Decode(&payload); err != nil || payload.Error == nil {
				return Frame{}, apperrors.New(apperrors.CodeUnknown, fmt.Sprintf("hub: %s failed", frameType))
			}
			return Frame{}, payload.Error.Err()
		}
		return got, nil
	case <-timer.C:
		conn.forget(requestID)
		return Frame{}, apperrors.New(apperrors.CodeConnectionError, fmt.Sprintf("hub: %s timed out", frameType))
	case <-ctx.Done():
		conn.forget(requestID)
		return Frame{}, apperrors.Wrap(apperrors.CodeConnectionError, fmt.Sprintf("hub: %s canceled", frameType), ctx.Err())
	}
}

func completedMessage(reply Frame) (chat.Message, error) {
	var payload CompletionPayload
	if err := reply.Decode(&payload); err != nil {
		return chat.Message{}, apperrors.Wrap(apperrors.CodeUnknown, "hub: decode completion", err)
	}
	if payload.Message == nil {
		return chat.Message{}, apperrors.New(apperrors.CodeUnknown, "hub: completion missing message")
	}
	msg := *payload.Message
	msg.Status = msg.Status.Advance(chat.StatusSent)
	return msg, nil
}

func (m *Manager) setStateLocked(next State) []func(State) {
	if m.state == next {
		return nil
	}
	m.state = next
	m.metrics.SetHubState(int(next))
	return slices.Clone(m.observers)
}

func (m *Manager) notify(observers []func(State), state State) {
	for _, fn := range observers {
		fn(state)
	}
}

func websocketURL(base, token string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("hub: invalid url %q: %w", base, err)
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("hub: unsupported url scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	query := parsed.Query()
	query.Set("access_token", token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func originOf(base string) string {
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return base
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	return parsed.String()
}
