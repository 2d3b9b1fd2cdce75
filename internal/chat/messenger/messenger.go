// Package messenger composes the messaging core for one signed-in session.
//
// A Service owns the hub link, the channel directory, the dispatcher, the
// unread tracker and the presence set, and routes hub events into them.
// Outbound sends are validated and authorized before any network call, echoed
// optimistically into the channel timeline and tracked in an Outbox until the
// server copy replaces the echo.
package messenger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/louisbranch/switchboard/internal/chat"
	"github.com/louisbranch/switchboard/internal/chat/api"
	"github.com/louisbranch/switchboard/internal/chat/directory"
	"github.com/louisbranch/switchboard/internal/chat/dispatch"
	"github.com/louisbranch/switchboard/internal/chat/hub"
	"github.com/louisbranch/switchboard/internal/chat/policy"
	"github.com/louisbranch/switchboard/internal/chat/presence"
	"github.com/louisbranch/switchboard/internal/chat/unread"
	apperrors "github.com/louisbranch/switchboard/internal/platform/errors"
	"github.com/louisbranch/switchboard/internal/platform/id"
	"github.com/louisbranch/switchboard/internal/platform/otel"
	"github.com/louisbranch/switchboard/internal/platform/telemetry/metrics"
	"github.com/louisbranch/switchboard/internal/platform/timeouts"
)

// DefaultReconcileLimit is how many recent messages per joined channel are
// refetched after a reconnect.
const DefaultReconcileLimit = 50

// Store is the request/response API the service relies on. *api.Client is
// the production implementation.
type Store interface {
	directory.Source
	hub.Fallback
	Messages(ctx context.Context, channelID string, page api.Page) ([]chat.Message, error)
	CreateChannel(ctx context.Context, channel chat.Channel) (chat.Channel, error)
	ArchiveChannel(ctx context.Context, channelID string) (chat.Channel, error)
	AddMember(ctx context.Context, channelID, userID string) error
	RemoveMember(ctx context.Context, channelID, userID string) error
	UpdateMessage(ctx context.Context, messageID, body string) (chat.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	SearchMessages(ctx context.Context, query api.SearchQuery) ([]chat.Message, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	User    chat.User
	Store   Store
	Hub     hub.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// ReconcileLimit bounds the per-channel history refetch after a
	// reconnect; negative disables it.
	ReconcileLimit int
	TimelineLimit  int
	Now            func() time.Time
}

// Service is the messaging core of one session.
type Service struct {
	user   chat.User
	store  Store
	logger *zap.Logger
	now    func() time.Time

	hub            *hub.Manager
	directory      *directory.Directory
	dispatcher     *dispatch.Dispatcher
	unread         *unread.Tracker
	presence       *presence.Set
	outbox         *Outbox
	reconcileLimit int
}

// New builds a disconnected Service.
func New(deps Deps) (*Service, error) {
	if strings.TrimSpace(deps.User.ID) == "" {
		return nil, apperrors.New(apperrors.CodeNotAuthenticated, "messenger: user is required")
	}
	if deps.Store == nil {
		return nil, errors.New("messenger: store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	reconcileLimit := deps.ReconcileLimit
	if reconcileLimit == 0 {
		reconcileLimit = DefaultReconcileLimit
	}

	dispatchOpts := []dispatch.Option{dispatch.WithMetrics(deps.Metrics)}
	if deps.TimelineLimit > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithTimelineLimit(deps.TimelineLimit))
	}

	s := &Service{
		user:           deps.User,
		store:          deps.Store,
		logger:         logger,
		now:            now,
		directory:      directory.New(deps.Store, directory.WithLogger(logger.Named("directory"))),
		dispatcher:     dispatch.New(dispatchOpts...),
		unread:         unread.New(),
		presence:       presence.New(),
		outbox:         NewOutbox(),
		reconcileLimit: reconcileLimit,
	}
	manager, err := hub.New(deps.Hub, eventRouter{s},
		hub.WithFallback(deps.Store),
		hub.WithLogger(logger.Named("hub")),
		hub.WithMetrics(deps.Metrics),
	)
	if err != nil {
		return nil, err
	}
	manager.OnStateChange(s.stateChanged)
	s.hub = manager
	return s, nil
}

// Start loads the channel directory and connects to the hub.
func (s *Service) Start(ctx context.Context) error {
	if err := s.directory.Refresh(ctx); err != nil {
		return err
	}
	return s.hub.Init(ctx)
}

// Close disconnects from the hub and waits for its goroutines.
func (s *Service) Close() error {
	err := s.hub.Disconnect()
	s.hub.Wait()
	return err
}

// User returns the signed-in user.
func (s *Service) User() chat.User {
	return s.user
}

// State returns the hub connection state.
func (s *Service) State() hub.State {
	return s.hub.State()
}

// OnStateChange registers fn to observe hub connection state.
func (s *Service) OnStateChange(fn func(hub.State)) {
	s.hub.OnStateChange(fn)
}

// Channels returns the directory listing.
func (s *Service) Channels() []chat.Channel {
	return s.directory.List()
}

// Channel returns one channel from the directory.
func (s *Service) Channel(channelID string) (chat.Channel, error) {
	return s.directory.Get(channelID)
}

// RefreshChannels reloads the directory.
func (s *Service) RefreshChannels(ctx context.Context) error {
	return s.directory.Refresh(ctx)
}

// Members returns a channel's member profiles.
func (s *Service) Members(ctx context.Context, channelID string) ([]chat.Member, error) {
	return s.directory.Members(ctx, channelID)
}

// Subscribe registers listener for one channel's events. Live events run on
// the hub read loop; a listener must not call Close or Disconnect directly and
// should hand that off to another goroutine.
func (s *Service) Subscribe(channelID string, listener dispatch.Listener) dispatch.Subscription {
	return s.dispatcher.AddListener(channelID, listener)
}

// Unsubscribe removes a listener. Removing twice is a no-op.
func (s *Service) Unsubscribe(sub dispatch.Subscription) {
	s.dispatcher.RemoveListener(sub)
}

// Timeline returns the live messages of a channel.
func (s *Service) Timeline(channelID string) []chat.Message {
	return s.dispatcher.Timeline(channelID)
}

// Unread returns the unread count of a channel.
func (s *Service) Unread(channelID string) int {
	return s.unread.Get(channelID)
}

// UnreadTotal returns the unread badge count.
func (s *Service) UnreadTotal() int {
	return s.unread.Total()
}

// Online reports whether userID is online.
func (s *Service) Online(userID string) bool {
	return s.presence.Online(userID)
}

// OnlineUsers lists online users.
func (s *Service) OnlineUsers() []string {
	return s.presence.List()
}

// Outbox exposes the optimistic send tracker.
func (s *Service) Outbox() *Outbox {
	return s.outbox
}

// Join subscribes the hub link to a known channel.
func (s *Service) Join(ctx context.Context, channelID string) error {
	if _, err := s.directory.Get(channelID); err != nil {
		return err
	}
	return s.hub.Join(ctx, channelID)
}

// JoinAll joins every channel in the directory that is not archived.
func (s *Service) JoinAll(ctx context.Context) error {
	var errs []error
	for _, channel := range s.directory.List() {
		if channel.Archived {
			continue
		}
		if err := s.hub.Join(ctx, channel.ID); err != nil {
			s.logger.Warn("join channel failed", zap.String("channel_id", channel.ID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Leave unsubscribes from a channel and drops its live timeline.
func (s *Service) Leave(ctx context.Context, channelID string) error {
	err := s.hub.Leave(ctx, channelID)
	s.dispatcher.Forget(channelID)
	return err
}

// Activate makes channelID the one being viewed: its unread count resets
// immediately and the read marker is sent. An empty id clears the active
// channel.
func (s *Service) Activate(ctx context.Context, channelID string) error {
	s.unread.SetActive(channelID)
	if channelID == "" {
		return nil
	}
	return s.hub.MarkRead(ctx, channelID)
}

// MarkRead resets a channel's unread count and sends the read marker.
func (s *Service) MarkRead(ctx context.Context, channelID string) error {
	s.unread.Reset(channelID)
	return s.hub.MarkRead(ctx, channelID)
}

// CanPost reports whether the user may post into channelID.
func (s *Service) CanPost(ctx context.Context, channelID string) (bool, error) {
	channel, err := s.directory.Get(channelID)
	if err != nil {
		return false, err
	}
	return policy.CanPost(s.user, channel, s.recipient(ctx, channel)), nil
}

// Send posts draft into channelID.
func (s *Service) Send(ctx context.Context, channelID string, draft chat.Draft) (chat.Message, error) {
	ctx, span := otel.Tracer("chat/messenger").Start(ctx, "messenger.Send")
	span.SetAttributes(attribute.String("channel.id", channelID))
	defer span.End()

	msg, err := s.send(ctx, channelID, draft)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return chat.Message{}, err
	}
	return msg, nil
}

// SendSystemMessage posts a rendered body with a structured payload, such as
// the daily brief. It is otherwise identical to Send.
func (s *Service) SendSystemMessage(ctx context.Context, channelID, body string, payload chat.SystemPayload) (chat.Message, error) {
	return s.Send(ctx, channelID, chat.Draft{Body: body, Payload: payload.Clone()})
}

// Retry re-sends a failed message with its original correlation id. The
// timeline copy stays failed until the server copy replaces it.
func (s *Service) Retry(ctx context.Context, clientMessageID string) (chat.Message, error) {
	entry, err := s.outbox.Retry(clientMessageID)
	if err != nil {
		return chat.Message{}, err
	}
	return s.deliver(ctx, entry)
}

func (s *Service) send(ctx context.Context, channelID string, draft chat.Draft) (chat.Message, error) {
	if err := draft.Validate(); err != nil {
		return chat.Message{}, err
	}
	channel, err := s.directory.Get(channelID)
	if err != nil {
		return chat.Message{}, err
	}
	if err := policy.CheckPost(s.user, channel, s.recipient(ctx, channel)); err != nil {
		return chat.Message{}, err
	}

	clientMessageID, err := id.NewID()
	if err != nil {
		return chat.Message{}, apperrors.Wrap(apperrors.CodeUnknown, "messenger: client message id", err)
	}
	entry, err := s.outbox.Begin(clientMessageID, channelID, draft)
	if err != nil {
		return chat.Message{}, err
	}
	s.dispatcher.Dispatch(s.echo(entry, chat.StatusSending))
	return s.deliver(ctx, entry)
}

func (s *Service) deliver(ctx context.Context, entry Entry) (chat.Message, error) {
	sent, err := s.hub.Send(ctx, entry.ChannelID, chat.OutboundMessage{
		ClientMessageID: entry.ClientMessageID,
		Draft:           entry.Draft,
	})
	if err != nil {
		if _, ok := s.outbox.Fail(entry.ClientMessageID, err); ok {
			s.dispatcher.Dispatch(s.echo(entry, chat.StatusFailed))
		}
		s.logger.Warn("send failed",
			zap.String("channel_id", entry.ChannelID),
			zap.String("client_message_id", entry.ClientMessageID),
			zap.Error(err),
		)
		return chat.Message{}, err
	}

	if sent.ClientMessageID == "" {
		sent.ClientMessageID = entry.ClientMessageID
	}
	if sent.ChannelID == "" {
		sent.ChannelID = entry.ChannelID
	}
	s.outbox.Confirm(entry.ClientMessageID, sent)
	s.dispatcher.Dispatch(sent)
	s.directory.Touch(sent.ChannelID, sent.CreatedAt)
	if current, ok := s.dispatcher.Lookup(sent.ID); ok {
		return current, nil
	}
	return sent, nil
}

// echo is the optimistic local copy of an outbox entry.
func (s *Service) echo(entry Entry, status chat.DeliveryStatus) chat.Message {
	msg := chat.Message{
		ClientMessageID: entry.ClientMessageID,
		ChannelID:       entry.ChannelID,
		SenderID:        s.user.ID,
		Body:            entry.Draft.Body,
		CreatedAt:       s.now().UTC(),
		Status:          status,
	}
	if entry.Draft.Attachment != nil {
		attachment := *entry.Draft.Attachment
		msg.Attachment = &attachment
	}
	if entry.Draft.Payload != nil {
		msg.Payload = entry.Draft.Payload.Clone()
	}
	return msg
}

func (s *Service) recipient(ctx context.Context, channel chat.Channel) *chat.Member {
	if channel.Type != chat.ChannelDirect {
		return nil
	}
	members, err := s.directory.Members(ctx, channel.ID)
	if err != nil {
		return nil
	}
	return policy.ResolveRecipient(s.user, channel, members)
}

// Edit replaces the body of one of the user's messages.
func (s *Service) Edit(ctx context.Context, messageID, body string) (chat.Message, error) {
	current, channel, err := s.messageInChannel(messageID)
	if err != nil {
		return chat.Message{}, err
	}
	if strings.TrimSpace(body) == "" {
		return chat.Message{}, chat.ErrEmptyMessage
	}
	if err := policy.CheckEdit(s.user, channel, current); err != nil {
		return chat.Message{}, err
	}
	updated, err := s.store.UpdateMessage(ctx, messageID, body)
	if err != nil {
		return chat.Message{}, err
	}
	if updated.ChannelID == "" {
		updated.ChannelID = current.ChannelID
	}
	s.dispatcher.Dispatch(updated)
	if merged, ok := s.dispatcher.Lookup(messageID); ok {
		return merged, nil
	}
	return updated, nil
}

// Delete soft-deletes a message.
func (s *Service) Delete(ctx context.Context, messageID string) error {
	current, channel, err := s.messageInChannel(messageID)
	if err != nil {
		return err
	}
	if err := policy.CheckDelete(s.user, channel, current); err != nil {
		return err
	}
	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	s.dispatcher.MarkDeleted(messageID)
	return nil
}

func (s *Service) messageInChannel(messageID string) (chat.Message, chat.Channel, error) {
	msg, ok := s.dispatcher.Lookup(messageID)
	if !ok {
		return chat.Message{}, chat.Channel{}, apperrors.WithMetadata(apperrors.CodeNotFound, "message not found", map[string]string{
			"MessageID": messageID,
		})
	}
	channel, err := s.directory.Get(msg.ChannelID)
	if err != nil {
		return chat.Message{}, chat.Channel{}, err
	}
	return msg, channel, nil
}

// LoadHistory fetches older messages into the channel timeline.
func (s *Service) LoadHistory(ctx context.Context, channelID string, page api.Page) ([]chat.Message, error) {
	msgs, err := s.store.Messages(ctx, channelID, page)
	if err != nil {
		return nil, err
	}
	s.dispatcher.Replay(msgs)
	return msgs, nil
}

// SearchMessages passes a search through to the store.
func (s *Service) SearchMessages(ctx context.Context, query api.SearchQuery) ([]chat.Message, error) {
	return s.store.SearchMessages(ctx, query)
}

// CreateChannel creates a channel and adds it to the directory.
func (s *Service) CreateChannel(ctx context.Context, channel chat.Channel) (chat.Channel, error) {
	if channel.ID == "" {
		// The store assigns ids; validate the remaining shape.
		probe := channel
		probe.ID = "new"
		if err := probe.Validate(); err != nil {
			return chat.Channel{}, err
		}
	} else if err := channel.Validate(); err != nil {
		return chat.Channel{}, err
	}
	created, err := s.store.CreateChannel(ctx, channel)
	if err != nil {
		return chat.Channel{}, err
	}
	s.directory.Upsert(created)
	return created, nil
}

// ArchiveChannel archives a channel. Archiving cannot be undone.
func (s *Service) ArchiveChannel(ctx context.Context, channelID string) error {
	if _, err := s.store.ArchiveChannel(ctx, channelID); err != nil {
		return err
	}
	s.directory.MarkArchived(channelID)
	return nil
}

// AddMember adds a user to a channel.
func (s *Service) AddMember(ctx context.Context, channelID, userID string) error {
	if err := s.store.AddMember(ctx, channelID, userID); err != nil {
		return err
	}
	s.directory.ForgetMembers(channelID)
	return nil
}

// RemoveMember removes a user from a channel.
func (s *Service) RemoveMember(ctx context.Context, channelID, userID string) error {
	if err := s.store.RemoveMember(ctx, channelID, userID); err != nil {
		return err
	}
	s.directory.ForgetMembers(channelID)
	return nil
}

// reconcile refetches recent history for channels rejoined after a
// reconnect. Messages matching the timeline replace in place, so repeated
// runs are harmless, and replayed messages never raise unread counts.
func (s *Service) reconcile(channelIDs []string) {
	if s.reconcileLimit < 0 {
		return
	}
	for _, channelID := range channelIDs {
		ctx, cancel := context.WithTimeout(context.Background(), timeouts.APIRequest)
		msgs, err := s.store.Messages(ctx, channelID, api.Page{Limit: s.reconcileLimit})
		cancel()
		if err != nil {
			s.logger.Warn("reconcile history failed", zap.String("channel_id", channelID), zap.Error(err))
			continue
		}
		s.dispatcher.Replay(msgs)
		s.logger.Debug("history reconciled", zap.String("channel_id", channelID), zap.Int("messages", len(msgs)))
	}
}

func (s *Service) stateChanged(state hub.State) {
	s.logger.Info("hub state changed", zap.Stringer("state", state))
	if state == hub.StateDisconnected {
		s.presence.Clear()
	}
}

func (s *Service) inbound(msg chat.Message) {
	outcome := s.dispatcher.Dispatch(msg)
	s.unread.Observe(s.user.ID, dispatch.Event{Message: msg, Outcome: outcome})
	s.directory.Touch(msg.ChannelID, msg.CreatedAt)
	if msg.ClientMessageID != "" && msg.SenderID == s.user.ID {
		s.outbox.Confirm(msg.ClientMessageID, msg)
	}
}

// eventRouter applies hub events to the service state. It keeps the
// hub.EventHandler methods off the Service API.
type eventRouter struct {
	s *Service
}

func (r eventRouter) OnNewMessage(msg chat.Message) {
	r.s.inbound(msg)
}

func (r eventRouter) OnMessageUpdated(msg chat.Message) {
	r.s.dispatcher.Dispatch(msg)
}

func (r eventRouter) OnMessageDeleted(_, messageID string) {
	r.s.dispatcher.MarkDeleted(messageID)
}

func (r eventRouter) OnChannelArchived(channelID string) {
	if r.s.directory.MarkArchived(channelID) {
		r.s.logger.Info("channel archived", zap.String("channel_id", channelID))
	}
}

func (r eventRouter) OnPresence(userID string, online bool) {
	if online {
		r.s.presence.MarkOnline(userID)
		return
	}
	r.s.presence.MarkOffline(userID)
}

func (r eventRouter) OnHubError(reason string) {
	r.s.logger.Warn("hub reported error", zap.String("reason", reason))
}

func (r eventRouter) OnReconnected(channelIDs []string) {
	r.s.reconcile(channelIDs)
}
