package server

import (
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/louisbranch/switchboard/internal/chat"
	"github.com/louisbranch/switchboard/internal/chat/policy"
	apperrors "github.com/louisbranch/switchboard/internal/platform/errors"
	"github.com/louisbranch/switchboard/internal/platform/id"
)

// store is the in-memory persistence behind the dev hub.
type store struct {
	now func() time.Time

	mu       sync.Mutex
	users    map[string]chat.User
	channels map[string]chat.Channel
	order    []string
	messages map[string][]chat.Message
	// byID maps message ids to their channel.
	byID             map[string]string
	idempotencyBy    map[string]chat.Message
	idempotencyOrder []string
	readAt           map[string]map[string]time.Time
}

func newStore(seed Seed) *store {
	s := &store{
		now:           time.Now,
		users:         make(map[string]chat.User),
		channels:      make(map[string]chat.Channel),
		messages:      make(map[string][]chat.Message),
		byID:          make(map[string]string),
		idempotencyBy: make(map[string]chat.Message),
		readAt:        make(map[string]map[string]time.Time),
	}
	for _, user := range seed.Users {
		if strings.TrimSpace(user.ID) == "" {
			continue
		}
		s.users[user.ID] = user
	}
	for _, channel := range seed.Channels {
		if err := channel.Validate(); err != nil {
			continue
		}
		if _, ok := s.channels[channel.ID]; !ok {
			s.order = append(s.order, channel.ID)
		}
		s.channels[channel.ID] = channel.Clone()
	}
	for _, msg := range seed.Messages {
		if _, ok := s.channels[msg.ChannelID]; !ok || msg.ID == "" {
			continue
		}
		s.messages[msg.ChannelID] = append(s.messages[msg.ChannelID], msg.Clone())
		s.byID[msg.ID] = msg.ChannelID
	}
	return s
}

// user returns the stored profile for an authenticated identity, registering
// identities the seed does not know.
func (s *store) user(identity chat.User) chat.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if known, ok := s.users[identity.ID]; ok {
		return known
	}
	identity.Active = true
	s.users[identity.ID] = identity
	return identity
}

func (s *store) visibleChannels(user chat.User) []chat.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Channel, 0, len(s.order))
	for _, channelID := range s.order {
		channel := s.channels[channelID]
		if isMember(user, channel) {
			out = append(out, channel.Clone())
		}
	}
	return out
}

func (s *store) channel(user chat.User, channelID string) (chat.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelLocked(user, channelID)
}

func (s *store) channelLocked(user chat.User, channelID string) (chat.Channel, error) {
	channel, ok := s.channels[channelID]
	if !ok || !isMember(user, channel) {
		return chat.Channel{}, apperrors.WithMetadata(apperrors.CodeNotFound, "channel not found", map[string]string{
			"ChannelID": channelID,
		})
	}
	return channel.Clone(), nil
}

func (s *store) createChannel(user chat.User, channel chat.Channel) (chat.Channel, error) {
	if channel.Type != chat.ChannelDirect && user.Role != chat.RoleProjectManager && !user.Role.Outranks(chat.RoleProjectManager) {
		return chat.Channel{}, apperrors.New(apperrors.CodePermissionDenied, "role may not create channels")
	}
	if channel.ID == "" {
		channel.ID = id.MustNewID()
	}
	channel.Archived = false
	if channel.Type == chat.ChannelDirect && !slices.Contains(channel.MemberIDs, user.ID) && len(channel.MemberIDs) < 2 {
		channel.MemberIDs = append(channel.MemberIDs, user.ID)
	}
	if err := channel.Validate(); err != nil {
		return chat.Channel{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channel.ID]; ok {
		return chat.Channel{}, apperrors.New(apperrors.CodeValidation, "channel already exists")
	}
	channel.CreatedAt = s.now().UTC()
	s.channels[channel.ID] = channel.Clone()
	s.order = append(s.order, channel.ID)
	return channel, nil
}

func (s *store) archiveChannel(user chat.User, channelID string) (chat.Channel, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, err := s.channelLocked(user, channelID)
	if err != nil {
		return chat.Channel{}, false, err
	}
	if !user.Role.Outranks(chat.RoleDepartmentDirector) {
		return chat.Channel{}, false, apperrors.New(apperrors.CodePermissionDenied, "role may not archive channels")
	}
	if channel.Archived {
		return channel, false, nil
	}
	channel.Archived = true
	s.channels[channelID] = channel.Clone()
	return channel, true, nil
}

func (s *store) members(user chat.User, channelID string) ([]chat.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, err := s.channelLocked(user, channelID)
	if err != nil {
		return nil, err
	}
	var out []chat.Member
	for _, candidate := range s.users {
		if isMember(candidate, channel) {
			out = append(out, candidate.AsMember())
		}
	}
	slices.SortFunc(out, func(a, b chat.Member) int { return strings.Compare(a.UserID, b.UserID) })
	return out, nil
}

func (s *store) addMember(user chat.User, channelID, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, err := s.channelLocked(user, channelID)
	if err != nil {
		return err
	}
	if channel.Type == chat.ChannelDirect {
		return chat.ErrDirectMembers
	}
	if _, ok := s.users[memberID]; !ok {
		return apperrors.WithMetadata(apperrors.CodeNotFound, "user not found", map[string]string{"UserID": memberID})
	}
	if !slices.Contains(channel.MemberIDs, memberID) {
		channel.MemberIDs = append(channel.MemberIDs, memberID)
	}
	s.channels[channelID] = channel
	return nil
}

func (s *store) removeMember(user chat.User, channelID, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, err := s.channelLocked(user, channelID)
	if err != nil {
		return err
	}
	if channel.Type == chat.ChannelDirect {
		return chat.ErrDirectMembers
	}
	channel.MemberIDs = slices.DeleteFunc(channel.MemberIDs, func(id string) bool { return id == memberID })
	s.channels[channelID] = channel
	return nil
}

// history returns a page of messages counted from the newest, in
// chronological order.
func (s *store) history(user chat.User, channelID string, limit, offset int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.channelLocked(user, channelID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit, defaultHistoryLimit, maxHistoryLimit)
	offset = max(offset, 0)

	msgs := s.messages[channelID]
	end := len(msgs) - offset
	if end <= 0 {
		return []chat.Message{}, nil
	}
	start := max(end-limit, 0)
	out := make([]chat.Message, 0, end-start)
	for _, msg := range msgs[start:end] {
		out = append(out, msg.Clone())
	}
	return out, nil
}

// post stores a message. A repeated client message id returns the original
// copy with duplicate set.
func (s *store) post(user chat.User, channelID string, out chat.OutboundMessage) (chat.Message, bool, error) {
	if err := out.Validate(); err != nil {
		return chat.Message{}, false, err
	}
	clientMessageID := strings.TrimSpace(out.ClientMessageID)
	if utf8.RuneCountInString(clientMessageID) > maxClientMessageIDRunes {
		return chat.Message{}, false, apperrors.New(apperrors.CodeValidation, "client_message_id must be at most 128 characters")
	}
	if utf8.RuneCountInString(out.Body) > maxMessageBodyRunes {
		return chat.Message{}, false, apperrors.New(apperrors.CodeValidation, "body must be at most 4000 characters")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	channel, err := s.channelLocked(user, channelID)
	if err != nil {
		return chat.Message{}, false, err
	}
	key := ""
	if clientMessageID != "" {
		key = channelID + "\x00" + user.ID + "\x00" + clientMessageID
		if existing, ok := s.idempotencyBy[key]; ok {
			return existing.Clone(), true, nil
		}
	}
	if err := policy.CheckPost(user, channel, s.recipientLocked(user, channel)); err != nil {
		return chat.Message{}, false, err
	}

	now := s.now().UTC()
	msg := chat.Message{
		ID:              id.MustNewID(),
		ClientMessageID: clientMessageID,
		ChannelID:       channelID,
		SenderID:        user.ID,
		Body:            strings.TrimSpace(out.Body),
		Payload:         out.Payload.Clone(),
		CreatedAt:       now,
		Status:          chat.StatusDelivered,
	}
	if out.Attachment != nil {
		attachment := *out.Attachment
		msg.Attachment = &attachment
	}

	msgs := append(s.messages[channelID], msg)
	if len(msgs) > maxChannelMessages {
		for _, dropped := range msgs[:len(msgs)-maxChannelMessages] {
			delete(s.byID, dropped.ID)
		}
		msgs = slices.Clone(msgs[len(msgs)-maxChannelMessages:])
	}
	s.messages[channelID] = msgs
	s.byID[msg.ID] = channelID
	channel.LastMessageAt = now
	s.channels[channelID] = channel

	if key != "" {
		s.idempotencyBy[key] = msg
		s.idempotencyOrder = append(s.idempotencyOrder, key)
		if len(s.idempotencyOrder) > maxIdempotencyRecord {
			evict := s.idempotencyOrder[0]
			s.idempotencyOrder = s.idempotencyOrder[1:]
			delete(s.idempotencyBy, evict)
		}
	}
	return msg.Clone(), false, nil
}

func (s *store) recipientLocked(user chat.User, channel chat.Channel) *chat.Member {
	if channel.Type != chat.ChannelDirect {
		return nil
	}
	var members []chat.Member
	for _, memberID := range channel.MemberIDs {
		if known, ok := s.users[memberID]; ok {
			members = append(members, known.AsMember())
		}
	}
	return policy.ResolveRecipient(user, channel, members)
}

func (s *store) updateMessage(user chat.User, messageID, body string) (chat.Message, error) {
	if strings.TrimSpace(body) == "" {
		return chat.Message{}, chat.ErrEmptyMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, pos, channel, err := s.messageLocked(user, messageID)
	if err != nil {
		return chat.Message{}, err
	}
	if err := policy.CheckEdit(user, channel, msg); err != nil {
		return chat.Message{}, err
	}
	msg.Body = strings.TrimSpace(body)
	msg.Edited = true
	msg.UpdatedAt = s.now().UTC()
	s.messages[channel.ID][pos] = msg
	return msg.Clone(), nil
}

func (s *store) deleteMessage(user chat.User, messageID string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, pos, channel, err := s.messageLocked(user, messageID)
	if err != nil {
		return chat.Message{}, err
	}
	if err := policy.CheckDelete(user, channel, msg); err != nil {
		return chat.Message{}, err
	}
	msg.Deleted = true
	msg.Body = ""
	msg.Attachment = nil
	msg.UpdatedAt = s.now().UTC()
	s.messages[channel.ID][pos] = msg
	return msg.Clone(), nil
}

func (s *store) messageLocked(user chat.User, messageID string) (chat.Message, int, chat.Channel, error) {
	notFound := apperrors.WithMetadata(apperrors.CodeNotFound, "message not found", map[string]string{"MessageID": messageID})
	channelID, ok := s.byID[messageID]
	if !ok {
		return chat.Message{}, 0, chat.Channel{}, notFound
	}
	channel, err := s.channelLocked(user, channelID)
	if err != nil {
		return chat.Message{}, 0, chat.Channel{}, notFound
	}
	for i, msg := range s.messages[channelID] {
		if msg.ID == messageID {
			return msg, i, channel, nil
		}
	}
	return chat.Message{}, 0, chat.Channel{}, notFound
}

func (s *store) markRead(user chat.User, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.channelLocked(user, channelID); err != nil {
		return err
	}
	marks, ok := s.readAt[user.ID]
	if !ok {
		marks = make(map[string]time.Time)
		s.readAt[user.ID] = marks
	}
	marks[channelID] = s.now().UTC()
	return nil
}

func (s *store) lastRead(userID, channelID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.readAt[userID][channelID]
	return at, ok
}

// search matches bodies case-insensitively, newest first.
func (s *store) search(user chat.User, query, channelID string, limit int) ([]chat.Message, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "search query is required")
	}
	limit = clampLimit(limit, defaultSearchLimit, maxHistoryLimit)

	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []chat.Message
	for _, candidateID := range s.order {
		if channelID != "" && candidateID != channelID {
			continue
		}
		if !isMember(user, s.channels[candidateID]) {
			continue
		}
		for _, msg := range s.messages[candidateID] {
			if !msg.Deleted && strings.Contains(strings.ToLower(msg.Body), query) {
				matches = append(matches, msg.Clone())
			}
		}
	}
	slices.SortStableFunc(matches, func(a, b chat.Message) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// isMember reports whether user belongs to (and so sees) channel.
func isMember(user chat.User, channel chat.Channel) bool {
	if user.ID == "" {
		return false
	}
	if slices.Contains(channel.MemberIDs, user.ID) {
		return true
	}
	switch channel.Type {
	case chat.ChannelGeneral:
		return true
	case chat.ChannelDirect:
		return false
	case chat.ChannelDepartment:
		return chat.SameDepartment(user.DepartmentID, channel.DepartmentID) || topAuthority(user.Role)
	case chat.ChannelProject:
		return channel.Project.Includes(user.ID) || topAuthority(user.Role)
	default:
		return user.Role == chat.RoleAdmin
	}
}

func topAuthority(role chat.Role) bool {
	return role == chat.RoleExecutive || role == chat.RoleMainPMO || role == chat.RoleAdmin
}

func clampLimit(limit, fallback, ceiling int) int {
	if limit <= 0 {
		return fallback
	}
	return min(limit, ceiling)
}
