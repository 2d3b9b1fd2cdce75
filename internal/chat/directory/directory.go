// Package directory keeps the channel list and per-channel member profiles
// for the signed-in user.
package directory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/louisbranch/switchboard/internal/chat"
	apperrors "github.com/louisbranch/switchboard/internal/platform/errors"
)

// Source loads channel data from the store.
type Source interface {
	Channels(ctx context.Context) ([]chat.Channel, error)
	Members(ctx context.Context, channelID string) ([]chat.Member, error)
}

// Option configures a Directory.
type Option func(*Directory)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Directory) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithLanguage selects the collation used to order channel names.
func WithLanguage(tag language.Tag) Option {
	return func(d *Directory) {
		d.collator = collate.New(tag, collate.IgnoreCase)
	}
}

// Directory is the last-known channel state. Failed fetches never discard
// what was already loaded.
type Directory struct {
	source Source
	logger *zap.Logger

	mu       sync.Mutex
	collator *collate.Collator
	loaded   bool
	channels map[string]chat.Channel
	members  map[string][]chat.Member
}

// New creates an empty directory backed by source.
func New(source Source, opts ...Option) *Directory {
	d := &Directory{
		source:   source,
		logger:   zap.NewNop(),
		collator: collate.New(language.English, collate.IgnoreCase),
		channels: make(map[string]chat.Channel),
		members:  make(map[string][]chat.Member),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Refresh reloads the channel list. Channels archived locally stay archived.
func (d *Directory) Refresh(ctx context.Context) error {
	if d.source == nil {
		return apperrors.New(apperrors.CodeUnknown, "directory: source is not configured")
	}
	channels, err := d.source.Channels(ctx)
	if err != nil {
		d.logger.Warn("refresh channels failed", zap.Error(err))
		return fmt.Errorf("directory: refresh: %w", err)
	}

	next := make(map[string]chat.Channel, len(channels))
	for _, channel := range channels {
		if strings.TrimSpace(channel.ID) == "" {
			d.logger.Warn("skip channel without id", zap.String("name", channel.Name))
			continue
		}
		next[channel.ID] = channel.Clone()
	}

	d.mu.Lock()
	for channelID, channel := range next {
		if prev, ok := d.channels[channelID]; ok {
			if prev.Archived {
				channel.Archived = true
			}
			if prev.LastMessageAt.After(channel.LastMessageAt) {
				channel.LastMessageAt = prev.LastMessageAt
			}
			next[channelID] = channel
		}
	}
	for channelID := range d.members {
		if _, ok := next[channelID]; !ok {
			delete(d.members, channelID)
		}
	}
	d.channels = next
	d.loaded = true
	d.mu.Unlock()

	d.logger.Debug("channels refreshed", zap.Int("count", len(next)))
	return nil
}

// Loaded reports whether a refresh has ever succeeded.
func (d *Directory) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

// List returns every channel ordered by category, then most recent
// activity, then name, then id.
func (d *Directory) List() []chat.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]chat.Channel, 0, len(d.channels))
	for _, channel := range d.channels {
		out = append(out, channel.Clone())
	}
	slices.SortFunc(out, func(a, b chat.Channel) int {
		if c := cmp.Compare(categoryRank(a.Type), categoryRank(b.Type)); c != 0 {
			return c
		}
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		if c := d.collator.CompareString(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Get returns one channel.
func (d *Directory) Get(channelID string) (chat.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	channel, ok := d.channels[channelID]
	if !ok {
		return chat.Channel{}, apperrors.WithMetadata(apperrors.CodeNotFound, "channel not found", map[string]string{
			"ChannelID": channelID,
		})
	}
	return channel.Clone(), nil
}

// Upsert records a channel created or changed outside a refresh.
func (d *Directory) Upsert(channel chat.Channel) {
	if channel.ID == "" {
		return
	}
	d.mu.Lock()
	if prev, ok := d.channels[channel.ID]; ok && prev.Archived {
		channel.Archived = true
	}
	d.channels[channel.ID] = channel.Clone()
	d.mu.Unlock()
}

// Members returns the member profiles of a channel, fetching them once.
func (d *Directory) Members(ctx context.Context, channelID string) ([]chat.Member, error) {
	d.mu.Lock()
	cached, ok := d.members[channelID]
	d.mu.Unlock()
	if ok {
		return slices.Clone(cached), nil
	}
	if d.source == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "directory: source is not configured")
	}

	members, err := d.source.Members(ctx, channelID)
	if err != nil {
		d.logger.Warn("fetch members failed", zap.String("channel_id", channelID), zap.Error(err))
		return nil, fmt.Errorf("directory: members of %s: %w", channelID, err)
	}
	d.mu.Lock()
	d.members[channelID] = slices.Clone(members)
	d.mu.Unlock()
	return members, nil
}

// ForgetMembers drops the cached members of a channel.
func (d *Directory) ForgetMembers(channelID string) {
	d.mu.Lock()
	delete(d.members, channelID)
	d.mu.Unlock()
}

// MarkArchived flags a channel archived and reports whether it changed.
func (d *Directory) MarkArchived(channelID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	channel, ok := d.channels[channelID]
	if !ok || channel.Archived {
		return false
	}
	channel.Archived = true
	d.channels[channelID] = channel
	return true
}

// Touch moves a channel's activity time forward to at.
func (d *Directory) Touch(channelID string, at time.Time) {
	if at.IsZero() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	channel, ok := d.channels[channelID]
	if !ok || !at.After(channel.LastMessageAt) {
		return
	}
	channel.LastMessageAt = at
	d.channels[channelID] = channel
}

func categoryRank(t chat.ChannelType) int {
	if i := slices.Index(chat.ChannelTypes(), t); i >= 0 {
		return i
	}
	return len(chat.ChannelTypes())
}
