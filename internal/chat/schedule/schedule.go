// Package schedule posts system messages on a cron timetable, such as the
// daily brief.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/louisbranch/switchboard/internal/chat"
)

// DefaultCron posts on weekdays at 09:00.
const DefaultCron = "0 9 * * 1-5"

// retryDelay is how long the loop waits after an unusable cron expression.
const retryDelay = 30 * time.Second

// Poster posts system messages. *messenger.Service implements it.
type Poster interface {
	SendSystemMessage(ctx context.Context, channelID, body string, payload chat.SystemPayload) (chat.Message, error)
}

// BriefFunc renders the message posted for the tick at.
type BriefFunc func(ctx context.Context, at time.Time) (string, chat.SystemPayload, error)

// Config selects when and where the scheduler posts.
type Config struct {
	Cron      string
	ChannelID string
	// Location evaluates the cron expression; nil uses UTC.
	Location *time.Location
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBrief replaces DailyBrief.
func WithBrief(brief BriefFunc) Option {
	return func(s *Scheduler) {
		if brief != nil {
			s.brief = brief
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Scheduler fires BriefFunc at every cron tick and posts the result.
type Scheduler struct {
	cron      string
	channelID string
	location  *time.Location
	poster    Poster
	brief     BriefFunc
	logger    *zap.Logger
	now       func() time.Time
	after     func(time.Duration) <-chan time.Time
}

// New validates cfg and returns a scheduler.
func New(cfg Config, poster Poster, opts ...Option) (*Scheduler, error) {
	if poster == nil {
		return nil, errors.New("schedule: poster is required")
	}
	expr := strings.TrimSpace(cfg.Cron)
	if expr == "" {
		expr = DefaultCron
	}
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("schedule: invalid cron expression %q", expr)
	}
	channelID := strings.TrimSpace(cfg.ChannelID)
	if channelID == "" {
		return nil, errors.New("schedule: channel id is required")
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	s := &Scheduler{
		cron:      expr,
		channelID: channelID,
		location:  location,
		poster:    poster,
		brief:     DailyBrief,
		logger:    zap.NewNop(),
		now:       time.Now,
		after:     time.After,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Next returns the first tick strictly after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cron, t.In(s.location), false)
}

// Run posts at each tick until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("schedule: context is required")
	}
	s.logger.Info("scheduler started", zap.String("cron", s.cron), zap.String("channel_id", s.channelID))
	for {
		if ctx.Err() != nil {
			return nil
		}
		next, err := s.Next(s.now())
		if err != nil {
			s.logger.Error("next tick failed", zap.String("cron", s.cron), zap.Error(err))
			select {
			case <-s.after(retryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		select {
		case <-s.after(max(next.Sub(s.now()), 0)):
			if _, err := s.Fire(ctx, next); err != nil && ctx.Err() == nil {
				s.logger.Warn("scheduled post failed",
					zap.String("channel_id", s.channelID),
					zap.Time("tick", next),
					zap.Error(err),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Fire renders and posts the message for tick at.
func (s *Scheduler) Fire(ctx context.Context, at time.Time) (chat.Message, error) {
	body, payload, err := s.brief(ctx, at)
	if err != nil {
		return chat.Message{}, fmt.Errorf("schedule: render brief: %w", err)
	}
	msg, err := s.poster.SendSystemMessage(ctx, s.channelID, body, payload)
	if err != nil {
		return chat.Message{}, fmt.Errorf("schedule: post brief: %w", err)
	}
	s.logger.Info("scheduled post sent", zap.String("channel_id", s.channelID), zap.String("message_id", msg.ID))
	return msg, nil
}

// DailyBrief is the default brief: a dated header with no items.
func DailyBrief(_ context.Context, at time.Time) (string, chat.SystemPayload, error) {
	date := at.Format("Monday, January 2")
	return "Daily brief for " + date, chat.SystemPayload{
		Type:    "daily_brief",
		Title:   "Daily brief",
		Summary: date,
	}, nil
}
