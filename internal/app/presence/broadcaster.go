// Package presence provides the idle-status rotation loop.
package presence

import (
	"context"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/tkd55/melobot/internal/app/session"
)

// Setter applies an aggregate bot status.
type Setter interface {
	SetStatus(status string)
}

// Broadcaster periodically rotates idle-status messages. The rotation
// is suspended, not canceled, while any session is streaming; it only
// reads registry state, so races with playback are benign advisory
// staleness.
type Broadcaster struct {
	sessions *session.Registry
	setter   Setter
	interval time.Duration
	statuses []string
	next     int
}

// DefaultStatuses is the rotation used when none is configured.
var DefaultStatuses = []string{
	"!play for music 🎧",
	"!cmd for help 📋",
}

// NewBroadcaster creates a broadcaster over the registry.
func NewBroadcaster(sessions *session.Registry, setter Setter, interval time.Duration, statuses []string) *Broadcaster {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if len(statuses) == 0 {
		statuses = DefaultStatuses
	}
	return &Broadcaster{
		sessions: sessions,
		setter:   setter,
		interval: interval,
		statuses: statuses,
	}
}

// Run loops until the context is canceled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	zlog.Debug().Dur("interval", b.interval).Int("statuses", len(b.statuses)).Msg("presence rotation started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

// tick advances the rotation by one status unless playback is active.
func (b *Broadcaster) tick() {
	if b.sessions.AnyStreaming() {
		return
	}
	b.setter.SetStatus(b.statuses[b.next])
	b.next = (b.next + 1) % len(b.statuses)
}
