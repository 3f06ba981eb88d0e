// Package player orchestrates per-guild playback: the advance protocol,
// the command surface, and idle-session teardown.
package player

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/tkd55/melobot/internal/app/session"
	"github.com/tkd55/melobot/internal/domain/track"
)

// Resolver turns a search query or URL into a playable track.
type Resolver interface {
	Resolve(ctx context.Context, query string) (track.Track, error)
}

// Streamer starts the transcoding pipeline for a media reference and
// feeds the resulting frames into the given voice connection.
type Streamer interface {
	Start(ctx context.Context, mediaRef string, volume float64, conn session.Conn) (session.Stream, error)
}

// Connector joins a guild voice channel.
type Connector interface {
	Join(ctx context.Context, guildID, channelID string) (session.Conn, error)
}

// Notifier sends a fire-and-forget message to a text channel.
// Failures are logged by the implementation, never returned.
type Notifier interface {
	Send(channelID, message string)
}

// Presence advertises the currently playing track.
type Presence interface {
	NowPlaying(title string)
}

// Config holds controller configuration.
type Config struct {
	IdleTimeout    time.Duration // Disconnect after this much full idleness
	ResolveTimeout time.Duration // Budget for one media resolution call
}

const (
	defaultIdleTimeout    = 30 * time.Second
	defaultResolveTimeout = 10 * time.Second
)

// Controller drives playback for all sessions. All mutations to one
// session's queue state and every advance execution for it run on that
// session's advance lane; different sessions are fully independent.
type Controller struct {
	config    Config
	sessions  *session.Registry
	resolver  Resolver
	streamer  Streamer
	connector Connector
	notifier  Notifier
	presence  Presence

	ctx    context.Context
	cancel context.CancelFunc
}

// NewController creates a controller over the given registry and
// collaborators.
func NewController(
	cfg Config,
	sessions *session.Registry,
	resolver Resolver,
	streamer Streamer,
	connector Connector,
	notifier Notifier,
	presence Presence,
) *Controller {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = defaultResolveTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		config:    cfg,
		sessions:  sessions,
		resolver:  resolver,
		streamer:  streamer,
		connector: connector,
		notifier:  notifier,
		presence:  presence,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close stops all advance loops and pending idle timers.
func (c *Controller) Close() {
	c.cancel()
}

// Session returns the session for a guild, creating it on first use.
func (c *Controller) Session(guildID string) *session.Session {
	return c.sessions.GetOrCreate(guildID)
}

// EnsureJoined connects the guild session to a voice channel if it is
// not connected yet, and (re)binds the text channel used for status
// messages.
func (c *Controller) EnsureJoined(ctx context.Context, guildID, voiceChannelID, textChannelID string) error {
	s := c.Session(guildID)
	if s.Conn() != nil {
		s.BindTextChannel(textChannelID)
		return nil
	}
	conn, err := c.connector.Join(ctx, guildID, voiceChannelID)
	if err != nil {
		return errors.Wrap(err, "voice join failed")
	}
	s.Bind(conn, textChannelID)
	return nil
}

// RequestPlay resolves a query, enqueues the result, and starts
// playback if the session is idle. Returns a user-facing message for
// the queued case; playback start is announced through the notifier.
func (c *Controller) RequestPlay(ctx context.Context, guildID, query string) (string, error) {
	s := c.Session(guildID)
	if s.Conn() == nil {
		return "", ErrNotConnected
	}

	// New activity: an armed idle timer must not fire while we resolve.
	s.CancelIdleTimer()

	rctx, rcancel := context.WithTimeout(ctx, c.config.ResolveTimeout)
	defer rcancel()
	t, err := c.resolver.Resolve(rctx, query)
	if err != nil {
		zlog.Warn().Err(err).Str("guild_id", guildID).Str("query", query).Msg("media resolution failed")
		return "", errors.Mark(errors.Wrap(err, "resolve"), ErrResolutionFailed)
	}

	pos := s.Enqueue(t)
	if s.Streaming() {
		return fmt.Sprintf("📝 Added to queue at position %d: **%s**", pos, t.Title), nil
	}

	c.trigger(s)
	return "", nil
}

// Skip forcibly stops the live stream; its completion drives the next
// advance, so there is exactly one code path that pops the queue.
func (c *Controller) Skip(guildID string) (string, error) {
	s := c.Session(guildID)
	h := s.StreamHandle()
	if h == nil {
		return "", ErrNothingPlaying
	}
	h.Stop()
	return "⏭️ Skipped the song!", nil
}

// SetVolume validates a 0-100 percentage, stores it as the session
// scalar, and applies it to the live stream if one exists.
func (c *Controller) SetVolume(guildID string, percent int) (string, error) {
	if percent < 0 || percent > 100 {
		return "", ErrInvalidVolume
	}
	s := c.Session(guildID)
	if s.Conn() == nil {
		return "", ErrNotConnected
	}
	v := float64(percent) / 100
	s.SetVolume(v)
	if h := s.StreamHandle(); h != nil {
		h.SetVolume(v)
	}
	return fmt.Sprintf("🔊 Volume set to %d%%", percent), nil
}

// Clear empties the pending queue and stops any live stream. The stop
// completes through the stream's done path, so the session advances to
// idle naturally instead of popping further tracks.
func (c *Controller) Clear(guildID string) (string, error) {
	s := c.Session(guildID)
	s.ClearPending()
	if h := s.StreamHandle(); h != nil {
		h.Stop()
	}
	return "🗑️ Queue cleared!", nil
}

// Pause suspends the live stream.
func (c *Controller) Pause(guildID string) (string, error) {
	s := c.Session(guildID)
	h := s.StreamHandle()
	if h == nil || !h.Pause() {
		return "", ErrNothingPlaying
	}
	return "⏸️ Music paused", nil
}

// Resume restarts a paused stream.
func (c *Controller) Resume(guildID string) (string, error) {
	s := c.Session(guildID)
	h := s.StreamHandle()
	if h == nil || !h.Resume() {
		return "", ErrNothingPaused
	}
	return "▶️ Music resumed", nil
}

// NowPlaying returns the current track title, if any.
func (c *Controller) NowPlaying(guildID string) (string, bool) {
	t, ok := c.Session(guildID).Current()
	if !ok {
		return "", false
	}
	return t.Title, true
}

// Queue returns the current track title (empty when idle) and the
// pending titles in play order.
func (c *Controller) Queue(guildID string) (string, []string) {
	s := c.Session(guildID)
	current := ""
	if t, ok := s.Current(); ok {
		current = t.Title
	}
	return current, s.PendingTitles()
}

// Leave performs a commanded disconnect: reset the session, stop any
// live stream, drop the voice connection. The leaving flag set by the
// reset suppresses the farewell the transport-drop handler would
// otherwise send, so the caller's reply is the only goodbye.
func (c *Controller) Leave(guildID string) (string, error) {
	s := c.Session(guildID)
	conn, h, ok := s.BeginLeave()
	if !ok {
		return "", ErrNotConnected
	}
	if h != nil {
		h.Stop()
	}
	if err := conn.Disconnect(); err != nil {
		zlog.Warn().Err(err).Str("guild_id", guildID).Msg("voice disconnect failed")
	}
	return "👋 Goodbye!", nil
}

// HandleDrop reconciles a transport-level disconnect that did not come
// from Leave or the idle reaper (kicked, moved, network loss): stop any
// live stream, clear the session, and send a single farewell unless the
// drop was already flagged as intentional.
func (c *Controller) HandleDrop(guildID string) {
	s, ok := c.sessions.Get(guildID)
	if !ok {
		return
	}
	wasLeaving, h, textChannel := s.ResetOnDrop()
	if h != nil {
		h.Stop()
	}
	zlog.Info().Str("guild_id", guildID).Bool("intentional", wasLeaving).Msg("voice connection dropped")
	if !wasLeaving && textChannel != "" {
		c.notifier.Send(textChannel, "👋 Goodbye!")
	}
}

// trigger requests one advance pass on the session's serialized lane,
// starting the lane's consumer loop on first use.
func (c *Controller) trigger(s *session.Session) {
	s.StartLoopOnce(func() { c.advanceLoop(s) })
	s.SignalAdvance()
}

// advanceLoop consumes coalesced advance signals for one session. It is
// the only caller of advance for that session, which makes every queue
// pop and idle-timer transition serialized.
func (c *Controller) advanceLoop(s *session.Session) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-s.AdvanceSignal():
			c.advance(s)
		}
	}
}

// advance is the single re-entrant driver: cancel the idle timer, pop
// the next track or go idle, start streaming, and hook the completion
// path back into the lane.
func (c *Controller) advance(s *session.Session) {
	s.CancelIdleTimer()

	// A live stream owns the lane; its completion re-triggers advance.
	if s.Streaming() {
		return
	}

	next, ok := s.TakeNext()
	if !ok {
		s.ClearCurrent()
		c.armIdleTimer(s)
		return
	}

	s.SetCurrent(next)
	conn := s.Conn()
	if conn == nil {
		// Connection dropped since the enqueue; reconciliation has
		// already reset the session, just drop the stale pop.
		s.ClearCurrent()
		return
	}

	h, err := c.streamer.Start(c.ctx, next.MediaRef, s.Volume(), conn)
	if err != nil {
		zlog.Error().Err(err).Str("guild_id", s.GuildID()).Str("title", next.Title).Msg("stream start failed")
		c.notify(s, fmt.Sprintf("⚠️ Could not play **%s**, skipping to next...", next.Title))
		s.ClearCurrent()
		s.SignalAdvance()
		return
	}
	if !s.AttachStream(h) {
		// The session was torn down while the stream was starting; the
		// pop is stale and the stream must not outlive it.
		zlog.Info().Str("guild_id", s.GuildID()).Str("title", next.Title).Msg("session reset during stream start, discarding stream")
		h.Stop()
		return
	}
	// Re-apply the session volume: a change landing while the stream was
	// starting could not see the handle yet.
	h.SetVolume(s.Volume())
	go c.watchStream(s, next, h)

	c.notify(s, fmt.Sprintf("🎵 Now playing: **%s**", next.Title))
	if c.presence != nil {
		c.presence.NowPlaying(next.Title)
	}
	zlog.Info().Str("guild_id", s.GuildID()).Str("title", next.Title).Msg("track started")
}

// watchStream waits for the stream's terminal status and re-enters the
// advance lane. A mid-playback error is reported and then treated like
// a natural end, so a bad track never stalls the queue.
func (c *Controller) watchStream(s *session.Session, t track.Track, h session.Stream) {
	var err error
	select {
	case err = <-h.Done():
	case <-c.ctx.Done():
		h.Stop()
		return
	}
	if err != nil {
		zlog.Error().Err(err).Str("guild_id", s.GuildID()).Str("title", t.Title).Msg("stream error")
		c.notify(s, "⚠️ An error occurred while playing the song, skipping to next...")
	}
	if s.FinishStream(h) {
		c.trigger(s)
	}
}

// armIdleTimer arms a generation-tagged single-shot timer when the
// session has gone fully idle. The fired body re-checks its generation
// and the idle condition under the session mutex, so a cancel that got
// there first is always observed before the body acts.
func (c *Controller) armIdleTimer(s *session.Session) {
	if s.Conn() == nil {
		return
	}
	gen := s.ArmIdleTimer()
	go func() {
		select {
		case <-time.After(c.config.IdleTimeout):
		case <-c.ctx.Done():
			return
		}
		c.reapIdle(s, gen)
	}()
}

// reapIdle tears down a session that stayed idle for the full window.
func (c *Controller) reapIdle(s *session.Session, gen uint64) {
	conn, textChannel, ok := s.TryExpireIdle(gen)
	if !ok {
		return
	}
	zlog.Info().Str("guild_id", s.GuildID()).Msg("idle timeout, leaving voice channel")
	if err := conn.Disconnect(); err != nil {
		zlog.Warn().Err(err).Str("guild_id", s.GuildID()).Msg("idle disconnect failed")
	}
	if textChannel != "" {
		c.notifier.Send(textChannel, "👋 Left the voice channel due to inactivity!")
	}
}

// notify sends a best-effort message to the session's bound text
// channel.
func (c *Controller) notify(s *session.Session, message string) {
	tc := s.TextChannel()
	if tc == "" || c.notifier == nil {
		return
	}
	c.notifier.Send(tc, message)
}
