// Package session provides per-guild playback session state.
package session

import (
	"sync"

	"github.com/tkd55/melobot/internal/domain/track"
)

// Conn is the voice transport binding held by a session.
type Conn interface {
	Disconnect() error
	Speaking(bool) error
	OpusSend() chan<- []byte
}

// Stream is a live audio stream owned by a session.
type Stream interface {
	// Stop terminates the stream. Idempotent; completion is still
	// delivered through Done.
	Stop()
	// Pause suspends frame delivery. Returns false if not playing.
	Pause() bool
	// Resume restarts frame delivery. Returns false if not paused.
	Resume() bool
	Paused() bool
	SetVolume(v float64)
	// Done delivers the terminal status exactly once: nil for a natural
	// end or an explicit stop, an error for a mid-stream failure.
	Done() <-chan error
}

// Session holds the mutable playback state for one guild.
// All operations are synchronous mutations under the session mutex;
// nothing here blocks.
type Session struct {
	mu sync.Mutex

	guildID string

	pending []track.Track
	current *track.Track
	volume  float64

	conn          Conn
	stream        Stream
	textChannelID string

	// leaving distinguishes a commanded disconnect from a platform-driven
	// drop, so the drop handler sends at most one farewell.
	leaving bool

	// timerGen is bumped on every arm and every cancel; a fired timer
	// whose generation no longer matches must not act.
	timerGen uint64

	advanceCh chan struct{}
	loopOnce  sync.Once
}

// New creates a session for a guild with default volume.
func New(guildID string) *Session {
	return &Session{
		guildID:   guildID,
		volume:    1.0,
		advanceCh: make(chan struct{}, 1),
	}
}

// GuildID returns the guild this session belongs to.
func (s *Session) GuildID() string {
	return s.guildID
}

// Enqueue appends a track and returns its queue position (1-based).
func (s *Session) Enqueue(t track.Track) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, t)
	return len(s.pending)
}

// TakeNext pops the front of the pending queue.
func (s *Session) TakeNext() (track.Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return track.Track{}, false
	}
	t := s.pending[0]
	s.pending = s.pending[1:]
	return t, true
}

// ClearPending removes all pending tracks and returns how many were removed.
func (s *Session) ClearPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	s.pending = nil
	return n
}

// PendingTitles returns the titles of the pending tracks in play order.
func (s *Session) PendingTitles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	titles := make([]string, len(s.pending))
	for i, t := range s.pending {
		titles[i] = t.Title
	}
	return titles
}

// Current returns the currently playing track, if any.
func (s *Session) Current() (track.Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return track.Track{}, false
	}
	return *s.current, true
}

// SetCurrent marks a track as the one actively streaming.
func (s *Session) SetCurrent(t track.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &t
}

// ClearCurrent clears the actively streaming track.
func (s *Session) ClearCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
}

// Volume returns the session volume scalar in [0,1].
func (s *Session) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// SetVolume stores the volume scalar; it applies to all subsequently
// started tracks. Applying it to a live stream is the caller's job.
func (s *Session) SetVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = v
}

// Conn returns the voice connection, or nil when not joined.
func (s *Session) Conn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Bind attaches the voice connection and the text channel used for
// status messages. Set on a successful join.
func (s *Session) Bind(conn Conn, textChannelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.textChannelID = textChannelID
}

// BindTextChannel updates the status-message channel only.
func (s *Session) BindTextChannel(textChannelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.textChannelID = textChannelID
}

// TextChannel returns the bound status-message channel.
func (s *Session) TextChannel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.textChannelID
}

// StreamHandle returns the live stream, or nil when idle.
func (s *Session) StreamHandle() Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// AttachStream adopts h as the live stream for the current track. It
// refuses when the session was reset since the track was popped (no
// connection or no current track), so a teardown racing a slow stream
// start never leaves an orphaned stream attached; the caller must stop
// a refused stream.
func (s *Session) AttachStream(h Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.current == nil {
		return false
	}
	s.stream = h
	return true
}

// Streaming reports whether a stream is live (playing or paused).
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// FinishStream clears the current track and stream, but only if h is
// still the session's live stream. Returns false for stale handles so a
// late completion from a replaced stream cannot clobber newer state.
func (s *Session) FinishStream(h Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil || s.stream != h {
		return false
	}
	s.stream = nil
	s.current = nil
	return true
}

// ArmIdleTimer starts a new timer generation and returns it.
func (s *Session) ArmIdleTimer() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timerGen++
	return s.timerGen
}

// CancelIdleTimer invalidates any armed idle timer. A timer that already
// fired observes the generation mismatch under this same mutex, so
// cancellation is synchronous with respect to the timer body.
func (s *Session) CancelIdleTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timerGen++
}

// TryExpireIdle runs the idle-reap check for a fired timer. It acts only
// if gen is still the live generation and the session is fully idle with
// a connection. On success the session is reset, the leaving flag is set
// so the subsequent transport drop is not reported twice, and the
// captured connection and text channel are returned for teardown.
func (s *Session) TryExpireIdle(gen uint64) (Conn, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timerGen != gen {
		return nil, "", false
	}
	if len(s.pending) > 0 || s.current != nil || s.stream != nil || s.conn == nil {
		return nil, "", false
	}
	conn := s.conn
	textChannel := s.textChannelID
	s.leaving = true
	s.resetLocked()
	return conn, textChannel, true
}

// BeginLeave starts a commanded disconnect: the session is reset, the
// leaving flag is set, and the connection plus any live stream are
// returned for the caller to tear down. Returns ok=false when not joined.
func (s *Session) BeginLeave() (Conn, Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, nil, false
	}
	conn := s.conn
	h := s.stream
	s.leaving = true
	s.resetLocked()
	return conn, h, true
}

// ResetOnDrop reconciles a transport-level disconnect. The leaving flag
// is read and cleared atomically with the reset, so a commanded leave
// racing the drop event yields exactly one farewell. Returns whether the
// drop was intentional, the stream to tear down, and the text channel
// that was bound.
func (s *Session) ResetOnDrop() (wasLeaving bool, h Stream, textChannel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasLeaving = s.leaving
	h = s.stream
	textChannel = s.textChannelID
	s.leaving = false
	s.resetLocked()
	return wasLeaving, h, textChannel
}

// resetLocked clears queue, current, stream, connection, binding and any
// armed idle timer. Volume survives; the session object itself persists
// in the registry.
func (s *Session) resetLocked() {
	s.pending = nil
	s.current = nil
	s.stream = nil
	s.conn = nil
	s.textChannelID = ""
	s.timerGen++
}

// SignalAdvance requests one advance pass. Signals coalesce: a request
// issued while one is already pending is dropped, which bounds the
// advance lane to at most one queued execution.
func (s *Session) SignalAdvance() {
	select {
	case s.advanceCh <- struct{}{}:
	default:
	}
}

// AdvanceSignal returns the advance lane channel.
func (s *Session) AdvanceSignal() <-chan struct{} {
	return s.advanceCh
}

// StartLoopOnce runs f in a goroutine the first time it is called;
// later calls are no-ops. Used to lazily start the per-session advance
// loop.
func (s *Session) StartLoopOnce(f func()) {
	s.loopOnce.Do(func() { go f() })
}
