package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkd55/melobot/internal/domain/track"
)

// fakeConn is a minimal Conn for state tests.
type fakeConn struct {
	disconnects int
}

func (c *fakeConn) Disconnect() error       { c.disconnects++; return nil }
func (c *fakeConn) Speaking(bool) error     { return nil }
func (c *fakeConn) OpusSend() chan<- []byte { return make(chan []byte, 1) }

// fakeStream is a minimal Stream for state tests.
type fakeStream struct {
	stopped bool
}

func (s *fakeStream) Stop()              { s.stopped = true }
func (s *fakeStream) Pause() bool        { return true }
func (s *fakeStream) Resume() bool       { return true }
func (s *fakeStream) Paused() bool       { return false }
func (s *fakeStream) SetVolume(float64)  {}
func (s *fakeStream) Done() <-chan error { return nil }

func TestSession_EnqueueTakeNext_FIFO(t *testing.T) {
	s := New("guild-1")

	assert.Equal(t, 1, s.Enqueue(track.New("ref-a", "A")))
	assert.Equal(t, 2, s.Enqueue(track.New("ref-b", "B")))
	assert.Equal(t, 3, s.Enqueue(track.New("ref-c", "C")))
	assert.Equal(t, []string{"A", "B", "C"}, s.PendingTitles())

	for _, want := range []string{"A", "B", "C"} {
		got, ok := s.TakeNext()
		assert.True(t, ok)
		assert.Equal(t, want, got.Title)
	}

	_, ok := s.TakeNext()
	assert.False(t, ok)
}

func TestSession_ClearPending(t *testing.T) {
	s := New("guild-1")
	s.Enqueue(track.New("ref-a", "A"))
	s.Enqueue(track.New("ref-b", "B"))
	s.SetCurrent(track.New("ref-x", "X"))

	assert.Equal(t, 2, s.ClearPending())
	assert.Empty(t, s.PendingTitles())

	// Clearing pending does not touch the current track
	cur, ok := s.Current()
	assert.True(t, ok)
	assert.Equal(t, "X", cur.Title)
}

func TestSession_VolumeDefaultAndPersistence(t *testing.T) {
	s := New("guild-1")
	assert.Equal(t, 1.0, s.Volume())

	s.SetVolume(0.5)
	assert.Equal(t, 0.5, s.Volume())

	// Volume survives a drop reset
	s.ResetOnDrop()
	assert.Equal(t, 0.5, s.Volume())
}

func TestSession_IdleTimerGeneration(t *testing.T) {
	s := New("guild-1")
	s.Bind(&fakeConn{}, "text-1")

	gen := s.ArmIdleTimer()
	s.CancelIdleTimer()

	// A canceled generation never expires
	_, _, ok := s.TryExpireIdle(gen)
	assert.False(t, ok)

	// A live generation expires exactly once
	gen = s.ArmIdleTimer()
	conn, textChannel, ok := s.TryExpireIdle(gen)
	assert.True(t, ok)
	assert.NotNil(t, conn)
	assert.Equal(t, "text-1", textChannel)

	_, _, ok = s.TryExpireIdle(gen)
	assert.False(t, ok)
}

func TestSession_TryExpireIdle_RequiresFullIdleness(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Session)
	}{
		{
			name:  "pending track",
			setup: func(s *Session) { s.Enqueue(track.New("ref-a", "A")) },
		},
		{
			name:  "current track",
			setup: func(s *Session) { s.SetCurrent(track.New("ref-a", "A")) },
		},
		{
			name: "live stream",
			setup: func(s *Session) {
				s.SetCurrent(track.New("ref-a", "A"))
				s.AttachStream(&fakeStream{})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New("guild-1")
			s.Bind(&fakeConn{}, "text-1")
			gen := s.ArmIdleTimer()
			tt.setup(s)

			_, _, ok := s.TryExpireIdle(gen)
			assert.False(t, ok)
		})
	}
}

func TestSession_TryExpireIdle_NotConnected(t *testing.T) {
	s := New("guild-1")
	gen := s.ArmIdleTimer()
	_, _, ok := s.TryExpireIdle(gen)
	assert.False(t, ok)
}

func TestSession_AttachStream_RefusedAfterReset(t *testing.T) {
	s := New("guild-1")
	s.Bind(&fakeConn{}, "text-1")
	s.SetCurrent(track.New("ref-a", "A"))

	// The happy path adopts the stream
	assert.True(t, s.AttachStream(&fakeStream{}))
	assert.True(t, s.Streaming())

	// A teardown between the pop and the attach makes the attach stale
	s.ResetOnDrop()
	assert.False(t, s.AttachStream(&fakeStream{}))
	assert.False(t, s.Streaming())

	// Reconnecting alone is not enough: the popped track is gone too
	s.Bind(&fakeConn{}, "text-1")
	assert.False(t, s.AttachStream(&fakeStream{}))
	assert.False(t, s.Streaming())
}

func TestSession_FinishStream_StaleHandle(t *testing.T) {
	s := New("guild-1")
	live := &fakeStream{}
	stale := &fakeStream{}

	s.Bind(&fakeConn{}, "text-1")
	s.SetCurrent(track.New("ref-a", "A"))
	require.True(t, s.AttachStream(live))

	assert.False(t, s.FinishStream(stale))
	assert.True(t, s.Streaming())

	assert.True(t, s.FinishStream(live))
	assert.False(t, s.Streaming())
	_, ok := s.Current()
	assert.False(t, ok)

	// A second completion of the same handle is stale by then
	assert.False(t, s.FinishStream(live))
}

func TestSession_ResetOnDrop_ReadsAndClearsLeaving(t *testing.T) {
	s := New("guild-1")
	s.Bind(&fakeConn{}, "text-1")
	s.Enqueue(track.New("ref-a", "A"))
	s.SetCurrent(track.New("ref-b", "B"))

	conn, h, ok := s.BeginLeave()
	assert.True(t, ok)
	assert.NotNil(t, conn)
	assert.Nil(t, h)

	// The drop following the commanded leave is flagged intentional,
	// and the flag is consumed by the read.
	wasLeaving, _, _ := s.ResetOnDrop()
	assert.True(t, wasLeaving)

	wasLeaving, _, _ = s.ResetOnDrop()
	assert.False(t, wasLeaving)
}

func TestSession_BeginLeave_NotConnected(t *testing.T) {
	s := New("guild-1")
	_, _, ok := s.BeginLeave()
	assert.False(t, ok)
}

func TestSession_SignalAdvance_Coalesces(t *testing.T) {
	s := New("guild-1")
	s.SignalAdvance()
	s.SignalAdvance()
	s.SignalAdvance()

	<-s.AdvanceSignal()
	select {
	case <-s.AdvanceSignal():
		t.Fatal("signals did not coalesce")
	default:
	}
}
