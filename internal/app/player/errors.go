package player

import "github.com/cockroachdb/errors"

// Command error taxonomy. Stream-start and mid-stream failures are
// absorbed by the advance protocol (logged, reported to the bound text
// channel, auto-advance) and never reach a command caller; everything
// else is surfaced synchronously as one of these.
var (
	ErrNotConnected     = errors.New("not connected to a voice channel")
	ErrResolutionFailed = errors.New("media resolution failed")
	ErrInvalidVolume    = errors.New("volume must be between 0 and 100")
	ErrNothingPlaying   = errors.New("no song is currently playing")
	ErrNothingPaused    = errors.New("no song is paused")
)
