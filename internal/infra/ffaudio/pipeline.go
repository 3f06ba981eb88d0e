// Package ffaudio implements the streaming pipeline: an ffmpeg child
// process decodes the media reference to raw PCM, a linear volume
// scalar is applied, and the frames are opus-encoded into the voice
// connection.
package ffaudio

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"os/exec"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"layeh.com/gopus"

	"github.com/tkd55/melobot/internal/app/session"
)

const (
	sampleRate = 48000
	channels   = 2
	frameSize  = 960 // samples per channel per 20ms frame
	maxBytes   = frameSize * 4
)

// Pipeline starts ffmpeg-backed streams.
type Pipeline struct{}

// New creates a pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// Start launches ffmpeg for the media reference and begins pushing opus
// frames into the connection. The returned stream reports its terminal
// status through Done.
func (p *Pipeline) Start(ctx context.Context, mediaRef string, volume float64, conn session.Conn) (session.Stream, error) {
	cmd := exec.Command("ffmpeg",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-i", mediaRef,
		"-vn",
		"-f", "s16le",
		"-ar", "48000",
		"-ac", "2",
		"-loglevel", "error",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "ffmpeg stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "ffmpeg start")
	}

	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, errors.Wrap(err, "opus encoder")
	}

	st := &stream{
		cmd:      cmd,
		src:      stdout,
		conn:     conn,
		enc:      enc,
		volume:   volume,
		resumeCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan error, 1),
	}
	go st.run()
	return st, nil
}

// stream is one live ffmpeg-backed playback.
type stream struct {
	cmd  *exec.Cmd
	src  io.ReadCloser
	conn session.Conn
	enc  *gopus.Encoder

	mu       sync.Mutex
	volume   float64
	paused   bool
	resumeCh chan struct{}

	stopOnce   sync.Once
	stopCh     chan struct{}
	finishOnce sync.Once
	done       chan error
}

// run reads 20ms PCM frames, scales, encodes, and sends until EOF,
// error, or stop.
func (st *stream) run() {
	defer st.cleanup()

	if err := st.conn.Speaking(true); err != nil {
		zlog.Warn().Err(err).Msg("speaking on failed")
	}
	defer func() {
		if err := st.conn.Speaking(false); err != nil {
			zlog.Debug().Err(err).Msg("speaking off failed")
		}
	}()

	reader := bufio.NewReaderSize(st.src, frameSize*channels*8)
	raw := make([]byte, frameSize*channels*2)
	pcm := make([]int16, frameSize*channels)

	for {
		if stopped := st.waitWhilePaused(); stopped {
			st.finish(nil)
			return
		}

		if _, err := io.ReadFull(reader, raw); err != nil {
			select {
			case <-st.stopCh:
				// The read was interrupted by Stop killing ffmpeg
				st.finish(nil)
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				st.finish(nil)
			} else {
				st.finish(errors.Wrap(err, "pcm read"))
			}
			return
		}

		vol := st.currentVolume()
		for i := range pcm {
			pcm[i] = scaleSample(int16(binary.LittleEndian.Uint16(raw[i*2:])), vol)
		}

		frame, err := st.enc.Encode(pcm, frameSize, maxBytes)
		if err != nil {
			st.finish(errors.Wrap(err, "opus encode"))
			return
		}

		select {
		case st.conn.OpusSend() <- frame:
		case <-st.stopCh:
			st.finish(nil)
			return
		}
	}
}

// waitWhilePaused blocks while the stream is paused. Returns true when
// the stream was stopped instead of resumed.
func (st *stream) waitWhilePaused() bool {
	for {
		select {
		case <-st.stopCh:
			return true
		default:
		}
		st.mu.Lock()
		paused := st.paused
		st.mu.Unlock()
		if !paused {
			return false
		}
		select {
		case <-st.resumeCh:
		case <-st.stopCh:
			return true
		}
	}
}

// Stop terminates the stream. Idempotent. Kills the ffmpeg process so a
// read blocked on a stalled source returns and the terminal status is
// always delivered.
func (st *stream) Stop() {
	st.stopOnce.Do(func() {
		close(st.stopCh)
		if st.cmd.Process != nil {
			_ = st.cmd.Process.Kill()
		}
	})
}

// Pause suspends frame delivery; ffmpeg blocks on its full pipe in the
// meantime. Returns false if already paused.
func (st *stream) Pause() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.paused {
		return false
	}
	st.paused = true
	return true
}

// Resume restarts frame delivery. Returns false if not paused.
func (st *stream) Resume() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.paused {
		return false
	}
	st.paused = false
	select {
	case st.resumeCh <- struct{}{}:
	default:
	}
	return true
}

// Paused reports whether the stream is paused.
func (st *stream) Paused() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.paused
}

// SetVolume applies a new scalar to all subsequent frames.
func (st *stream) SetVolume(v float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.volume = v
}

func (st *stream) currentVolume() float64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.volume
}

// Done delivers the terminal status exactly once.
func (st *stream) Done() <-chan error {
	return st.done
}

// finish records the terminal status.
func (st *stream) finish(err error) {
	st.finishOnce.Do(func() { st.done <- err })
}

// cleanup reaps the ffmpeg process.
func (st *stream) cleanup() {
	if st.cmd.Process != nil {
		_ = st.cmd.Process.Kill()
	}
	_ = st.cmd.Wait()
}

// scaleSample applies a linear volume scalar with clamping.
func scaleSample(s int16, vol float64) int16 {
	v := float64(s) * vol
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
