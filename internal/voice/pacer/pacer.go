// Package pacer turns a synthesized speech byte stream into fixed-size
// frames released at real-time cadence.
package pacer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"call-relay/internal/observability"
	"call-relay/internal/voice/audio"
)

var ErrGenerationStopped = errors.New("speech generation stopped")

// EmitFunc receives one frame at a time. Returning an error aborts the
// generation.
type EmitFunc func(frame []byte) error

// Config controls framing and pacing.
type Config struct {
	FrameSize     int
	FrameDuration time.Duration
	// PrebufferFrames is how many frames to collect before paced emission starts.
	PrebufferFrames int
	ReadSize        int
}

// DefaultConfig returns 20ms mu-law frames with a 200ms pre-buffer.
func DefaultConfig() Config {
	return Config{
		FrameSize:       audio.FrameSize,
		FrameDuration:   audio.FrameDuration,
		PrebufferFrames: 10,
		ReadSize:        1024,
	}
}

// Pacer runs one generation at a time. Stop cancels the current one.
type Pacer struct {
	config Config
	logger *observability.Logger

	mu   sync.Mutex
	stop chan struct{}
}

func New(config Config, logger *observability.Logger) *Pacer {
	defaults := DefaultConfig()
	if config.FrameSize <= 0 {
		config.FrameSize = defaults.FrameSize
	}
	if config.FrameDuration <= 0 {
		config.FrameDuration = defaults.FrameDuration
	}
	if config.PrebufferFrames < 0 {
		config.PrebufferFrames = 0
	}
	if config.ReadSize <= 0 {
		config.ReadSize = defaults.ReadSize
	}
	return &Pacer{config: config, logger: logger}
}

// Generate frames src and calls emit for every frame, no faster than real
// time. It returns ErrGenerationStopped if Stop was called, ctx.Err() on
// cancellation, or nil once src is exhausted and every frame is out. The
// trailing partial frame is padded with mu-law silence.
func (p *Pacer) Generate(ctx context.Context, src io.Reader, emit EmitFunc) error {
	stop := p.begin()
	defer p.end(stop)

	chunks := make(chan []byte, 16)
	readErrs := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go p.readChunks(src, chunks, readErrs, done)

	var (
		pending []byte
		frames  [][]byte
		eof     bool
		readErr error
		started bool
		start   time.Time
		sent    int
	)

	for {
		needMore := len(frames) == 0 || (!started && len(frames) < p.config.PrebufferFrames)
		if needMore && !eof {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					eof = true
					select {
					case readErr = <-readErrs:
					default:
					}
					if len(pending) > 0 {
						frames = append(frames, audio.PadFrame(pending))
						pending = nil
					}
					continue
				}
				pending = append(pending, chunk...)
				for len(pending) >= p.config.FrameSize {
					frame := make([]byte, p.config.FrameSize)
					copy(frame, pending[:p.config.FrameSize])
					frames = append(frames, frame)
					pending = pending[p.config.FrameSize:]
				}
			case <-stop:
				return p.stopped(ctx, sent)
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if len(frames) == 0 {
			if readErr != nil {
				return fmt.Errorf("failed to read speech audio: %w", readErr)
			}
			return nil
		}

		if !started {
			started = true
			start = time.Now()
		}

		due := start.Add(time.Duration(sent) * p.config.FrameDuration)
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-stop:
				timer.Stop()
				return p.stopped(ctx, sent)
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		select {
		case <-stop:
			return p.stopped(ctx, sent)
		default:
		}

		if err := emit(frames[0]); err != nil {
			return err
		}
		frames = frames[1:]
		sent++
	}
}

// Stop cancels the active generation, if any. It reports whether a
// generation was running.
func (p *Pacer) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop == nil {
		return false
	}
	select {
	case <-p.stop:
		return false
	default:
		close(p.stop)
		return true
	}
}

// Active reports whether a generation is in progress.
func (p *Pacer) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop == nil {
		return false
	}
	select {
	case <-p.stop:
		return false
	default:
		return true
	}
}

func (p *Pacer) begin() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop = make(chan struct{})
	return p.stop
}

func (p *Pacer) end(stop chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop == stop {
		p.stop = nil
	}
}

func (p *Pacer) stopped(ctx context.Context, sent int) error {
	p.logger.Info(ctx, "speech stopped",
		observability.Field{Key: "frames_sent", Value: sent},
	)
	return ErrGenerationStopped
}

func (p *Pacer) readChunks(src io.Reader, out chan<- []byte, errs chan<- error, done <-chan struct{}) {
	defer close(out)
	for {
		buf := make([]byte, p.config.ReadSize)
		n, err := src.Read(buf)
		if n > 0 {
			select {
			case out <- buf[:n]:
			case <-done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				errs <- err
			}
			return
		}
	}
}
