// Package stream delivers synthesized audio to the telephony media stream in
// order and keeps the outbound leg alive.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"call-relay/internal/observability"
	"call-relay/internal/voice/audio"
	"call-relay/internal/voicecall/twilio"
)

var ErrTransportInactive = errors.New("transport inactive")

// Writer is the outbound side of the media stream connection.
type Writer interface {
	WriteJSON(v interface{}) error
}

// Fragment is one unit of synthesized audio awaiting delivery. A nil Index
// bypasses reordering.
type Fragment struct {
	Index   *int
	Payload []byte
	Label   string
	TurnID  int64
}

// Config holds transport timings.
type Config struct {
	KeepAliveInterval time.Duration
	// MediaTimeout is how long without inbound media before the stream is
	// considered unhealthy.
	MediaTimeout time.Duration
	// SendMarks writes a mark frame after every media frame so the far end
	// acknowledges playback.
	SendMarks bool
}

func DefaultConfig() Config {
	return Config{
		KeepAliveInterval: 5 * time.Second,
		MediaTimeout:      10 * time.Second,
		SendMarks:         true,
	}
}

// Transport is the ordered outbound media channel for one call. It is the
// only owner of the pending buffer and the mark set.
type Transport struct {
	writer  Writer
	logger  *observability.Logger
	metrics *observability.Metrics
	config  Config

	mu            sync.Mutex
	ctx           context.Context
	streamSid     string
	active        bool
	startedAt     time.Time
	expected      int
	pending       map[int]Fragment
	sequence      int64
	marks         []string
	latestTurn    int64
	staleTurn     int64
	lastMedia     time.Time
	stopKeepAlive context.CancelFunc
}

// New returns an active transport. Keep-alive starts once the stream is bound.
func New(writer Writer, config Config, logger *observability.Logger, metrics *observability.Metrics) *Transport {
	if config.KeepAliveInterval <= 0 {
		config.KeepAliveInterval = DefaultConfig().KeepAliveInterval
	}
	if config.MediaTimeout <= 0 {
		config.MediaTimeout = DefaultConfig().MediaTimeout
	}
	now := time.Now()
	return &Transport{
		writer:    writer,
		logger:    logger,
		metrics:   metrics,
		config:    config,
		ctx:       context.Background(),
		active:    true,
		startedAt: now,
		lastMedia: now,
		pending:   make(map[int]Fragment),
		sequence:  1,
	}
}

// Bind attaches the stream id and starts the keep-alive loop. The loop stops
// when ctx is cancelled or the transport is deactivated.
func (t *Transport) Bind(ctx context.Context, streamSid string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.streamSid = streamSid
	t.ctx = observability.WithFields(ctx, observability.Field{Key: "stream_sid", Value: streamSid})
	t.lastMedia = time.Now()
	if !t.active || t.stopKeepAlive != nil {
		return
	}
	keepAliveCtx, cancel := context.WithCancel(ctx)
	t.stopKeepAlive = cancel
	go t.keepAlive(keepAliveCtx)
	t.logger.Info(t.ctx, "media stream bound")
}

// StreamSID returns the bound stream id.
func (t *Transport) StreamSID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamSid
}

// Deliver sends f in index order. Fragments with an index below the next
// expected one, or from a turn that was reset, are dropped.
func (t *Transport) Deliver(f Fragment) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		t.logger.Debug(t.ctx, "dropping fragment on inactive transport",
			observability.Field{Key: "label", Value: f.Label},
		)
		return nil
	}
	if f.TurnID > t.latestTurn {
		t.latestTurn = f.TurnID
	}
	if f.TurnID != 0 && f.TurnID <= t.staleTurn {
		t.logger.Debug(t.ctx, "dropping fragment from interrupted turn",
			observability.Field{Key: "turn_id", Value: f.TurnID},
		)
		return nil
	}

	if f.Index == nil {
		return t.sendLocked(f)
	}

	index := *f.Index
	switch {
	case index == t.expected:
		if err := t.sendLocked(f); err != nil {
			return err
		}
		t.expected++
		for {
			next, ok := t.pending[t.expected]
			if !ok {
				break
			}
			delete(t.pending, t.expected)
			if err := t.sendLocked(next); err != nil {
				return err
			}
			t.expected++
		}
	case index < t.expected:
		t.logger.Warn(t.ctx, "dropping fragment already past delivery point",
			observability.Field{Key: "index", Value: index},
			observability.Field{Key: "expected_index", Value: t.expected},
		)
	default:
		t.pending[index] = f
	}
	return nil
}

// SendClear tells the far end to flush queued audio and advances the
// sequence so later frames are unambiguous.
func (t *Transport) SendClear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		t.logger.Warn(t.ctx, "clear requested on inactive transport")
		return ErrTransportInactive
	}
	if err := t.writer.WriteJSON(twilio.NewClearFrame(t.streamSid, t.sequence)); err != nil {
		t.deactivateLocked()
		return fmt.Errorf("failed to send clear: %w", err)
	}
	t.sequence++
	t.logger.Info(t.ctx, "sent clear signal")
	return nil
}

// WriteControl writes a non-media frame, such as the handshake ack.
func (t *Transport) WriteControl(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return ErrTransportInactive
	}
	if err := t.writer.WriteJSON(v); err != nil {
		t.deactivateLocked()
		return err
	}
	return nil
}

// Reset rewinds the expected index, drops every pending fragment and marks
// every turn seen so far as stale.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.logger.Info(t.ctx, "resetting transport",
		observability.Field{Key: "pending", Value: len(t.pending)},
		observability.Field{Key: "expected_index", Value: t.expected},
	)
	t.expected = 0
	t.pending = make(map[int]Fragment)
	t.staleTurn = t.latestTurn
}

// ClearMarks forgets every in-flight mark.
func (t *Transport) ClearMarks() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.marks = nil
}

// Acknowledge removes the named mark and reports whether it was in flight.
func (t *Transport) Acknowledge(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, m := range t.marks {
		if m == name {
			t.marks = append(t.marks[:i], t.marks[i+1:]...)
			return true
		}
	}
	return false
}

// InFlight is the number of marks awaiting acknowledgment.
func (t *Transport) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.marks)
}

// Pending is the number of buffered out-of-order fragments.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// MarkMediaReceived records inbound activity for the health check.
func (t *Transport) MarkMediaReceived() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastMedia = time.Now()
}

// HealthCheck fails when the transport is inactive or inbound media has been
// silent longer than MediaTimeout.
func (t *Transport) HealthCheck() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return false
	}
	if idle := time.Since(t.lastMedia); idle > t.config.MediaTimeout {
		t.logger.Warn(t.ctx, "no inbound media",
			observability.Field{Key: "idle_ms", Value: idle.Milliseconds()},
		)
		return false
	}
	return true
}

// Active reports whether sends are still attempted.
func (t *Transport) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Deactivate stops all further sends. Safe to call repeatedly.
func (t *Transport) Deactivate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deactivateLocked()
}

func (t *Transport) deactivateLocked() {
	if !t.active {
		return
	}
	t.active = false
	if t.stopKeepAlive != nil {
		t.stopKeepAlive()
		t.stopKeepAlive = nil
	}
	t.logger.Info(t.ctx, "transport deactivated")
}

func (t *Transport) sendLocked(f Fragment) error {
	seq := t.sequence
	frame := twilio.NewMediaFrame(t.streamSid, seq, time.Since(t.startedAt).Milliseconds(), audio.BytesToBase64(f.Payload))
	if err := t.writer.WriteJSON(frame); err != nil {
		t.logger.Error(t.ctx, "failed to send media", err)
		t.deactivateLocked()
		return fmt.Errorf("failed to send media: %w", err)
	}
	t.sequence++

	name := fmt.Sprintf("chunk-%d", seq)
	t.marks = append(t.marks, name)
	if t.metrics != nil {
		t.metrics.FramesSent.Inc()
	}
	if t.config.SendMarks {
		if err := t.writer.WriteJSON(twilio.NewMarkFrame(t.streamSid, seq, name)); err != nil {
			t.logger.Error(t.ctx, "failed to send mark", err)
			t.deactivateLocked()
			return fmt.Errorf("failed to send mark: %w", err)
		}
	}
	return nil
}

func (t *Transport) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(t.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.sendKeepAlive() {
				return
			}
		}
	}
}

func (t *Transport) sendKeepAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return false
	}
	frame := twilio.NewMediaFrame(t.streamSid, t.sequence, time.Since(t.startedAt).Milliseconds(), "")
	if err := t.writer.WriteJSON(frame); err != nil {
		t.logger.Error(t.ctx, "keep-alive failed", err)
		t.deactivateLocked()
		return false
	}
	t.sequence++
	t.logger.Debug(t.ctx, "sent keep-alive")
	return true
}
