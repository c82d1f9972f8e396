// Package transcription owns the live link to the speech recognizer for one
// call.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"call-relay/internal/observability"
)

var (
	ErrReconnectExhausted = errors.New("transcription reconnect attempts exhausted")
	ErrNotConnected       = errors.New("transcription stream not connected")
	ErrBridgeClosed       = errors.New("transcription bridge closed")
	ErrStreamClosed       = errors.New("transcription stream closed by provider")
)

type ResultKind int

const (
	ResultTranscript ResultKind = iota
	ResultUtteranceEnd
)

// Result is one message from the recognizer.
type Result struct {
	Kind        ResultKind
	Text        string
	IsFinal     bool
	SpeechFinal bool
}

// Recognizer opens streaming recognition sessions.
type Recognizer interface {
	Connect(ctx context.Context) (RecognizerStream, error)
}

// RecognizerStream is one open recognition session. Results is closed when
// the session ends; Err then reports why.
type RecognizerStream interface {
	SendAudio(ctx context.Context, audio []byte) error
	KeepAlive(ctx context.Context) error
	Results() <-chan Result
	Err() error
	Close() error
}

// Config holds reconnect and keep-alive policy.
type Config struct {
	MaxReconnectAttempts int
	InitialBackoff       time.Duration
	BackoffMultiplier    float64
	MaxBackoff           time.Duration
	KeepAliveInterval    time.Duration
	SignalBuffer         int
}

func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 3,
		InitialBackoff:       time.Second,
		BackoffMultiplier:    2,
		MaxBackoff:           8 * time.Second,
		KeepAliveInterval:    5 * time.Second,
		SignalBuffer:         32,
	}
}

// Bridge forwards call audio to the recognizer and surfaces interim
// utterances and finished transcriptions on channels.
type Bridge struct {
	recognizer Recognizer
	logger     *observability.Logger
	metrics    *observability.Metrics
	config     Config

	reconnectMu sync.Mutex

	mu            sync.Mutex
	ctx           context.Context
	stream        RecognizerStream
	cancelStream  context.CancelFunc
	connected     bool
	attempts      int
	disconnecting bool
	closed        bool
	accumulated   strings.Builder
	speechFinal   bool

	utterances     chan string
	transcriptions chan string
	failures       chan error
}

func New(recognizer Recognizer, config Config, logger *observability.Logger, metrics *observability.Metrics) *Bridge {
	defaults := DefaultConfig()
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.KeepAliveInterval <= 0 {
		config.KeepAliveInterval = defaults.KeepAliveInterval
	}
	if config.SignalBuffer <= 0 {
		config.SignalBuffer = defaults.SignalBuffer
	}
	return &Bridge{
		recognizer:     recognizer,
		logger:         logger,
		metrics:        metrics,
		config:         config,
		ctx:            context.Background(),
		utterances:     make(chan string, config.SignalBuffer),
		transcriptions: make(chan string, config.SignalBuffer),
		failures:       make(chan error, 1),
	}
}

// Utterances carries non-empty interim text, used for barge-in detection.
func (b *Bridge) Utterances() <-chan string { return b.utterances }

// Transcriptions carries finished utterances for text generation.
func (b *Bridge) Transcriptions() <-chan string { return b.transcriptions }

// Failures signals that the live stream dropped and a reconnect is needed.
func (b *Bridge) Failures() <-chan error { return b.failures }

// Connect opens the recognizer stream and starts its keep-alive.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	b.ctx = ctx
	b.mu.Unlock()

	stream, err := b.recognizer.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect recognizer: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = stream.Close()
		return ErrBridgeClosed
	}
	if b.cancelStream != nil {
		b.cancelStream()
	}
	streamCtx, cancel := context.WithCancel(ctx)
	b.stream = stream
	b.cancelStream = cancel
	b.connected = true
	b.attempts = 0

	go b.readResults(streamCtx, stream)
	go b.keepAlive(streamCtx, stream)

	b.logger.Info(ctx, "transcription stream connected")
	return nil
}

// Connected reports whether audio can be forwarded right now.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Attempts is the number of consecutive failed reconnects.
func (b *Bridge) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Reconnect makes one more connection attempt, backing off exponentially
// between consecutive failures. Once MaxReconnectAttempts attempts have
// failed it returns ErrReconnectExhausted without trying again.
func (b *Bridge) Reconnect(ctx context.Context) error {
	b.reconnectMu.Lock()
	defer b.reconnectMu.Unlock()

	b.mu.Lock()
	switch {
	case b.closed:
		b.mu.Unlock()
		return ErrBridgeClosed
	case b.connected:
		b.mu.Unlock()
		return nil
	case b.attempts >= b.config.MaxReconnectAttempts:
		attempts := b.attempts
		b.mu.Unlock()
		b.logger.Error(ctx, "transcription reconnect exhausted", ErrReconnectExhausted,
			observability.Field{Key: "attempts", Value: attempts},
		)
		b.countReconnect("exhausted")
		return ErrReconnectExhausted
	}
	failed := b.attempts
	b.mu.Unlock()

	if delay := b.backoff(failed); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	b.logger.Info(ctx, "reconnecting transcription stream",
		observability.Field{Key: "attempt", Value: failed + 1},
	)
	if err := b.Connect(ctx); err != nil {
		b.mu.Lock()
		b.attempts++
		b.mu.Unlock()
		b.countReconnect("failure")
		b.logger.Error(ctx, "transcription reconnect failed", err,
			observability.Field{Key: "attempt", Value: failed + 1},
		)
		return err
	}
	b.countReconnect("success")
	return nil
}

// Send forwards one audio payload, reconnecting first if needed. The payload
// is dropped if no stream can be obtained.
func (b *Bridge) Send(ctx context.Context, payload []byte) error {
	if !b.Connected() {
		if err := b.Reconnect(ctx); err != nil {
			return fmt.Errorf("audio dropped: %w", err)
		}
	}

	b.mu.Lock()
	stream := b.stream
	connected := b.connected
	b.mu.Unlock()
	if !connected || stream == nil {
		return ErrNotConnected
	}

	if err := stream.SendAudio(ctx, payload); err != nil {
		b.markDisconnected(stream)
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

// ResetTranscript discards any partially accumulated final text.
func (b *Bridge) ResetTranscript() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accumulated.Reset()
	b.speechFinal = false
}

// Disconnect closes the stream and stops background work. Concurrent and
// repeated calls tear down once.
func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	if b.disconnecting || b.closed {
		b.mu.Unlock()
		b.logger.Debug(b.ctx, "transcription disconnect already done or in progress")
		return nil
	}
	b.disconnecting = true
	stream := b.stream
	cancel := b.cancelStream
	b.stream = nil
	b.cancelStream = nil
	b.connected = false
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if stream != nil {
		err = stream.Close()
	}

	b.mu.Lock()
	b.disconnecting = false
	b.closed = true
	b.mu.Unlock()

	b.logger.Info(b.ctx, "transcription stream disconnected")
	return err
}

func (b *Bridge) backoff(failed int) time.Duration {
	if failed == 0 || b.config.InitialBackoff <= 0 {
		return 0
	}
	delay := float64(b.config.InitialBackoff)
	for i := 1; i < failed; i++ {
		delay *= b.config.BackoffMultiplier
	}
	if b.config.MaxBackoff > 0 && time.Duration(delay) > b.config.MaxBackoff {
		return b.config.MaxBackoff
	}
	return time.Duration(delay)
}

func (b *Bridge) countReconnect(result string) {
	if b.metrics != nil {
		b.metrics.Reconnects.WithLabelValues(result).Inc()
	}
}

// markDisconnected flags the stream as down if it is still the current one
// and reports the failure once.
func (b *Bridge) markDisconnected(stream RecognizerStream) {
	b.mu.Lock()
	if b.stream != stream || !b.connected || b.closed || b.disconnecting {
		b.mu.Unlock()
		return
	}
	b.connected = false
	if b.cancelStream != nil {
		b.cancelStream()
		b.cancelStream = nil
	}
	b.mu.Unlock()

	_ = stream.Close()
	err := stream.Err()
	if err == nil {
		err = ErrStreamClosed
	}
	b.logger.Warn(b.ctx, "transcription stream lost")
	select {
	case b.failures <- err:
	default:
	}
}

func (b *Bridge) readResults(ctx context.Context, stream RecognizerStream) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-stream.Results():
			if !ok {
				b.markDisconnected(stream)
				return
			}
			b.handle(ctx, r)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, r Result) {
	text := strings.TrimSpace(r.Text)

	switch r.Kind {
	case ResultUtteranceEnd:
		b.mu.Lock()
		pending := strings.TrimSpace(b.accumulated.String())
		emit := !b.speechFinal && pending != ""
		if emit {
			b.accumulated.Reset()
			b.speechFinal = true
		}
		b.mu.Unlock()
		if emit {
			b.logger.Info(ctx, "utterance end, emitting transcription")
			b.emit(ctx, b.transcriptions, pending)
		}

	case ResultTranscript:
		if r.IsFinal && text != "" {
			b.mu.Lock()
			b.accumulated.WriteString(" ")
			b.accumulated.WriteString(text)
			var full string
			if r.SpeechFinal {
				full = strings.TrimSpace(b.accumulated.String())
				b.accumulated.Reset()
				b.speechFinal = true
			} else {
				b.speechFinal = false
			}
			b.mu.Unlock()
			if full != "" {
				b.emit(ctx, b.transcriptions, full)
			}
			return
		}
		if text != "" {
			b.emit(ctx, b.utterances, text)
		}
	}
}

func (b *Bridge) emit(ctx context.Context, ch chan string, text string) {
	select {
	case ch <- text:
	case <-ctx.Done():
	}
}

func (b *Bridge) keepAlive(ctx context.Context, stream RecognizerStream) {
	ticker := time.NewTicker(b.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := stream.KeepAlive(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Error(ctx, "transcription keep-alive failed", err)
				b.markDisconnected(stream)
				return
			}
		}
	}
}
