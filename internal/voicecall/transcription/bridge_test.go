package transcription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"call-relay/internal/observability"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	results    chan Result
	mu         sync.Mutex
	sent       [][]byte
	keepAlives int
	sendErr    error
	closeCalls atomic.Int32
	closeOnce  sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{results: make(chan Result, 16)}
}

func (s *fakeStream) SendAudio(_ context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, audio)
	return nil
}

func (s *fakeStream) KeepAlive(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepAlives++
	return nil
}

func (s *fakeStream) Results() <-chan Result { return s.results }
func (s *fakeStream) Err() error             { return nil }

func (s *fakeStream) Close() error {
	s.closeCalls.Add(1)
	s.closeOnce.Do(func() { close(s.results) })
	return nil
}

func (s *fakeStream) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakeRecognizer struct {
	mu       sync.Mutex
	calls    int
	failures int // number of leading Connect calls that fail
	streams  []*fakeStream
}

func (r *fakeRecognizer) Connect(context.Context) (RecognizerStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures < 0 || r.calls <= r.failures {
		return nil, errors.New("dial failed")
	}
	s := newFakeStream()
	r.streams = append(r.streams, s)
	return s, nil
}

func (r *fakeRecognizer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *fakeRecognizer) latest() *fakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[len(r.streams)-1]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 4 * time.Millisecond
	cfg.KeepAliveInterval = time.Hour
	return cfg
}

func newTestBridge(r Recognizer, cfg Config) (*Bridge, *observability.Metrics) {
	m := observability.NewMetrics()
	return New(r, cfg, observability.NewNopLogger(), m), m
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
		return ""
	}
}

func assertQuiet(t *testing.T, ch <-chan string) {
	t.Helper()
	select {
	case s := <-ch:
		t.Fatalf("unexpected signal %q", s)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestReconnectBound(t *testing.T) {
	rec := &fakeRecognizer{failures: -1}
	b, m := newTestBridge(rec, testConfig())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		err := b.Reconnect(ctx)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrReconnectExhausted)
		assert.Equal(t, i, b.Attempts())
	}

	err := b.Reconnect(ctx)
	assert.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, 3, rec.callCount(), "no fourth connection attempt")
	assert.Equal(t, float64(3), testutil.ToFloat64(m.Reconnects.WithLabelValues("failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Reconnects.WithLabelValues("exhausted")))
}

func TestReconnectResetsAttemptsOnSuccess(t *testing.T) {
	rec := &fakeRecognizer{failures: 2}
	b, _ := newTestBridge(rec, testConfig())
	ctx := context.Background()

	require.Error(t, b.Reconnect(ctx))
	require.Error(t, b.Reconnect(ctx))
	require.NoError(t, b.Reconnect(ctx))
	assert.Zero(t, b.Attempts())
	assert.True(t, b.Connected())

	// Already connected: nothing to do.
	require.NoError(t, b.Reconnect(ctx))
	assert.Equal(t, 3, rec.callCount())
}

func TestBackoffGrowsExponentially(t *testing.T) {
	b, _ := newTestBridge(&fakeRecognizer{}, Config{InitialBackoff: time.Second, BackoffMultiplier: 2, MaxBackoff: 3 * time.Second})

	assert.Equal(t, time.Duration(0), b.backoff(0))
	assert.Equal(t, time.Second, b.backoff(1))
	assert.Equal(t, 2*time.Second, b.backoff(2))
	assert.Equal(t, 3*time.Second, b.backoff(3))
}

func TestSendReconnectsWhenDisconnected(t *testing.T) {
	rec := &fakeRecognizer{}
	b, _ := newTestBridge(rec, testConfig())

	require.NoError(t, b.Send(context.Background(), []byte{1, 2}))
	assert.Equal(t, 1, rec.callCount())
	assert.Equal(t, 1, rec.latest().sentCount())
}

func TestSendDropsWhenReconnectFails(t *testing.T) {
	rec := &fakeRecognizer{failures: -1}
	b, _ := newTestBridge(rec, testConfig())

	err := b.Send(context.Background(), []byte{1})
	require.Error(t, err)
	assert.Equal(t, 1, b.Attempts())
}

func TestSendFailureMarksDisconnected(t *testing.T) {
	rec := &fakeRecognizer{}
	b, _ := newTestBridge(rec, testConfig())
	require.NoError(t, b.Connect(context.Background()))

	s := rec.latest()
	s.mu.Lock()
	s.sendErr = errors.New("write: broken pipe")
	s.mu.Unlock()

	require.Error(t, b.Send(context.Background(), []byte{1}))
	assert.False(t, b.Connected())

	select {
	case err := <-b.Failures():
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected failure signal")
	}
}

func TestProviderCloseSignalsFailure(t *testing.T) {
	rec := &fakeRecognizer{}
	b, _ := newTestBridge(rec, testConfig())
	require.NoError(t, b.Connect(context.Background()))

	rec.latest().Close()

	select {
	case err := <-b.Failures():
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(time.Second):
		t.Fatal("expected failure signal")
	}
	assert.False(t, b.Connected())
}

func TestTranscriptHandling(t *testing.T) {
	rec := &fakeRecognizer{}
	b, _ := newTestBridge(rec, testConfig())
	require.NoError(t, b.Connect(context.Background()))
	results := rec.latest().results

	// Interim text is an utterance only.
	results <- Result{Text: "hel"}
	assert.Equal(t, "hel", receive(t, b.Utterances()))

	// Whitespace-only interims are ignored.
	results <- Result{Text: "   "}
	assertQuiet(t, b.Utterances())

	// Finals accumulate until speech_final.
	results <- Result{Text: "hello there", IsFinal: true}
	results <- Result{Text: "how are you", IsFinal: true, SpeechFinal: true}
	assert.Equal(t, "hello there how are you", receive(t, b.Transcriptions()))

	// Utterance end after speech_final emits nothing.
	results <- Result{Kind: ResultUtteranceEnd}
	assertQuiet(t, b.Transcriptions())

	// Utterance end flushes finals that never saw speech_final.
	results <- Result{Text: "book a table", IsFinal: true}
	results <- Result{Kind: ResultUtteranceEnd}
	assert.Equal(t, "book a table", receive(t, b.Transcriptions()))

	// Empty accumulator on utterance end emits nothing.
	results <- Result{Kind: ResultUtteranceEnd}
	assertQuiet(t, b.Transcriptions())
}

func TestResetTranscriptDiscardsAccumulator(t *testing.T) {
	rec := &fakeRecognizer{}
	b, _ := newTestBridge(rec, testConfig())
	require.NoError(t, b.Connect(context.Background()))
	results := rec.latest().results

	results <- Result{Text: "stale words", IsFinal: true}
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.accumulated.Len() > 0
	}, time.Second, time.Millisecond)

	b.ResetTranscript()
	results <- Result{Text: "fresh", IsFinal: true, SpeechFinal: true}
	assert.Equal(t, "fresh", receive(t, b.Transcriptions()))
}

func TestKeepAliveSent(t *testing.T) {
	rec := &fakeRecognizer{}
	cfg := testConfig()
	cfg.KeepAliveInterval = 5 * time.Millisecond
	b, _ := newTestBridge(rec, cfg)
	require.NoError(t, b.Connect(context.Background()))

	s := rec.latest()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.keepAlives >= 2
	}, time.Second, time.Millisecond)
	require.NoError(t, b.Disconnect())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	rec := &fakeRecognizer{}
	b, _ := newTestBridge(rec, testConfig())
	require.NoError(t, b.Connect(context.Background()))
	s := rec.latest()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Disconnect()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), s.closeCalls.Load())
	assert.False(t, b.Connected())
	assert.ErrorIs(t, b.Reconnect(context.Background()), ErrBridgeClosed)

	// A closed bridge does not report the shutdown as a failure.
	select {
	case err := <-b.Failures():
		t.Fatalf("unexpected failure %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}
