package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"call-relay/internal/observability"
	"call-relay/internal/store"
	"call-relay/internal/voice/pipeline"
	"call-relay/internal/voicecall/agents"
	"call-relay/internal/voicecall/callcontext"
	"call-relay/internal/voicecall/transcription"
	"call-relay/internal/voicecall/twilio"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32

	mu      sync.Mutex
	written []interface{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case raw := <-c.inbound:
		return raw, nil
	case <-c.closed:
		return nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	c.inbound <- raw
}

func (c *fakeConn) count(match func(interface{}) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.written {
		if match(v) {
			n++
		}
	}
	return n
}

func isMedia(v interface{}) bool {
	_, ok := v.(twilio.MediaFrame)
	return ok
}

func isClear(v interface{}) bool {
	_, ok := v.(twilio.ClearFrame)
	return ok
}

func isAck(v interface{}) bool {
	_, ok := v.(twilio.ConnectedAck)
	return ok
}

type fakeStream struct {
	results   chan transcription.Result
	closeOnce sync.Once
	closes    atomic.Int32

	mu   sync.Mutex
	sent int
}

func (s *fakeStream) SendAudio(context.Context, []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	return nil
}

func (s *fakeStream) KeepAlive(context.Context) error      { return nil }
func (s *fakeStream) Results() <-chan transcription.Result { return s.results }
func (s *fakeStream) Err() error                           { return nil }

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	s.closeOnce.Do(func() { close(s.results) })
	return nil
}

func (s *fakeStream) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// fakeRecognizer fails every Connect after the first failAfter calls when
// failAfter is set.
type fakeRecognizer struct {
	calls     atomic.Int32
	failAfter int32

	mu      sync.Mutex
	streams []*fakeStream
}

func (r *fakeRecognizer) Connect(context.Context) (transcription.RecognizerStream, error) {
	if n := r.calls.Add(1); r.failAfter > 0 && n > r.failAfter {
		return nil, errors.New("dial tcp: connection refused")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &fakeStream{results: make(chan transcription.Result, 16)}
	r.streams = append(r.streams, s)
	return s, nil
}

func (r *fakeRecognizer) latest() *fakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.streams) == 0 {
		return nil
	}
	return r.streams[len(r.streams)-1]
}

type fakeGenerator struct{}

func (fakeGenerator) Generate(_ context.Context, _ pipeline.Request, emit func(pipeline.Delta) error) error {
	return emit(pipeline.Delta{Text: "Sure."})
}

// fakeSynth returns the given number of mu-law bytes for every sentence.
type fakeSynth struct{ size int }

func (s fakeSynth) Synthesize(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(make([]byte, s.size))), nil
}

type fakeArchiver struct {
	mu      sync.Mutex
	records []store.CallRecord
}

func (a *fakeArchiver) Submit(_ context.Context, record store.CallRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record)
	return nil
}

func (a *fakeArchiver) all() []store.CallRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]store.CallRecord(nil), a.records...)
}

type panickingStore struct{}

func (panickingStore) Save(context.Context, callcontext.CallContext) error { return nil }

func (panickingStore) Lookup(context.Context, string) (callcontext.CallContext, error) {
	panic("store exploded")
}

type harness struct {
	session    *Session
	conn       *fakeConn
	recognizer *fakeRecognizer
	archiver   *fakeArchiver
	registry   *Registry
	metrics    *observability.Metrics
	contexts   *callcontext.MemoryStore
}

func newHarness(t *testing.T, synthSize int, configure func(*Config)) *harness {
	t.Helper()
	return newHarnessWithLogger(t, observability.NewNopLogger(), synthSize, configure)
}

func newHarnessWithLogger(t *testing.T, logger *observability.Logger, synthSize int, configure func(*Config)) *harness {
	t.Helper()

	catalog, err := agents.NewCatalog(agents.Profile{
		ID:             "support",
		Name:           "Support",
		SystemMessage:  "You help {{First-Name}}.",
		InitialMessage: "Hi {{First-Name}}, how can I help?",
	})
	require.NoError(t, err)

	contexts := callcontext.NewMemoryStore(time.Minute)
	h := &harness{
		conn:       newFakeConn(),
		recognizer: &fakeRecognizer{},
		archiver:   &fakeArchiver{},
		registry:   NewRegistry(),
		metrics:    observability.NewMetrics(),
		contexts:   contexts,
	}

	cfg := DefaultConfig()
	cfg.HealthCheckInterval = time.Hour
	cfg.DefaultAgentID = "support"
	cfg.Transcription.InitialBackoff = time.Millisecond
	if configure != nil {
		configure(&cfg)
	}

	h.session = New(h.conn, Deps{
		Recognizer:   h.recognizer,
		Generator:    fakeGenerator{},
		Synthesizers: func(string) pipeline.Synthesizer { return fakeSynth{size: synthSize} },
		Resolver:     callcontext.NewResolver(contexts, 1, time.Millisecond, logger),
		Agents:       catalog,
		Registry:     h.registry,
		Archiver:     h.archiver,
		Logger:       logger,
		Metrics:      h.metrics,
	}, cfg)
	t.Cleanup(func() { h.session.teardown("test cleanup") })
	return h
}

func (h *harness) run(t *testing.T) <-chan error {
	t.Helper()
	errs := make(chan error, 1)
	go func() { errs <- h.session.Run(context.Background()) }()
	return errs
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.conn.send(t, map[string]interface{}{"event": "connected", "protocol": "Call", "version": "1.0.0"})
	h.conn.send(t, map[string]interface{}{
		"event":     "start",
		"streamSid": "MZ1",
		"start": map[string]interface{}{
			"streamSid":        "MZ1",
			"callSid":          "CA1",
			"accountSid":       "AC1",
			"customParameters": map[string]string{"firstName": "Ada", SessionTokenParameter: "tok-1"},
		},
	})
	require.Eventually(t, func() bool { return h.session.State() == StateActive }, time.Second, 5*time.Millisecond)
}

func TestSessionHandlesCall(t *testing.T) {
	h := newHarness(t, 320, nil)
	require.NoError(t, h.contexts.Save(context.Background(), callcontext.CallContext{
		SessionToken: "tok-1",
		AgentID:      "support",
	}))
	errs := h.run(t)
	h.start(t)

	assert.Equal(t, 1, h.conn.count(isAck))
	assert.Equal(t, "CA1", h.session.CallSID())
	_, ok := h.registry.FindByCallSID("CA1")
	assert.True(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ActiveSessions))

	// the greeting is 320 bytes, two frames
	require.Eventually(t, func() bool { return h.conn.count(isMedia) == 2 }, 2*time.Second, 5*time.Millisecond)

	h.conn.send(t, map[string]interface{}{"event": "media", "streamSid": "MZ1", "media": map[string]string{"payload": "AAE="}})
	require.Eventually(t, func() bool {
		s := h.recognizer.latest()
		return s != nil && s.sentCount() == 1
	}, time.Second, 5*time.Millisecond)

	h.conn.send(t, map[string]interface{}{"event": "stop", "streamSid": "MZ1", "stop": map[string]string{"callSid": "CA1"}})
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish after stop")
	}

	assert.Equal(t, StateClosed, h.session.State())
	assert.Zero(t, h.registry.Len())
	assert.Zero(t, testutil.ToFloat64(h.metrics.ActiveSessions))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SessionsTotal.WithLabelValues(StatusStopped)))

	records := h.archiver.all()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, h.session.ID(), rec.SessionID)
	assert.Equal(t, "CA1", rec.CallSID)
	assert.Equal(t, "MZ1", rec.StreamSID)
	assert.Equal(t, "Ada", rec.FirstName)
	assert.Equal(t, "support", rec.AgentID)
	assert.Equal(t, StatusStopped, rec.FinalStatus)
	require.Len(t, rec.Turns, 2)
	assert.Equal(t, "Hi Ada, how can I help?", rec.Turns[1].Content)
}

func TestUtteranceInterruptsSpeechInFlight(t *testing.T) {
	h := newHarness(t, 320, nil)
	h.run(t)
	h.start(t)

	// no marks are acknowledged, so the greeting stays in flight
	require.Eventually(t, func() bool { return h.conn.count(isMedia) > 0 }, 2*time.Second, 5*time.Millisecond)
	h.recognizer.latest().results <- transcription.Result{Kind: transcription.ResultTranscript, Text: "wait"}

	require.Eventually(t, func() bool { return h.session.Record().Interruptions == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.conn.count(isClear))
	assert.Equal(t, 0, h.session.transport.InFlight())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Interruptions))
}

func TestUtteranceWithoutSpeechInFlight(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.run(t)
	h.start(t)

	h.recognizer.latest().results <- transcription.Result{Kind: transcription.ResultTranscript, Text: "stop"}

	assert.Never(t, func() bool { return h.conn.count(isClear) > 0 }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(h.metrics.Interruptions))
}

func TestHealthCheckFailureThreshold(t *testing.T) {
	h := newHarness(t, 0, func(c *Config) {
		c.Transport.MediaTimeout = time.Nanosecond
	})
	ctx := context.Background()
	require.NoError(t, h.session.bridge.Connect(ctx))
	time.Sleep(time.Millisecond)

	for i := 0; i < 4; i++ {
		assert.False(t, h.session.checkHealth(ctx), "failure %d should not end the session", i+1)
	}
	assert.NotEqual(t, StateClosed, h.session.State())

	assert.True(t, h.session.checkHealth(ctx))
	assert.Equal(t, StateClosed, h.session.State())
	assert.Equal(t, float64(5), testutil.ToFloat64(h.metrics.HealthCheckFailures))
	select {
	case <-h.session.Done():
	default:
		t.Fatal("session not torn down")
	}
}

func TestHealthCheckReconnectsTranscription(t *testing.T) {
	h := newHarness(t, 0, nil)
	ctx := context.Background()
	h.session.transport.MarkMediaReceived()

	assert.False(t, h.session.checkHealth(ctx))
	assert.True(t, h.session.bridge.Connected())
}

func TestTeardownRunsOnce(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := newHarnessWithLogger(t, observability.NewLoggerWithZap(zap.New(core)), 0, nil)
	ctx := context.Background()

	h.session.transport.Bind(h.session.ctx, "MZ1")
	require.True(t, h.session.transport.Active())
	require.NoError(t, h.session.bridge.Connect(ctx))
	stream := h.recognizer.latest()
	require.NotNil(t, stream)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.session.teardown("concurrent")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.conn.closes.Load())
	assert.Equal(t, int32(1), stream.closes.Load())
	assert.Equal(t, 1, logs.FilterMessage("transport deactivated").Len())
	assert.Equal(t, 1, logs.FilterMessage("transcription stream disconnected").Len())
	assert.Equal(t, 1, logs.FilterMessage("tearing down session").Len())
	assert.Equal(t, StateClosed, h.session.State())
	assert.False(t, h.session.transport.Active())
	assert.False(t, h.session.bridge.Connected())
	// never started, so nothing to archive
	assert.Empty(t, h.archiver.all())
}

func TestReconnectExhaustionTearsDown(t *testing.T) {
	h := newHarness(t, 0, func(c *Config) {
		c.Transcription.MaxReconnectAttempts = 3
	})
	h.recognizer.failAfter = 1
	errs := h.run(t)
	h.start(t)

	stream := h.recognizer.latest()
	require.NotNil(t, stream)
	require.NoError(t, stream.Close())

	select {
	case <-h.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not torn down after reconnects ran out")
	}
	require.NoError(t, <-errs)

	// the initial connect plus three failed reconnects, nothing after
	assert.Equal(t, int32(4), h.recognizer.calls.Load())
	assert.Equal(t, float64(3), testutil.ToFloat64(h.metrics.Reconnects.WithLabelValues("failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Reconnects.WithLabelValues("exhausted")))
	assert.Equal(t, StateClosed, h.session.State())
	assert.Zero(t, h.registry.Len())

	records := h.archiver.all()
	require.Len(t, records, 1)
	assert.Equal(t, StatusStopped, records[0].FinalStatus)
}

func TestStartRacingTeardownLeavesNoSession(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t, 0, nil)
		errs := h.run(t)
		h.conn.send(t, map[string]interface{}{"event": "connected", "protocol": "Call", "version": "1.0.0"})
		h.conn.send(t, map[string]interface{}{
			"event":     "start",
			"streamSid": "MZ1",
			"start":     map[string]interface{}{"streamSid": "MZ1", "callSid": "CA1"},
		})
		go h.conn.Close()

		select {
		case <-errs:
		case <-time.After(2 * time.Second):
			t.Fatal("session did not finish")
		}
		require.Zero(t, h.registry.Len(), "iteration %d", i)
		require.Zero(t, testutil.ToFloat64(h.metrics.ActiveSessions), "iteration %d", i)
	}
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("connected only from idle", func(t *testing.T) {
		h := newHarness(t, 0, nil)
		h.session.dispatch(ctx, twilio.ConnectedEvent{Protocol: "Call"})
		h.session.dispatch(ctx, twilio.ConnectedEvent{Protocol: "Call"})
		assert.Equal(t, StateConnecting, h.session.State())
		assert.Equal(t, 1, h.conn.count(isAck))
	})

	t.Run("empty media dropped", func(t *testing.T) {
		h := newHarness(t, 0, nil)
		h.session.mu.Lock()
		h.session.state = StateActive
		h.session.mu.Unlock()

		h.session.dispatch(ctx, twilio.MediaEvent{Payload: ""})
		h.session.media.Wait()
		assert.Nil(t, h.recognizer.latest())

		h.session.dispatch(ctx, twilio.MediaEvent{Payload: "AAE="})
		h.session.media.Wait()
		require.NotNil(t, h.recognizer.latest())
		assert.Equal(t, 1, h.recognizer.latest().sentCount())
	})

	t.Run("unmatched mark", func(t *testing.T) {
		h := newHarness(t, 0, nil)
		h.session.dispatch(ctx, twilio.MarkEvent{Name: "chunk-9"})
		assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.UnmatchedMarks))
	})

	t.Run("unknown event ignored", func(t *testing.T) {
		h := newHarness(t, 0, nil)
		h.session.dispatch(ctx, twilio.UnknownEvent{Name: "pong"})
		assert.Equal(t, StateIdle, h.session.State())
		assert.Zero(t, testutil.ToFloat64(h.metrics.EventErrors.WithLabelValues("pong")))
	})

	t.Run("panic contained to one event", func(t *testing.T) {
		h := newHarness(t, 0, nil)
		h.session.deps.Resolver = callcontext.NewResolver(panickingStore{}, 1, time.Millisecond, observability.NewNopLogger())

		h.session.dispatch(ctx, twilio.ConnectedEvent{})
		assert.NotPanics(t, func() {
			h.session.dispatch(ctx, twilio.StartEvent{StreamSID: "MZ1", CallSID: "CA1"})
		})
		assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.EventErrors.WithLabelValues("start")))
		assert.Equal(t, StateConnecting, h.session.State())

		h.session.dispatch(ctx, twilio.DTMFEvent{Digit: "1"})
		assert.Equal(t, StateConnecting, h.session.State())
	})
}

func TestSetFinalStatusFirstWins(t *testing.T) {
	h := newHarness(t, 0, nil)
	assert.Equal(t, StatusActive, h.session.FinalStatus())

	h.session.SetFinalStatus("ended")
	h.session.SetFinalStatus(StatusStopped)
	assert.Equal(t, "ended", h.session.FinalStatus())
}

func TestCloseAfter(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.session.CloseAfter(10 * time.Millisecond)

	select {
	case <-h.session.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed")
	}
	assert.Equal(t, StatusStopped, h.session.FinalStatus())
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t, 0, nil)
	errs := h.run(t)
	require.Eventually(t, func() bool { return h.recognizer.latest() != nil }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, h.session.Run(context.Background()), ErrAlreadyRunning)

	h.session.teardown("test")
	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
}
