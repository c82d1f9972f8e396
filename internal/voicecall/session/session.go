// Package session runs one phone call: it reads the media stream, dispatches
// its events in order and owns every per-call component until teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"call-relay/internal/observability"
	"call-relay/internal/store"
	"call-relay/internal/voice/audio"
	"call-relay/internal/voice/pipeline"
	"call-relay/internal/voicecall/actions"
	"call-relay/internal/voicecall/agents"
	"call-relay/internal/voicecall/callcontext"
	"call-relay/internal/voicecall/interruption"
	"call-relay/internal/voicecall/stream"
	"call-relay/internal/voicecall/transcription"
	"call-relay/internal/voicecall/twilio"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	StatusActive  = "active"
	StatusStopped = "stopped"

	// SessionTokenParameter is the stream parameter carrying the token the
	// incoming-call webhook stored the call context under.
	SessionTokenParameter = "sessionToken"

	archiveTimeout = 5 * time.Second
)

var ErrAlreadyRunning = errors.New("session already running")

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Conn is the telephony media stream connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// SynthesizerFactory returns the synthesizer for an agent voice. An empty
// voice selects the configured default.
type SynthesizerFactory func(voice string) pipeline.Synthesizer

// Archiver takes finished calls. workers.WorkerPool satisfies it.
type Archiver interface {
	Submit(ctx context.Context, record store.CallRecord) error
}

type Config struct {
	HealthCheckInterval time.Duration
	MaxHealthFailures   int
	QueueSize           int
	DefaultAgentID      string
	Transport           stream.Config
	Transcription       transcription.Config
	Pipeline            pipeline.Config
	Actions             actions.Config
}

func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 5 * time.Second,
		MaxHealthFailures:   5,
		QueueSize:           1024,
		Transport:           stream.DefaultConfig(),
		Transcription:       transcription.DefaultConfig(),
		Pipeline:            pipeline.DefaultConfig(),
		Actions:             actions.DefaultConfig(),
	}
}

// Deps are the process-wide collaborators shared by every session.
type Deps struct {
	Recognizer   transcription.Recognizer
	Generator    pipeline.Generator
	Synthesizers SynthesizerFactory
	Telephony    actions.Telephony
	Resolver     *callcontext.Resolver
	Agents       *agents.Catalog
	Registry     *Registry
	Archiver     Archiver
	Logger       *observability.Logger
	Metrics      *observability.Metrics
}

// Session is the state machine for one media stream connection.
type Session struct {
	id      uuid.UUID
	conn    Conn
	deps    Deps
	config  Config
	logger  *observability.Logger
	metrics *observability.Metrics

	transport *stream.Transport
	bridge    *transcription.Bridge

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	media  sync.WaitGroup

	mu             sync.Mutex
	running        bool
	state          State
	callSID        string
	streamSID      string
	firstName      string
	agent          agents.Profile
	callContext    callcontext.CallContext
	finalStatus    string
	startTime      time.Time
	endTime        time.Time
	interruptions  int
	healthFailures int
	registered     bool
	closeTimer     *time.Timer
	pipeline       *pipeline.Pipeline
	controller     *interruption.Controller

	teardownOnce sync.Once
	done         chan struct{}
}

func New(conn Conn, deps Deps, config Config) *Session {
	defaults := DefaultConfig()
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if config.MaxHealthFailures <= 0 {
		config.MaxHealthFailures = defaults.MaxHealthFailures
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewNopLogger()
	}

	id := uuid.New()
	ctx, cancel := context.WithCancel(observability.WithFields(context.Background(),
		observability.Field{Key: "session_id", Value: id.String()},
	))
	return &Session{
		id:          id,
		conn:        conn,
		deps:        deps,
		config:      config,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		transport:   stream.New(conn, config.Transport, deps.Logger, deps.Metrics),
		bridge:      transcription.New(deps.Recognizer, config.Transcription, deps.Logger, deps.Metrics),
		ctx:         ctx,
		cancel:      cancel,
		state:       StateIdle,
		finalStatus: StatusActive,
		done:        make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id.String() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) CallSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callSID
}

func (s *Session) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

func (s *Session) FinalStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalStatus
}

// Done is closed once teardown has run.
func (s *Session) Done() <-chan struct{} { return s.done }

// SetFinalStatus records how the call ended. The first status other than
// active wins.
func (s *Session) SetFinalStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalStatus == StatusActive {
		s.finalStatus = status
	}
}

// CloseAfter tears the session down after d, letting queued audio finish.
func (s *Session) CloseAfter(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeTimer != nil || s.state >= StateDraining {
		return
	}
	s.closeTimer = time.AfterFunc(d, func() { s.teardown("closed after call end") })
}

// Close ends the session from outside, for example on server shutdown.
func (s *Session) Close() {
	s.teardown("closed by server")
}

// Run serves the connection until it closes or the session is torn down.
// ctx cancellation also tears the session down.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	group, groupCtx := errgroup.WithContext(s.ctx)
	s.group = group
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.teardown("server shutting down") })
	defer stop()

	s.logger.Info(groupCtx, "media stream connection opened")
	if err := s.bridge.Connect(groupCtx); err != nil {
		s.logger.Error(groupCtx, "initial transcription connect failed, retrying on first audio", err)
	}

	queue := make(chan twilio.InboundEvent, s.config.QueueSize)
	group.Go(func() error { return s.readLoop(groupCtx, queue) })
	group.Go(func() error { return s.dispatchLoop(groupCtx, queue) })
	group.Go(func() error { return s.healthLoop(groupCtx) })
	group.Go(func() error { return s.failureLoop(groupCtx) })
	group.Go(func() error { return s.utteranceLoop(groupCtx) })

	err := group.Wait()
	s.teardown("session finished")
	s.media.Wait()
	return err
}

// readLoop is the only reader of the connection. Malformed frames are
// dropped; a read error ends the session.
func (s *Session) readLoop(ctx context.Context, queue chan<- twilio.InboundEvent) error {
	defer s.teardown("media stream closed")

	for {
		raw, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case twilio.IsNormalClose(err):
				s.logger.Info(ctx, "media stream closed by peer")
			default:
				s.logger.Warn(ctx, "media stream read failed",
					observability.Field{Key: "error", Value: err.Error()},
				)
			}
			return nil
		}

		event, err := twilio.DecodeEvent(raw)
		if err != nil {
			s.logger.Warn(ctx, "dropping malformed event",
				observability.Field{Key: "error", Value: err.Error()},
			)
			s.countEventError("malformed")
			continue
		}

		select {
		case queue <- event:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Session) dispatchLoop(ctx context.Context, queue <-chan twilio.InboundEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-queue:
			s.dispatch(ctx, event)
		}
	}
}

// dispatch handles one event. A panic is contained to that event.
func (s *Session) dispatch(ctx context.Context, event twilio.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "recovered from panic while handling event", fmt.Errorf("panic: %v", r),
				observability.Field{Key: "event", Value: event.EventName()},
			)
			s.countEventError(event.EventName())
		}
	}()

	switch e := event.(type) {
	case twilio.ConnectedEvent:
		s.handleConnected(ctx, e)
	case twilio.StartEvent:
		s.handleStart(ctx, e)
	case twilio.MediaEvent:
		s.handleMedia(ctx, e)
	case twilio.MarkEvent:
		s.handleMark(ctx, e)
	case twilio.DTMFEvent:
		s.logger.Info(ctx, "received dtmf", observability.Field{Key: "digit", Value: e.Digit})
	case twilio.StopEvent:
		s.logger.Info(ctx, "received stop event")
		s.SetFinalStatus(StatusStopped)
		s.teardown("stop event")
	default:
		s.logger.Info(ctx, "ignoring unknown event", observability.Field{Key: "event", Value: event.EventName()})
	}
}

func (s *Session) handleConnected(ctx context.Context, e twilio.ConnectedEvent) {
	s.mu.Lock()
	state := s.state
	if state == StateIdle {
		s.state = StateConnecting
	}
	s.mu.Unlock()

	if state != StateIdle {
		s.logger.Warn(ctx, "ignoring connected event", observability.Field{Key: "state", Value: state.String()})
		return
	}
	s.logger.Info(ctx, "media stream connected", observability.Field{Key: "protocol", Value: e.Protocol})
	if err := s.transport.WriteControl(twilio.NewConnectedAck()); err != nil {
		s.logger.Error(ctx, "failed to acknowledge connected event", err)
	}
}

func (s *Session) handleStart(ctx context.Context, e twilio.StartEvent) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch state {
	case StateConnecting:
	case StateIdle:
		s.logger.Info(ctx, "start received before connected")
	default:
		s.logger.Warn(ctx, "ignoring start event", observability.Field{Key: "state", Value: state.String()})
		return
	}

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "stream_sid", Value: e.StreamSID},
		observability.Field{Key: "call_sid", Value: e.CallSID},
	)
	s.transport.Bind(s.ctx, e.StreamSID)

	var cc callcontext.CallContext
	if s.deps.Resolver != nil {
		cc = s.deps.Resolver.Resolve(ctx, e.CustomParameters[SessionTokenParameter], e.CallSID)
	} else {
		cc = callcontext.CallContext{
			SessionToken: e.CustomParameters[SessionTokenParameter],
			CallSID:      e.CallSID,
			Fallback:     true,
			CreatedAt:    time.Now(),
		}
	}

	firstName := e.FirstName()
	if firstName == "" {
		firstName = cc.FirstName
	}
	profile := s.resolveAgent(ctx, cc.AgentID).Personalize(firstName)

	p, ctrl := s.build(ctx, e.CallSID, profile)

	s.mu.Lock()
	if s.state >= StateDraining {
		s.mu.Unlock()
		return
	}
	s.callSID = e.CallSID
	s.streamSID = e.StreamSID
	s.firstName = firstName
	s.agent = profile
	s.callContext = cc
	s.startTime = time.Now()
	s.pipeline = p
	s.controller = ctrl
	s.state = StateActive
	// Registered in the same critical section teardown reads it in, so a
	// concurrent teardown either sees the registration or prevents it.
	s.registered = true
	if s.deps.Registry != nil {
		s.deps.Registry.Add(s)
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
	}
	s.mu.Unlock()

	s.logger.Info(ctx, "call started",
		observability.Field{Key: "agent_id", Value: profile.ID},
		observability.Field{Key: "fallback_context", Value: cc.Fallback},
	)

	s.group.Go(func() error { return p.Run(ctx) })
	s.group.Go(func() error { return s.conversationLoop(ctx, p) })
}

func (s *Session) resolveAgent(ctx context.Context, id string) agents.Profile {
	if id == "" {
		id = s.config.DefaultAgentID
	}
	profile, err := s.deps.Agents.Get(id)
	if err != nil {
		s.logger.Warn(ctx, "no agent profile for call",
			observability.Field{Key: "agent_id", Value: id},
		)
		return agents.Profile{ID: id}
	}
	return profile
}

func (s *Session) build(ctx context.Context, callSID string, profile agents.Profile) (*pipeline.Pipeline, *interruption.Controller) {
	var synth pipeline.Synthesizer
	if s.deps.Synthesizers != nil {
		synth = s.deps.Synthesizers(profile.VoiceModel)
	}
	if synth == nil {
		s.logger.Warn(ctx, "no synthesizer for agent voice, replies will be silent",
			observability.Field{Key: "voice", Value: profile.VoiceModel},
		)
		synth = silence{}
	}
	executor := actions.NewExecutor(s.deps.Telephony, s, callSID, s.config.Actions, s.logger)

	cfg := s.config.Pipeline
	cfg.SystemMessage = profile.SystemMessage
	cfg.InitialMessage = profile.InitialMessage
	cfg.Actions = actions.Manifest()

	p := pipeline.New(s.deps.Generator, synth, executor, s.transport, cfg, s.logger)
	ctrl := interruption.New(p, s.transport, p, s.bridge, s.logger, s.metrics)
	return p, ctrl
}

func (s *Session) handleMedia(ctx context.Context, e twilio.MediaEvent) {
	s.transport.MarkMediaReceived()
	if s.State() != StateActive {
		s.logger.Debug(ctx, "dropping media before start")
		return
	}

	payload, err := audio.DecodePayload(e.Payload)
	if errors.Is(err, audio.ErrEmptyPayload) {
		return
	}
	if err != nil {
		s.logger.Warn(ctx, "dropping undecodable media", observability.Field{Key: "error", Value: err.Error()})
		s.countEventError("media")
		return
	}

	s.media.Add(1)
	go func() {
		defer s.media.Done()
		if err := s.bridge.Send(ctx, payload); err != nil {
			s.logger.Debug(ctx, "audio not forwarded", observability.Field{Key: "error", Value: err.Error()})
		}
	}()
}

func (s *Session) handleMark(ctx context.Context, e twilio.MarkEvent) {
	if s.transport.Acknowledge(e.Name) {
		return
	}
	s.logger.Warn(ctx, "mark acknowledgment matched no chunk in flight",
		observability.Field{Key: "mark", Value: e.Name},
	)
	if s.metrics != nil {
		s.metrics.UnmatchedMarks.Inc()
	}
}

// conversationLoop greets the caller, then answers each transcription in
// turn.
func (s *Session) conversationLoop(ctx context.Context, p *pipeline.Pipeline) error {
	if err := p.Greet(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error(ctx, "failed to greet caller", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-s.bridge.Transcriptions():
			if err := p.HandleTranscription(ctx, text); err != nil && ctx.Err() == nil {
				s.logger.Error(ctx, "failed to answer transcription", err)
			}
		}
	}
}

func (s *Session) utteranceLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-s.bridge.Utterances():
			s.mu.Lock()
			ctrl := s.controller
			s.mu.Unlock()
			if ctrl == nil {
				continue
			}
			if ctrl.HandleUtterance(ctx, text) {
				s.mu.Lock()
				s.interruptions++
				s.mu.Unlock()
			}
		}
	}
}

func (s *Session) failureLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.bridge.Failures():
			s.logger.Warn(ctx, "transcription stream failed", observability.Field{Key: "error", Value: err.Error()})
			if s.reconnect(ctx) {
				return nil
			}
		}
	}
}

func (s *Session) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.checkHealth(ctx) {
				return nil
			}
		}
	}
}

// checkHealth runs one health check and reports whether the session is
// over.
func (s *Session) checkHealth(ctx context.Context) bool {
	if s.transport.HealthCheck() {
		s.mu.Lock()
		s.healthFailures = 0
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		s.healthFailures++
		failures := s.healthFailures
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.HealthCheckFailures.Inc()
		}
		s.logger.Warn(ctx, "health check failed",
			observability.Field{Key: "failures", Value: failures},
			observability.Field{Key: "max_failures", Value: s.config.MaxHealthFailures},
		)
		if failures >= s.config.MaxHealthFailures {
			s.teardown("health check failures exceeded")
			return true
		}
	}

	if !s.bridge.Connected() {
		return s.reconnect(ctx)
	}
	return false
}

// reconnect retries the transcription stream until it is back or attempts
// run out. It reports whether the session is over.
func (s *Session) reconnect(ctx context.Context) bool {
	for {
		err := s.bridge.Reconnect(ctx)
		switch {
		case err == nil:
			return false
		case errors.Is(err, transcription.ErrReconnectExhausted):
			s.teardown("transcription reconnect exhausted")
			return true
		case errors.Is(err, transcription.ErrBridgeClosed), ctx.Err() != nil:
			return true
		}
	}
}

// Record is the call as it stands, conversation included.
func (s *Session) Record() store.CallRecord {
	s.mu.Lock()
	record := store.CallRecord{
		ID:            s.id,
		SessionID:     s.id.String(),
		CallSID:       s.callSID,
		StreamSID:     s.streamSID,
		FirstName:     s.firstName,
		AgentID:       s.agent.ID,
		FinalStatus:   s.finalStatus,
		Interruptions: s.interruptions,
		StartedAt:     s.startTime,
		EndedAt:       s.endTime,
	}
	p := s.pipeline
	s.mu.Unlock()

	if p == nil {
		return record
	}
	for i, m := range p.History() {
		record.Turns = append(record.Turns, store.TurnRecord{
			CallID:   s.id,
			Position: i,
			Role:     string(m.Role),
			Name:     m.Name,
			Content:  m.Content,
			SpokenAt: m.At,
		})
	}
	return record
}

// teardown releases everything the session holds. Only the first call does
// any work.
func (s *Session) teardown(reason string) {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.state = StateDraining
		if s.finalStatus == StatusActive {
			s.finalStatus = StatusStopped
		}
		s.endTime = time.Now()
		if s.closeTimer != nil {
			s.closeTimer.Stop()
		}
		p := s.pipeline
		registered := s.registered
		status := s.finalStatus
		s.mu.Unlock()

		ctx := s.ctx
		s.logger.Info(ctx, "tearing down session",
			observability.Field{Key: "reason", Value: reason},
			observability.Field{Key: "final_status", Value: status},
		)

		s.cancel()
		if p != nil {
			p.StopSpeech()
		}
		s.transport.Deactivate()
		if err := s.bridge.Disconnect(); err != nil {
			s.logger.Warn(ctx, "transcription disconnect failed", observability.Field{Key: "error", Value: err.Error()})
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Debug(ctx, "media stream close failed", observability.Field{Key: "error", Value: err.Error()})
		}

		if registered {
			if s.deps.Registry != nil {
				s.deps.Registry.Remove(s.ID())
			}
			if s.metrics != nil {
				s.metrics.ActiveSessions.Dec()
				s.metrics.SessionsTotal.WithLabelValues(status).Inc()
			}
			s.archive()
		}

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Session) archive() {
	if s.deps.Archiver == nil {
		return
	}
	record := s.Record()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), archiveTimeout)
	defer cancel()
	if err := s.deps.Archiver.Submit(ctx, record); err != nil {
		s.logger.Error(ctx, "failed to queue call record", err)
	}
}

type silence struct{}

func (silence) Synthesize(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (s *Session) countEventError(event string) {
	if s.metrics != nil {
		s.metrics.EventErrors.WithLabelValues(event).Inc()
	}
}
