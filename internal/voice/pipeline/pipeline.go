// Package pipeline turns caller transcriptions into paced speech: it runs the
// text generator, splits its output into sentences, synthesizes each one and
// hands the frames to the outbound transport.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"call-relay/internal/observability"
	"call-relay/internal/voice/pacer"
	"call-relay/internal/voicecall/stream"
)

const (
	DefaultSystemMessage = "You are a helpful voice assistant."
	MissingSystemMessage = "Error: No system message defined"
	FallbackReply        = "Sorry, I encountered an issue. Please try again."
	openingUserMessage   = "Hello"
)

var errStaleTurn = errors.New("turn interrupted")

// Deliverer receives synthesized frames in order.
type Deliverer interface {
	Deliver(f stream.Fragment) error
}

type Config struct {
	SystemMessage  string
	InitialMessage string
	Actions        []Action
	QueueSize      int
	Pacer          pacer.Config
}

type Stats struct {
	Turns           int
	SentencesSpoken int
	FramesDelivered int
	StartTime       time.Time
}

func DefaultConfig() Config {
	return Config{
		QueueSize: 64,
		Pacer:     pacer.DefaultConfig(),
	}
}

type utterance struct {
	text    string
	indexed bool
	part    int
	turnID  int64
}

// Pipeline is the generation and speech side of one call. Generation runs on
// the caller's goroutine; speech runs in Run.
type Pipeline struct {
	generator Generator
	synth     Synthesizer
	executor  ActionExecutor
	out       Deliverer
	pacer     *pacer.Pacer
	logger    *observability.Logger
	config    Config
	actions   map[string]Action

	speech chan utterance

	mu           sync.Mutex
	history      []Message
	partIndex    int
	frameIndex   int
	turnID       int64
	staleTurn    int64
	activeTurn   int64
	cancelTurn   context.CancelFunc
	// cancelSpeech aborts the sentence being synthesized or paced.
	cancelSpeech context.CancelFunc
	stats        Stats
}

func New(generator Generator, synth Synthesizer, executor ActionExecutor, out Deliverer, config Config, logger *observability.Logger) *Pipeline {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	actions := make(map[string]Action, len(config.Actions))
	for _, a := range config.Actions {
		actions[a.Name] = a
	}
	return &Pipeline{
		generator: generator,
		synth:     synth,
		executor:  executor,
		out:       out,
		pacer:     pacer.New(config.Pacer, logger),
		logger:    logger,
		config:    config,
		actions:   actions,
		speech:    make(chan utterance, config.QueueSize),
		turnID:    1,
		stats:     Stats{StartTime: time.Now()},
	}
}

// Run speaks queued sentences one at a time until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.pacer.Stop()
			return nil
		case u := <-p.speech:
			p.speak(ctx, u)
		}
	}
}

// Greet opens the conversation: the configured initial message is spoken
// as-is, otherwise the generator answers an opening "Hello".
func (p *Pipeline) Greet(ctx context.Context) error {
	if initial := strings.TrimSpace(p.config.InitialMessage); initial != "" {
		p.mu.Lock()
		now := time.Now()
		p.history = append(p.history,
			Message{Role: RoleUser, Content: openingUserMessage, At: now},
			Message{Role: RoleAssistant, Content: initial, At: now},
		)
		p.mu.Unlock()
		return p.Speak(ctx, initial)
	}
	if strings.TrimSpace(p.config.SystemMessage) == "" {
		p.logger.Warn(ctx, "agent has no system message")
		return p.Speak(ctx, MissingSystemMessage)
	}
	return p.HandleTranscription(ctx, openingUserMessage)
}

// Speak queues text outside sentence ordering.
func (p *Pipeline) Speak(ctx context.Context, text string) error {
	p.mu.Lock()
	turn := p.turnID
	p.mu.Unlock()
	return p.enqueue(ctx, utterance{text: text, turnID: turn})
}

// HandleTranscription starts a new turn for the caller's text and blocks
// until generation finishes or the turn is interrupted.
func (p *Pipeline) HandleTranscription(ctx context.Context, text string) error {
	p.mu.Lock()
	p.turnID++
	turn := p.turnID
	turnCtx, cancel := context.WithCancel(ctx)
	p.activeTurn = turn
	p.cancelTurn = cancel
	p.stats.Turns++
	p.mu.Unlock()
	defer p.finishTurn(turn, cancel)

	turnCtx = observability.WithFields(turnCtx, observability.Field{Key: "turn_id", Value: turn})
	p.logger.Info(turnCtx, "starting turn", observability.Field{Key: "text", Value: text})

	err := p.complete(turnCtx, turn, Message{Role: RoleUser, Content: text})
	if err == nil || turnCtx.Err() != nil {
		return nil
	}
	p.logger.Error(turnCtx, "generation failed", err)
	p.appendHistory(Message{Role: RoleAssistant, Content: FallbackReply})
	if speakErr := p.enqueue(turnCtx, utterance{text: FallbackReply, turnID: turn}); speakErr != nil {
		return speakErr
	}
	return err
}

func (p *Pipeline) finishTurn(turn int64, cancel context.CancelFunc) {
	cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeTurn == turn {
		p.cancelTurn = nil
	}
}

// StopSpeech cancels the running generation and any audio still being paced.
// It reports whether anything was stopped.
func (p *Pipeline) StopSpeech() bool {
	p.mu.Lock()
	p.staleTurn = p.turnID
	cancel := p.cancelTurn
	p.cancelTurn = nil
	cancelSpeech := p.cancelSpeech
	p.cancelSpeech = nil
	p.mu.Unlock()

	stopped := cancel != nil || cancelSpeech != nil
	if cancel != nil {
		cancel()
	}
	if cancelSpeech != nil {
		cancelSpeech()
	}
	if p.pacer.Stop() {
		stopped = true
	}
	return stopped
}

// ResetTurn rewinds sentence and frame indexes and opens a fresh turn.
func (p *Pipeline) ResetTurn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.staleTurn < p.turnID {
		p.staleTurn = p.turnID
	}
	p.turnID++
	p.partIndex = 0
	p.frameIndex = 0
}

// History returns a copy of the conversation so far.
func (p *Pipeline) History() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.history))
	copy(out, p.history)
	return out
}

func (p *Pipeline) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Pipeline) complete(ctx context.Context, turn int64, msg Message) error {
	p.appendHistory(msg)

	var (
		reply     strings.Builder
		sentences sentenceBuffer
		calls     []ActionCall
	)
	err := p.generator.Generate(ctx, p.request(), func(d Delta) error {
		if d.Action != nil {
			calls = append(calls, *d.Action)
			return nil
		}
		reply.WriteString(d.Text)
		for _, s := range sentences.push(d.Text) {
			if err := p.enqueueSentence(ctx, turn, s); err != nil {
				return err
			}
		}
		return nil
	})
	if rest := sentences.flush(); rest != "" && err == nil {
		err = p.enqueueSentence(ctx, turn, rest)
	}
	if err != nil {
		return fmt.Errorf("failed to generate reply: %w", err)
	}
	if text := strings.TrimSpace(reply.String()); text != "" {
		p.appendHistory(Message{Role: RoleAssistant, Content: text})
	}

	for _, call := range calls {
		if err := p.runAction(ctx, turn, call); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runAction(ctx context.Context, turn int64, call ActionCall) error {
	action, ok := p.actions[call.Name]
	if !ok {
		p.logger.Warn(ctx, "generator requested unknown action",
			observability.Field{Key: "action", Value: call.Name},
		)
		return nil
	}
	p.logger.Info(ctx, "running action",
		observability.Field{Key: "action", Value: call.Name},
		observability.Field{Key: "arguments", Value: call.Arguments},
	)

	if action.Say != "" {
		if err := p.enqueue(ctx, utterance{text: action.Say, turnID: turn}); err != nil {
			return err
		}
		p.appendHistory(Message{Role: RoleAssistant, Content: action.Say})
	}

	result, err := p.executor.Execute(ctx, call)
	if err != nil {
		p.logger.Error(ctx, "action failed", err, observability.Field{Key: "action", Value: call.Name})
		result = fmt.Sprintf(`{"status":"error","message":%q}`, err.Error())
	}
	if action.EndsCall {
		return nil
	}
	return p.complete(ctx, turn, Message{Role: RoleFunction, Name: call.Name, Content: result})
}

func (p *Pipeline) request() Request {
	system := p.config.SystemMessage
	if strings.TrimSpace(system) == "" {
		system = DefaultSystemMessage
	}
	return Request{
		SystemMessage: system,
		History:       p.History(),
		Actions:       p.config.Actions,
	}
}

func (p *Pipeline) appendHistory(m Message) {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, m)
}

func (p *Pipeline) enqueueSentence(ctx context.Context, turn int64, text string) error {
	p.mu.Lock()
	part := p.partIndex
	p.partIndex++
	p.mu.Unlock()
	return p.enqueue(ctx, utterance{text: text, indexed: true, part: part, turnID: turn})
}

func (p *Pipeline) enqueue(ctx context.Context, u utterance) error {
	select {
	case p.speech <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) speak(ctx context.Context, u utterance) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "turn_id", Value: u.turnID})
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if u.turnID <= p.staleTurn {
		p.mu.Unlock()
		p.logger.Debug(ctx, "skipping speech from interrupted turn")
		return
	}
	p.cancelSpeech = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.cancelSpeech = nil
		p.mu.Unlock()
	}()

	body, err := p.synth.Synthesize(ctx, u.text)
	if err != nil {
		if ctx.Err() != nil {
			p.logger.Debug(ctx, "speech synthesis cancelled")
			return
		}
		p.logger.Error(ctx, "speech synthesis failed", err)
		return
	}
	defer body.Close()

	label := "say"
	if u.indexed {
		label = fmt.Sprintf("part-%d", u.part)
	}
	err = p.pacer.Generate(ctx, body, func(frame []byte) error {
		return p.deliver(u, label, frame)
	})
	switch {
	case err == nil:
		p.mu.Lock()
		p.stats.SentencesSpoken++
		p.mu.Unlock()
	case errors.Is(err, pacer.ErrGenerationStopped), errors.Is(err, errStaleTurn), ctx.Err() != nil:
		p.logger.Debug(ctx, "speech cut short", observability.Field{Key: "label", Value: label})
	default:
		p.logger.Error(ctx, "failed to deliver speech", err, observability.Field{Key: "label", Value: label})
	}
}

// deliver assigns the frame its index and hands it over while holding the
// lock, so no frame of a turn lands after StopSpeech marked it stale.
func (p *Pipeline) deliver(u utterance, label string, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if u.turnID <= p.staleTurn {
		return errStaleTurn
	}
	f := stream.Fragment{Payload: frame, Label: label, TurnID: u.turnID}
	if u.indexed {
		index := p.frameIndex
		p.frameIndex++
		f.Index = &index
	}
	if err := p.out.Deliver(f); err != nil {
		return err
	}
	p.stats.FramesDelivered++
	return nil
}
