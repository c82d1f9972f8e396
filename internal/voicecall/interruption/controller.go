// Package interruption implements barge-in: silencing synthesized speech
// when the caller starts talking over it.
package interruption

import (
	"context"
	"strings"

	"call-relay/internal/observability"
)

// Speech stops the active synthesis.
type Speech interface {
	StopSpeech() bool
}

// Transport is the slice of the outbound stream the controller drives.
type Transport interface {
	InFlight() int
	SendClear() error
	Reset()
	ClearMarks()
}

// Turns resets generation-side bookkeeping.
type Turns interface {
	ResetTurn()
}

// Transcript discards partially accumulated recognizer text.
type Transcript interface {
	ResetTranscript()
}

type Controller struct {
	speech     Speech
	transport  Transport
	turns      Turns
	transcript Transcript
	logger     *observability.Logger
	metrics    *observability.Metrics
}

func New(speech Speech, transport Transport, turns Turns, transcript Transcript, logger *observability.Logger, metrics *observability.Metrics) *Controller {
	return &Controller{
		speech:     speech,
		transport:  transport,
		turns:      turns,
		transcript: transcript,
		logger:     logger,
		metrics:    metrics,
	}
}

// HandleUtterance inspects one interim utterance and interrupts playback if
// audio is still in flight. It reports whether an interruption happened.
func (c *Controller) HandleUtterance(ctx context.Context, text string) bool {
	inFlight := c.transport.InFlight()
	if inFlight == 0 || strings.TrimSpace(text) == "" {
		c.logger.Debug(ctx, "no interruption",
			observability.Field{Key: "in_flight", Value: inFlight},
		)
		return false
	}

	c.logger.Info(ctx, "interruption detected",
		observability.Field{Key: "in_flight", Value: inFlight},
	)

	if c.speech.StopSpeech() {
		c.logger.Info(ctx, "stopped ongoing speech")
	}
	if err := c.transport.SendClear(); err != nil {
		c.logger.Error(ctx, "failed to send clear on interruption", err)
	}
	c.transport.Reset()
	c.transport.ClearMarks()
	c.turns.ResetTurn()
	if c.transcript != nil {
		c.transcript.ResetTranscript()
	}

	if c.metrics != nil {
		c.metrics.Interruptions.Inc()
	}
	return true
}
