// Package actions implements the call-control tools the text generator can
// invoke: hanging up and transferring to a person.
package actions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"call-relay/internal/observability"
	"call-relay/internal/voice/pipeline"
)

const (
	EndCall      = "end_call"
	TransferCall = "transfer_call"

	StatusEnded         = "ended"
	StatusEndedFallback = "ended_fallback"
)

// Telephony performs call control on the carrier side.
type Telephony interface {
	Hangup(ctx context.Context, callSID string) error
	Transfer(ctx context.Context, callSID, number string) error
}

// Session is the slice of the call session the actions update.
type Session interface {
	SetFinalStatus(status string)
	CloseAfter(d time.Duration)
}

type Config struct {
	TransferNumber string
	HangupAttempts int
	RetryDelay     time.Duration
	// GracePeriod lets the goodbye play out before a fallback close.
	GracePeriod time.Duration
	// TransferDelay lets the transfer notice play before the call moves.
	TransferDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		HangupAttempts: 3,
		RetryDelay:     time.Second,
		GracePeriod:    3 * time.Second,
		TransferDelay:  2 * time.Second,
	}
}

// Manifest describes the actions to the generator.
func Manifest() []pipeline.Action {
	noParams := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
	return []pipeline.Action{
		{
			Name: TransferCall,
			Description: "Transfer the call to a human when necessary either when the user insists, or when the assistant " +
				"detects that the situation requires human support (e.g. complex, emotional, or repeated queries).",
			Say:        "Transferring your call, please wait.",
			Parameters: noParams,
		},
		{
			Name: EndCall,
			Description: "Ends the current call when the user is busy, uninterested, or wants to stop the conversation. " +
				"The bot should handle it politely and end the call naturally without requiring the user to explicitly say 'bye'.",
			Say:        "Goodbye.",
			Parameters: noParams,
			EndsCall:   true,
		},
	}
}

// Executor runs actions for one call.
type Executor struct {
	telephony Telephony
	session   Session
	callSID   string
	config    Config
	logger    *observability.Logger

	mu        sync.Mutex
	ended     bool
	hangingUp bool
}

func NewExecutor(telephony Telephony, session Session, callSID string, config Config, logger *observability.Logger) *Executor {
	defaults := DefaultConfig()
	if config.HangupAttempts <= 0 {
		config.HangupAttempts = defaults.HangupAttempts
	}
	return &Executor{
		telephony: telephony,
		session:   session,
		callSID:   callSID,
		config:    config,
		logger:    logger,
	}
}

// Execute implements pipeline.ActionExecutor. Failures the caller can recover
// from are reported in the result text rather than as errors.
func (e *Executor) Execute(ctx context.Context, call pipeline.ActionCall) (string, error) {
	switch call.Name {
	case EndCall:
		return e.endCall(ctx), nil
	case TransferCall:
		return e.transferCall(ctx), nil
	default:
		return "", fmt.Errorf("unknown action %q", call.Name)
	}
}

func (e *Executor) endCall(ctx context.Context) string {
	e.mu.Lock()
	if e.ended || e.hangingUp {
		e.mu.Unlock()
		e.logger.Info(ctx, "call already ending, skipping hangup")
		return "Call already ended."
	}
	e.hangingUp = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.hangingUp = false
		e.ended = true
		e.mu.Unlock()
	}()

	if e.telephony != nil && e.callSID != "" {
		for attempt := 1; attempt <= e.config.HangupAttempts; attempt++ {
			err := e.telephony.Hangup(ctx, e.callSID)
			if err == nil {
				e.logger.Info(ctx, "call hung up", observability.Field{Key: "attempt", Value: attempt})
				e.session.SetFinalStatus(StatusEnded)
				return "Call ended."
			}
			e.logger.Warn(ctx, "hangup attempt failed",
				observability.Field{Key: "attempt", Value: attempt},
				observability.Field{Key: "error", Value: err.Error()},
			)
			if attempt < e.config.HangupAttempts && !sleep(ctx, e.config.RetryDelay) {
				break
			}
		}
	}

	e.logger.Info(ctx, "closing media stream to end call",
		observability.Field{Key: "grace_period_ms", Value: e.config.GracePeriod.Milliseconds()},
	)
	e.session.SetFinalStatus(StatusEndedFallback)
	e.session.CloseAfter(e.config.GracePeriod)
	return "Call ended."
}

func (e *Executor) transferCall(ctx context.Context) string {
	if e.config.TransferNumber == "" || e.telephony == nil {
		e.logger.Warn(ctx, "transfer requested without a transfer number or telephony client")
		return "Error transferring call: Missing configuration"
	}
	if e.callSID == "" {
		return "Error transferring call: Missing call id"
	}
	if !sleep(ctx, e.config.TransferDelay) {
		return "Error transferring call: cancelled"
	}

	if err := e.telephony.Transfer(ctx, e.callSID, e.config.TransferNumber); err != nil {
		e.logger.Error(ctx, "failed to transfer call", err)
		return fmt.Sprintf("Error transferring call: %s", err)
	}
	e.logger.Info(ctx, "call transferred", observability.Field{Key: "to", Value: e.config.TransferNumber})
	return "Call transferred."
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
