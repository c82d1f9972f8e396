// Package twilio performs call control through the Twilio REST API.
package twilio

import (
	"context"
	"fmt"

	"call-relay/internal/observability"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

const statusCompleted = "completed"

// callUpdater is the slice of the REST API the client uses.
type callUpdater interface {
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
}

// Client implements actions.Telephony.
type Client struct {
	calls  callUpdater
	logger *observability.Logger
}

func NewClient(accountSID, authToken string, logger *observability.Logger) (*Client, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("twilio account sid and auth token are required")
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Client{calls: rest.Api, logger: logger}, nil
}

// Hangup completes the call.
func (c *Client) Hangup(ctx context.Context, callSID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus(statusCompleted)

	if _, err := c.calls.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("failed to hang up call: %w", err)
	}
	c.logger.Info(ctx, "call completed through REST API")
	return nil
}

// Transfer redirects the call to number with a <Dial>.
func (c *Client) Transfer(ctx context.Context, callSID, number string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := TransferTwiML(number)
	if err != nil {
		return err
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(doc)

	if _, err := c.calls.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("failed to transfer call: %w", err)
	}
	c.logger.Info(ctx, "call redirected to transfer number")
	return nil
}

func TransferTwiML(number string) (string, error) {
	doc, err := twiml.Voice([]twiml.Element{&twiml.VoiceDial{Number: number}})
	if err != nil {
		return "", fmt.Errorf("failed to build transfer TwiML: %w", err)
	}
	return doc, nil
}
