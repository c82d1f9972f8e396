package twilio

import (
	"context"
	"errors"
	"testing"

	"call-relay/internal/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCalls struct {
	sid    string
	params *twilioApi.UpdateCallParams
	err    error
}

func (f *fakeCalls) UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error) {
	f.sid = sid
	f.params = params
	return &twilioApi.ApiV2010Call{}, f.err
}

func TestHangup(t *testing.T) {
	calls := &fakeCalls{}
	c := &Client{calls: calls, logger: observability.NewNopLogger()}

	require.NoError(t, c.Hangup(context.Background(), "CA1"))
	assert.Equal(t, "CA1", calls.sid)
	require.NotNil(t, calls.params.Status)
	assert.Equal(t, "completed", *calls.params.Status)
	assert.Nil(t, calls.params.Twiml)
}

func TestTransfer(t *testing.T) {
	calls := &fakeCalls{}
	c := &Client{calls: calls, logger: observability.NewNopLogger()}

	require.NoError(t, c.Transfer(context.Background(), "CA1", "+15550100"))
	require.NotNil(t, calls.params.Twiml)
	assert.Contains(t, *calls.params.Twiml, "<Dial>+15550100</Dial>")
	assert.Nil(t, calls.params.Status)
}

func TestErrors(t *testing.T) {
	calls := &fakeCalls{err: errors.New("HTTP 404")}
	c := &Client{calls: calls, logger: observability.NewNopLogger()}

	assert.ErrorContains(t, c.Hangup(context.Background(), "CA1"), "HTTP 404")
	assert.ErrorContains(t, c.Transfer(context.Background(), "CA1", "+1"), "HTTP 404")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls.sid = ""
	assert.ErrorIs(t, c.Hangup(ctx, "CA2"), context.Canceled)
	assert.Empty(t, calls.sid, "no request after cancellation")

	_, err := NewClient("", "", observability.NewNopLogger())
	assert.Error(t, err)
}
