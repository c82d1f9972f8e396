package openai

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"call-relay/internal/observability"
	"call-relay/internal/voice/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(delta string, finish string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini",`+
		`"choices":[{"index":0,"delta":%s,"finish_reason":%s}]}`, delta, finish)
}

func sseServer(t *testing.T, gotBody *map[string]interface{}, events ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		if gotBody != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(gotBody))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", e)
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(Config{APIKey: "test", BaseURL: url}, observability.NewNopLogger())
	require.NoError(t, err)
	return c
}

func TestGenerateStreamsText(t *testing.T) {
	var body map[string]interface{}
	srv := sseServer(t, &body,
		chunk(`{"role":"assistant","content":"Hello "}`, "null"),
		chunk(`{"content":"there."}`, "null"),
		chunk(`{}`, `"stop"`),
	)
	c := newTestClient(t, srv.URL)

	var text string
	err := c.Generate(context.Background(), pipeline.Request{
		SystemMessage: "Be brief.",
		History: []pipeline.Message{
			{Role: pipeline.RoleUser, Content: "Hello"},
			{Role: pipeline.RoleAssistant, Content: "Hi."},
			{Role: pipeline.RoleFunction, Name: "transfer_call", Content: "Call transferred."},
		},
	}, func(d pipeline.Delta) error {
		require.Nil(t, d.Action)
		text += d.Text
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there.", text)

	assert.Equal(t, DefaultModel, body["model"])
	msgs := body["messages"].([]interface{})
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].(map[string]interface{})["role"])
	assert.Equal(t, "assistant", msgs[2].(map[string]interface{})["role"])
	fn := msgs[3].(map[string]interface{})
	assert.Equal(t, "function", fn["role"])
	assert.Equal(t, "transfer_call", fn["name"])
}

func TestGenerateJoinsToolCallFragments(t *testing.T) {
	var body map[string]interface{}
	srv := sseServer(t, &body,
		chunk(`{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"end_","arguments":""}}]}`, "null"),
		chunk(`{"tool_calls":[{"index":0,"function":{"name":"call","arguments":"{}"}}]}`, "null"),
		chunk(`{}`, `"tool_calls"`),
	)
	c := newTestClient(t, srv.URL)

	var actions []pipeline.ActionCall
	err := c.Generate(context.Background(), pipeline.Request{
		History: []pipeline.Message{{Role: pipeline.RoleUser, Content: "bye"}},
		Actions: []pipeline.Action{{Name: "end_call", Description: "Ends the call.",
			Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}}},
	}, func(d pipeline.Delta) error {
		if d.Action != nil {
			actions = append(actions, *d.Action)
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "end_call", actions[0].Name)

	tools := body["tools"].([]interface{})
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]interface{})["function"].(map[string]interface{})
	assert.Equal(t, "end_call", fn["name"])
}

func TestGenerateStopsWhenEmitFails(t *testing.T) {
	srv := sseServer(t, nil, chunk(`{"content":"one."}`, "null"), chunk(`{"content":"two."}`, "null"))
	c := newTestClient(t, srv.URL)

	stop := fmt.Errorf("stopped")
	calls := 0
	err := c.Generate(context.Background(), pipeline.Request{}, func(pipeline.Delta) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestSynthesizeConvertsToMuLaw(t *testing.T) {
	// 30 samples of 24 kHz PCM become 10 mu-law bytes
	pcm := make([]byte, 60)
	for i := 0; i < 30; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i*100)))
	}
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/speech", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write(pcm)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	rc, err := c.Synthesize(context.Background(), "Hello.")
	require.NoError(t, err)
	defer rc.Close()
	out, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Len(t, out, 10)
	assert.Equal(t, "pcm", body["response_format"])
	assert.Equal(t, DefaultVoice, body["voice"])
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(Config{}, observability.NewNopLogger())
	assert.Error(t, err)
}
