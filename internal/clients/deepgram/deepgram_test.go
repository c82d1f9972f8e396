package deepgram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"call-relay/internal/observability"
	"call-relay/internal/voicecall/transcription"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func liveServer(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextResult(t *testing.T, results <-chan transcription.Result) transcription.Result {
	t.Helper()
	select {
	case r, ok := <-results:
		require.True(t, ok, "results closed")
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return transcription.Result{}
	}
}

func TestLiveStream(t *testing.T) {
	received := make(chan string, 4)
	url := liveServer(t, func(conn *websocket.Conn, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "Token secret", r.Header.Get("Authorization"))
		assert.Equal(t, "mulaw", q.Get("encoding"))
		assert.Equal(t, "8000", q.Get("sample_rate"))
		assert.Equal(t, "true", q.Get("interim_results"))
		assert.Equal(t, "200", q.Get("endpointing"))
		assert.Equal(t, "1000", q.Get("utterance_end_ms"))

		mt, data, err := conn.ReadMessage()
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, websocket.BinaryMessage, mt)
		received <- string(data)

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata","request_id":"r1"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(
			`{"type":"Results","channel":{"alternatives":[{"transcript":"hello there"}]},"is_final":true,"speech_final":true}`))

		_, data, err = conn.ReadMessage()
		if !assert.NoError(t, err) {
			return
		}
		received <- string(data)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"UtteranceEnd","last_word_end":1.2}`))

		_, data, err = conn.ReadMessage()
		if err == nil {
			received <- string(data)
		}
	})

	cfg := DefaultLiveConfig("secret")
	cfg.URL = url
	stream, err := NewRecognizer(cfg, observability.NewNopLogger()).Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, stream.SendAudio(context.Background(), []byte{0xFF, 0x7F}))
	assert.Equal(t, "\xff\x7f", <-received)

	r := nextResult(t, stream.Results())
	assert.Equal(t, transcription.ResultTranscript, r.Kind)
	assert.Equal(t, "hello there", r.Text)
	assert.True(t, r.IsFinal)
	assert.True(t, r.SpeechFinal)

	require.NoError(t, stream.KeepAlive(context.Background()))
	var keepAlive map[string]string
	require.NoError(t, json.Unmarshal([]byte(<-received), &keepAlive))
	assert.Equal(t, "KeepAlive", keepAlive["type"])

	assert.Equal(t, transcription.ResultUtteranceEnd, nextResult(t, stream.Results()).Kind)

	require.NoError(t, stream.Close())
	select {
	case msg := <-received:
		assert.JSONEq(t, `{"type":"CloseStream"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("CloseStream not sent")
	}
	assert.NoError(t, stream.Err())
	assert.NoError(t, stream.Close(), "close is idempotent")
}

func TestLiveStreamReportsProviderDrop(t *testing.T) {
	url := liveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Drop the connection without a close frame
		_ = conn.UnderlyingConn().Close()
	})

	cfg := DefaultLiveConfig("secret")
	cfg.URL = url
	stream, err := NewRecognizer(cfg, observability.NewNopLogger()).Connect(context.Background())
	require.NoError(t, err)

	select {
	case _, ok := <-stream.Results():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("results not closed")
	}
	assert.Error(t, stream.Err())
}

func TestConnectFailure(t *testing.T) {
	cfg := DefaultLiveConfig("secret")
	cfg.URL = "ws://127.0.0.1:1/v1/listen"
	_, err := NewRecognizer(cfg, observability.NewNopLogger()).Connect(context.Background())
	assert.Error(t, err)
}

func TestSpeak(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token secret", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "aura-2-thalia-en", q.Get("model"))
		assert.Equal(t, "mulaw", q.Get("encoding"))
		assert.Equal(t, "none", q.Get("container"))

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["text"] == "fail" {
			http.Error(w, "bad voice", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte{0x01, 0x02, 0x03})
	}))
	defer srv.Close()

	s := NewSpeaker("secret", "aura-2-thalia-en", observability.NewNopLogger()).WithURL(srv.URL)

	rc, err := s.Synthesize(context.Background(), "Hello.")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, data)

	_, err = s.Synthesize(context.Background(), "fail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestSpeakDoesNotHang(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s := NewSpeaker("secret", "", observability.NewNopLogger()).WithURL(srv.URL)
	assert.Equal(t, RequestTimeout, s.httpClient.Timeout)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Synthesize(ctx, "Hello.")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
