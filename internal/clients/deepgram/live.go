// Package deepgram streams call audio to Deepgram for live recognition and
// synthesizes speech with the speak API.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"call-relay/internal/observability"
	"call-relay/internal/voicecall/transcription"

	"github.com/gorilla/websocket"
)

const (
	DefaultLiveURL = "wss://api.deepgram.com/v1/listen"
	DefaultModel   = "nova-2"
)

type LiveConfig struct {
	APIKey         string
	Model          string
	Language       string
	Endpointing    int
	UtteranceEndMs int
	// URL overrides the listen endpoint, used in tests.
	URL string
}

func DefaultLiveConfig(apiKey string) LiveConfig {
	return LiveConfig{
		APIKey:         apiKey,
		Model:          DefaultModel,
		Language:       "en-US",
		Endpointing:    200,
		UtteranceEndMs: 1000,
		URL:            DefaultLiveURL,
	}
}

// Recognizer opens live transcription sockets. It implements
// transcription.Recognizer.
type Recognizer struct {
	config LiveConfig
	dialer *websocket.Dialer
	logger *observability.Logger
}

func NewRecognizer(config LiveConfig, logger *observability.Logger) *Recognizer {
	defaults := DefaultLiveConfig(config.APIKey)
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.Language == "" {
		config.Language = defaults.Language
	}
	if config.Endpointing <= 0 {
		config.Endpointing = defaults.Endpointing
	}
	if config.UtteranceEndMs <= 0 {
		config.UtteranceEndMs = defaults.UtteranceEndMs
	}
	if config.URL == "" {
		config.URL = defaults.URL
	}
	return &Recognizer{config: config, dialer: websocket.DefaultDialer, logger: logger}
}

func (r *Recognizer) listenURL() string {
	params := url.Values{}
	params.Set("model", r.config.Model)
	params.Set("language", r.config.Language)
	params.Set("encoding", "mulaw")
	params.Set("sample_rate", "8000")
	params.Set("channels", "1")
	params.Set("punctuate", "true")
	params.Set("interim_results", "true")
	params.Set("endpointing", strconv.Itoa(r.config.Endpointing))
	params.Set("utterance_end_ms", strconv.Itoa(r.config.UtteranceEndMs))
	return r.config.URL + "?" + params.Encode()
}

// Connect dials the listen endpoint and starts reading results.
func (r *Recognizer) Connect(ctx context.Context) (transcription.RecognizerStream, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.config.APIKey)

	conn, _, err := r.dialer.DialContext(ctx, r.listenURL(), headers)
	if err != nil {
		r.logger.Error(ctx, "Failed to connect to Deepgram live endpoint", err)
		return nil, fmt.Errorf("failed to connect to deepgram: %w", err)
	}

	s := &liveStream{
		conn:    conn,
		logger:  r.logger,
		results: make(chan transcription.Result, 64),
		done:    make(chan struct{}),
	}
	go s.readLoop(ctx)
	return s, nil
}

// liveMessage covers the Results and UtteranceEnd messages. Other message
// types are ignored.
type liveMessage struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

type liveStream struct {
	conn    *websocket.Conn
	logger  *observability.Logger
	writeMu sync.Mutex

	results   chan transcription.Result
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	err     error
	closing bool
}

func (s *liveStream) readLoop(ctx context.Context) {
	defer close(s.results)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if !s.closing && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.err = fmt.Errorf("deepgram read failed: %w", err)
			}
			s.mu.Unlock()
			return
		}

		var msg liveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn(ctx, "Dropping malformed Deepgram message",
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}

		var result transcription.Result
		switch msg.Type {
		case "Results":
			result.Kind = transcription.ResultTranscript
			if len(msg.Channel.Alternatives) > 0 {
				result.Text = msg.Channel.Alternatives[0].Transcript
			}
			result.IsFinal = msg.IsFinal
			result.SpeechFinal = msg.SpeechFinal
		case "UtteranceEnd":
			result.Kind = transcription.ResultUtteranceEnd
		default:
			continue
		}

		select {
		case s.results <- result:
		case <-s.done:
			return
		}
	}
}

func (s *liveStream) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

func (s *liveStream) SendAudio(_ context.Context, audio []byte) error {
	if err := s.write(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to send audio to deepgram: %w", err)
	}
	return nil
}

func (s *liveStream) KeepAlive(context.Context) error {
	if err := s.write(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
		return fmt.Errorf("failed to send deepgram keep-alive: %w", err)
	}
	return nil
}

func (s *liveStream) Results() <-chan transcription.Result {
	return s.results
}

func (s *liveStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close asks Deepgram to flush and closes the socket.
func (s *liveStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		close(s.done)

		_ = s.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		err = s.conn.Close()
	})
	return err
}
