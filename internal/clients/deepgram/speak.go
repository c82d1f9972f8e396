package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"call-relay/internal/observability"
)

const (
	DefaultSpeakURL = "https://api.deepgram.com/v1/speak"
	DefaultVoice    = "aura-asteria-en"
	RequestTimeout  = 30 * time.Second
)

// Speaker synthesizes 8 kHz mu-law speech. It implements
// pipeline.Synthesizer.
type Speaker struct {
	apiKey     string
	voice      string
	url        string
	httpClient *http.Client
	logger     *observability.Logger
}

func NewSpeaker(apiKey, voice string, logger *observability.Logger) *Speaker {
	if voice == "" {
		voice = DefaultVoice
	}
	return &Speaker{
		apiKey:     apiKey,
		voice:      voice,
		url:        DefaultSpeakURL,
		httpClient: &http.Client{Timeout: RequestTimeout},
		logger:     logger,
	}
}

// WithURL overrides the speak endpoint.
func (s *Speaker) WithURL(u string) *Speaker {
	s.url = u
	return s
}

func (s *Speaker) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	params := url.Values{}
	params.Set("model", s.voice)
	params.Set("encoding", "mulaw")
	params.Set("sample_rate", "8000")
	params.Set("container", "none")

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal speak request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"?"+params.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create speak request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error(ctx, "Deepgram speak request failed", err)
		return nil, fmt.Errorf("deepgram speak request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("deepgram speak error: status %d: %s", resp.StatusCode, string(respBody))
	}
	return resp.Body, nil
}
