// Package elevenlabs synthesizes call audio with the ElevenLabs streaming
// text-to-speech API.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"call-relay/internal/observability"
)

const (
	DefaultBaseURL = "https://api.elevenlabs.io"
	DefaultModel   = "eleven_turbo_v2_5"
	RequestTimeout = 30 * time.Second
	// Telephony-ready 8 kHz mu-law, no conversion needed.
	outputFormat = "ulaw_8000"
)

type Client struct {
	apiKey     string
	voiceID    string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *observability.Logger
}

func NewClient(apiKey, voiceID string, logger *observability.Logger) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("ElevenLabs API key is required")
	}
	if strings.TrimSpace(voiceID) == "" {
		return nil, fmt.Errorf("ElevenLabs voice id is required")
	}
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		voiceID:    strings.TrimSpace(voiceID),
		model:      DefaultModel,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: RequestTimeout},
		logger:     logger,
	}, nil
}

// WithBaseURL overrides the API endpoint.
func (c *Client) WithBaseURL(base string) *Client {
	c.baseURL = strings.TrimRight(base, "/")
	return c
}

// Synthesize implements pipeline.Synthesizer. The body streams as it is
// generated.
func (c *Client) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?%s",
		c.baseURL, url.PathEscape(c.voiceID), url.Values{"output_format": {outputFormat}}.Encode())

	body, err := json.Marshal(map[string]string{
		"text":     text,
		"model_id": c.model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TTS request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create TTS request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/basic")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error(ctx, "ElevenLabs TTS request failed", err)
		return nil, fmt.Errorf("ElevenLabs TTS request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("ElevenLabs TTS error: status %d: %s", resp.StatusCode, string(respBody))
	}
	return resp.Body, nil
}
