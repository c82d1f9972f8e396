package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"call-relay/internal/observability"
	"call-relay/internal/voice/audio"
	"call-relay/internal/voice/pipeline"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

const (
	DefaultModel    = "gpt-4o-mini"
	DefaultTTSModel = "tts-1"
	DefaultVoice    = "alloy"

	// Speech is returned as 24 kHz PCM and decimated to 8 kHz.
	speechDownsampleFactor = 3
)

type Config struct {
	APIKey   string
	Model    string
	TTSModel string
	Voice    string
	// BaseURL overrides the API endpoint, used in tests.
	BaseURL string
}

// Client generates replies with chat completions and speech with the
// audio API.
type Client struct {
	client   openai.Client
	model    string
	ttsModel string
	voice    string
	logger   *observability.Logger
}

func NewClient(cfg Config, logger *observability.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = DefaultTTSModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	return &Client{
		client:   openai.NewClient(options...),
		model:    cfg.Model,
		ttsModel: cfg.TTSModel,
		voice:    cfg.Voice,
		logger:   logger,
	}, nil
}

// Generate implements pipeline.Generator. Text deltas are emitted as they
// stream in; a tool call is emitted once its arguments are complete.
func (c *Client) Generate(ctx context.Context, req pipeline.Request, emit func(pipeline.Delta) error) error {
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: convMessages(req),
	}
	for _, action := range req.Actions {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        action.Name,
				Description: param.NewOpt(action.Description),
				Parameters:  openai.FunctionParameters(action.Parameters),
			},
		})
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var tools toolCallBuilder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if s := choice.Delta.Content; s != "" {
			if err := emit(pipeline.Delta{Text: s}); err != nil {
				return err
			}
		}
		for _, t := range choice.Delta.ToolCalls {
			tools.add(t.Index, t.Function.Name, t.Function.Arguments)
		}
	}
	if err := stream.Err(); err != nil {
		c.logger.Error(ctx, "chat completion stream failed", err)
		return fmt.Errorf("chat completion stream failed: %w", err)
	}

	for _, call := range tools.calls() {
		if err := emit(pipeline.Delta{Action: &call}); err != nil {
			return err
		}
	}
	return nil
}

func convMessages(req pipeline.Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+1)
	if req.SystemMessage != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemMessage))
	}
	for _, m := range req.History {
		switch m.Role {
		case pipeline.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		case pipeline.RoleFunction:
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
				OfFunction: &openai.ChatCompletionFunctionMessageParam{
					Name:    m.Name,
					Content: param.NewOpt(m.Content),
				},
			})
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	return msgs
}

// toolCallBuilder joins tool call fragments streamed across chunks.
type toolCallBuilder struct {
	order []int64
	names map[int64]*strings.Builder
	args  map[int64]*strings.Builder
}

func (b *toolCallBuilder) add(index int64, name, args string) {
	if b.names == nil {
		b.names = map[int64]*strings.Builder{}
		b.args = map[int64]*strings.Builder{}
	}
	if _, ok := b.names[index]; !ok {
		b.order = append(b.order, index)
		b.names[index] = &strings.Builder{}
		b.args[index] = &strings.Builder{}
	}
	b.names[index].WriteString(name)
	b.args[index].WriteString(args)
}

func (b *toolCallBuilder) calls() []pipeline.ActionCall {
	calls := make([]pipeline.ActionCall, 0, len(b.order))
	for _, i := range b.order {
		call := pipeline.ActionCall{Name: b.names[i].String()}
		if raw := b.args[i].String(); raw != "" {
			// Malformed arguments are dropped; the actions take none.
			_ = json.Unmarshal([]byte(raw), &call.Arguments)
		}
		calls = append(calls, call)
	}
	return calls
}

// Synthesize implements pipeline.Synthesizer. The returned stream is 8 kHz
// mu-law.
func (c *Client) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	resp, err := c.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(c.ttsModel),
		Voice:          openai.AudioSpeechNewParamsVoice(c.voice),
		Input:          text,
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		c.logger.Error(ctx, "OpenAI speech request failed", err)
		return nil, fmt.Errorf("OpenAI speech request failed: %w", err)
	}
	return &convertedBody{
		Reader: audio.NewPCMToMuLawReader(resp.Body, speechDownsampleFactor),
		body:   resp.Body,
	}, nil
}

type convertedBody struct {
	io.Reader
	body io.Closer
}

func (b *convertedBody) Close() error {
	return b.body.Close()
}
