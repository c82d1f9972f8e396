package googleai

import (
	"context"
	"fmt"

	"call-relay/internal/observability"
	"call-relay/internal/voice/pipeline"

	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.0-flash"

const (
	roleUser  = "user"
	roleModel = "model"
)

type Config struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint, used in tests.
	BaseURL string
}

// Client generates replies with Gemini.
type Client struct {
	client *genai.Client
	model  string
	logger *observability.Logger
}

// NewClient creates a Gemini client for streamed text generation
func NewClient(ctx context.Context, cfg Config, logger *observability.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Google AI API key is required")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google AI client: %w", err)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	return &Client{
		client: client,
		model:  cfg.Model,
		logger: logger,
	}, nil
}

// Generate implements pipeline.Generator.
func (g *Client) Generate(ctx context.Context, req pipeline.Request, emit func(pipeline.Delta) error) error {
	contents := convHistory(req.History)
	if len(contents) == 0 {
		return fmt.Errorf("no contents")
	}

	cfg := &genai.GenerateContentConfig{}
	if req.SystemMessage != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(req.SystemMessage)}}
	}
	if len(req.Actions) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Actions))
		for _, a := range req.Actions {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        a.Name,
				Description: a.Description,
				Parameters:  &genai.Schema{Type: genai.TypeObject},
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, cfg) {
		if err != nil {
			g.logger.Error(ctx, "Gemini stream failed", err)
			return fmt.Errorf("failed to get AI response: %w", err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			var delta pipeline.Delta
			switch {
			case part.FunctionCall != nil:
				delta.Action = &pipeline.ActionCall{Name: part.FunctionCall.Name, Arguments: part.FunctionCall.Args}
			case part.Text != "":
				delta.Text = part.Text
			default:
				continue
			}
			if err := emit(delta); err != nil {
				return err
			}
		}
	}
	return nil
}

// convHistory maps the conversation to Gemini contents. An action result is
// sent as the model's function call followed by the user's function
// response, and consecutive parts of one role share a content.
func convHistory(history []pipeline.Message) []*genai.Content {
	var (
		contents []*genai.Content
		last     *genai.Content
	)
	add := func(role string, part *genai.Part) {
		if last != nil && last.Role == role {
			last.Parts = append(last.Parts, part)
			return
		}
		last = &genai.Content{Role: role, Parts: []*genai.Part{part}}
		contents = append(contents, last)
	}

	for _, m := range history {
		switch m.Role {
		case pipeline.RoleAssistant:
			add(roleModel, genai.NewPartFromText(m.Content))
		case pipeline.RoleFunction:
			add(roleModel, genai.NewPartFromFunctionCall(m.Name, map[string]any{}))
			add(roleUser, genai.NewPartFromFunctionResponse(m.Name, map[string]any{"result": m.Content}))
		default:
			add(roleUser, genai.NewPartFromText(m.Content))
		}
	}
	return contents
}
