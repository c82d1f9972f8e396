package pipeline

import (
	"context"
	"io"
	"regexp"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

// Message is one entry of the conversation history.
type Message struct {
	Role    Role
	Content string
	// Name is the action name for RoleFunction messages.
	Name string
	At   time.Time
}

// Action is a tool the generator may ask to run.
type Action struct {
	Name        string
	Description string
	// Say is spoken to the caller before the action runs.
	Say        string
	Parameters map[string]interface{}
	// EndsCall stops completion after the action runs.
	EndsCall bool
}

// ActionCall is a generator request to run an action.
type ActionCall struct {
	Name      string
	Arguments map[string]interface{}
}

// Delta is one streamed generator output: either text or an action call.
type Delta struct {
	Text   string
	Action *ActionCall
}

// Request is the input to one completion.
type Request struct {
	SystemMessage string
	History       []Message
	Actions       []Action
}

// Generator streams a reply to the conversation in req.
type Generator interface {
	Generate(ctx context.Context, req Request, emit func(Delta) error) error
}

// Synthesizer turns text into 8 kHz mu-law audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

// ActionExecutor runs an action and returns the result fed back to the
// generator.
type ActionExecutor interface {
	Execute(ctx context.Context, call ActionCall) (string, error)
}

var sentenceEnd = regexp.MustCompile(`[.!?]`)

// SplitSentences splits text after every '.', '!' or '?'. The last element
// is the unterminated remainder, possibly empty.
func SplitSentences(text string) []string {
	var parts []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		parts = append(parts, text[start:loc[1]])
		start = loc[1]
	}
	return append(parts, text[start:])
}

// sentenceBuffer accumulates streamed text and releases complete sentences.
type sentenceBuffer struct {
	buf strings.Builder
}

func (b *sentenceBuffer) push(text string) []string {
	b.buf.WriteString(text)
	parts := SplitSentences(b.buf.String())
	b.buf.Reset()
	b.buf.WriteString(parts[len(parts)-1])

	var out []string
	for _, s := range parts[:len(parts)-1] {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (b *sentenceBuffer) flush() string {
	rest := strings.TrimSpace(b.buf.String())
	b.buf.Reset()
	return rest
}
