// Package agents loads the agent profiles that define what the assistant says
// and how it sounds.
package agents

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUnknownAgent = errors.New("unknown agent")

const firstNameToken = "{{First-Name}}"

// Profile is one agent definition.
type Profile struct {
	ID             string `yaml:"id" json:"id"`
	Name           string `yaml:"name" json:"name"`
	SystemMessage  string `yaml:"system_message" json:"system_message"`
	InitialMessage string `yaml:"initial_message" json:"initial_message"`
	// VoiceModel overrides the configured synthesizer voice.
	VoiceModel string `yaml:"voice_model,omitempty" json:"voice_model,omitempty"`
}

type catalogFile struct {
	Agents []Profile `yaml:"agents"`
}

// Catalog is an immutable set of profiles keyed by id.
type Catalog struct {
	byID  map[string]Profile
	order []string
}

// Load reads profiles from a YAML file. A JSON array of profiles is also
// accepted, as is a mapping with an "agents" list.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var profiles []Profile
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		var file catalogFile
		if fileErr := yaml.Unmarshal(data, &file); fileErr != nil {
			return nil, fmt.Errorf("failed to parse agents: %w", fileErr)
		}
		profiles = file.Agents
	}
	return NewCatalog(profiles...)
}

func NewCatalog(profiles ...Profile) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		if p.ID == "" {
			return nil, fmt.Errorf("agent %q has no id", p.Name)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", p.ID)
		}
		c.byID[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c, nil
}

func (c *Catalog) Get(id string) (Profile, error) {
	if c == nil {
		return Profile{}, fmt.Errorf("%s: %w", id, ErrUnknownAgent)
	}
	p, ok := c.byID[id]
	if !ok {
		return Profile{}, fmt.Errorf("%s: %w", id, ErrUnknownAgent)
	}
	return p, nil
}

// List returns profiles in file order.
func (c *Catalog) List() []Profile {
	if c == nil {
		return nil
	}
	out := make([]Profile, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Personalize fills the caller's first name into both messages.
func (p Profile) Personalize(firstName string) Profile {
	p.SystemMessage = RenderFirstName(p.SystemMessage, firstName)
	p.InitialMessage = RenderFirstName(p.InitialMessage, firstName)
	return p
}

var (
	runsOfSpace   = regexp.MustCompile(`\s+`)
	spaceBeforeCm = regexp.MustCompile(` ,`)
	spaceBeforeDt = regexp.MustCompile(` \.`)
)

// RenderFirstName substitutes {{First-Name}}. Without a name the token is
// dropped and the whitespace and punctuation around it tidied up.
func RenderFirstName(text, firstName string) string {
	if text == "" || !strings.Contains(text, firstNameToken) {
		return text
	}
	if firstName = strings.TrimSpace(firstName); firstName != "" {
		return strings.ReplaceAll(text, firstNameToken, firstName)
	}
	out := strings.TrimSpace(strings.ReplaceAll(text, firstNameToken, ""))
	out = runsOfSpace.ReplaceAllString(out, " ")
	out = spaceBeforeCm.ReplaceAllString(out, ",")
	return spaceBeforeDt.ReplaceAllString(out, ".")
}
