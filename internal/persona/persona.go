// Package persona loads the agent's identity: display name, aliases it answers
// to, style instructions and the fixed apology sent when a direct reply fails.
package persona

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultName    = "Chime"
	DefaultApology = "Sorry, I got my wires crossed there. Mind asking me again in a moment?"
)

// Persona describes who the agent is in conversation.
type Persona struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
	Style   string   `yaml:"style"`
	Apology string   `yaml:"apology"`

	addressed *regexp.Regexp
}

// Default returns the built-in persona.
func Default() *Persona {
	p := &Persona{
		Name:  DefaultName,
		Style: "Friendly, brief and casual. Match the tone of the channel. Never use more words than a human participant would.",
	}
	p.normalize()
	return p
}

// Load reads a YAML persona file. A missing path yields the default persona.
func Load(path string, logger *slog.Logger) (*Persona, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Debug("persona file does not exist, using default", "path", path)
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read persona: %w", err)
	}
	return Parse(data)
}

// Parse decodes persona YAML and fills in defaults.
func Parse(data []byte) (*Persona, error) {
	p := Default()
	p.Style = ""
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse persona: %w", err)
	}
	if p.Style == "" {
		p.Style = Default().Style
	}
	p.normalize()
	return p, nil
}

func (p *Persona) normalize() {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		p.Name = DefaultName
	}
	if strings.TrimSpace(p.Apology) == "" {
		p.Apology = DefaultApology
	}

	names := []string{regexp.QuoteMeta(p.Name)}
	for _, a := range p.Aliases {
		if a = strings.TrimSpace(a); a != "" {
			names = append(names, regexp.QuoteMeta(a))
		}
	}
	p.addressed = regexp.MustCompile(`(?i)(^|[^\pL\pN_])(` + strings.Join(names, "|") + `)($|[^\pL\pN_])`)
}

// Addresses reports whether text names the agent as a whole word.
func (p *Persona) Addresses(text string) bool {
	if p.addressed == nil {
		p.normalize()
	}
	return p.addressed.MatchString(text)
}
