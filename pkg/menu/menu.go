// Package menu seeds the department menu and its prompts.
package menu

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"zapdesk/pkg/store"
)

//go:embed templates/*.md
var templatesFS embed.FS

// Seed is the YAML shape of a menu seed file:
//
//	options:
//	  - title: SAC
//	    template: sac
//	  - title: Suporte técnico
//	    prompt: |
//	      Você é um técnico...
type Seed struct {
	Options []SeedOption `yaml:"options"`
}

// SeedOption carries either an inline prompt or the name of an embedded template.
type SeedOption struct {
	Title    string `yaml:"title"`
	Prompt   string `yaml:"prompt,omitempty"`
	Template string `yaml:"template,omitempty"`
}

// DefaultSeed is the three-department menu used when no seed file is configured.
func DefaultSeed() Seed {
	return Seed{Options: []SeedOption{
		{Title: "SAC", Template: "sac"},
		{Title: "Financeiro", Template: "financeiro"},
		{Title: "Vendas", Template: "vendas"},
	}}
}

// LoadSeed parses and validates a YAML seed file.
func LoadSeed(path string) (Seed, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read menu seed: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(content, &seed); err != nil {
		return Seed{}, fmt.Errorf("parse menu seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return Seed{}, err
	}
	return seed, nil
}

func (s Seed) Validate() error {
	if len(s.Options) == 0 {
		return errors.New("menu seed has no options")
	}
	for i, option := range s.Options {
		if strings.TrimSpace(option.Title) == "" {
			return fmt.Errorf("menu option %d has no title", i+1)
		}
		if strings.TrimSpace(option.Prompt) == "" && strings.TrimSpace(option.Template) == "" {
			return fmt.Errorf("menu option %q needs a prompt or template", option.Title)
		}
	}
	return nil
}

// PromptText returns the inline prompt, or the named embedded template.
func (o SeedOption) PromptText() (string, error) {
	if prompt := strings.TrimSpace(o.Prompt); prompt != "" {
		return prompt, nil
	}
	return Template(o.Template)
}

// Template loads one embedded department prompt by name.
func Template(name string) (string, error) {
	content, err := templatesFS.ReadFile(templatePath(name))
	if err != nil {
		return "", fmt.Errorf("load %s prompt template: %w", name, err)
	}

	prompt := strings.TrimSpace(string(content))
	if prompt == "" {
		return "", fmt.Errorf("prompt template %q is empty", name)
	}
	return prompt, nil
}

func templatePath(name string) string {
	return "templates/" + strings.ToLower(strings.TrimSpace(name)) + ".md"
}

// Apply writes the seed into an empty menu and reports how many options it
// created. A store that already has options is left untouched.
func Apply(ctx context.Context, st store.Store, seed Seed) (int, error) {
	if err := seed.Validate(); err != nil {
		return 0, err
	}

	existing, err := st.ListMenuOptions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list menu options: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}

	created := 0
	for i, option := range seed.Options {
		prompt, err := option.PromptText()
		if err != nil {
			return created, err
		}

		menuOption := &store.MenuOption{Title: strings.TrimSpace(option.Title), Order: i + 1}
		if err := st.CreateMenuOption(ctx, menuOption); err != nil {
			return created, fmt.Errorf("create menu option %q: %w", option.Title, err)
		}
		if err := st.CreatePrompt(ctx, &store.Prompt{MenuOptionID: menuOption.ID, Content: prompt}); err != nil {
			return created, fmt.Errorf("create prompt for %q: %w", option.Title, err)
		}
		created++
	}
	return created, nil
}
