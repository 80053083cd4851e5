// Package prompt holds the evaluator instruction and per-language copy.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/ashureev/evalstream/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed system.md
var defaultInstruction string

//go:embed catalog.yaml
var catalogYAML []byte

// Package is one subscription tier shown in the quick reference.
type Package struct {
	Name      string `yaml:"name" json:"name"`
	Price     int    `yaml:"price" json:"price"`
	Duration  string `yaml:"duration" json:"duration"`
	AIQueries int    `yaml:"ai_queries" json:"ai_queries"`
}

// Copy is the text for one language.
type Copy struct {
	Welcome  string    `yaml:"welcome"`
	Reset    string    `yaml:"reset"`
	Packages []Package `yaml:"packages"`
}

// Catalog maps languages to their copy and carries the system instruction.
type Catalog struct {
	Instruction string
	copies      map[domain.Language]Copy
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := parse(catalogYAML, defaultInstruction)
	if err != nil {
		// The embedded file is fixed at build time.
		panic(fmt.Sprintf("embedded prompt catalog: %v", err))
	}
	return c
}

// Load returns the embedded catalog with the system instruction replaced by
// the contents of instructionPath when it is set.
func Load(instructionPath string) (*Catalog, error) {
	c := Default()
	if instructionPath == "" {
		return c, nil
	}
	b, err := os.ReadFile(instructionPath)
	if err != nil {
		return nil, fmt.Errorf("read instruction file: %w", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return nil, fmt.Errorf("instruction file %s is empty", instructionPath)
	}
	c.Instruction = string(b)
	return c, nil
}

func parse(raw []byte, instruction string) (*Catalog, error) {
	var copies map[domain.Language]Copy
	if err := yaml.Unmarshal(raw, &copies); err != nil {
		return nil, err
	}
	if _, ok := copies[domain.LanguageEnglish]; !ok {
		return nil, fmt.Errorf("catalog has no %q entry", domain.LanguageEnglish)
	}
	return &Catalog{Instruction: strings.TrimSpace(instruction), copies: copies}, nil
}

// For returns the copy for lang, falling back to English.
func (c *Catalog) For(lang domain.Language) Copy {
	if cp, ok := c.copies[lang]; ok {
		return cp
	}
	return c.copies[domain.LanguageEnglish]
}

// Welcome is the opening assistant message.
func (c *Catalog) Welcome(lang domain.Language) string { return c.For(lang).Welcome }

// ResetNotice is the message shown after an assessment restart.
func (c *Catalog) ResetNotice(lang domain.Language) string { return c.For(lang).Reset }

// Packages lists the subscription tiers in lang.
func (c *Catalog) Packages(lang domain.Language) []Package { return c.For(lang).Packages }
