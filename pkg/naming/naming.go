// Package naming maps raw automation step and scenario text to readable
// business labels using one ordered, data-driven rule table.
package naming

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

const (
	// FallbackStepPrefix prefixes step labels no rule matched.
	FallbackStepPrefix = "Journey Step: "

	// UnnamedJourney is used for empty scenario text.
	UnnamedJourney = "Unnamed Journey"
)

//go:embed rules.yaml
var defaultRules []byte

// MatchKind selects how a rule pattern is compared to raw text.
type MatchKind string

const (
	MatchPrefix   MatchKind = "prefix"
	MatchContains MatchKind = "contains"
	MatchEquals   MatchKind = "equals"
)

// Rule maps raw text matching Pattern to Label. When Capture is set the first
// quoted argument of the raw text is stored under that metadata key.
type Rule struct {
	Match   MatchKind `yaml:"match"`
	Pattern string    `yaml:"pattern"`
	Label   string    `yaml:"label"`
	Capture string    `yaml:"capture,omitempty"`
}

// Matches reports whether text satisfies the rule.
func (r *Rule) Matches(text string) bool {
	text = normalize(text)
	pattern := normalize(r.Pattern)

	switch r.Match {
	case MatchPrefix:
		return strings.HasPrefix(text, pattern)
	case MatchContains:
		return strings.Contains(text, pattern)
	case MatchEquals:
		return text == pattern
	default:
		return false
	}
}

// Table holds the ordered step and journey rules.
type Table struct {
	Steps    []Rule `yaml:"steps"`
	Journeys []Rule `yaml:"journeys"`
}

// Default returns the embedded rule table.
func Default() *Table {
	t, err := Parse(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("embedded naming rules are invalid: %v", err))
	}

	return t
}

// Load returns the rules from path, or the embedded defaults when path is
// empty.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}

	return LoadFile(path)
}

// LoadFile reads a rule table from a YAML file. The file replaces the
// embedded defaults entirely.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading naming rules: %w", err)
	}

	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing naming rules %s: %w", path, err)
	}

	return t, nil
}

// Parse decodes and validates a YAML rule table.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding rules: %w", err)
	}

	for i, r := range t.Steps {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, r := range t.Journeys {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("journeys[%d]: %w", i, err)
		}
	}

	return &t, nil
}

func (r *Rule) validate() error {
	switch r.Match {
	case MatchPrefix, MatchContains, MatchEquals:
	default:
		return fmt.Errorf("unknown match kind %q", r.Match)
	}

	if strings.TrimSpace(r.Pattern) == "" {
		return fmt.Errorf("pattern is required")
	}

	if strings.TrimSpace(r.Label) == "" {
		return fmt.Errorf("label is required")
	}

	return nil
}

// Step resolves a raw step to its label and any captured metadata. The
// metadata map is nil when nothing was captured.
func (t *Table) Step(raw string) (string, map[string]string) {
	for i := range t.Steps {
		r := &t.Steps[i]
		if !r.Matches(raw) {
			continue
		}

		if r.Capture == "" {
			return r.Label, nil
		}

		if arg, ok := firstQuoted(raw); ok {
			return r.Label, map[string]string{r.Capture: arg}
		}

		return r.Label, nil
	}

	return FallbackStepPrefix + TitleCase(raw), nil
}

// StepLabel returns the business label for a raw step.
func (t *Table) StepLabel(raw string) string {
	label, _ := t.Step(raw)

	return label
}

// JourneyName returns the display name for a scenario.
func (t *Table) JourneyName(scenario string) string {
	for i := range t.Journeys {
		if t.Journeys[i].Matches(scenario) {
			return t.Journeys[i].Label
		}
	}

	if name := strings.TrimSpace(scenario); name != "" {
		return name
	}

	return UnnamedJourney
}

// TitleCase upper-cases the first letter of every word.
func TitleCase(s string) string {
	return cases.Title(language.English).String(strings.Join(strings.Fields(s), " "))
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// firstQuoted returns the first double- or single-quoted argument.
func firstQuoted(s string) (string, bool) {
	for _, q := range []string{`"`, `'`} {
		start := strings.Index(s, q)
		if start < 0 {
			continue
		}

		end := strings.Index(s[start+1:], q)
		if end < 0 {
			continue
		}

		return s[start+1 : start+1+end], true
	}

	return "", false
}
