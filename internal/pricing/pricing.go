// Package pricing converts a generation request into a token cost.
//
// The calculator is a pure function of its table: no I/O after construction,
// no hidden state. Reservation and any later "tokens used" display must share
// one Calculator so the two numbers can never disagree.
package pricing

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule prices a model pattern per generated image. Patterns support a single
// trailing or embedded "*" wildcard, matched case-insensitively.
type Rule struct {
	Pattern  string `yaml:"pattern"`
	PerImage int64  `yaml:"per_image"`
}

// Table is the serialisable price list.
type Table struct {
	// DefaultPerImage prices any model no rule matches.
	DefaultPerImage int64  `yaml:"default_per_image"`
	Models          []Rule `yaml:"models"`
}

// DefaultTable returns the built-in price list used when no pricing file is
// configured.
func DefaultTable() Table {
	return Table{
		DefaultPerImage: 5,
		Models: []Rule{
			{Pattern: "flux-pro*", PerImage: 10},
			{Pattern: "flux-dev*", PerImage: 6},
			{Pattern: "flux-schnell*", PerImage: 3},
			{Pattern: "sdxl*", PerImage: 4},
		},
	}
}

// LoadFile reads a YAML price table from disk.
func LoadFile(path string) (Table, error) {
	if strings.TrimSpace(path) == "" {
		return Table{}, errors.New("pricing: empty path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("pricing: read %s: %w", path, err)
	}
	var t Table
	if err := yaml.Unmarshal(b, &t); err != nil {
		return Table{}, fmt.Errorf("pricing: parse %s: %w", path, err)
	}
	return t, nil
}

// Calculator prices requests against an immutable table.
type Calculator struct {
	defaultPerImage int64
	rules           []Rule
}

// New validates the table and returns a Calculator.
func New(t Table) (*Calculator, error) {
	if t.DefaultPerImage <= 0 {
		return nil, fmt.Errorf("pricing: default_per_image must be positive, got %d", t.DefaultPerImage)
	}
	rules := make([]Rule, 0, len(t.Models))
	for _, r := range t.Models {
		pattern := strings.ToLower(strings.TrimSpace(r.Pattern))
		if pattern == "" {
			return nil, errors.New("pricing: rule with empty pattern")
		}
		if r.PerImage <= 0 {
			return nil, fmt.Errorf("pricing: rule %q must have positive per_image", r.Pattern)
		}
		rules = append(rules, Rule{Pattern: pattern, PerImage: r.PerImage})
	}
	return &Calculator{defaultPerImage: t.DefaultPerImage, rules: rules}, nil
}

// Cost returns the token cost of generating count images with model. It is
// total: unknown models fall back to the default price and count below one is
// priced as a single image.
func (c *Calculator) Cost(model string, count int) int64 {
	if count < 1 {
		count = 1
	}
	return c.PerImage(model) * int64(count)
}

// PerImage returns the price of one image for model.
func (c *Calculator) PerImage(model string) int64 {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, r := range c.rules {
		if matchPattern(m, r.Pattern) {
			return r.PerImage
		}
	}
	return c.defaultPerImage
}

func matchPattern(model, pattern string) bool {
	if pattern == "*" {
		return true
	}
	idx := strings.Index(pattern, "*")
	if idx < 0 {
		return model == pattern
	}
	prefix, suffix := pattern[:idx], pattern[idx+1:]
	return len(model) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(model, prefix) &&
		strings.HasSuffix(model, suffix)
}
