package pricing

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCostUsesMatchingRule(t *testing.T) {
	calc, err := New(DefaultTable())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := calc.Cost("flux-pro-1.1", 2); got != 20 {
		t.Fatalf("expected 20, got %d", got)
	}
	if got := calc.Cost("SDXL-Turbo", 3); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
}

func TestCostUnknownModelUsesDefault(t *testing.T) {
	calc, err := New(Table{DefaultPerImage: 7})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := calc.Cost("mystery-model", 2); got != 14 {
		t.Fatalf("expected 14, got %d", got)
	}
	if got := calc.Cost("", 0); got != 7 {
		t.Fatalf("count below one should price a single image, got %d", got)
	}
}

func TestCostIsDeterministic(t *testing.T) {
	calc, _ := New(DefaultTable())
	first := calc.Cost("flux-dev", 4)
	for i := 0; i < 10; i++ {
		if got := calc.Cost("flux-dev", 4); got != first {
			t.Fatalf("cost changed between calls: %d vs %d", first, got)
		}
	}
}

func TestNewRejectsInvalidTables(t *testing.T) {
	cases := []Table{
		{DefaultPerImage: 0},
		{DefaultPerImage: 1, Models: []Rule{{Pattern: "", PerImage: 2}}},
		{DefaultPerImage: 1, Models: []Rule{{Pattern: "x", PerImage: 0}}},
	}
	for i, tc := range cases {
		if _, err := New(tc); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	content := `default_per_image: 2
models:
  - pattern: "ideogram-*"
    per_image: 9
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	table, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	calc, err := New(table)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := calc.Cost("ideogram-v2", 1); got != 9 {
		t.Fatalf("expected 9, got %d", got)
	}
	if got := calc.Cost("other", 3); got != 6 {
		t.Fatalf("expected 6, got %d", got)
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		model, pattern string
		want           bool
	}{
		{"flux-pro", "flux-pro*", true},
		{"flux-pro", "flux-pro", true},
		{"flux", "flux-pro*", false},
		{"a-mid-z", "a-*-z", true},
		{"anything", "*", true},
	}
	for _, tc := range cases {
		if got := matchPattern(tc.model, tc.pattern); got != tc.want {
			t.Fatalf("matchPattern(%q, %q) = %v, want %v", tc.model, tc.pattern, got, tc.want)
		}
	}
}

func TestShippedPricingMatchesDefaults(t *testing.T) {
	table, err := LoadFile(filepath.Join("..", "..", "config", "pricing.yaml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	shipped, err := New(table)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	builtin, _ := New(DefaultTable())
	for _, model := range []string{"flux-pro", "flux-dev", "flux-schnell", "sdxl-turbo", "mystery"} {
		if a, b := shipped.Cost(model, 3), builtin.Cost(model, 3); a != b {
			t.Fatalf("%s: shipped %d builtin %d", model, a, b)
		}
	}
}
