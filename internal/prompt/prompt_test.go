package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func testBuilder(t *testing.T, overrideDir string) *Builder {
	t.Helper()
	return NewBuilder(overrideDir, zerolog.Nop())
}

func TestRender_EmbeddedTemplate(t *testing.T) {
	b := testBuilder(t, "")

	out, err := b.Render("filter", map[string]any{
		"MESSAGES": "[msg1] alice: hello world",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "[msg1] alice: hello world") {
		t.Errorf("rendered prompt missing interpolated messages")
	}
	if strings.Contains(out, "{{MESSAGES}}") {
		t.Errorf("placeholder left after interpolation")
	}
}

func TestRender_StringifiesContainers(t *testing.T) {
	dir := t.TempDir()
	tmpl := "scalar={{NUM}} list={{ITEMS}} obj={{META}}"
	if err := os.WriteFile(filepath.Join(dir, "custom.tmpl"), []byte(tmpl), 0o644); err != nil {
		t.Fatal(err)
	}

	b := testBuilder(t, dir)
	out, err := b.Render("custom", map[string]any{
		"NUM":   42,
		"ITEMS": []string{"a", "b"},
		"META":  map[string]int{"n": 1},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	want := `scalar=42 list=["a","b"] obj={"n":1}`
	if out != want {
		t.Errorf("out = %q, want %q", out, want)
	}
}

func TestRender_UnknownPlaceholderLeftVerbatim(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "partial.tmpl"), []byte("a={{A}} b={{B}}"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := testBuilder(t, dir)
	out, err := b.Render("partial", map[string]any{"A": "x"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "a=x b={{B}}" {
		t.Errorf("out = %q, want placeholder left verbatim", out)
	}
}

func TestRender_MissingTemplate(t *testing.T) {
	b := testBuilder(t, "")
	if _, err := b.Render("does-not-exist", nil); err == nil {
		t.Fatal("expected error for missing template")
	}
}

func TestRender_OverrideShadowsEmbedded(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "filter.tmpl"), []byte("OVERRIDE {{MESSAGES}}"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := testBuilder(t, dir)
	out, err := b.Render("filter", map[string]any{"MESSAGES": "x"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "OVERRIDE x" {
		t.Errorf("override not used: %q", out)
	}

	// Embedded templates still load for names without an override file.
	if _, err := b.Render("categorize", map[string]any{"MESSAGES": "y"}); err != nil {
		t.Errorf("embedded fallback failed: %v", err)
	}
}

func TestRender_CachesTemplate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cached.tmpl")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := testBuilder(t, dir)
	if out, _ := b.Render("cached", nil); out != "v1" {
		t.Fatalf("first render = %q", out)
	}

	// Without a watcher the cached copy is served even after the file
	// changes on disk.
	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if out, _ := b.Render("cached", nil); out != "v1" {
		t.Errorf("expected cached v1, got %q", out)
	}
}

func TestEmbeddedTemplatesPresent(t *testing.T) {
	b := testBuilder(t, "")
	for _, name := range []string{
		"filter", "categorize", "summarize_daily", "summarize_weekly",
		"extract_quote", "extract_announcement", "extract_faq", "format",
	} {
		if _, err := b.load(name); err != nil {
			t.Errorf("embedded template %q missing: %v", name, err)
		}
	}
}
