package template

import (
	"errors"
	"strings"
	"testing"

	"github.com/linnemanlabs/outreach/internal/sequence"
)

func TestRenderText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		vars map[string]string
		want string
	}{
		{"substitutes", "Hi {{first_name}} at {{company}}", map[string]string{"first_name": "Ana", "company": "Colegio Oaxaca"}, "Hi Ana at Colegio Oaxaca"},
		{"whitespace in braces", "Hi {{ first_name }}", map[string]string{"first_name": "Ana"}, "Hi Ana"},
		{"default for missing", "Hi {{first_name}}", nil, "Hi there"},
		{"default for empty", "Hi {{first_name}} at {{company}}", map[string]string{"first_name": ""}, "Hi there at your organization"},
		{"unknown key renders empty", "Ref: {{ticket_id}}.", nil, "Ref: ."},
		{"malformed placeholder removed", "Hi {{first name}}!", nil, "Hi !"},
		{"no placeholders", "plain text", nil, "plain text"},
		{"repeated key", "{{company}}/{{company}}", map[string]string{"company": "X"}, "X/X"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := RenderText(tt.text, tt.vars); got != tt.want {
				t.Errorf("RenderText(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestRenderText_NeverLeavesPlaceholders(t *testing.T) {
	t.Parallel()

	for ref, tpl := range Builtin() {
		r := tpl.Render(nil)
		if strings.Contains(r.Subject, "{{") || strings.Contains(r.Body, "{{") {
			t.Errorf("template %s left a placeholder: %q / %q", ref, r.Subject, r.Body)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	cat := sequence.Builtin()
	r := NewResolver(cat, Builtin())

	tpl, err := r.Resolve("education-nurture", 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tpl.Ref != "education-intro" {
		t.Errorf("Ref = %q, want education-intro", tpl.Ref)
	}

	tests := []struct {
		name string
		seq  string
		step int
	}{
		{"unknown sequence", "nope", 0},
		{"step past end", "education-nurture", 3},
		{"negative step", "education-nurture", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := r.Resolve(tt.seq, tt.step)
			if !errors.Is(err, ErrTemplateNotFound) {
				t.Errorf("err = %v, want ErrTemplateNotFound", err)
			}
		})
	}
}

func TestResolve_MissingTemplate(t *testing.T) {
	t.Parallel()

	cat, err := sequence.NewCatalog(&sequence.Sequence{ID: "s", Steps: []sequence.Step{
		{Index: 0, Channel: sequence.ChannelEmail, TemplateRef: "ghost"},
	}})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	r := NewResolver(cat, nil)
	if _, err := r.Resolve("s", 0); !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("err = %v, want ErrTemplateNotFound", err)
	}
	if got := r.Missing(cat.List()); len(got) != 1 || got[0] != "ghost" {
		t.Errorf("Missing = %v, want [ghost]", got)
	}

	r.Add(map[string]Template{"ghost": {Body: "boo"}})
	if _, err := r.Resolve("s", 0); err != nil {
		t.Errorf("Resolve after Add: %v", err)
	}
}

func TestBuiltinCoversBuiltinSequences(t *testing.T) {
	t.Parallel()

	cat := sequence.Builtin()
	r := NewResolver(cat, Builtin())
	if missing := r.Missing(cat.List()); len(missing) > 0 {
		t.Errorf("builtin sequences reference missing templates: %v", missing)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	doc := `
sequences: []
templates:
  intro:
    subject: "Hi {{first_name}}"
    body: "Welcome to {{company}}"
`
	got, err := Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tpl, ok := got["intro"]
	if !ok {
		t.Fatal("intro template missing")
	}
	if tpl.Ref != "intro" || tpl.Subject != "Hi {{first_name}}" {
		t.Errorf("unexpected template %+v", tpl)
	}

	if _, err := Load(strings.NewReader("templates:\n  empty:\n    subject: x\n")); err == nil {
		t.Error("expected error for empty body")
	}
}
