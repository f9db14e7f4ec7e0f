// Package template resolves the message template for a sequence step and
// renders it with contact variables. Rendering is pure substitution.
package template

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/outreach/internal/sequence"
)

// ErrTemplateNotFound is returned when a step has no resolvable template.
var ErrTemplateNotFound = errors.New("template not found")

// Template is a message body with an optional subject line.
type Template struct {
	Ref     string `json:"ref" yaml:"-"`
	Subject string `json:"subject,omitempty" yaml:"subject"`
	Body    string `json:"body" yaml:"body"`
}

// Rendered is a template with every placeholder substituted.
type Rendered struct {
	Subject string
	Body    string
}

// Defaults are substituted when a variable is missing or empty. Keys not
// listed here render as the empty string.
var Defaults = map[string]string{
	"first_name":  "there",
	"name":        "there",
	"company":     "your organization",
	"title":       "your team",
	"location":    "your area",
	"sender_name": "The Outreach Team",
}

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)
	leftoverRe    = regexp.MustCompile(`\{\{[^{}]*\}\}`)
)

// RenderText substitutes {{key}} placeholders in text. It never fails and
// never leaves a placeholder behind.
func RenderText(text string, vars map[string]string) string {
	out := placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		if v := vars[key]; v != "" {
			return v
		}
		return Defaults[key]
	})
	return leftoverRe.ReplaceAllString(out, "")
}

// Render substitutes vars into both subject and body.
func (t Template) Render(vars map[string]string) Rendered {
	return Rendered{
		Subject: RenderText(t.Subject, vars),
		Body:    RenderText(t.Body, vars),
	}
}

// SequenceSource looks up sequences by id.
type SequenceSource interface {
	Get(id string) (*sequence.Sequence, bool)
}

// Resolver maps (sequence, step) to a template through the step's
// template reference.
type Resolver struct {
	seqs SequenceSource

	mu        sync.RWMutex
	templates map[string]Template
}

// NewResolver returns a Resolver over the given templates keyed by ref.
func NewResolver(seqs SequenceSource, templates map[string]Template) *Resolver {
	r := &Resolver{seqs: seqs, templates: make(map[string]Template, len(templates))}
	for ref, t := range templates {
		t.Ref = ref
		r.templates[ref] = t
	}
	return r
}

// Add registers or replaces templates.
func (r *Resolver) Add(templates map[string]Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ref, t := range templates {
		t.Ref = ref
		r.templates[ref] = t
	}
}

// Resolve returns the template for the given step of a sequence.
func (r *Resolver) Resolve(sequenceID string, stepIndex int) (Template, error) {
	seq, ok := r.seqs.Get(sequenceID)
	if !ok {
		return Template{}, fmt.Errorf("sequence %q: %w", sequenceID, ErrTemplateNotFound)
	}
	if stepIndex < 0 || stepIndex >= len(seq.Steps) {
		return Template{}, fmt.Errorf("sequence %q step %d: %w", sequenceID, stepIndex, ErrTemplateNotFound)
	}
	ref := seq.Steps[stepIndex].TemplateRef

	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[ref]
	if !ok {
		return Template{}, fmt.Errorf("template %q: %w", ref, ErrTemplateNotFound)
	}
	return t, nil
}

// Missing returns the template refs used by seqs that have no template.
func (r *Resolver) Missing(seqs []*sequence.Sequence) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	seen := make(map[string]bool)
	for _, s := range seqs {
		for _, st := range s.Steps {
			if _, ok := r.templates[st.TemplateRef]; !ok && !seen[st.TemplateRef] {
				seen[st.TemplateRef] = true
				missing = append(missing, st.TemplateRef)
			}
		}
	}
	return missing
}

type fileDoc struct {
	Templates map[string]Template `yaml:"templates"`
}

// Load decodes the "templates" section of a definition file.
func Load(rd io.Reader) (map[string]Template, error) {
	var doc fileDoc
	if err := yaml.NewDecoder(rd).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]Template{}, nil
		}
		return nil, fmt.Errorf("decode templates: %w", err)
	}
	if doc.Templates == nil {
		doc.Templates = map[string]Template{}
	}
	for ref, t := range doc.Templates {
		if t.Body == "" {
			return nil, fmt.Errorf("template %q has an empty body", ref)
		}
		t.Ref = ref
		doc.Templates[ref] = t
	}
	return doc.Templates, nil
}

// LoadFile reads templates from a YAML file.
func LoadFile(path string) (map[string]Template, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("open templates file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}
