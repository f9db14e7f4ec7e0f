package sequence

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileDoc is the on-disk layout of a sequence definition file. Unknown
// top-level keys (for example "templates") are ignored here.
type fileDoc struct {
	Sequences []fileSequence `yaml:"sequences"`
}

type fileSequence struct {
	ID     string     `yaml:"id"`
	Name   string     `yaml:"name"`
	Sector string     `yaml:"sector"`
	Steps  []fileStep `yaml:"steps"`
}

type fileStep struct {
	Index    *int    `yaml:"index"`
	Delay    Delay   `yaml:"delay"`
	Channel  Channel `yaml:"channel"`
	Template string  `yaml:"template"`
}

// Delay is a duration that also accepts a day suffix ("3d", "1d12h").
type Delay time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Delay) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: delay must be a scalar", value.Line)
	}
	dur, err := ParseDelay(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Delay(dur)
	return nil
}

// ParseDelay parses a delay string. Plain integers are seconds, a leading
// "<n>d" component is whole days and the remainder uses time.ParseDuration.
func ParseDelay(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}

	var total time.Duration
	if i := strings.IndexByte(s, 'd'); i > 0 {
		days, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid delay %q", s)
		}
		total = time.Duration(days) * day
		s = s[i+1:]
		if s == "" {
			return total, nil
		}
	}
	rest, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q: %w", s, err)
	}
	return total + rest, nil
}

// Load decodes sequence definitions from r. Every sequence is validated
// and all problems are reported together.
func Load(r io.Reader) ([]*Sequence, error) {
	var doc fileDoc
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode sequences: %w", err)
	}

	var (
		out  []*Sequence
		errs []error
		seen = make(map[string]bool)
	)
	for _, fs := range doc.Sequences {
		s := &Sequence{ID: fs.ID, Name: fs.Name, Sector: fs.Sector}
		for i, st := range fs.Steps {
			idx := i
			if st.Index != nil {
				idx = *st.Index
			}
			s.Steps = append(s.Steps, Step{
				Index:       idx,
				Delay:       time.Duration(st.Delay),
				Channel:     Channel(strings.ToLower(string(st.Channel))),
				TemplateRef: st.Template,
			})
		}
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("duplicate sequence id %q", s.ID))
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// LoadFile reads sequence definitions from a YAML file.
func LoadFile(path string) ([]*Sequence, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("open sequences file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}
