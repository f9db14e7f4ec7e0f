// Package sequence defines nurture sequences: ordered, delay-gated steps
// that an enrollment walks through one message at a time.
package sequence

import (
	"fmt"
	"strings"
	"time"
)

// Channel is the outbound medium a step is delivered on.
type Channel string

const (
	ChannelEmail  Channel = "email"
	ChannelVoice  Channel = "voice"
	ChannelSMS    Channel = "sms"
	ChannelSocial Channel = "social"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelVoice, ChannelSMS, ChannelSocial:
		return true
	}
	return false
}

// Step is a single message in a sequence. Delay is measured from the
// previous step's due time (step 0 from enrollment start).
type Step struct {
	Index       int           `json:"index"`
	Delay       time.Duration `json:"delay"`
	Channel     Channel       `json:"channel"`
	TemplateRef string        `json:"template_ref"`
}

// Sequence is an ordered list of steps.
type Sequence struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Sector string `json:"sector,omitempty"`
	Steps  []Step `json:"steps"`
}

// ValidationError lists every problem found in a sequence definition.
type ValidationError struct {
	SequenceID string
	Problems   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid sequence %q: %s", e.SequenceID, strings.Join(e.Problems, "; "))
}

// Validate checks the structural invariants: a non-empty id, at least one
// step, indices contiguous from 0, non-negative delays, known channels and
// a template reference on every step.
func (s *Sequence) Validate() error {
	var problems []string
	if strings.TrimSpace(s.ID) == "" {
		problems = append(problems, "id is required")
	}
	if len(s.Steps) == 0 {
		problems = append(problems, "at least one step is required")
	}
	for i, st := range s.Steps {
		if st.Index != i {
			problems = append(problems, fmt.Sprintf("step %d has index %d (indices must be contiguous from 0)", i, st.Index))
		}
		if st.Delay < 0 {
			problems = append(problems, fmt.Sprintf("step %d has negative delay %s", i, st.Delay))
		}
		if !st.Channel.Valid() {
			problems = append(problems, fmt.Sprintf("step %d has unknown channel %q", i, st.Channel))
		}
		if strings.TrimSpace(st.TemplateRef) == "" {
			problems = append(problems, fmt.Sprintf("step %d has no template", i))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{SequenceID: s.ID, Problems: problems}
	}
	return nil
}

// Len returns the number of steps.
func (s *Sequence) Len() int { return len(s.Steps) }

// DueOffset returns the cumulative delay of steps 0..step, i.e. how long
// after enrollment start the given step becomes due. Out of range indices
// are clamped.
func (s *Sequence) DueOffset(step int) time.Duration {
	if step >= len(s.Steps) {
		step = len(s.Steps) - 1
	}
	var d time.Duration
	for i := 0; i <= step; i++ {
		d += s.Steps[i].Delay
	}
	return d
}

// Clone returns a deep copy.
func (s *Sequence) Clone() *Sequence {
	cp := *s
	cp.Steps = append([]Step(nil), s.Steps...)
	return &cp
}
