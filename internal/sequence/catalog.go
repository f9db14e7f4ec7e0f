package sequence

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// FallbackID is the sequence used for contacts whose sector is unknown.
const FallbackID = "general-nurture"

const day = 24 * time.Hour

// Catalog is a concurrency-safe registry of validated sequences.
type Catalog struct {
	mu   sync.RWMutex
	seqs map[string]*Sequence
}

// NewCatalog validates and registers the given sequences.
func NewCatalog(seqs ...*Sequence) (*Catalog, error) {
	c := &Catalog{seqs: make(map[string]*Sequence, len(seqs))}
	for _, s := range seqs {
		if err := c.Register(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register validates s and adds it, replacing any sequence with the same id.
func (c *Catalog) Register(s *Sequence) error {
	if s == nil {
		return fmt.Errorf("register: nil sequence")
	}
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqs[s.ID] = s.Clone()
	return nil
}

// Get returns a copy of the sequence with the given id.
func (c *Catalog) Get(id string) (*Sequence, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.seqs[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// List returns copies of all sequences sorted by id.
func (c *Catalog) List() []*Sequence {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Sequence, 0, len(c.seqs))
	for _, s := range c.seqs {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Builtin returns the default catalog: one nurture sequence per sector plus
// the general fallback.
func Builtin() *Catalog {
	c, err := NewCatalog(builtinSequences()...)
	if err != nil {
		panic(err)
	}
	return c
}

func builtinSequences() []*Sequence {
	return []*Sequence{
		{
			ID: "education-nurture", Name: "Education nurture", Sector: "education",
			Steps: []Step{
				{Index: 0, Delay: 0, Channel: ChannelEmail, TemplateRef: "education-intro"},
				{Index: 1, Delay: 3 * day, Channel: ChannelEmail, TemplateRef: "education-case-study"},
				{Index: 2, Delay: 4 * day, Channel: ChannelVoice, TemplateRef: "education-call"},
			},
		},
		{
			ID: "healthcare-nurture", Name: "Healthcare nurture", Sector: "healthcare",
			Steps: []Step{
				{Index: 0, Delay: 0, Channel: ChannelEmail, TemplateRef: "healthcare-intro"},
				{Index: 1, Delay: 2 * day, Channel: ChannelVoice, TemplateRef: "healthcare-call"},
				{Index: 2, Delay: 5 * day, Channel: ChannelEmail, TemplateRef: "healthcare-follow-up"},
			},
		},
		{
			ID: "corporate-nurture", Name: "Corporate nurture", Sector: "corporate",
			Steps: []Step{
				{Index: 0, Delay: 0, Channel: ChannelEmail, TemplateRef: "corporate-intro"},
				{Index: 1, Delay: 3 * day, Channel: ChannelSocial, TemplateRef: "corporate-social"},
				{Index: 2, Delay: 4 * day, Channel: ChannelEmail, TemplateRef: "corporate-proposal"},
			},
		},
		{
			ID: FallbackID, Name: "General nurture", Sector: "other",
			Steps: []Step{
				{Index: 0, Delay: 0, Channel: ChannelEmail, TemplateRef: "general-intro"},
				{Index: 1, Delay: 7 * day, Channel: ChannelEmail, TemplateRef: "general-check-in"},
			},
		},
	}
}
