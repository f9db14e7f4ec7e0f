// Package classify scores inbound contacts and incident reports. Every
// function here is deterministic and side-effect free: the same record
// always yields the same classification.
package classify

import (
	"strings"
	"time"
	"unicode"
)

// Sector is the closed set of market sectors a contact can fall into.
type Sector string

const (
	SectorEducation  Sector = "education"
	SectorHealthcare Sector = "healthcare"
	SectorCorporate  Sector = "corporate"
	SectorOther      Sector = "other"
)

// Tier is the priority bucket derived from the score.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// Score thresholds and bounds.
const (
	BaseScore       = 40
	MinScore        = 0
	MaxScore        = 100
	HighThreshold   = 80
	MediumThreshold = 60
)

// Record is the input to Classify. Only Company, Title, Industry,
// Location and CompanySize feed the rules.
type Record struct {
	Company     string `json:"company"`
	Title       string `json:"title"`
	Industry    string `json:"industry,omitempty"`
	Location    string `json:"location,omitempty"`
	CompanySize int    `json:"company_size,omitempty"`
}

// Classification is derived data. It is never the source of truth and
// can be recomputed from the record at any time.
type Classification struct {
	Sector              Sector        `json:"sector"`
	Tier                Tier          `json:"priority_tier"`
	Score               int           `json:"score"`
	Reasons             []string      `json:"reasons"`
	Rules               []string      `json:"rules"`
	SuggestedSequenceID string        `json:"suggested_sequence_id"`
	EstimatedValue      int64         `json:"estimated_value"`
	TargetResponseTime  time.Duration `json:"target_response_time"`
}

// SectorProfile holds the values derived from the final sector.
type SectorProfile struct {
	BaseValue    int64
	ResponseTime time.Duration
	SequenceID   string
}

// Profiles maps each sector to its derived values.
var Profiles = map[Sector]SectorProfile{
	SectorEducation:  {BaseValue: 12000, ResponseTime: 24 * time.Hour, SequenceID: "education-nurture"},
	SectorHealthcare: {BaseValue: 18000, ResponseTime: 8 * time.Hour, SequenceID: "healthcare-nurture"},
	SectorCorporate:  {BaseValue: 25000, ResponseTime: 12 * time.Hour, SequenceID: "corporate-nurture"},
	SectorOther:      {BaseValue: 5000, ResponseTime: 72 * time.Hour, SequenceID: "general-nurture"},
}

// Fields is the normalized view of a record the rules match against.
type Fields struct {
	Company  string
	Title    string
	Industry string
	Location string
	Size     int
}

// Normalize lowercases the text fields and folds punctuation to single
// spaces so keyword matching works on whole words.
func Normalize(r Record) Fields {
	return Fields{
		Company:  normalizeText(r.Company),
		Title:    normalizeText(r.Title),
		Industry: normalizeText(r.Industry),
		Location: normalizeText(r.Location),
		Size:     r.CompanySize,
	}
}

func normalizeText(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space && b.Len() > 0 {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// hasAny reports whether any term appears in text as a whole word or
// whole-word phrase. Empty text never matches.
func hasAny(text string, terms ...string) bool {
	if text == "" {
		return false
	}
	padded := " " + text + " "
	for _, t := range terms {
		if strings.Contains(padded, " "+t+" ") {
			return true
		}
	}
	return false
}
