package classify

import "math"

// ValueOp adjusts the estimated value. Mul is applied when non-zero, then
// Add. The result is rounded after every op.
type ValueOp struct {
	Mul float64
	Add int64
}

// Effect is what a matching rule contributes.
type Effect struct {
	Score     int
	Sector    Sector // empty leaves the sector unchanged
	ForceHigh bool
	Value     *ValueOp
}

// Rule is one named predicate over normalized fields. Name is the stable
// identifier; Description is the audit text reported in Reasons.
type Rule struct {
	Name        string
	Description string
	Match       func(Fields) bool
	Effect      Effect
}

// reason is the audit line for a rule hit.
func reason(name, desc string) string {
	if desc == "" {
		return name
	}
	return desc
}

// accumulator is threaded through the fold. apply returns a new value and
// never mutates the receiver.
type accumulator struct {
	score     int
	sector    Sector
	forceHigh bool
	reasons   []string
	rules     []string
	valueOps  []ValueOp
}

func (a accumulator) apply(r Rule) accumulator {
	next := a
	next.score += r.Effect.Score
	if r.Effect.Sector != "" {
		next.sector = r.Effect.Sector
	}
	next.forceHigh = a.forceHigh || r.Effect.ForceHigh
	next.reasons = append(append(make([]string, 0, len(a.reasons)+1), a.reasons...), reason(r.Name, r.Description))
	next.rules = append(append(make([]string, 0, len(a.rules)+1), a.rules...), r.Name)
	if r.Effect.Value != nil {
		next.valueOps = append(append(make([]ValueOp, 0, len(a.valueOps)+1), a.valueOps...), *r.Effect.Value)
	}
	return next
}

// Classify scores a contact with the default rule set.
func Classify(r Record) Classification {
	return ClassifyWith(DefaultRules(), r)
}

// ClassifyWith folds rules left to right over the normalized record.
// Sector is last-match-wins, scores accumulate and are clamped once at the
// end, and value ops apply in declaration order.
func ClassifyWith(rules []Rule, r Record) Classification {
	f := Normalize(r)
	acc := accumulator{score: BaseScore, sector: SectorOther}
	for _, rule := range rules {
		if rule.Match != nil && rule.Match(f) {
			acc = acc.apply(rule)
		}
	}

	score := clamp(acc.score, MinScore, MaxScore)
	profile, ok := Profiles[acc.sector]
	if !ok {
		profile = Profiles[SectorOther]
	}

	reasons, ruleNames := acc.reasons, acc.rules
	if reasons == nil {
		reasons, ruleNames = []string{}, []string{}
	}

	return Classification{
		Sector:              acc.sector,
		Tier:                tierFor(score, acc.forceHigh),
		Score:               score,
		Reasons:             reasons,
		Rules:               ruleNames,
		SuggestedSequenceID: profile.SequenceID,
		EstimatedValue:      applyValueOps(profile.BaseValue, acc.valueOps),
		TargetResponseTime:  profile.ResponseTime,
	}
}

func tierFor(score int, forceHigh bool) Tier {
	switch {
	case forceHigh || score >= HighThreshold:
		return TierHigh
	case score >= MediumThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

func applyValueOps(base int64, ops []ValueOp) int64 {
	v := base
	for _, op := range ops {
		if op.Mul != 0 {
			v = int64(math.Round(float64(v) * op.Mul))
		}
		v += op.Add
	}
	if v < 0 {
		return 0
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
