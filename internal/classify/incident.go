package classify

import (
	"math"
	"slices"
	"time"
)

// IncidentType is the trade an incident is routed to.
type IncidentType string

const (
	IncidentGeneral    IncidentType = "general"
	IncidentElectrical IncidentType = "electrical"
	IncidentPlumbing   IncidentType = "plumbing"
	IncidentHVAC       IncidentType = "hvac"
	IncidentNetwork    IncidentType = "network"
	IncidentSecurity   IncidentType = "security"
)

// Severity only ever escalates during classification.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityUrgent   Severity = "urgent"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityUrgent:
		return 1
	default:
		return 0
	}
}

// ResponseTimes maps severity to target response time.
var ResponseTimes = map[Severity]time.Duration{
	SeverityCritical: time.Hour,
	SeverityUrgent:   4 * time.Hour,
	SeverityNormal:   24 * time.Hour,
}

// IncidentRecord is a free-text service ticket.
type IncidentRecord struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	Location      string `json:"location,omitempty"`
	AffectedUnits int    `json:"affected_units,omitempty"`
}

// IncidentClassification is derived from an IncidentRecord.
type IncidentClassification struct {
	Type               IncidentType  `json:"type"`
	Severity           Severity      `json:"severity"`
	EstimatedDuration  time.Duration `json:"estimated_duration"`
	RequiredSkills     []string      `json:"required_skills"`
	TargetResponseTime time.Duration `json:"target_response_time"`
	Reasons            []string      `json:"reasons"`
	Rules              []string      `json:"rules"`
}

// IncidentEffect is what a matching incident rule contributes.
type IncidentEffect struct {
	Type         IncidentType  // empty leaves the type unchanged
	BaseDuration time.Duration // set together with Type
	Skills       []string
	Severity     Severity // escalates to at least this level
	// EscalateOnce raises normal to urgent and nothing else.
	EscalateOnce bool
	DurationMul  float64
}

// IncidentRule is one named predicate over an incident's text.
type IncidentRule struct {
	Name        string
	Description string
	Match       func(IncidentFields) bool
	Effect      IncidentEffect
}

// IncidentFields is the normalized incident text.
type IncidentFields struct {
	Text  string // title and description
	Units int
}

type incidentAcc struct {
	typ      IncidentType
	duration time.Duration
	severity Severity
	skills   []string
	reasons  []string
	rules    []string
	durMuls  []float64
}

func (a incidentAcc) apply(r IncidentRule) incidentAcc {
	next := a
	e := r.Effect
	if e.Type != "" {
		next.typ = e.Type
		next.duration = e.BaseDuration
	}
	if e.Severity != "" && e.Severity.rank() > next.severity.rank() {
		next.severity = e.Severity
	}
	if e.EscalateOnce && next.severity == SeverityNormal {
		next.severity = SeverityUrgent
	}
	if len(e.Skills) > 0 {
		skills := append([]string(nil), a.skills...)
		for _, s := range e.Skills {
			if !slices.Contains(skills, s) {
				skills = append(skills, s)
			}
		}
		next.skills = skills
	}
	if e.DurationMul != 0 {
		next.durMuls = append(append([]float64(nil), a.durMuls...), e.DurationMul)
	}
	next.reasons = append(append([]string(nil), a.reasons...), reason(r.Name, r.Description))
	next.rules = append(append([]string(nil), a.rules...), r.Name)
	return next
}

// ClassifyIncident classifies a ticket with the default incident rules.
func ClassifyIncident(r IncidentRecord) IncidentClassification {
	return ClassifyIncidentWith(DefaultIncidentRules(), r)
}

// ClassifyIncidentWith folds rules over the incident. Type is last match
// wins, skills accumulate without duplicates, severity is monotonic.
func ClassifyIncidentWith(rules []IncidentRule, r IncidentRecord) IncidentClassification {
	f := IncidentFields{
		Text:  normalizeText(r.Title + " " + r.Description),
		Units: r.AffectedUnits,
	}
	acc := incidentAcc{typ: IncidentGeneral, duration: 2 * time.Hour, severity: SeverityNormal}
	for _, rule := range rules {
		if rule.Match != nil && rule.Match(f) {
			acc = acc.apply(rule)
		}
	}

	dur := acc.duration
	for _, m := range acc.durMuls {
		dur = time.Duration(math.Round(float64(dur)*m/float64(time.Minute))) * time.Minute
	}

	skills := acc.skills
	if len(skills) == 0 {
		skills = []string{"general_maintenance"}
	}
	reasons, ruleNames := acc.reasons, acc.rules
	if reasons == nil {
		reasons, ruleNames = []string{}, []string{}
	}

	return IncidentClassification{
		Type:               acc.typ,
		Severity:           acc.severity,
		EstimatedDuration:  dur,
		RequiredSkills:     skills,
		TargetResponseTime: ResponseTimes[acc.severity],
		Reasons:            reasons,
		Rules:              ruleNames,
	}
}

func text(terms ...string) func(IncidentFields) bool {
	return func(f IncidentFields) bool { return hasAny(f.Text, terms...) }
}

// DefaultIncidentRules is the production incident rule set.
func DefaultIncidentRules() []IncidentRule {
	return []IncidentRule{
		{
			Name:        "type.network",
			Description: "mentions internet, wifi or network equipment",
			Match:       text("internet", "wifi", "wi fi", "network", "router", "switch", "ethernet", "conexión", "conexion"),
			Effect:      IncidentEffect{Type: IncidentNetwork, BaseDuration: time.Hour, Skills: []string{"network_technician"}},
		},
		{
			Name:        "type.security",
			Description: "mentions alarms, cameras or locks",
			Match:       text("alarm", "alarma", "camera", "cameras", "cámara", "camara", "cctv", "lock", "cerradura", "break in", "robo"),
			Effect:      IncidentEffect{Type: IncidentSecurity, BaseDuration: 90 * time.Minute, Skills: []string{"security_technician"}},
		},
		{
			Name:        "type.hvac",
			Description: "mentions air conditioning or heating",
			Match:       text("air conditioning", "aire acondicionado", "a c", "ac", "hvac", "heating", "calefacción", "calefaccion", "clima"),
			Effect:      IncidentEffect{Type: IncidentHVAC, BaseDuration: 3 * time.Hour, Skills: []string{"hvac_technician"}},
		},
		{
			Name:        "type.plumbing",
			Description: "mentions leaks, pipes or water",
			Match:       text("leak", "leaking", "fuga", "pipe", "pipes", "tubería", "tuberia", "water", "agua", "drain", "drenaje", "toilet", "baño", "bano"),
			Effect:      IncidentEffect{Type: IncidentPlumbing, BaseDuration: 2 * time.Hour, Skills: []string{"plumber"}},
		},
		{
			Name:        "type.electrical",
			Description: "mentions power, outlets or wiring",
			Match:       text("electric", "electrical", "eléctrico", "electrico", "power", "luz", "apagón", "apagon", "breaker", "outlet", "enchufe", "wiring", "cableado", "sparks", "chispas"),
			Effect:      IncidentEffect{Type: IncidentElectrical, BaseDuration: 2 * time.Hour, Skills: []string{"electrician"}},
		},
		{
			Name:        "severity.outage",
			Description: "reports a service outage",
			Match:       text("no power", "sin luz", "no water", "sin agua", "outage", "down", "caído", "caido", "no internet", "sin internet"),
			Effect:      IncidentEffect{Severity: SeverityUrgent},
		},
		{
			Name:        "severity.hazard",
			Description: "reports a safety hazard (fire, smoke, flood, sparks, injury)",
			Match:       text("fire", "incendio", "fuego", "smoke", "humo", "flood", "flooding", "inundación", "inundacion", "gas leak", "fuga de gas", "sparks", "chispas", "injury", "injured", "herido", "electrocution"),
			Effect:      IncidentEffect{Severity: SeverityCritical, Skills: []string{"safety_officer"}},
		},
		{
			Name:        "severity.requested",
			Description: "reporter asked for urgent attention",
			Match:       text("urgent", "urgente", "asap", "immediately", "inmediato", "inmediatamente", "emergency", "emergencia"),
			Effect:      IncidentEffect{EscalateOnce: true},
		},
		{
			Name:        "scope.widespread",
			Description: "affects several units or the whole building",
			Match: func(f IncidentFields) bool {
				return f.Units >= 5 || hasAny(f.Text, "multiple", "several", "entire building", "whole building", "todo el edificio", "varios", "varias")
			},
			Effect: IncidentEffect{DurationMul: 1.5},
		},
	}
}
