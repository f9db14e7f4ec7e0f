package classify

var (
	educationTerms = []string{
		"school", "schools", "escuela", "colegio", "university", "universidad", "academy", "academia",
		"instituto", "institute", "college", "kinder", "preparatoria", "secundaria", "primaria", "montessori",
	}
	healthcareTerms = []string{
		"hospital", "clinic", "clinica", "clínica", "medical", "medico", "médico", "salud", "health",
		"healthcare", "dental", "pharmacy", "farmacia", "laboratorio", "sanatorio",
	}
	corporateTerms = []string{
		"corp", "corporation", "inc", "llc", "sa de cv", "s a de c v", "group", "grupo", "holdings",
		"industries", "consulting", "bank", "banco", "technologies", "software", "logistics", "manufacturing",
	}
	internationalTerms = []string{
		"international school", "bilingual", "bilingüe", "bilingue", "colegio americano", "british school",
		"ib school", "escuela internacional", "colegio internacional",
	}
	decisionMakerTerms = []string{
		"director", "directora", "ceo", "owner", "dueño", "dueña", "president", "presidente", "presidenta",
		"principal", "rector", "rectora", "founder", "fundador", "fundadora", "gerente general", "general manager",
		"administrador", "administradora",
	}
	managerTerms = []string{
		"manager", "gerente", "coordinator", "coordinador", "coordinadora", "head of", "jefe", "jefa",
		"supervisor", "supervisora",
	}
	juniorTerms = []string{
		"student", "estudiante", "intern", "becario", "becaria", "practicante", "assistant", "asistente",
	}
	priorityRegionTerms = []string{
		"oaxaca", "cdmx", "ciudad de méxico", "ciudad de mexico", "mexico city", "guadalajara", "monterrey", "puebla",
	}
	chainTerms = []string{
		"network", "chain", "cadena", "red de", "grupo educativo", "franchise", "franquicia", "campuses",
	}
)

// DefaultRules is the production rule set. Coarse sector rules come first
// so the more specific ones later in the list win.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "sector.corporate",
			Description: "company or industry names a corporate entity",
			Match:       func(f Fields) bool { return hasAny(f.Company, corporateTerms...) || hasAny(f.Industry, corporateTerms...) },
			Effect:      Effect{Score: 10, Sector: SectorCorporate},
		},
		{
			Name:        "sector.education",
			Description: "company or industry is a school or education provider",
			Match:       func(f Fields) bool { return hasAny(f.Company, educationTerms...) || hasAny(f.Industry, "education", "educación", "educacion") },
			Effect:      Effect{Score: 15, Sector: SectorEducation},
		},
		{
			Name:        "sector.healthcare",
			Description: "company or industry is a clinic, hospital or health provider",
			Match:       func(f Fields) bool { return hasAny(f.Company, healthcareTerms...) || hasAny(f.Industry, healthcareTerms...) },
			Effect:      Effect{Score: 15, Sector: SectorHealthcare},
		},
		{
			Name:        "education.international",
			Description: "international or bilingual school",
			Match:       func(f Fields) bool { return hasAny(f.Company, internationalTerms...) },
			Effect:      Effect{Score: 10, Sector: SectorEducation, Value: &ValueOp{Mul: 1.5}},
		},
		{
			Name:        "title.decision_maker",
			Description: "title is a decision maker (director, owner, principal)",
			Match:       func(f Fields) bool { return hasAny(f.Title, decisionMakerTerms...) },
			Effect:      Effect{Score: 20, Value: &ValueOp{Add: 2000}},
		},
		{
			Name:        "title.manager",
			Description: "title is a manager or coordinator",
			Match: func(f Fields) bool {
				return hasAny(f.Title, managerTerms...) && !hasAny(f.Title, decisionMakerTerms...)
			},
			Effect: Effect{Score: 10},
		},
		{
			Name:        "title.junior",
			Description: "title is junior (student, intern, assistant)",
			Match:       func(f Fields) bool { return hasAny(f.Title, juniorTerms...) },
			Effect:      Effect{Score: -25},
		},
		{
			Name:        "size.small",
			Description: "company has 20 to 99 employees",
			Match:       func(f Fields) bool { return f.Size >= 20 && f.Size < 100 },
			Effect:      Effect{Score: 5, Value: &ValueOp{Mul: 1.25}},
		},
		{
			Name:        "size.medium",
			Description: "company has 100 to 499 employees",
			Match:       func(f Fields) bool { return f.Size >= 100 && f.Size < 500 },
			Effect:      Effect{Score: 10, Value: &ValueOp{Mul: 2}},
		},
		{
			Name:        "size.large",
			Description: "company has 500 or more employees",
			Match:       func(f Fields) bool { return f.Size >= 500 },
			Effect:      Effect{Score: 15, Value: &ValueOp{Mul: 3}},
		},
		{
			Name:        "size.enterprise",
			Description: "enterprise with 1000 or more employees",
			Match:       func(f Fields) bool { return f.Size >= 1000 },
			Effect:      Effect{ForceHigh: true},
		},
		{
			Name:        "location.priority_region",
			Description: "located in a priority region",
			Match:       func(f Fields) bool { return hasAny(f.Location, priorityRegionTerms...) || hasAny(f.Company, priorityRegionTerms...) },
			Effect:      Effect{Score: 5},
		},
		{
			Name:        "company.chain",
			Description: "part of a chain or network of sites",
			Match:       func(f Fields) bool { return hasAny(f.Company, chainTerms...) },
			Effect:      Effect{ForceHigh: true, Value: &ValueOp{Mul: 2}},
		},
	}
}
