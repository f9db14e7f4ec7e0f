package template

// Builtin returns the templates referenced by the built-in sequences.
func Builtin() map[string]Template {
	return map[string]Template{
		"education-intro": {
			Subject: "Supporting {{company}} this school year",
			Body: "Hi {{first_name}},\n\nWe work with schools across {{location}} to keep classrooms, labs and " +
				"campus networks running without interruptions. I would love to learn how {{company}} handles " +
				"maintenance today.\n\n{{sender_name}}",
		},
		"education-case-study": {
			Subject: "How a school like {{company}} cut downtime in half",
			Body: "Hi {{first_name}},\n\nA quick case study from a school similar to {{company}}: scheduled " +
				"preventive visits reduced emergency calls by half within one term.\n\nWould a short call next " +
				"week make sense?\n\n{{sender_name}}",
		},
		"education-call": {
			Body: "Call {{name}} at {{company}} to follow up on the case study email and offer a campus walkthrough.",
		},
		"healthcare-intro": {
			Subject: "Facility support for {{company}}",
			Body: "Hi {{first_name}},\n\nClinics and hospitals cannot afford an outage. We provide 24/7 electrical, " +
				"plumbing and HVAC response for healthcare facilities in {{location}}.\n\n{{sender_name}}",
		},
		"healthcare-call": {
			Body: "Call {{name}} ({{title}}) at {{company}} to discuss critical-system response times.",
		},
		"healthcare-follow-up": {
			Subject: "Following up for {{company}}",
			Body:    "Hi {{first_name}},\n\nFollowing up on my call. Happy to send a sample service agreement.\n\n{{sender_name}}",
		},
		"corporate-intro": {
			Subject: "Keeping {{company}} offices running",
			Body: "Hi {{first_name}},\n\nWe handle facility maintenance for offices in {{location}} so teams like " +
				"yours never wait on a repair.\n\n{{sender_name}}",
		},
		"corporate-social": {
			Body: "Hi {{first_name}}, I reached out by email about facility support for {{company}}. Open to connecting?",
		},
		"corporate-proposal": {
			Subject: "A maintenance plan for {{company}}",
			Body:    "Hi {{first_name}},\n\nI put together a short proposal for {{company}}. Can I send it over?\n\n{{sender_name}}",
		},
		"general-intro": {
			Subject: "Hello from {{sender_name}}",
			Body:    "Hi {{first_name}},\n\nThanks for your interest. Let us know how we can help {{company}}.\n\n{{sender_name}}",
		},
		"general-check-in": {
			Subject: "Checking in",
			Body:    "Hi {{first_name}},\n\nJust checking in to see if there is anything we can help {{company}} with.\n\n{{sender_name}}",
		},
	}
}
