package correlation

import "secmon/internal/schema"

// PatternDef is a known multi-stage attack: it matches when every required
// event type is present in the investigated set.
type PatternDef struct {
	Name        string
	Description string
	Confidence  float64
	Requires    []schema.EventType
	Techniques  []string
	Advice      string
}

// Catalogue returns the attack patterns investigations look for.
func Catalogue() []PatternDef {
	return []PatternDef{
		{
			Name:        "Credential Stuffing to Privilege Escalation",
			Description: "Repeated authentication failures followed by a privilege escalation",
			Confidence:  0.8,
			Requires:    []schema.EventType{schema.EventAuthenticationFailure, schema.EventPrivilegeEscalation},
			Techniques:  []string{"T1110.004", "T1068"},
			Advice:      "Reset credentials for the targeted accounts and review privilege grants since the first failure",
		},
		{
			Name:        "Compromise Followed by Data Exfiltration",
			Description: "A compromised system was followed by data leaving the environment",
			Confidence:  0.9,
			Requires:    []schema.EventType{schema.EventSystemCompromise, schema.EventDataExfiltration},
			Techniques:  []string{"T1078", "T1041"},
			Advice:      "Cut egress from the compromised host and scope the exfiltrated data",
		},
	}
}
