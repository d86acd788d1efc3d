package identity

import (
	"github.com/zhouzirui/z-lab/internal/model/memory"
	"github.com/zhouzirui/z-lab/internal/model/turn"
)

// Party describes one participant in the shell.
type Party struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Description string `json:"description,omitempty"`
}

// Profile holds the three parties a session knows about plus the rules the
// responder is reminded of on every request.
type Profile struct {
	Operator  Party    `json:"operator"`
	Responder Party    `json:"responder"`
	External  Party    `json:"external"`
	Rules     []string `json:"rules,omitempty"`
}

// Seed provides the default operator/responder pairing.
func Seed() Profile {
	return Profile{
		Operator: Party{
			Name:        "Q",
			Role:        "Creator & Controller",
			Description: "The human at the keyboard. Always holds the first and last word.",
		},
		Responder: Party{
			Name:        "Z",
			Role:        "AI Assistant",
			Description: "Helps when asked, observes otherwise.",
		},
		External: Party{
			Name: "EXT",
			Role: "External party",
		},
		Rules: []string{
			"Never speak for the operator or pretend to be the operator",
			"Only respond when the operator asks directly",
			"Help the operator think, never replace the operator's voice",
			"The operator is always in control",
		},
	}
}

// WithNames overrides party names, keeping defaults for empty values.
func (p Profile) WithNames(operator, responder, external string) Profile {
	if operator != "" {
		p.Operator.Name = operator
	}
	if responder != "" {
		p.Responder.Name = responder
	}
	if external != "" {
		p.External.Name = external
	}
	return p
}

// Label returns the display name for a speaker.
func (p Profile) Label(speaker turn.Speaker) string {
	switch speaker {
	case turn.Operator:
		return p.Operator.Name
	case turn.Responder:
		return p.Responder.Name
	case turn.External:
		return p.External.Name
	default:
		return string(speaker)
	}
}

// DocumentIdentity is the identity block written into the durable document.
func (p Profile) DocumentIdentity() memory.Identity {
	return memory.Identity{
		Name:    p.Responder.Name,
		Creator: p.Operator.Name,
		Role:    p.Responder.Role,
	}
}
