package turn

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	Operator  Speaker = "operator"
	Responder Speaker = "responder"
	External  Speaker = "external"
)

// Audience names the party an operator turn is addressed to. The zero value
// means the turn was not addressed to anyone in particular.
type Audience string

const (
	AudienceNone      Audience = ""
	AudienceResponder Audience = "responder"
	AudienceExternal  Audience = "external"
)

// Turn is a single immutable entry in the interaction log.
type Turn struct {
	ID        string    `json:"id"`
	Speaker   Speaker   `json:"speaker"`
	Audience  Audience  `json:"audience,omitempty"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// New stamps a turn with a sortable identifier.
func New(speaker Speaker, audience Audience, payload string, at time.Time) Turn {
	return Turn{
		ID:        ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		Speaker:   speaker,
		Audience:  audience,
		Payload:   payload,
		CreatedAt: at,
	}
}

// Tag renders the short routing label used in history listings.
func (t Turn) Tag() string {
	switch {
	case t.Speaker == Operator && t.Audience == AudienceResponder:
		return "operator->responder"
	case t.Speaker == Operator && t.Audience == AudienceExternal:
		return "operator->external"
	case t.Speaker == Responder:
		return "responder->operator"
	default:
		return string(t.Speaker)
	}
}
