package identity

import (
	"testing"

	"github.com/zhouzirui/z-lab/internal/model/turn"
)

func TestWithNamesKeepsDefaultsForEmpty(t *testing.T) {
	p := Seed().WithNames("Quix", "", "Anubis")

	if got := p.Label(turn.Operator); got != "Quix" {
		t.Fatalf("unexpected operator label: %s", got)
	}
	if got := p.Label(turn.Responder); got != "Z" {
		t.Fatalf("unexpected responder label: %s", got)
	}
	if got := p.Label(turn.External); got != "Anubis" {
		t.Fatalf("unexpected external label: %s", got)
	}
}

func TestDocumentIdentity(t *testing.T) {
	id := Seed().DocumentIdentity()
	if id.Name != "Z" || id.Creator != "Q" || id.Role != "AI Assistant" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}
