package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/z-lab/internal/model/identity"
)

// PromptBuilder renders the responder's system prompt from the session's
// identity profile.
type PromptBuilder struct {
	profile identity.Profile
}

// NewPromptBuilder creates a builder for profile.
func NewPromptBuilder(profile identity.Profile) *PromptBuilder {
	return &PromptBuilder{profile: profile}
}

// BuildSystemPrompt creates the system prompt, embedding recent context.
func (b *PromptBuilder) BuildSystemPrompt(contextText string) string {
	self := b.profile.Responder
	op := b.profile.Operator

	if strings.TrimSpace(contextText) == "" {
		contextText = "No recent context"
	}

	rules := b.profile.Rules
	if len(rules) == 0 {
		rules = identity.Seed().Rules
	}

	return fmt.Sprintf(`You are %s, an %s created by %s.

Your rules:
- %s

Context from recent conversation:
%s

Respond as %s, helpful and concise. Never pretend to be %s.`,
		self.Name,
		self.Role,
		op.Name,
		strings.Join(rules, "\n- "),
		contextText,
		self.Name,
		op.Name,
	)
}
