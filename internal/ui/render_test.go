package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhouzirui/z-lab/internal/service/session"
)

func TestFormatLabels(t *testing.T) {
	r := New(&bytes.Buffer{})

	assert.Equal(t, "[Z] try X", r.Format(session.Output{Kind: session.KindReply, From: "Z", Text: "try X"}, false))
	assert.Equal(t, "[EXT] ping", r.Format(session.Output{Kind: session.KindExternal, From: "EXT", Text: "ping"}, false))
	assert.Equal(t, "[Z observes]", r.Format(session.Output{Kind: session.KindNotice, Text: "Z observes"}, false))
	assert.Equal(t, "[Warning] memory not saved", r.Format(session.Output{Kind: session.KindWarning, Text: "memory not saved"}, false))
	assert.Equal(t, "plain", r.Format(session.Output{Kind: session.KindInfo, Text: "plain"}, false))
}

func TestBionicKeepsTextWithoutColour(t *testing.T) {
	r := New(&bytes.Buffer{})
	text := "Hello there, [note] a\nsecond line!"
	assert.Equal(t, text, r.Bionic(text))
}

func TestResultWritesEveryOutput(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.Result(session.Result{Outputs: []session.Output{
		{Kind: session.KindReply, From: "Z", Text: "one"},
		{Kind: session.KindWarning, Text: "two"},
	}}, true)
	r.Error(errors.New("bad input"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{"[Z] one", "[Warning] two", "[Error] bad input"}, lines)
}

func TestPromptAndBanner(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.Banner("Q", "Z")
	r.Prompt("Q")

	assert.Contains(t, buf.String(), "Q = You - Always in control")
	assert.True(t, strings.HasSuffix(buf.String(), "[Q] "))
}
