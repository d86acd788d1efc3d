// Package ui renders session output for the terminal.
package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/zhouzirui/z-lab/internal/service/session"
)

var (
	ResponderColor = lipgloss.Color("#2196F3")
	OperatorColor  = lipgloss.Color("#8BC34A")
	ExternalColor  = lipgloss.Color("#e57373")
	WarningColor   = lipgloss.Color("#FFC107")
	MutedColor     = lipgloss.Color("#8a94a6")
)

// Renderer writes styled output to one terminal.
type Renderer struct {
	w io.Writer

	operator  lipgloss.Style
	responder lipgloss.Style
	external  lipgloss.Style
	warning   lipgloss.Style
	muted     lipgloss.Style
	highlight lipgloss.Style
}

// New creates a renderer for w. Colour is dropped automatically when w is
// not a terminal.
func New(w io.Writer) *Renderer {
	r := lipgloss.NewRenderer(w)
	return &Renderer{
		w:         w,
		operator:  r.NewStyle().Bold(true).Foreground(OperatorColor),
		responder: r.NewStyle().Bold(true).Foreground(ResponderColor),
		external:  r.NewStyle().Bold(true).Foreground(ExternalColor),
		warning:   r.NewStyle().Foreground(WarningColor),
		muted:     r.NewStyle().Foreground(MutedColor),
		highlight: r.NewStyle().Bold(true).Foreground(ResponderColor),
	}
}

// Prompt prints the operator prompt.
func (r *Renderer) Prompt(operator string) {
	fmt.Fprint(r.w, r.operator.Render("["+operator+"]")+" ")
}

// Banner prints the start-up header.
func (r *Renderer) Banner(operator, responder string) {
	rule := strings.Repeat("=", 50)
	fmt.Fprintln(r.w, r.responder.Render("Z-LAB INITIALIZED"))
	fmt.Fprintln(r.w, rule)
	fmt.Fprintf(r.w, "%s = You - Always in control\n", r.operator.Render(operator))
	fmt.Fprintf(r.w, "%s = AI Assistant - Helps, never replaces\n", r.responder.Render(responder))
	fmt.Fprintln(r.w, rule)
}

// Clear wipes the screen.
func (r *Renderer) Clear() {
	fmt.Fprint(r.w, "\033[H\033[2J")
}

// Result prints every output of one cycle.
func (r *Renderer) Result(res session.Result, bionic bool) {
	for _, out := range res.Outputs {
		r.Output(out, bionic)
	}
}

// Output prints a single output line.
func (r *Renderer) Output(out session.Output, bionic bool) {
	fmt.Fprintln(r.w, r.Format(out, bionic))
}

// Error prints an input error.
func (r *Renderer) Error(err error) {
	fmt.Fprintln(r.w, r.warning.Render("[Error] "+err.Error()))
}

// Format returns the rendered form of out.
func (r *Renderer) Format(out session.Output, bionic bool) string {
	text := out.Text
	if bionic {
		text = r.Bionic(text)
	}

	switch out.Kind {
	case session.KindReply:
		return r.responder.Render("["+out.From+"]") + " " + text
	case session.KindExternal:
		return r.external.Render("["+out.From+"]") + " " + text
	case session.KindNotice:
		return r.muted.Render("[" + out.Text + "]")
	case session.KindWarning:
		return r.warning.Render("[Warning] " + out.Text)
	default:
		return text
	}
}

// Bionic emphasises the first third of each word.
func (r *Renderer) Bionic(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		words := strings.Split(line, " ")
		for j, word := range words {
			words[j] = r.bionicWord(word)
		}
		lines[i] = strings.Join(words, " ")
	}
	return strings.Join(lines, "\n")
}

func (r *Renderer) bionicWord(word string) string {
	runes := []rune(word)
	if len(runes) <= 2 || strings.ContainsAny(string(runes[0]), "`[(!#") {
		return word
	}

	core, punct := runes, ""
	if strings.ContainsRune(`.,!?;:)"]}>`, runes[len(runes)-1]) {
		core, punct = runes[:len(runes)-1], string(runes[len(runes)-1])
	}
	if len(core) <= 1 {
		return word
	}
	n := max(1, len(core)/3)
	return r.highlight.Render(string(core[:n])) + string(core[n:]) + punct
}
