package session

import (
	"fmt"
	"strings"
)

// Mode is how an operator line is dispatched.
type Mode string

const (
	ModeEmpty     Mode = "empty"
	ModeCommand   Mode = "command"
	ModeResponder Mode = "responder"
	ModeExternal  Mode = "external"
	ModeEditor    Mode = "editor"
	ModeGit       Mode = "git"
	ModePlain     Mode = "plain"
)

var modePrefixes = map[byte]Mode{
	'z': ModeResponder,
	'a': ModeExternal,
	'c': ModeEditor,
	'g': ModeGit,
}

// Input is one parsed operator line.
type Input struct {
	Mode    Mode
	Raw     string
	Command string
	Body    string
}

// ValidationError rejects a line before any state changes.
type ValidationError struct {
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input %q: %s", e.Input, e.Reason)
}

// Parse classifies a line by its prefix. Whitespace-only lines parse as
// ModeEmpty.
func Parse(line string) (Input, error) {
	text := strings.TrimSpace(line)
	if text == "" {
		return Input{Mode: ModeEmpty}, nil
	}

	if strings.HasPrefix(text, "!") {
		name, args, _ := strings.Cut(strings.TrimSpace(text[1:]), " ")
		name = strings.ToLower(name)
		if _, ok := commands[name]; !ok {
			reason := "unknown command"
			if name == "" {
				reason = "missing command name"
			}
			return Input{}, &ValidationError{Input: text, Reason: reason}
		}
		return Input{Mode: ModeCommand, Raw: text, Command: name, Body: strings.TrimSpace(args)}, nil
	}

	if mode, ok := modePrefixes[text[0]]; ok && (len(text) == 1 || text[1] == ' ' || text[1] == '\t') {
		body := strings.TrimSpace(text[1:])
		if body == "" {
			return Input{}, &ValidationError{Input: text, Reason: fmt.Sprintf("%q needs text after the prefix", text[:1])}
		}
		return Input{Mode: mode, Raw: text, Body: body}, nil
	}

	return Input{Mode: ModePlain, Raw: text, Body: text}, nil
}
