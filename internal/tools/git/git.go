// Package git runs git in the shell's working directory for the "g" mode.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds a single git invocation.
const DefaultTimeout = 30 * time.Second

// CommandError carries git's output alongside the exit failure.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Executor runs git commands in Dir.
type Executor struct {
	Dir     string
	Timeout time.Duration
}

// New returns an executor rooted at dir.
func New(dir string) *Executor {
	return &Executor{Dir: dir, Timeout: DefaultTimeout}
}

// Execute expands the shorthand in args and runs git. Empty args report the
// repository status.
func (e *Executor) Execute(ctx context.Context, args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return e.Status(ctx)
	}

	gitArgs, err := expand(fields)
	if err != nil {
		return "", err
	}
	if gitArgs == nil {
		return e.Status(ctx)
	}

	stdout, stderr, err := e.run(ctx, gitArgs...)
	if err != nil {
		return "", err
	}
	if out := strings.TrimRight(stdout, "\n"); out != "" {
		return out, nil
	}
	return strings.TrimRight(stderr, "\n"), nil
}

// Status reports the current branch and short status.
func (e *Executor) Status(ctx context.Context) (string, error) {
	branch, _, err := e.run(ctx, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	changes, _, err := e.run(ctx, "status", "-s")
	if err != nil {
		return "", err
	}

	changes = strings.TrimRight(changes, "\n")
	if changes == "" {
		changes = "  (clean)"
	}
	return fmt.Sprintf("Branch: %s\nChanges:\n%s", strings.TrimSpace(branch), changes), nil
}

// expand maps the shell's short verbs to git arguments. A nil result means
// status.
func expand(fields []string) ([]string, error) {
	verb, rest := strings.ToLower(fields[0]), fields[1:]
	switch verb {
	case "status", "s":
		return nil, nil
	case "add", "a":
		if len(rest) == 0 {
			rest = []string{"."}
		}
		return append([]string{"add"}, rest...), nil
	case "commit", "c":
		if len(rest) == 0 {
			return nil, errors.New("usage: g commit <message>")
		}
		return []string{"commit", "-m", strings.Join(rest, " ")}, nil
	case "push", "p":
		return append([]string{"push"}, rest...), nil
	case "pull", "pl":
		return append([]string{"pull"}, rest...), nil
	case "log", "l":
		count := 5
		if len(rest) > 0 {
			n, err := strconv.Atoi(rest[0])
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid log count %q", rest[0])
			}
			count = n
		}
		return []string{"log", "--oneline", fmt.Sprintf("-%d", count)}, nil
	case "diff", "d":
		return append([]string{"diff"}, rest...), nil
	case "branch", "b":
		return append([]string{"branch"}, rest...), nil
	case "checkout", "co":
		if len(rest) == 0 {
			return nil, errors.New("usage: g checkout <branch>")
		}
		return []string{"checkout", rest[0]}, nil
	default:
		return fields, nil
	}
}

func (e *Executor) run(ctx context.Context, args ...string) (string, string, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	base := []string{"-C", e.Dir, "-c", "maintenance.auto=0", "-c", "gc.auto=0"}
	cmd := exec.CommandContext(ctx, "git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if ctx.Err() == context.DeadlineExceeded {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: fmt.Errorf("timed out after %s", timeout)}
	}
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}
