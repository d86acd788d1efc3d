// Package editor is the small line-oriented file tool behind the "c" mode.
package editor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrNoFile is returned by commands that need an open file.
var ErrNoFile = errors.New("no file open")

const helpText = `c ls [path]       list directory
c cd <path>       change directory
c pwd             show working directory
c open <file>     open a file
c cat [file]      show file with line numbers
c new <file>      start a new file
c append <text>   add a line to the open file
c edit <n> <text> replace line n
c save            write the open file
c close           close the open file`

// Editor keeps a working directory and at most one open file buffer.
type Editor struct {
	mu      sync.Mutex
	workDir string
	current string
	lines   []string
}

// New returns an editor rooted at workDir.
func New(workDir string) *Editor {
	return &Editor{workDir: workDir}
}

// Execute runs one editor command.
func (e *Editor) Execute(_ context.Context, args string) (string, error) {
	action, rest, _ := strings.Cut(strings.TrimSpace(args), " ")
	rest = strings.TrimSpace(rest)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch strings.ToLower(action) {
	case "", "help", "h":
		return helpText, nil
	case "ls", "l", "list":
		return e.list(rest)
	case "cd", "chdir":
		return e.changeDir(rest)
	case "pwd", "where":
		if e.current != "" {
			return fmt.Sprintf("Working dir: %s\nCurrent file: %s", e.workDir, e.current), nil
		}
		return "Working dir: " + e.workDir, nil
	case "open", "o", "read", "r":
		return e.open(rest)
	case "cat", "show":
		return e.show(rest)
	case "new", "create":
		return e.create(rest)
	case "append", "a":
		if e.current == "" {
			return "", ErrNoFile
		}
		e.lines = append(e.lines, rest)
		return fmt.Sprintf("Added line %d: %s", len(e.lines), rest), nil
	case "edit", "e":
		return e.edit(rest)
	case "save", "s":
		return e.save()
	case "close":
		if e.current == "" {
			return "", ErrNoFile
		}
		closed := e.current
		e.current, e.lines = "", nil
		return "Closed: " + closed, nil
	default:
		return "", fmt.Errorf("unknown code command %q", action)
	}
}

func (e *Editor) resolve(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(e.workDir, path)
}

func (e *Editor) list(path string) (string, error) {
	target := e.resolve(path)
	entries, err := os.ReadDir(target)
	if err != nil {
		return "", err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	b.WriteString(target + "/")
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&b, "\n  %s/", entry.Name())
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "\n  %s (%d bytes)", entry.Name(), info.Size())
	}
	return b.String(), nil
}

func (e *Editor) changeDir(path string) (string, error) {
	if path == "" {
		return "", errors.New("usage: c cd <path>")
	}
	target := e.resolve(path)
	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("directory not found: %s", target)
	}
	e.workDir = target
	return "Changed to: " + target, nil
}

func (e *Editor) open(name string) (string, error) {
	if name == "" {
		return "", errors.New("usage: c open <file>")
	}
	path := e.resolve(name)
	lines, err := readLines(path)
	if err != nil {
		return "", err
	}
	e.current, e.lines = path, lines
	return fmt.Sprintf("Opened: %s\nLines: %d", path, len(lines)), nil
}

func (e *Editor) show(name string) (string, error) {
	if name != "" {
		lines, err := readLines(e.resolve(name))
		if err != nil {
			return "", err
		}
		return numbered(lines), nil
	}
	if e.current == "" {
		return "", ErrNoFile
	}
	return numbered(e.lines), nil
}

func (e *Editor) create(name string) (string, error) {
	if name == "" {
		return "", errors.New("usage: c new <file>")
	}
	path := e.resolve(name)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("file already exists: %s", path)
	}
	e.current, e.lines = path, nil
	return "Created new file: " + path, nil
}

func (e *Editor) edit(args string) (string, error) {
	if e.current == "" {
		return "", ErrNoFile
	}
	numStr, text, ok := strings.Cut(args, " ")
	if !ok || strings.TrimSpace(text) == "" {
		return "", errors.New("usage: c edit <line> <text>")
	}
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return "", fmt.Errorf("line number must be an integer: %q", numStr)
	}
	if n < 1 || n > len(e.lines) {
		return "", fmt.Errorf("line number out of range (1-%d)", len(e.lines))
	}
	old := e.lines[n-1]
	e.lines[n-1] = strings.TrimSpace(text)
	return fmt.Sprintf("Changed line %d:\n  Old: %s\n  New: %s", n, old, e.lines[n-1]), nil
}

func (e *Editor) save() (string, error) {
	if e.current == "" {
		return "", ErrNoFile
	}
	content := strings.Join(e.lines, "\n")
	if len(e.lines) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(e.current, []byte(content), 0o644); err != nil {
		return "", err
	}
	return "Saved: " + e.current, nil
}

func readLines(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSuffix(string(raw), "\n")
	if text == "" {
		return []string{}, nil
	}
	return strings.Split(text, "\n"), nil
}

func numbered(lines []string) string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = fmt.Sprintf("%4d │ %s", i+1, line)
	}
	return strings.Join(out, "\n")
}
