// Package session ties operator input to the turn machine, the responder and
// the interaction log. One coordinator serves one session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-lab/internal/analysis/fallback"
	"github.com/zhouzirui/z-lab/internal/model/identity"
	"github.com/zhouzirui/z-lab/internal/service/ai"
	"github.com/zhouzirui/z-lab/internal/service/memory"
	"github.com/zhouzirui/z-lab/internal/store"
	"github.com/zhouzirui/z-lab/internal/turnstate"
)

const (
	DefaultResponderTimeout = 60 * time.Second
	DefaultContextLimit     = 5

	// PreferenceBionic holds "on" or "off" for bionic rendering; unset is on.
	PreferenceBionic = "bionic"
)

// Executor runs a passthrough command for the editor and git modes.
type Executor interface {
	Execute(ctx context.Context, args string) (string, error)
}

// Outbox delivers operator messages to connected external parties.
type Outbox interface {
	Deliver(ctx context.Context, from, text string, at time.Time) (int, error)
	Connected() int
}

// Observer is told about output that did not come from operator input, such
// as inbound external messages.
type Observer interface {
	Observe(out Output)
}

// Kind classifies an output line for rendering.
type Kind string

const (
	KindReply    Kind = "reply"
	KindNotice   Kind = "notice"
	KindWarning  Kind = "warning"
	KindInfo     Kind = "info"
	KindTool     Kind = "tool"
	KindExternal Kind = "external"
)

// Output is one piece of text for the terminal.
type Output struct {
	Kind Kind   `json:"kind"`
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

// Result is what a single input cycle produced.
type Result struct {
	Outputs []Output
	Quit    bool
	Clear   bool
}

func (r *Result) add(kind Kind, from, text string) {
	r.Outputs = append(r.Outputs, Output{Kind: kind, From: from, Text: text})
}

// Deps are the collaborators wired in main. Machine and Log are required.
type Deps struct {
	Machine   *turnstate.Machine
	Log       *memory.Log
	Profile   identity.Profile
	Responder ai.Responder
	Editor    Executor
	Git       Executor
	Logger    *zap.Logger
}

// Config tunes the responder call.
type Config struct {
	ResponderTimeout time.Duration
	ContextLimit     int
}

// Status is a point-in-time view of the session for status displays.
type Status struct {
	Machine  turnstate.Status `json:"machine"`
	Session  memory.Summary   `json:"session"`
	External int              `json:"externalConnections"`
	Bionic   bool             `json:"bionic"`
}

// Coordinator holds a mutex for a whole input cycle so terminal and external
// input never interleave transitions.
type Coordinator struct {
	mu sync.Mutex

	machine   *turnstate.Machine
	log       *memory.Log
	profile   identity.Profile
	responder ai.Responder
	editor    Executor
	git       Executor
	cfg       Config
	logger    *zap.Logger

	outMu    sync.RWMutex
	outbox   Outbox
	observer Observer
}

// New builds a coordinator.
func New(deps Deps, cfg Config) (*Coordinator, error) {
	if deps.Machine == nil || deps.Log == nil {
		return nil, errors.New("machine and log are required")
	}
	if cfg.ResponderTimeout <= 0 {
		cfg.ResponderTimeout = DefaultResponderTimeout
	}
	if cfg.ContextLimit < 0 {
		cfg.ContextLimit = DefaultContextLimit
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		machine:   deps.Machine,
		log:       deps.Log,
		profile:   deps.Profile,
		responder: deps.Responder,
		editor:    deps.Editor,
		git:       deps.Git,
		cfg:       cfg,
		logger:    logger.Named("session"),
	}, nil
}

// SetOutbox attaches the external channel once it exists.
func (c *Coordinator) SetOutbox(o Outbox) {
	c.outMu.Lock()
	c.outbox = o
	c.outMu.Unlock()
}

// SetObserver registers the sink for unsolicited output.
func (c *Coordinator) SetObserver(o Observer) {
	c.outMu.Lock()
	c.observer = o
	c.outMu.Unlock()
}

// Profile returns the identity profile of this session.
func (c *Coordinator) Profile() identity.Profile { return c.profile }

// Handle runs one operator line. Only *ValidationError is returned as an
// error; every other failure is reported in the result and the session
// continues.
func (c *Coordinator) Handle(ctx context.Context, line string) (Result, error) {
	in, err := Parse(line)
	if err != nil {
		return Result{}, err
	}
	if in.Mode == ModeEmpty {
		return Result{}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var res Result
	switch in.Mode {
	case ModeCommand:
		return c.command(ctx, in)
	case ModeResponder:
		c.ask(ctx, in.Body, &res)
	case ModeExternal:
		c.toExternal(ctx, in.Body, &res)
	case ModeEditor:
		c.passthrough(ctx, in, c.editor, "editor", &res)
	case ModeGit:
		c.passthrough(ctx, in, c.git, "git", &res)
	default:
		c.warnIf(c.machine.OperatorActs(ctx, in.Body), &res)
		res.add(KindNotice, "", fmt.Sprintf("%s observes, ready to help when you type 'z <question>'", c.profile.Responder.Name))
	}
	return res, nil
}

// HandleExternal records a message from the external party.
func (c *Coordinator) HandleExternal(ctx context.Context, text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, &ValidationError{Input: text, Reason: "empty external message"}
	}

	res := c.recordExternal(ctx, text)

	c.outMu.RLock()
	observer := c.observer
	c.outMu.RUnlock()
	if observer != nil {
		for _, out := range res.Outputs {
			observer.Observe(out)
		}
	}
	return res, nil
}

func (c *Coordinator) recordExternal(ctx context.Context, text string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res Result
	c.warnIf(c.machine.ExternalSpeaks(ctx, text), &res)
	res.add(KindExternal, c.profile.External.Name, text)
	return res
}

// Reset forces the floor back to the operator. Used after a failed cycle.
func (c *Coordinator) Reset() {
	c.machine.ForceReset()
}

// Status reports the machine and session state.
func (c *Coordinator) Status() Status {
	c.outMu.RLock()
	outbox := c.outbox
	c.outMu.RUnlock()

	st := Status{
		Machine: c.machine.Status(),
		Session: c.log.Summary(),
		Bionic:  c.Bionic(),
	}
	if outbox != nil {
		st.External = outbox.Connected()
	}
	return st
}

// Bionic reports whether bionic rendering is switched on. It is on until
// the operator turns it off.
func (c *Coordinator) Bionic() bool {
	v, ok := c.log.Preference(PreferenceBionic)
	return !ok || v != "off"
}

// Close flushes the log and writes the session snapshot.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.Close(ctx)
}

func (c *Coordinator) ask(ctx context.Context, question string, res *Result) {
	c.warnIf(c.machine.OperatorRequestsResponder(ctx, question), res)

	reply := c.think(ctx, question, c.log.FormatContext(c.cfg.ContextLimit))

	err := c.machine.ResponderReplies(ctx, reply)
	if errors.Is(err, turnstate.ErrPermissionDenied) {
		c.logger.Warn("responder reply rejected", zap.Error(err))
		res.add(KindNotice, "", fmt.Sprintf("%s cannot speak without %s's request", c.profile.Responder.Name, c.profile.Operator.Name))
		return
	}
	res.add(KindReply, c.profile.Responder.Name, reply)
	c.warnIf(err, res)
}

// think asks the responder under the configured deadline and falls back to a
// local reply on any failure.
func (c *Coordinator) think(ctx context.Context, question, contextText string) string {
	if c.responder == nil {
		return fallback.Reply(question, c.profile)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ResponderTimeout)
	defer cancel()

	reply, err := c.respond(callCtx, question, contextText)
	switch {
	case err == nil && strings.TrimSpace(reply) != "":
		return reply
	case errors.Is(err, ai.ErrResponderTimeout) || errors.Is(err, context.DeadlineExceeded):
		c.logger.Warn("responder timed out", zap.Duration("timeout", c.cfg.ResponderTimeout))
		return fallback.TimedOut(c.profile)
	case err == nil:
		c.logger.Warn("responder returned empty reply")
	default:
		c.logger.Warn("responder failed, using fallback", zap.Error(err))
	}
	return fallback.Reply(question, c.profile)
}

type response struct {
	reply string
	err   error
}

// respond enforces the deadline even when the responder ignores ctx. A late
// reply is discarded.
func (c *Coordinator) respond(ctx context.Context, question, contextText string) (string, error) {
	done := make(chan response, 1)
	go func() {
		reply, err := c.responder.Respond(ctx, question, contextText)
		done <- response{reply: reply, err: err}
	}()

	select {
	case r := <-done:
		return r.reply, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ai.ErrResponderTimeout, ctx.Err())
	}
}

func (c *Coordinator) toExternal(ctx context.Context, message string, res *Result) {
	c.warnIf(c.machine.OperatorToExternal(ctx, message), res)

	c.outMu.RLock()
	outbox := c.outbox
	c.outMu.RUnlock()

	if outbox == nil || outbox.Connected() == 0 {
		res.add(KindNotice, "", fmt.Sprintf("Saved for %s: %s", c.profile.External.Name, clip(message, 50)))
		return
	}
	n, err := outbox.Deliver(ctx, c.profile.Operator.Name, message, time.Now().UTC())
	if err != nil {
		c.logger.Warn("external delivery failed", zap.Error(err))
		res.add(KindWarning, "", fmt.Sprintf("delivery to %s failed: %v", c.profile.External.Name, err))
		return
	}
	res.add(KindNotice, "", fmt.Sprintf("Sent to %s (%d connected)", c.profile.External.Name, n))
}

func (c *Coordinator) passthrough(ctx context.Context, in Input, exec Executor, name string, res *Result) {
	c.warnIf(c.machine.OperatorActs(ctx, in.Raw), res)
	if exec == nil {
		res.add(KindWarning, "", name+" mode is not available")
		return
	}

	out, err := exec.Execute(ctx, in.Body)
	if err != nil {
		res.add(KindWarning, "", fmt.Sprintf("%s: %v", name, err))
		return
	}
	if out != "" {
		res.add(KindTool, "", out)
	}
}

// warnIf turns a recorder failure into a warning. The transition already
// happened, so the session carries on.
func (c *Coordinator) warnIf(err error, res *Result) {
	if err == nil {
		return
	}
	c.logger.Warn("turn not persisted", zap.Error(err))
	if store.IsPersistence(err) {
		res.add(KindWarning, "", "memory not saved: "+err.Error())
		return
	}
	res.add(KindWarning, "", err.Error())
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
