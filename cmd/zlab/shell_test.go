package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-lab/internal/model/identity"
	"github.com/zhouzirui/z-lab/internal/service/memory"
	"github.com/zhouzirui/z-lab/internal/service/session"
	"github.com/zhouzirui/z-lab/internal/store"
	"github.com/zhouzirui/z-lab/internal/turnstate"
	"github.com/zhouzirui/z-lab/internal/ui"
)

func newTestTerminal(t *testing.T, editor session.Executor) (*terminal, *bytes.Buffer) {
	t.Helper()

	profile := identity.Seed()
	st, err := store.Open(t.TempDir(), profile.DocumentIdentity())
	require.NoError(t, err)
	log := memory.NewLog(st, profile, memory.Config{}, nil)

	coord, err := session.New(session.Deps{
		Machine: turnstate.New(log),
		Log:     log,
		Profile: profile,
		Editor:  editor,
	}, session.Config{})
	require.NoError(t, err)

	var buf bytes.Buffer
	return &terminal{out: &buf, renderer: ui.New(&buf), coord: coord, logger: zap.NewNop()}, &buf
}

func TestReadLoopStopsOnQuit(t *testing.T) {
	term, buf := newTestTerminal(t, nil)

	readLoop(context.Background(), strings.NewReader("hello there\n!quit\nz never asked\n"), term)

	out := buf.String()
	assert.Contains(t, out, "observes")
	assert.NotContains(t, out, "[Z]")
	assert.Equal(t, 1, term.coord.Status().Machine.TurnCount)
}

func TestReadLoopReportsInvalidInput(t *testing.T) {
	term, buf := newTestTerminal(t, nil)

	readLoop(context.Background(), strings.NewReader("!nope\n"), term)

	assert.Contains(t, buf.String(), "[Error]")
}

func TestReadLoopAnswersWithLocalReply(t *testing.T) {
	term, buf := newTestTerminal(t, nil)

	readLoop(context.Background(), strings.NewReader("z hello\n"), term)

	assert.Contains(t, buf.String(), "[Z] ")
	assert.Equal(t, 1, term.coord.Status().Session.Exchanges)
}

func TestObserveRedrawsPrompt(t *testing.T) {
	term, buf := newTestTerminal(t, nil)

	term.Observe(session.Output{Kind: session.KindExternal, From: "EXT", Text: "ping"})

	assert.Equal(t, "\n[EXT] ping\n[Q] ", buf.String())
}

type panickingEditor struct{}

func (panickingEditor) Execute(context.Context, string) (string, error) {
	panic("boom")
}

func TestCyclePanicResetsStateAndContinues(t *testing.T) {
	term, buf := newTestTerminal(t, panickingEditor{})
	ctx := context.Background()

	assert.False(t, term.cycle(ctx, "c open notes.txt"))
	assert.Contains(t, buf.String(), "[Error] internal error, state reset: boom")

	st := term.coord.Status().Machine
	assert.Equal(t, turnstate.OperatorActive, st.Phase)
	assert.False(t, st.ResponderMaySpeak)
	assert.True(t, st.AwaitingOperator)

	buf.Reset()
	assert.False(t, term.cycle(ctx, "z hi"))
	assert.Contains(t, buf.String(), "[Z] ")
	assert.Equal(t, 1, term.coord.Status().Session.Exchanges)
}
