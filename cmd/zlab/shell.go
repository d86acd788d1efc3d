package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-lab/internal/handler"
	"github.com/zhouzirui/z-lab/internal/handler/external"
	"github.com/zhouzirui/z-lab/internal/service/session"
	"github.com/zhouzirui/z-lab/internal/ui"
)

// terminal serializes everything written to the operator's screen. Inbound
// external messages arrive on other goroutines and interrupt the prompt.
type terminal struct {
	mu       sync.Mutex
	out      io.Writer
	renderer *ui.Renderer
	coord    *session.Coordinator
	logger   *zap.Logger
}

// Observe prints unsolicited output and redraws the prompt.
func (t *terminal) Observe(out session.Output) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out)
	t.renderer.Output(out, t.coord.Bionic())
	t.renderer.Prompt(t.coord.Profile().Operator.Name)
}

// cycle handles one line. A panic is contained to the cycle and the floor is
// handed back to the operator.
func (t *terminal) cycle(ctx context.Context, line string) (quit bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("input cycle panicked", zap.Any("panic", r), zap.String("line", line))
			t.coord.Reset()
			t.mu.Lock()
			t.renderer.Error(fmt.Errorf("internal error, state reset: %v", r))
			t.mu.Unlock()
		}
	}()

	res, err := t.coord.Handle(ctx, line)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.renderer.Error(err)
		return false
	}
	if res.Clear {
		t.renderer.Clear()
	}
	t.renderer.Result(res, t.coord.Bionic())
	return res.Quit
}

func (t *terminal) prompt() {
	t.mu.Lock()
	t.renderer.Prompt(t.coord.Profile().Operator.Name)
	t.mu.Unlock()
}

func runShell(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap()
	if err != nil {
		return err
	}
	coord, err := a.newCoordinator(ctx)
	if err != nil {
		_ = a.close(context.Background())
		return err
	}

	term := &terminal{
		out:      os.Stdout,
		renderer: ui.New(os.Stdout),
		coord:    coord,
		logger:   a.logger,
	}
	coord.SetObserver(term)

	serverCtx, cancelServer := context.WithCancel(ctx)
	var serverDone <-chan error
	if a.cfg.Server.Enabled() {
		hub := external.NewHub(coord, a.logger)
		coord.SetOutbox(hub)
		router := handler.NewRouter(coord, a.log, hub, a.logger)
		serverDone = startServer(serverCtx, newServer(a.cfg.Server.Addr, router), a.logger)
		defer hub.Close()
	}

	profile := coord.Profile()
	term.renderer.Banner(profile.Operator.Name, profile.Responder.Name)
	fmt.Printf("\nType 'z <question>' to ask %s, '!help' for commands\n\n", profile.Responder.Name)

	readLoop(ctx, os.Stdin, term)

	cancelServer()
	if serverDone != nil {
		if err := <-serverDone; err != nil {
			a.logger.Error("http server stopped", zap.Error(err))
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sessionErr := coord.Close(closeCtx)
	if sessionErr != nil {
		a.logger.Error("session not saved", zap.Error(sessionErr))
	}
	fmt.Printf("\n%s signing off. Session saved.\n", profile.Responder.Name)
	return errors.Join(sessionErr, a.close(closeCtx))
}

// readLoop feeds stdin lines to the terminal until quit, EOF or cancellation.
func readLoop(ctx context.Context, in io.Reader, term *terminal) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		term.prompt()
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if term.cycle(ctx, line) {
				return
			}
		}
	}
}
