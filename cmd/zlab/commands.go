package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-lab/internal/handler"
	"github.com/zhouzirui/z-lab/internal/handler/external"
	"github.com/zhouzirui/z-lab/internal/model/memory"
	"github.com/zhouzirui/z-lab/internal/service/session"
)

const defaultServeAddr = ":8080"

// logObserver records external traffic when no terminal is attached.
type logObserver struct {
	logger *zap.Logger
}

func (o logObserver) Observe(out session.Output) {
	o.logger.Info("external message", zap.String("from", out.From), zap.String("text", out.Text))
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP inspection API and external WebSocket without a terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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
			coord.SetObserver(logObserver{logger: a.logger})

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			if addr == "" {
				addr = defaultServeAddr
			}

			hub := external.NewHub(coord, a.logger)
			coord.SetOutbox(hub)
			router := handler.NewRouter(coord, a.log, hub, a.logger)

			fmt.Printf("zlab listening on %s\n", addr)
			serveErr := runServer(ctx, newServer(addr, router))
			hub.Close()

			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := coord.Close(closeCtx); err != nil {
				a.logger.Error("session not saved", zap.Error(err))
			}
			if err := a.close(closeCtx); err != nil {
				a.logger.Error("close store", zap.Error(err))
			}
			return serveErr
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default ZLAB_HTTP_ADDR or :8080)")
	return cmd
}

func historyCmd() *cobra.Command {
	var (
		limit    int
		archived bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent exchanges between the operator and the responder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			var exchanges []memory.Exchange
			if archived {
				if a.archive == nil {
					return fmt.Errorf("no archive configured (set ZLAB_ARCHIVE_PATH)")
				}
				exchanges, err = a.archive.Recent(cmd.Context(), limit)
				if err != nil {
					return fmt.Errorf("read archive: %w", err)
				}
			} else {
				exchanges = a.log.RecentContext(limit)
			}

			if len(exchanges) == 0 {
				fmt.Println("No exchanges recorded yet.")
				return nil
			}
			op, self := a.profile.Operator.Name, a.profile.Responder.Name
			for _, ex := range exchanges {
				fmt.Printf("[%s]\n  %s: %s\n  %s: %s\n",
					ex.Time.Local().Format("2006-01-02 15:04"), op, ex.OperatorRequest, self, ex.ResponderReply)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of exchanges to show")
	cmd.Flags().BoolVar(&archived, "archived", false, "Read exchanges trimmed into the archive")
	return cmd
}

func learnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "learn <key> <value...>",
		Short: "Remember a fact about the operator",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			key, value := args[0], strings.Join(args[1:], " ")
			if err := a.log.Learn(cmd.Context(), key, value); err != nil {
				return err
			}
			fmt.Printf("Learned: %s = %s\n", key, value)
			return nil
		},
	}
}

func recallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recall [key]",
		Short: "Show learned facts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if len(args) == 1 {
				fact, ok := a.log.Learned(args[0])
				if !ok {
					return fmt.Errorf("nothing learned for %q", args[0])
				}
				fmt.Printf("%s = %s\n", args[0], fact.Value)
				return nil
			}

			facts := a.log.AllLearned()
			if len(facts) == 0 {
				fmt.Println("Nothing learned yet.")
				return nil
			}
			keys := make([]string, 0, len(facts))
			for k := range facts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %s\n", k, facts[k].Value)
			}
			return nil
		},
	}
}
