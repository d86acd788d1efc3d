package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set via ldflags.
	Version = "dev"

	flagHome string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "zlab",
		Short: "Personal assistant shell where the operator stays in control",
		Long: `zlab is an interactive shell shared by an operator, an AI responder
and an optional external party.

The responder only speaks when asked with "z <question>". Plain input is
observed, "a <text>" is addressed to the external party, "c" and "g" pass
through to the file editor and git.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          runShell,
	}

	rootCmd.PersistentFlags().StringVar(&flagHome, "home", "", "Memory directory (or ZLAB_HOME env var)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if flagHome != "" {
			return os.Setenv("ZLAB_HOME", flagHome)
		}
		return nil
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(learnCmd())
	rootCmd.AddCommand(recallCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
