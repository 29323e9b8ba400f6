package main

import (
	"fmt"
	"os"

	"github.com/coderunr/coderunner/cmd/coderunr/cmd"
	"github.com/spf13/cobra"
)

var (
	version = "1.0.0"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "coderunr",
		Short:        "CodeRunr CLI - Run scripts in the CodeRunr sandbox",
		Long:         `A command line interface for the CodeRunr script sandbox.`,
		Version:      fmt.Sprintf("%s (%s) built at %s", version, commit, date),
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("url", "u", "http://localhost:3003", "CodeRunr server URL")
	rootCmd.PersistentFlags().String("secret", os.Getenv("CODERUNR_SIGNATURE_SECRET"),
		"Shared secret used to sign submissions")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")

	// Add subcommands
	rootCmd.AddCommand(
		cmd.NewExecuteCommand(),
		cmd.NewConnectCommand(),
		cmd.NewHistoryCommand(),
		cmd.NewVersionCommand(version),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
