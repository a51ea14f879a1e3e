package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mrinal-mann/Knugget-new/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	// Missing .env files are fine; environment wins over file values.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "knugget",
	Short: "Knugget session daemon and backend CLI",
	Long:  "Knugget — the local session daemon and companion CLI for the Knugget summarization backend.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to knugget.yaml (default: ./knugget.yaml, then ~/.knugget/config.yaml)")
	rootCmd.PersistentFlags().String("base-url", "", "Backend base URL override")
	rootCmd.PersistentFlags().String("store", "", "Credential store kind: file | sqlite | memory")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")

	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("knugget version %s\n", version))

	rootCmd.AddCommand(cli.NewLoginCmd())
	rootCmd.AddCommand(cli.NewLogoutCmd())
	rootCmd.AddCommand(cli.NewWhoamiCmd())
	rootCmd.AddCommand(cli.NewSummarizeCmd())
	rootCmd.AddCommand(cli.NewSummariesCmd())
	rootCmd.AddCommand(cli.NewHealthCmd())
	rootCmd.AddCommand(cli.NewServeCmd())
}
