package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile   string
	serverURL string
	debug     bool
)

var rootCmd = &cobra.Command{
	Use:     "crewd",
	Short:   "CrewNexus workflow execution engine",
	Long:    "crewd runs the CrewNexus engine and talks to a running instance over its HTTP API.",
	Version: version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $CONFIG_PATH or configs/crewnexus.json)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CREWNEXUS_URL", "http://localhost:8080"), "CrewNexus server URL")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(serveCmd, modelsCmd, submitCmd, statusCmd, watchCmd, cancelCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
