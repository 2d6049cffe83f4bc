// Dispatch Plane: conversational routing and guarded tool dispatch.
//
// The server provides:
//   - Tiered router (rules, intent heuristics, LLM classification, LLM reply)
//   - Tool dispatcher with rate limits, circuit breakers and retries
//   - Yes/no confirmation gate for sensitive tools
//   - Expiry sweeper with webhook notifications
//   - MCP gateway exposing the tool registry
package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentoven/agentoven/dispatch-plane/internal/config"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = ""

var verbose bool

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "dispatchd",
		Short:        "Dispatch Plane: conversational routing and guarded tool dispatch",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(serveCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(versionCmd())
	return root
}

// loadConfig reads the environment and sets up logging to match it.
func loadConfig() *config.Config {
	cfg := config.Load()
	if Version != "" {
		cfg.Version = Version
	}
	setupLogging(cfg.LogLevel)
	return cfg
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if verbose {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
