package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentoven/agentoven/dispatch-plane/internal/intent"
	"github.com/agentoven/agentoven/dispatch-plane/internal/tools"
	"github.com/agentoven/agentoven/dispatch-plane/pkg/server"
)

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MCP gateway and expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if port > 0 {
				cfg.Port = port
			}
			log.Info().Str("version", cfg.Version).Msg("Dispatch plane starting...")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := server.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize server: %w", err)
			}
			defer func() {
				if err := srv.Close(context.Background()); err != nil {
					log.Warn().Err(err).Msg("Shutdown cleanup failed")
				}
			}()
			return srv.Run(ctx)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides DISPATCH_PORT)")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry sweep against the configured store and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if cfg.Store.Driver == "" || cfg.Store.Driver == "memory" {
				log.Warn().Msg("The memory store starts empty, a one-shot sweep has nothing to do")
			}

			ctx := cmd.Context()
			srv, err := server.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize server: %w", err)
			}
			defer srv.Close(context.Background())

			stats := srv.Sweeper.RunOnce(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "expired=%d notified=%d archived=%d errors=%d elapsed=%s\n",
				stats.Expired, stats.Notified, stats.Archived, len(stats.Errors), stats.Elapsed)
			if len(stats.Errors) > 0 {
				return fmt.Errorf("sweep finished with %d errors", len(stats.Errors))
			}
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	var catalogPath, manifestPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check an intent catalog and a tool manifest without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if catalogPath == "" {
				catalogPath = cfg.Intent.CatalogPath
			}
			if manifestPath == "" {
				manifestPath = cfg.Tools.ManifestPath
			}
			out := cmd.OutOrStdout()

			catalog := intent.DefaultCatalog()
			if catalogPath != "" {
				c, err := intent.LoadCatalog(catalogPath)
				if err != nil {
					return err
				}
				catalog = c
			}
			fmt.Fprintf(out, "catalog: %d intents, %d examples\n", len(catalog.Intents()), len(catalog.Examples()))

			if manifestPath != "" {
				m, err := tools.LoadManifest(manifestPath)
				if err != nil {
					return err
				}
				for _, spec := range m.Tools {
					fmt.Fprintf(out, "tool: %s -> %s (sensitive=%t)\n", spec.Name, spec.Endpoint, spec.Sensitive)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "intent catalog YAML (default: $INTENT_CATALOG or the built-in catalog)")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "tool manifest YAML (default: $TOOLS_MANIFEST)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			fmt.Fprintf(cmd.OutOrStdout(), "dispatchd %s\n", cfg.Version)
		},
	}
}
