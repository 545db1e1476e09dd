package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Hashi/common/version"
	"github.com/bdobrica/Hashi/internal/hashi/app"
	"github.com/bdobrica/Hashi/internal/hashi/config"
	"github.com/bdobrica/Hashi/internal/hashi/observability"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			observability.Setup(cfg.Log.Level, cfg.Log.Format)
			slog.Info("starting", "version", version.Info())
			for _, w := range cfg.Warnings() {
				slog.Warn("config: " + w)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Stop()
			return a.Run(ctx)
		},
	}
}

func configCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	var show bool
	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and report problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				var verr *config.ValidationError
				if errors.As(err, &verr) {
					for _, p := range verr.Problems {
						fmt.Fprintf(cmd.ErrOrStderr(), "✗ %s\n", p)
					}
					return fmt.Errorf("configuration has %d problem(s)", len(verr.Problems))
				}
				return err
			}
			for _, w := range cfg.Warnings() {
				fmt.Fprintf(cmd.OutOrStdout(), "! %s\n", w)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ configuration is valid")
			if show {
				out, err := yaml.Marshal(cfg.Redacted())
				if err != nil {
					return fmt.Errorf("render config: %w", err)
				}
				fmt.Fprint(cmd.OutOrStdout(), string(out))
			}
			return nil
		},
	}
	check.Flags().BoolVar(&show, "show", false, "print the effective configuration with secrets redacted")

	cmd.AddCommand(check)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	}
}

