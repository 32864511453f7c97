// Package main provides the conductor binary entry point.
// Conductor supervises the resolve, media, and platform worker processes
// and exposes the HTTP control surface the front end drives.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leaderpass/conductor/internal/config"
	"github.com/leaderpass/conductor/internal/recipe"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "conductor"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "conductor",
		Short: "Orchestrator for the resolve, media, and platform workers",
		Long: `Conductor spawns and supervises the three worker processes (resolve,
media, platform), routes commands to them over newline-delimited JSON on
stdin/stdout, and runs recipes as dependency-ordered jobs.

Running conductor with no subcommand starts the daemon: workers come up,
interrupted jobs resume from the job log, and the HTTP control surface
listens on listen_addr (default 127.0.0.1:8787).`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logLevel)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (JSON or YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [catalog]",
		Short: "Lint a recipe catalog and exit nonzero on errors",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalogPath := ""
			if len(args) > 0 {
				catalogPath = args[0]
			}
			return runValidate(configPath, catalogPath, cmd.OutOrStdout())
		},
	})

	return cmd
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(path string) (*config.File, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// runValidate lints a recipe catalog. The catalog comes from the positional
// argument when given, otherwise from the config's catalog_path.
func runValidate(configPath, catalogPath string, out io.Writer) error {
	if catalogPath == "" {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		catalogPath = cfg.CatalogPath
	}
	if catalogPath == "" {
		return fmt.Errorf("no catalog to validate: pass a catalog file or set catalog_path in the config")
	}

	catalog, err := recipe.LoadCatalog(catalogPath)
	if err != nil {
		return err
	}

	diags := catalog.LintCatalog()
	for _, d := range diags {
		fmt.Fprintf(out, "%s: %s (%s)\n", d.Severity, describeDiag(d), d.Rule)
		if d.Fix != "" {
			fmt.Fprintf(out, "  fix: %s\n", d.Fix)
		}
	}
	if recipe.HasErrors(diags) {
		return fmt.Errorf("catalog %s has lint errors", catalogPath)
	}
	fmt.Fprintf(out, "ok: %s (%d recipes)\n", filepath.Base(catalogPath), len(catalog.List()))
	return nil
}

// describeDiag prefixes the message with recipe/step so findings across a
// multi-recipe catalog stay attributable.
func describeDiag(d recipe.Diagnostic) string {
	loc := d.RecipeID
	if d.StepID != "" {
		loc += "/" + d.StepID
	}
	if loc == "" {
		return d.Message
	}
	return loc + ": " + d.Message
}
