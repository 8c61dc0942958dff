package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tidesync/tidesync/internal/config"
	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/utils"
	"github.com/tidesync/tidesync/internal/version"
)

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:           "tidesync",
	Short:         "SSH directory-tree synchronization daemon",
	Version:       version.Detailed(),
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (env vars and .env apply on top)")
	rootCmd.AddCommand(runCmd, recoverCmd, emergencyResetCmd, validateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error classes onto the documented process exit codes:
// 3 invalid configuration, 2 store unavailable, 1 anything else.
func exitCode(err error) int {
	switch errdefs.CodeOf(err) {
	case errdefs.CodeValidation:
		return 3
	case errdefs.CodeSystem, errdefs.CodeConflict:
		return 2
	default:
		return 1
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// setupLogging installs a tinted stderr handler plus, when LOG_FILE is
// set, a plain text handler behind the sequence-stamping interceptor.
func setupLogging(cfg *config.Config) error {
	stderrHandler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      cfg.SlogLevel(),
		TimeFormat: time.RFC3339,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	handlers := []slog.Handler{stderrHandler}

	if path := os.Getenv("LOG_FILE"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", path, err)
		}
		fileHandler := slog.NewTextHandler(utils.NewLogInterceptor(f), &slog.HandlerOptions{
			Level: cfg.SlogLevel(),
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				// The interceptor stamps its own time.
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return a
			},
		})
		handlers = append(handlers, fileHandler)
	}

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(handlers...)))
	return nil
}

func showHeader() {
	fmt.Fprintf(os.Stderr, "%s %s\n", cyan(version.AppName), version.Detailed())
}
