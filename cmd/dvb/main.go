package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dvtools/dvbulk/internal/debug"
	"github.com/dvtools/dvbulk/internal/telemetry"
)

// Version and Build are stamped by the release pipeline via -ldflags.
var (
	Version = "dev"
	Build   = "unknown"
)

// Exit codes. Partial success means some records failed while
// continue-on-error kept the run going.
const (
	exitOK          = 0
	exitFailure     = 1
	exitInvalidArgs = 2
	exitNotFound    = 3
	exitPartial     = 4
)

// exitError carries the process exit code alongside the error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

// invalidArgs wraps a usage mistake (exit 2).
func invalidArgs(format string, args ...any) error {
	return exitWith(exitInvalidArgs, fmt.Errorf(format, args...))
}

// notFound wraps a missing file/entity (exit 3).
func notFound(format string, args ...any) error {
	return exitWith(exitNotFound, fmt.Errorf(format, args...))
}

var (
	cfgFile     string
	jsonOutput  bool
	verboseFlag bool
	quietFlag   bool
	noColorFlag bool

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "dvb",
	Short: "dvb - Dataverse bulk data and migration tool",
	Long: `Bulk export, import, and CSV load against Dataverse environments,
with pooled connections, adaptive throttling, and dependency-ordered
migration.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("dvb version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupSignalContext()
		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)
		initConfig()
		applyConfigOverrides(cmd)
		if err := telemetry.Init(rootCtx, "dvb", Version); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: telemetry init failed: %v\n", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		telemetry.Shutdown(shutdownCtx)
		cancel()
		if rootCancel != nil {
			rootCancel()
		}
	},
}

// setupSignalContext cancels the root context on SIGINT/SIGTERM so a
// long-running import stops at a batch boundary and reports partial counts.
func setupSignalContext() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./dvb.yaml, $HOME/.config/dvb/dvb.yaml)")
	rootCmd.PersistentFlags().StringSlice("url", nil, "Environment URL(s); repeat for multiple pooled connections")
	rootCmd.PersistentFlags().Int("dop", 0, "Requested degree of parallelism (default: negotiated from sources)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Machine-readable ndjson progress and summary")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&noColorFlag, "no-color", false, "Disable ANSI colors (NO_COLOR env does the same)")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFailure)
	}
}
