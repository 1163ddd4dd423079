package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/pagefrag/frag"
	"github.com/joshuapare/pagefrag/internal/logger"
	"github.com/joshuapare/pagefrag/pagealloc"
)

var (
	// Global flags
	verbose  bool
	quiet    bool
	jsonOut  bool
	logLevel string
	logJSON  bool
	logDir   string

	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "fragctl",
	Short: "Exercise and inspect page fragment caches",
	Long: `fragctl drives the pagefrag fragment cache against a buddy page
allocator. It runs the producer/consumer ring test, replays the reference
scenarios and reports cache and allocator statistics for synthetic workloads.`,
	Version: "0.1.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogging()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().
		StringVar(&logLevel, "log-level", "", "Enable structured logs at this level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write structured logs as JSON")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Write structured logs to a dated file in this directory")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging() error {
	closer, err := logger.Init(logger.Options{
		Enabled: logLevel != "",
		Level:   logger.ParseLevel(logLevel),
		JSON:    logJSON,
		LogDir:  logDir,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logCloser = closer
	return nil
}

// providerFlags are the allocator settings shared by the workload commands.
type providerFlags struct {
	pages    int
	reserve  int
	maxOrder uint8
	decommit bool
}

func (p *providerFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&p.pages, "pages", 1024, "Pages in the allocator's normal pool")
	cmd.Flags().IntVar(&p.reserve, "reserve", 0, "Pages in the emergency reserve")
	cmd.Flags().Uint8Var(&p.maxOrder, "order", pagealloc.DefaultMaxOrder, "Large block order")
	cmd.Flags().BoolVar(&p.decommit, "decommit", false, "Return released pages to the OS")
}

func (p providerFlags) options() pagealloc.Options {
	return pagealloc.Options{
		Pages:        p.pages,
		ReservePages: p.reserve,
		MaxOrder:     p.maxOrder,
		Decommit:     p.decommit,
	}
}

// cacheConfig builds the cache configuration matching the provider flags.
func (p providerFlags) cacheConfig(ceiling int, fallback string) (frag.Config, error) {
	cfg := frag.Config{
		Name:         "fragctl",
		MaxOrder:     p.maxOrder,
		Ceiling:      ceiling,
		AllowReserve: p.reserve > 0,
	}
	switch fallback {
	case "", "keep":
		cfg.SmallFallback = frag.FallbackKeep
	case "skip":
		cfg.SmallFallback = frag.FallbackSkip
	default:
		return cfg, fmt.Errorf("unknown fallback policy %q (want keep or skip)", fallback)
	}
	return cfg, nil
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

var numbers = message.NewPrinter(language.English)

// formatNumber renders n with thousands separators.
func formatNumber[T ~int | ~int64 | ~uint64](n T) string {
	return numbers.Sprintf("%d", n)
}

func formatBytes[T ~int | ~int64 | ~uint64](n T) string {
	return humanize.IBytes(uint64(n))
}
