package main

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshuapare/pagefrag/frag"
	"github.com/joshuapare/pagefrag/pagealloc"
)

var (
	statsAllocs   int
	statsLen      int
	statsMaxLen   int
	statsHold     int
	statsSeed     uint64
	statsCeiling  int
	statsFallback string
	statsShards   int
	statsProvider providerFlags
)

func init() {
	cmd := newStatsCmd()
	cmd.Flags().IntVarP(&statsAllocs, "allocs", "n", 100000, "Fragments to allocate")
	cmd.Flags().IntVar(&statsLen, "len", 256, "Fragment length in bytes")
	cmd.Flags().IntVar(&statsMaxLen, "max-len", 0, "Draw lengths uniformly from [len, max-len] when set")
	cmd.Flags().IntVar(&statsHold, "hold", 64, "Fragments kept alive before the oldest is freed")
	cmd.Flags().Uint64Var(&statsSeed, "seed", 1, "Seed for length selection")
	cmd.Flags().IntVar(&statsCeiling, "ceiling", 0, "Largest fragment served (0 for one page)")
	cmd.Flags().StringVar(&statsFallback, "fallback", "keep", "Small fallback policy (keep, skip)")
	cmd.Flags().IntVar(&statsShards, "shards", 0, "Spread the workload over this many sharded caches")
	statsProvider.register(cmd)
	rootCmd.AddCommand(cmd)
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Run a synthetic workload and show statistics",
		Long: `The stats command carves fragments in a sliding window (each new
fragment frees the oldest once --hold are alive) and reports the cache
counters together with the state of the page allocator.

Example:
  fragctl stats
  fragctl stats --allocs 1000000 --len 64 --max-len 1500
  fragctl stats --order 3 --ceiling 32768 --len 9000 --fallback skip --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(args)
		},
	}
	return cmd
}

// WorkloadStats is the outcome of a synthetic workload.
type WorkloadStats struct {
	Config    string          `json:"config"`
	Allocs    int             `json:"allocs"`
	Failed    int             `json:"failed"`
	Cache     frag.Stats      `json:"cache"`
	Allocator pagealloc.Stats `json:"allocator"`
	Peak      pagealloc.Stats `json:"peak_allocator"`
}

func runStats(args []string) error {
	if statsAllocs <= 0 {
		return fmt.Errorf("allocs must be positive, got %d", statsAllocs)
	}
	if statsLen <= 0 || (statsMaxLen != 0 && statsMaxLen < statsLen) {
		return fmt.Errorf("invalid length range [%d, %d]", statsLen, statsMaxLen)
	}

	pa, err := pagealloc.New(statsProvider.options())
	if err != nil {
		return fmt.Errorf("failed to create allocator: %w", err)
	}
	defer pa.Close()

	cfg, err := statsProvider.cacheConfig(statsCeiling, statsFallback)
	if err != nil {
		return err
	}

	var alloc func(size int) ([]byte, error)
	var finish func() frag.Stats
	if statsShards > 0 {
		sh, err := frag.NewSharded(pa, cfg, statsShards)
		if err != nil {
			return fmt.Errorf("failed to create caches: %w", err)
		}
		alloc = func(size int) ([]byte, error) {
			_, data, err := sh.Alloc(size, frag.NoAlign)
			return data, err
		}
		finish = func() frag.Stats { sh.DrainAll(); return sh.Stats() }
	} else {
		c, err := frag.New(pa, cfg)
		if err != nil {
			return fmt.Errorf("failed to create cache: %w", err)
		}
		alloc = func(size int) ([]byte, error) {
			_, data, err := c.Alloc(size, frag.NoAlign)
			return data, err
		}
		finish = func() frag.Stats { c.Drain(); return c.Stats() }
	}

	printVerbose("Workload: %s fragments, hold %d\n", formatNumber(statsAllocs), statsHold)

	rng := rand.New(rand.NewPCG(statsSeed, statsSeed))
	window := make([][]byte, 0, statsHold+1)
	res := WorkloadStats{Config: cfg.Name}

	for range statsAllocs {
		size := statsLen
		if statsMaxLen > statsLen {
			size += rng.IntN(statsMaxLen - statsLen + 1)
		}
		data, err := alloc(size)
		if err != nil {
			res.Failed++
			printVerbose("alloc %d bytes: %v\n", size, err)
			continue
		}
		res.Allocs++
		window = append(window, data)
		if len(window) > statsHold {
			if err := frag.FreeSlice(pa, window[0]); err != nil {
				return err
			}
			window = window[1:]
		}
		if st := pa.Stats(); st.InUseBlocks > res.Peak.InUseBlocks {
			res.Peak = st
		}
	}
	for _, data := range window {
		if err := frag.FreeSlice(pa, data); err != nil {
			return err
		}
	}
	res.Cache = finish()
	res.Allocator = pa.Stats()

	if jsonOut {
		return printJSON(res)
	}
	printWorkload(res)
	return nil
}

func printWorkload(res WorkloadStats) {
	cs, as := res.Cache, res.Allocator

	printInfo("\nFragment Cache Statistics\n")
	printInfo("%s\n\n", strings.Repeat("=", 40))

	printInfo("Fragments:\n")
	printInfo("  Allocated: %s\n", formatNumber(res.Allocs))
	printInfo("  Failed: %s\n", formatNumber(res.Failed))
	printInfo("  Bytes carved: %s\n", formatBytes(cs.Bytes))
	printInfo("  Alignment padding: %s\n\n", formatBytes(cs.Padding))

	printInfo("Block Generations:\n")
	printInfo("  Refills: %s (%s small fallbacks)\n", formatNumber(cs.Refills), formatNumber(cs.SmallFallbacks))
	printInfo("  Reclaims: %s\n", formatNumber(cs.Reclaims))
	printInfo("  Abandons: %s\n", formatNumber(cs.Abandons))
	printInfo("  Releases: %s (%s emergency)\n", formatNumber(cs.Releases), formatNumber(cs.EmergencyReleases))
	printInfo("  Fragments per generation: %.1f\n", cs.FragmentsPerGeneration())
	if cs.Oversize > 0 || cs.Failures > 0 {
		printInfo("  Oversize: %s  Provider failures: %s\n", formatNumber(cs.Oversize), formatNumber(cs.Failures))
	}
	printInfo("\n")

	printInfo("Page Allocator:\n")
	printInfo("  Pool: %s (%s pages of %s)\n",
		formatBytes(as.TotalBytes()), formatNumber(as.Pages), formatBytes(as.PageSize))
	printInfo("  Free: %s\n", formatBytes(as.FreeBytes()))
	printInfo("  Peak blocks in use: %s\n", formatNumber(res.Peak.InUseBlocks))
	for order, n := range as.Acquires {
		if n == 0 && as.Failures[order] == 0 {
			continue
		}
		printInfo("  Order %d: %s acquired, %s failed\n", order, formatNumber(n), formatNumber(as.Failures[order]))
	}
	if as.ReservePages > 0 {
		printInfo("  Emergency reserve: %s acquired, %d of %d pages free\n",
			formatNumber(as.EmergencyAcquires), as.ReserveFree, as.ReservePages)
	}
}
