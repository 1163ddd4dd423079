package main

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuapare/pagefrag/frag"
	"github.com/joshuapare/pagefrag/internal/buf"
	"github.com/joshuapare/pagefrag/internal/logger"
	"github.com/joshuapare/pagefrag/pagealloc"
)

const seqLen = 8

var (
	ringCount    int
	ringLen      int
	ringAlign    int
	ringSize     int
	ringFallback string
	ringProvider providerFlags
)

func init() {
	cmd := newRingtestCmd()
	cmd.Flags().IntVarP(&ringCount, "count", "n", 2000000, "Fragments to push through the ring")
	cmd.Flags().IntVar(&ringLen, "len", 2048, "Fragment length in bytes")
	cmd.Flags().IntVar(&ringAlign, "align", 0, "Fragment alignment in bytes (0 for none)")
	cmd.Flags().IntVar(&ringSize, "ring", 512, "Ring capacity")
	cmd.Flags().StringVar(&ringFallback, "fallback", "keep", "Small fallback policy (keep, skip)")
	ringProvider.register(cmd)
	rootCmd.AddCommand(cmd)
}

func newRingtestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ringtest",
		Short: "Carve on one goroutine, free on another",
		Long: `The ringtest command runs a producer goroutine that carves fragments
from a cache and pushes them through a bounded ring to a consumer goroutine,
which checks the sequence number stamped into each fragment and frees it.
At the end every block must be back in the allocator.

Example:
  fragctl ringtest
  fragctl ringtest --count 100000 --len 1500 --align 64
  fragctl ringtest --len 100 --order 0 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRingtest(args)
		},
	}
	return cmd
}

// RingResult is the outcome of one ring test.
type RingResult struct {
	Count     int             `json:"count"`
	Len       int             `json:"len"`
	Align     int             `json:"align"`
	Duration  time.Duration   `json:"duration_ns"`
	Retries   uint64          `json:"retries"`
	Cache     frag.Stats      `json:"cache"`
	Allocator pagealloc.Stats `json:"allocator"`
	Leaked    int             `json:"leaked_blocks"`
}

func runRingtest(args []string) error {
	if ringCount <= 0 {
		return fmt.Errorf("count must be positive, got %d", ringCount)
	}
	if ringLen < seqLen {
		return fmt.Errorf("len must be at least %d bytes to hold the sequence number, got %d", seqLen, ringLen)
	}
	if ringSize <= 0 {
		return fmt.Errorf("ring must be positive, got %d", ringSize)
	}
	align := ringAlign
	if align == 0 {
		align = frag.NoAlign
	}

	pa, err := pagealloc.New(ringProvider.options())
	if err != nil {
		return fmt.Errorf("failed to create allocator: %w", err)
	}
	defer pa.Close()

	cfg, err := ringProvider.cacheConfig(0, ringFallback)
	if err != nil {
		return err
	}
	c, err := frag.New(pa, cfg)
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}

	printVerbose("Ring test: %s fragments of %d bytes, ring %d\n", formatNumber(ringCount), ringLen, ringSize)
	logger.Info("ringtest starting", "count", ringCount, "len", ringLen, "align", align, "ring", ringSize)

	res, err := pushPop(c, pa, ringCount, ringLen, align, ringSize)
	if err != nil {
		return err
	}
	res.Align = ringAlign
	logger.Info("ringtest finished", "duration", res.Duration, "retries", res.Retries)

	if jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		mode := "non-aligned"
		if ringAlign > 1 {
			mode = fmt.Sprintf("%d-byte aligned", ringAlign)
		}
		printInfo("%s iterations for %s testing took %s\n", formatNumber(res.Count), mode, res.Duration)
		printInfo("  Per fragment: %s\n", res.Duration/time.Duration(res.Count))
		printInfo("  Refills: %s  Reclaims: %s  Abandons: %s\n",
			formatNumber(res.Cache.Refills), formatNumber(res.Cache.Reclaims), formatNumber(res.Cache.Abandons))
		printInfo("  Fragments per block generation: %.1f\n", res.Cache.FragmentsPerGeneration())
		printVerbose("  Allocation retries: %s\n", formatNumber(res.Retries))
	}

	if res.Leaked != 0 {
		return fmt.Errorf("%d blocks still in use after the test", res.Leaked)
	}
	return nil
}

// pushPop runs the producer on the calling goroutine and the consumer on a
// new one. Allocation failures are retried until the consumer frees enough
// memory.
func pushPop(c *frag.Cache, pa *pagealloc.Allocator, count, length, align, ring int) (RingResult, error) {
	res := RingResult{Count: count, Len: length}
	q := make(chan []byte, ring)

	var (
		wg       sync.WaitGroup
		popErr   error
		popErrMu sync.Mutex
	)
	fail := func(err error) {
		popErrMu.Lock()
		if popErr == nil {
			popErr = err
		}
		popErrMu.Unlock()
	}

	start := time.Now()
	wg.Add(1)
	go func() {
		defer wg.Done()
		var want uint64
		for data := range q {
			if got := buf.U64LE(data); got != want {
				fail(fmt.Errorf("fragment %d carries sequence %d", want, got))
			}
			want++
			if err := frag.FreeSlice(pa, data); err != nil {
				fail(err)
			}
		}
	}()

	for i := 0; i < count; {
		_, data, err := c.Alloc(length, align)
		if err != nil {
			if !errors.Is(err, frag.ErrProviderExhausted) {
				close(q)
				wg.Wait()
				return res, fmt.Errorf("alloc %d: %w", i, err)
			}
			res.Retries++
			runtime.Gosched()
			continue
		}
		buf.PutU64LE(data, uint64(i))
		q <- data
		i++
	}
	close(q)
	wg.Wait()
	c.Drain()

	res.Duration = time.Since(start)
	res.Cache = c.Stats()
	res.Allocator = pa.Stats()
	res.Leaked = res.Allocator.InUseBlocks
	return res, popErr
}
