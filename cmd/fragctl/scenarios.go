package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/pagefrag/block"
	"github.com/joshuapare/pagefrag/frag"
	"github.com/joshuapare/pagefrag/pagealloc"
)

func init() {
	rootCmd.AddCommand(newScenariosCmd())
}

func newScenariosCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenarios",
		Short: "Replay the reference cache scenarios",
		Long: `The scenarios command replays five reference sequences against a
fresh cache backed by one-page blocks with a 4096-byte ceiling, and reports
whether the cache ended up in the expected state after each:

  1. fresh allocation of 100 bytes
  2. reclaim of the sole-owned block for a 4000-byte request
  3. prepare 10 bytes, commit 7, probe the rest
  4. a 5000-byte request rejected before touching the allocator
  5. prepare and commit 16 bytes, then abort them

Example:
  fragctl scenarios
  fragctl scenarios --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(args)
		},
	}
	return cmd
}

// ScenarioResult is the outcome of one scenario.
type ScenarioResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
}

// scenarioEnv is the state carried from one scenario to the next.
type scenarioEnv struct {
	pa    *pagealloc.Allocator
	c     *frag.Cache
	base  block.Addr
	first block.Addr
}

type scenario struct {
	name string
	run  func(env *scenarioEnv) error
}

var scenarioList = []scenario{
	{"fresh allocation", scenarioFresh},
	{"reclaim after free", scenarioReclaim},
	{"prepare and partial commit", scenarioPrepareCommit},
	{"oversize request", scenarioOversize},
	{"abort restores state", scenarioAbort},
}

func runScenarios(args []string) error {
	results, err := playScenarios()
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if !r.Pass {
			failed++
		}
	}

	if jsonOut {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		for i, r := range results {
			status := "PASS"
			if !r.Pass {
				status = "FAIL"
			}
			printInfo("%d. %-28s %s\n", i+1, r.Name, status)
			if r.Detail != "" && (!r.Pass || verbose) {
				printInfo("     %s\n", r.Detail)
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(results))
	}
	return nil
}

// playScenarios runs every scenario in order on one cache. A scenario that
// fails leaves the following ones running against whatever state it left.
func playScenarios() ([]ScenarioResult, error) {
	pa, err := pagealloc.New(pagealloc.Options{PageSize: 4096, Pages: 16, MaxOrder: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to create allocator: %w", err)
	}
	defer pa.Close()

	c, err := frag.New(pa, frag.ConfigSmallOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	env := &scenarioEnv{pa: pa, c: c}

	results := make([]ScenarioResult, 0, len(scenarioList))
	for _, s := range scenarioList {
		printVerbose("Running %s\n", s.name)
		r := ScenarioResult{Name: s.name, Pass: true}
		if err := s.run(env); err != nil {
			r.Pass = false
			r.Detail = err.Error()
		} else {
			r.Detail = fmt.Sprintf("offset=%d bias=%d", c.Offset(), c.Bias())
		}
		results = append(results, r)
	}
	c.Drain()
	return results, nil
}

func expect[T comparable](what string, got, want T) error {
	if got != want {
		return fmt.Errorf("%s: got %v, want %v", what, got, want)
	}
	return nil
}

func scenarioFresh(env *scenarioEnv) error {
	c := env.c
	addr, _, err := c.Alloc(100, frag.NoAlign)
	if err != nil {
		return err
	}
	base, _, ok := c.Active()
	if !ok {
		return errors.New("no active block after allocation")
	}
	env.base, env.first = base, addr
	return errors.Join(
		expect("address", addr, base),
		expect("offset", c.Offset(), 100),
		expect("bias", c.Bias(), c.Config().Batch-1),
	)
}

func scenarioReclaim(env *scenarioEnv) error {
	c := env.c
	if err := frag.Free(env.pa, env.first); err != nil {
		return err
	}
	refills := c.Stats().Refills

	addr, _, err := c.Alloc(4000, frag.NoAlign)
	if err != nil {
		return err
	}
	return errors.Join(
		expect("address", addr, env.base),
		expect("offset", c.Offset(), 4000),
		expect("refills", c.Stats().Refills, refills),
	)
}

func scenarioPrepareCommit(env *scenarioEnv) error {
	c := env.c
	before := c.Offset()
	f, err := c.Prepare(10, frag.NoAlign)
	if err != nil {
		return err
	}
	c.Commit(f, 7)
	p, ok := c.Probe(1, frag.NoAlign)
	if !ok {
		return errors.New("probe found no space")
	}
	return errors.Join(
		expect("offset", c.Offset(), before+7),
		expect("probed size", p.Size, 4096-c.Offset()),
	)
}

func scenarioOversize(env *scenarioEnv) error {
	c := env.c
	off, bias := c.Offset(), c.Bias()
	acquires := env.pa.Stats().Acquires[0]

	_, _, err := c.Alloc(5000, frag.NoAlign)
	if !errors.Is(err, frag.ErrOversize) {
		return fmt.Errorf("got error %v, want %v", err, frag.ErrOversize)
	}
	return errors.Join(
		expect("offset", c.Offset(), off),
		expect("bias", c.Bias(), bias),
		expect("allocator acquires", env.pa.Stats().Acquires[0], acquires),
	)
}

func scenarioAbort(env *scenarioEnv) error {
	c := env.c
	f, err := c.Prepare(16, frag.NoAlign)
	if err != nil {
		return err
	}
	off, bias := c.Offset(), c.Bias()
	c.Commit(f, 16)
	c.Abort(16)
	return errors.Join(
		expect("offset", c.Offset(), off),
		expect("bias", c.Bias(), bias),
	)
}
