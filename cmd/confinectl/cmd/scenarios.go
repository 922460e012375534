package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/confine"
)

var (
	showMetrics bool
	showReports bool
)

// scenariosCmd represents the scenarios command
var scenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "Run the reference confinement scenarios",
	Long: `Run scenarios A-D in-process: cross-goroutine access, strict destruction
off the origin, deferred destruction and eager take. Exits non-zero if any
scenario does not behave as expected.`,
	RunE: runScenarios,
}

func init() {
	rootCmd.AddCommand(scenariosCmd)
	scenariosCmd.Flags().BoolVar(&showMetrics, "metrics", false, "print library metrics after the run")
	scenariosCmd.Flags().BoolVar(&showReports, "reports", false, "print violation reports to stderr")
}

// scenarioResult is the outcome of one scenario.
type scenarioResult struct {
	Name     string
	Expected string
	Observed string
	Pass     bool
}

type scenario struct {
	name     string
	expected string
	run      func() (observed string, pass bool)
}

var scenarios = []scenario{
	{"A", "read on origin, WrongThread elsewhere, read again", scenarioA},
	{"B", "strict drop off origin panics, destructor not run", scenarioB},
	{"C", "lenient drop off origin defers, destroyed once at origin exit", scenarioC},
	{"D", "two deferred values: eager take fires one, teardown the other", scenarioD},
}

func runScenarios(cmd *cobra.Command, _ []string) error {
	if !showReports {
		confine.SetReportOutput(io.Discard)
		defer confine.SetReportOutput(nil)
	}

	results, err := runAll(cmd.Context())
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Scenario", "Expected", "Observed", "Pass")
	failed := 0
	for _, r := range results {
		if !r.Pass {
			failed++
		}
		table.Append([]string{r.Name, r.Expected, r.Observed, strconv.FormatBool(r.Pass)})
	}
	table.Render()

	if showMetrics {
		if err := printMetrics(os.Stdout); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(results))
	}
	return nil
}

// runAll runs every scenario concurrently. Each scenario owns its goroutines,
// so they do not interfere.
func runAll(ctx context.Context) ([]scenarioResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	results := make([]scenarioResult, len(scenarios))

	g, ctx := errgroup.WithContext(ctx)
	for i, s := range scenarios {
		i, s := i, s
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			observed, pass := s.run()
			results[i] = scenarioResult{Name: s.name, Expected: s.expected, Observed: observed, Pass: pass}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// probe counts its destructions.
type probe struct {
	drops *atomic.Int32
}

func newProbe() probe {
	return probe{drops: new(atomic.Int32)}
}

func (p probe) Drop() {
	p.drops.Add(1)
}

// elsewhere runs fn on a fresh goroutine and returns what it panicked with.
func elsewhere(fn func()) (recovered any) {
	done := make(chan any, 1)
	go func() {
		defer func() { done <- recover() }()
		fn()
	}()
	return <-done
}

// onOrigin runs fn on a fresh goroutine under confine.Run and waits for its
// registry teardown.
func onOrigin(fn func(tok confine.StackToken)) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = confine.Run(func() error {
			confine.WithToken(fn)
			return nil
		})
	}()
	<-done
}

func scenarioA() (string, bool) {
	var (
		first, again int
		offErr       error
	)
	onOrigin(func(confine.StackToken) {
		f := confine.NewFragile(42)
		defer f.Drop()

		first = f.Get()
		elsewhere(func() { _, offErr = f.TryGet() })
		again = f.Get()
	})

	observed := fmt.Sprintf("%d / %v / %d", first, offErr != nil, again)
	return observed, first == 42 && again == 42 && errors.Is(offErr, confine.ErrWrongThread)
}

func scenarioB() (string, bool) {
	p := newProbe()
	var recovered any
	onOrigin(func(confine.StackToken) {
		f := confine.NewFragile(p)
		recovered = elsewhere(f.Drop)
		f.Drop()
	})

	var verr *confine.ViolationError
	err, _ := recovered.(error)
	violated := errors.As(err, &verr) && errors.Is(err, confine.ErrWrongThreadDestruction)
	observed := fmt.Sprintf("panic=%v drops=%d", violated, p.drops.Load())
	return observed, violated && p.drops.Load() == 1
}

func scenarioC() (string, bool) {
	p := newProbe()
	var beforeExit int32
	onOrigin(func(tok confine.StackToken) {
		s := confine.NewSticky(p, tok)
		elsewhere(s.Drop)
		beforeExit = p.drops.Load()
	})

	observed := fmt.Sprintf("before exit=%d after exit=%d", beforeExit, p.drops.Load())
	return observed, beforeExit == 0 && p.drops.Load() == 1
}

func scenarioD() (string, bool) {
	first, second := newProbe(), newProbe()
	var afterEager [2]int32
	onOrigin(func(tok confine.StackToken) {
		a := confine.NewSticky(first, tok)
		b := confine.NewSticky(second, tok)
		elsewhere(func() {
			a.Drop()
			b.Drop()
		})
		a.Drop()
		afterEager = [2]int32{first.drops.Load(), second.drops.Load()}
	})

	observed := fmt.Sprintf("after eager=%v after exit=[%d %d]", afterEager, first.drops.Load(), second.drops.Load())
	return observed, afterEager == [2]int32{1, 0} && first.drops.Load() == 1 && second.drops.Load() == 1
}

func printMetrics(w io.Writer) error {
	families, err := confine.MetricsRegistry().Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	var rows [][]string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := ""
			for _, lp := range m.GetLabel() {
				if labels != "" {
					labels += ","
				}
				labels += lp.GetName() + "=" + lp.GetValue()
			}
			value := m.GetCounter().GetValue()
			if m.GetGauge() != nil {
				value = m.GetGauge().GetValue()
			}
			rows = append(rows, []string{mf.GetName(), labels, strconv.FormatFloat(value, 'f', -1, 64)})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i][0] != rows[j][0] {
			return rows[i][0] < rows[j][0]
		}
		return rows[i][1] < rows[j][1]
	})

	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Labels", "Value")
	for _, r := range rows {
		table.Append(r)
	}
	table.Render()
	return nil
}
