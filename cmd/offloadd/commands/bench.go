package commands

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	offload "github.com/nathanaelhub/portfolio-optimization-dashboard-sub001"
	"github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/core"
	"github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/kernel"
)

var (
	benchRequests    int
	benchConcurrency int
	benchAssets      int
	benchSeed        uint64
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a synthetic workload and print timing statistics",
	Long: `Submit a mix of optimizations, simulations and metric calculations
over random portfolios, then print the recorded timing series and the
per-unit counters.

Examples:
  # 200 requests, 8 in flight
  offloadd bench --requests 200 --concurrency 8

  # Larger portfolios on 2 units
  OFFLOAD_POOL_SIZE=2 offloadd bench --assets 40`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().IntVarP(&benchRequests, "requests", "n", 100, "Number of requests to submit")
	benchCmd.Flags().IntVarP(&benchConcurrency, "concurrency", "c", 4, "Requests in flight at once")
	benchCmd.Flags().IntVar(&benchAssets, "assets", 10, "Assets per synthetic portfolio")
	benchCmd.Flags().Uint64Var(&benchSeed, "seed", 1, "Seed for the synthetic workload")
}

func runBench(cmd *cobra.Command, args []string) error {
	if benchRequests < 1 || benchConcurrency < 1 || benchAssets < 2 {
		return fmt.Errorf("requests and concurrency must be positive and assets at least 2")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m := offload.New(append(cfg.ManagerOptions(), offload.WithLogger(cfg.Logger()))...)
	defer func() { _ = m.Shutdown(context.Background()) }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	w := newWorkload(benchSeed, benchAssets)
	requests := make([]core.Request, benchRequests)
	for i := range requests {
		requests[i] = w.next(i)
	}

	start := time.Now()
	var failed int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(benchConcurrency)
	results := make([]error, len(requests))
	for i, req := range requests {
		g.Go(func() error {
			_, results[i] = m.Submit(gctx, req)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	for _, err := range results {
		if err != nil {
			failed++
		}
	}

	stats, err := m.GetPerformanceStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect stats: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d requests in %s (%d failed, %.1f req/s)\n\n",
		len(requests), elapsed.Round(time.Millisecond), failed, float64(len(requests))/elapsed.Seconds())
	printOperations(out, stats.Operations)
	fmt.Fprintln(out)
	printWorkers(out, stats.Workers)
	return nil
}

// workload produces a deterministic mix of request types over one random universe.
type workload struct {
	rng        *rand.Rand
	returns    []float64
	covariance [][]float64
	history    [][]float64
}

func newWorkload(seed uint64, assets int) *workload {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	w := &workload{rng: rng}

	vols := make([]float64, assets)
	w.returns = make([]float64, assets)
	for i := range assets {
		w.returns[i] = 0.03 + 0.12*rng.Float64()
		vols[i] = 0.1 + 0.3*rng.Float64()
	}

	// Constant 0.3 correlation keeps the matrix positive definite.
	w.covariance = make([][]float64, assets)
	for i := range assets {
		w.covariance[i] = make([]float64, assets)
		for j := range assets {
			rho := 0.3
			if i == j {
				rho = 1
			}
			w.covariance[i][j] = rho * vols[i] * vols[j]
		}
	}

	w.history = make([][]float64, 252)
	for t := range w.history {
		w.history[t] = make([]float64, assets)
		for i := range assets {
			w.history[t][i] = w.returns[i]/252 + vols[i]/15.87*rng.NormFloat64()
		}
	}
	return w
}

func (w *workload) weights() []float64 {
	out := make([]float64, len(w.returns))
	var sum float64
	for i := range out {
		out[i] = w.rng.Float64() + 0.01
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

var benchMethods = []kernel.Method{kernel.MinVariance, kernel.MaxSharpe, kernel.RiskParity, kernel.MeanVariance}

func (w *workload) next(i int) core.Request {
	switch i % 3 {
	case 0:
		return kernel.OptimizeRequest{
			Method:          benchMethods[(i/3)%len(benchMethods)],
			ExpectedReturns: w.returns,
			Covariance:      w.covariance,
		}
	case 1:
		return kernel.MonteCarloRequest{
			ExpectedReturns: w.returns,
			Covariance:      w.covariance,
			Weights:         w.weights(),
			TimeHorizonDays: 252,
			NumSimulations:  1000,
			Seed:            w.rng.Uint64(),
		}
	default:
		return kernel.MetricsRequest{
			Weights:           w.weights(),
			HistoricalReturns: w.history,
		}
	}
}

func printOperations(out io.Writer, ops map[string]core.MetricSnapshot) {
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	table := newTable(out, "Operation", "Count", "Mean ms", "P50 ms", "P95 ms", "P99 ms", "Max ms")
	for _, name := range names {
		s := ops[name]
		table.Append([]string{name, strconv.Itoa(s.Count), ms(s.Mean), ms(s.P50), ms(s.P95), ms(s.P99), ms(s.Max)})
	}
	table.Render()
}

func printWorkers(out io.Writer, workers []core.UnitPerformance) {
	sort.Slice(workers, func(i, j int) bool { return workers[i].Unit < workers[j].Unit })

	table := newTable(out, "Unit", "Computations", "Cache hits", "Cache size", "Avg ms")
	for _, p := range workers {
		table.Append([]string{
			strconv.Itoa(p.Unit),
			strconv.FormatInt(p.Computations, 10),
			strconv.FormatInt(p.CacheHits, 10),
			strconv.Itoa(p.CacheSize),
			ms(p.AvgComputationTimeMs),
		})
	}
	table.Render()
}

func newTable(out io.Writer, headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

func ms(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
