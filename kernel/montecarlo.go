package kernel

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	tradingDaysPerYear    = 252
	defaultSimulations    = 1000
	defaultSamplePaths    = 10
	defaultInitialValue   = 1.0
	cancelCheckEveryPaths = 64
)

// SimulateMonteCarlo draws correlated daily returns and compounds the
// portfolio value over the horizon.
func SimulateMonteCarlo(ctx context.Context, req MonteCarloRequest) (MonteCarloResult, error) {
	startedAt := time.Now()

	p, err := newProblem(req.ExpectedReturns, req.Covariance)
	if err != nil {
		return MonteCarloResult{}, err
	}
	if len(req.Weights) != p.n {
		return MonteCarloResult{}, fmt.Errorf("weights has %d entries, want %d", len(req.Weights), p.n)
	}

	sims := req.NumSimulations
	if sims <= 0 {
		sims = defaultSimulations
	}
	initial := req.InitialValue
	if initial <= 0 {
		initial = defaultInitialValue
	}
	samples := req.NumSamplePaths
	if samples == 0 {
		samples = defaultSamplePaths
	}
	samples = min(samples, sims)

	// Daily drift of the portfolio and the daily loading of each shock.
	var lower mat.TriDense
	p.chol.LTo(&lower)
	drift := 0.0
	for i, w := range req.Weights {
		drift += w * p.mu.AtVec(i) / tradingDaysPerYear
	}
	loading := make([]float64, p.n)
	scale := 1 / math.Sqrt(tradingDaysPerYear)
	for j := 0; j < p.n; j++ {
		for i := j; i < p.n; i++ {
			loading[j] += req.Weights[i] * lower.At(i, j) * scale
		}
	}

	seed := req.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	finals := make([]float64, sims)
	paths := make([][]float64, 0, samples)
	losses := 0
	for s := 0; s < sims; s++ {
		if s%cancelCheckEveryPaths == 0 {
			if err := ctx.Err(); err != nil {
				return MonteCarloResult{}, err
			}
		}

		var path []float64
		if s < samples {
			path = make([]float64, 0, req.TimeHorizonDays+1)
			path = append(path, initial)
		}

		value := initial
		for d := 0; d < req.TimeHorizonDays; d++ {
			r := drift
			for j := range loading {
				r += loading[j] * rng.NormFloat64()
			}
			value *= 1 + r
			if path != nil {
				path = append(path, value)
			}
		}

		finals[s] = value
		if value < initial {
			losses++
		}
		if path != nil {
			paths = append(paths, path)
		}
	}

	slices.Sort(finals)
	mean, std := stat.MeanStdDev(finals, nil)
	q := func(p float64) float64 { return stat.Quantile(p, stat.Empirical, finals, nil) }

	return MonteCarloResult{
		FinalValue: Distribution{
			Mean:   mean,
			StdDev: std,
			Min:    floats.Min(finals),
			Max:    floats.Max(finals),
			P5:     q(0.05),
			P10:    q(0.10),
			P25:    q(0.25),
			P50:    q(0.50),
			P75:    q(0.75),
			P90:    q(0.90),
			P95:    q(0.95),
		},
		ProbabilityOfLoss: float64(losses) / float64(sims),
		SamplePaths:       paths,
		NumSimulations:    sims,
		ComputationTimeMs: float64(time.Since(startedAt)) / float64(time.Millisecond),
	}, nil
}
