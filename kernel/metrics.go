package kernel

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Volatilities below this are rounding noise from a constant series.
const minVolatility = 1e-12

// CalculateMetrics derives risk and return figures from a history of asset returns.
func CalculateMetrics(ctx context.Context, req MetricsRequest) (PortfolioMetrics, error) {
	startedAt := time.Now()

	n := len(req.Weights)
	periods := len(req.HistoricalReturns)
	if periods < 2 {
		return PortfolioMetrics{}, fmt.Errorf("need at least 2 periods of returns, got %d", periods)
	}
	ppy := req.PeriodsPerYear
	if ppy <= 0 {
		ppy = tradingDaysPerYear
	}

	series := make([]float64, periods)
	for t, row := range req.HistoricalReturns {
		if len(row) != n {
			return PortfolioMetrics{}, fmt.Errorf("historical_returns row %d has %d assets, want %d", t, len(row), n)
		}
		series[t] = floats.Dot(req.Weights, row)
		if math.IsNaN(series[t]) || math.IsInf(series[t], 0) {
			return PortfolioMetrics{}, fmt.Errorf("historical_returns row %d is not finite", t)
		}
	}
	if err := ctx.Err(); err != nil {
		return PortfolioMetrics{}, err
	}

	mean, std := stat.MeanStdDev(series, nil)
	annReturn := mean * float64(ppy)
	annVol := std * math.Sqrt(float64(ppy))
	if annVol < minVolatility {
		annVol = 0
	}

	m := PortfolioMetrics{
		AnnualizedReturn:     annReturn,
		AnnualizedVolatility: annVol,
		Periods:              periods,
		MaxDrawdown:          maxDrawdown(series),
	}
	if annVol > 0 {
		m.SharpeRatio = (annReturn - req.RiskFreeRate) / annVol
	}
	if dd := downsideDeviation(series) * math.Sqrt(float64(ppy)); dd > minVolatility {
		m.SortinoRatio = (annReturn - req.RiskFreeRate) / dd
	}

	sorted := slices.Clone(series)
	slices.Sort(sorted)
	cutoff := stat.Quantile(0.05, stat.Empirical, sorted, nil)
	m.ValueAtRisk95 = -cutoff
	tail := 0.0
	count := 0
	for _, r := range sorted {
		if r > cutoff {
			break
		}
		tail += r
		count++
	}
	if count > 0 {
		m.ConditionalVaR95 = -tail / float64(count)
	}

	m.ComputationTimeMs = float64(time.Since(startedAt)) / float64(time.Millisecond)
	return m, nil
}

// maxDrawdown is the largest peak-to-trough fall of compounded wealth, as a positive fraction.
func maxDrawdown(returns []float64) float64 {
	wealth, peak, worst := 1.0, 1.0, 0.0
	for _, r := range returns {
		wealth *= 1 + r
		peak = math.Max(peak, wealth)
		if peak > 0 {
			worst = math.Max(worst, (peak-wealth)/peak)
		}
	}
	return worst
}

func downsideDeviation(returns []float64) float64 {
	sum := 0.0
	for _, r := range returns {
		if r < 0 {
			sum += r * r
		}
	}
	return math.Sqrt(sum / float64(len(returns)))
}
