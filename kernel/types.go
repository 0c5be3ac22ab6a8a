package kernel

import "github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/core"

// Method selects the optimization routine.
type Method string

const (
	MeanVariance      Method = "mean_variance"
	MaxSharpe         Method = "max_sharpe"
	MinVariance       Method = "min_variance"
	RiskParity        Method = "risk_parity"
	EfficientFrontier Method = "efficient_frontier"
)

// Constraints bound the weights of an optimized portfolio. Nil fields are unset.
type Constraints struct {
	MinWeight     *float64 `json:"min_weight,omitempty"`
	MaxWeight     *float64 `json:"max_weight,omitempty"`
	TargetReturn  *float64 `json:"target_return,omitempty"`
	MaxVolatility *float64 `json:"max_volatility,omitempty" validate:"omitempty,gt=0"`
}

// Parameters tune an optimization method.
type Parameters struct {
	TargetReturn *float64 `json:"target_return,omitempty"`
	RiskFreeRate float64  `json:"risk_free_rate"`
	NumPoints    int      `json:"num_points,omitempty" validate:"omitempty,min=2,max=500"`
}

// OptimizeRequest is the payload of an optimize task.
// Returns and covariance are annualized.
type OptimizeRequest struct {
	Method          Method       `json:"method" validate:"required,oneof=mean_variance max_sharpe min_variance risk_parity efficient_frontier"`
	ExpectedReturns []float64    `json:"expected_returns" validate:"required,min=1"`
	Covariance      [][]float64  `json:"covariance" validate:"required,min=1"`
	Constraints     *Constraints `json:"constraints,omitempty"`
	Parameters      *Parameters  `json:"parameters,omitempty"`
}

func (OptimizeRequest) TaskType() core.TaskType { return core.TaskOptimize }

// FrontierPoint is one portfolio on the efficient frontier.
type FrontierPoint struct {
	ExpectedReturn float64   `json:"expected_return"`
	Volatility     float64   `json:"volatility"`
	SharpeRatio    float64   `json:"sharpe_ratio"`
	Weights        []float64 `json:"weights"`
}

// OptimizeResult is the reply to an optimize task.
type OptimizeResult struct {
	Weights           []float64       `json:"weights,omitempty"`
	ExpectedReturn    float64         `json:"expected_return,omitempty"`
	Volatility        float64         `json:"volatility,omitempty"`
	SharpeRatio       float64         `json:"sharpe_ratio,omitempty"`
	FrontierPoints    []FrontierPoint `json:"frontier_points,omitempty"`
	ComputationTimeMs float64         `json:"computation_time_ms"`
	FromCache         bool            `json:"from_cache,omitempty"`
}

func (r *OptimizeResult) SetFromCache(v bool) { r.FromCache = v }

// MonteCarloRequest is the payload of a monte_carlo task.
type MonteCarloRequest struct {
	ExpectedReturns []float64   `json:"expected_returns" validate:"required,min=1"`
	Covariance      [][]float64 `json:"covariance" validate:"required,min=1"`
	Weights         []float64   `json:"weights" validate:"required,min=1"`
	TimeHorizonDays int         `json:"time_horizon_days" validate:"required,gt=0,lte=3650"`
	NumSimulations  int         `json:"num_simulations,omitempty" validate:"omitempty,gt=0,lte=100000"`
	InitialValue    float64     `json:"initial_value,omitempty" validate:"omitempty,gt=0"`
	NumSamplePaths  int         `json:"num_sample_paths,omitempty" validate:"omitempty,gte=0,lte=100"`
	// Seed makes a run reproducible; zero draws a random seed.
	Seed uint64 `json:"seed,omitempty"`
}

func (MonteCarloRequest) TaskType() core.TaskType { return core.TaskMonteCarlo }

// Distribution summarizes simulated final portfolio values.
type Distribution struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P5     float64 `json:"p5"`
	P10    float64 `json:"p10"`
	P25    float64 `json:"p25"`
	P50    float64 `json:"p50"`
	P75    float64 `json:"p75"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
}

// MonteCarloResult is the reply to a monte_carlo task.
type MonteCarloResult struct {
	FinalValue        Distribution `json:"final_value"`
	ProbabilityOfLoss float64      `json:"probability_of_loss"`
	SamplePaths       [][]float64  `json:"sample_paths"`
	NumSimulations    int          `json:"num_simulations"`
	ComputationTimeMs float64      `json:"computation_time_ms"`
}

// MetricsRequest is the payload of a calculate_metrics task.
// HistoricalReturns holds one row per period and one column per asset.
type MetricsRequest struct {
	Weights           []float64   `json:"weights" validate:"required,min=1"`
	HistoricalReturns [][]float64 `json:"historical_returns" validate:"required,min=2"`
	PeriodsPerYear    int         `json:"periods_per_year,omitempty" validate:"omitempty,gt=0"`
	RiskFreeRate      float64     `json:"risk_free_rate"`
}

func (MetricsRequest) TaskType() core.TaskType { return core.TaskCalculateMetrics }

// PortfolioMetrics is the reply to a calculate_metrics task.
type PortfolioMetrics struct {
	AnnualizedReturn     float64 `json:"annualized_return"`
	AnnualizedVolatility float64 `json:"annualized_volatility"`
	SharpeRatio          float64 `json:"sharpe_ratio"`
	SortinoRatio         float64 `json:"sortino_ratio"`
	MaxDrawdown          float64 `json:"max_drawdown"`
	ValueAtRisk95        float64 `json:"var_95"`
	ConditionalVaR95     float64 `json:"cvar_95"`
	Periods              int     `json:"periods"`
	ComputationTimeMs    float64 `json:"computation_time_ms"`
	FromCache            bool    `json:"from_cache,omitempty"`
}

func (m *PortfolioMetrics) SetFromCache(v bool) { m.FromCache = v }
