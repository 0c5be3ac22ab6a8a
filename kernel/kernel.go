// Package kernel holds the numeric routines execution units run: portfolio
// optimization, Monte-Carlo simulation and portfolio metrics.
//
// The request and result types double as the wire payloads of the offload
// manager; Register installs the routines into a core.KernelSet.
package kernel

import (
	"fmt"

	"github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/core"
)

// Register installs the default kernels. Optimization and metrics results are
// cacheable; simulations are not, since unseeded runs must differ.
func Register(set *core.KernelSet) error {
	if err := core.RegisterKernel[OptimizeRequest, OptimizeResult](set, core.TaskOptimize, Optimize, core.Cacheable()); err != nil {
		return err
	}
	if err := core.RegisterKernel[MonteCarloRequest, MonteCarloResult](set, core.TaskMonteCarlo, SimulateMonteCarlo); err != nil {
		return err
	}
	if err := core.RegisterKernel[MetricsRequest, PortfolioMetrics](set, core.TaskCalculateMetrics, CalculateMetrics, core.Cacheable()); err != nil {
		return err
	}
	return nil
}

// Factory returns a core.KernelFactory giving every unit its own default kernel set.
func Factory(codec core.Codec) core.KernelFactory {
	return func(slot int) (*core.KernelSet, error) {
		set := core.NewKernelSet(codec)
		if err := Register(set); err != nil {
			return nil, fmt.Errorf("register kernels for unit %d: %w", slot, err)
		}
		return set, nil
	}
}

// NewResult returns a pointer to the zero result type for kind.
func NewResult(kind core.TaskType) (any, bool) {
	switch kind {
	case core.TaskOptimize:
		return &OptimizeResult{}, true
	case core.TaskMonteCarlo:
		return &MonteCarloResult{}, true
	case core.TaskCalculateMetrics:
		return &PortfolioMetrics{}, true
	default:
		return nil, false
	}
}
