// Package monitor samples the resource usage of processes involved in a
// benchmark while its rounds run.
package monitor

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
)

const TypeProcess = "process"

// ResourceStat summarizes the samples of one watched item over a round.
type ResourceStat struct {
	Name   string
	MemMax float64 // bytes
	MemAvg float64 // bytes
	CPUMax float64 // percent of one core
	CPUAvg float64
}

// Monitor collects resource samples between Start and Stop.
type Monitor interface {
	Type() string
	// Start discards previous samples and begins sampling.
	Start(ctx context.Context) error
	Stop() error
	// Statistics summarizes the samples taken since the last Start.
	Statistics() []ResourceStat
}

// Orchestrator starts and stops a set of monitors together.
type Orchestrator struct {
	logger logging.Logger

	mtx      sync.Mutex
	monitors []Monitor
	started  bool
}

// NewOrchestrator creates the monitors described by the benchmark
// configuration. Extra monitors, e.g. one watching the local worker
// processes, are added as given.
func NewOrchestrator(cfg bench.MonitorsConfig, logger logging.Logger, extra ...Monitor) *Orchestrator {
	o := &Orchestrator{logger: logger}
	if len(cfg.Process) > 0 {
		o.monitors = append(o.monitors, NewProcessMonitor(cfg, logger))
	}
	o.monitors = append(o.monitors, extra...)
	if len(o.monitors) == 0 {
		logger.Info("No resource monitors specified")
	}
	return o
}

// StartAll starts every monitor. Monitors that are already running are
// restarted, which clears their samples.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	var result error
	for _, m := range o.monitors {
		if o.started {
			if err := m.Stop(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := m.Start(ctx); err != nil {
			o.logger.Error("Failed to start resource monitor", "type", m.Type(), "err", err)
			result = multierror.Append(result, err)
		}
	}
	o.started = true
	return result
}

// StopAll stops every monitor. Calling it when nothing runs is a no-op.
func (o *Orchestrator) StopAll() error {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if !o.started {
		return nil
	}
	o.logger.Info("Stopping all monitors")
	var result error
	for _, m := range o.monitors {
		if err := m.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	o.started = false
	return result
}

// Statistics returns the summaries of every monitor, keyed by monitor type.
func (o *Orchestrator) Statistics() map[string][]ResourceStat {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	res := make(map[string][]ResourceStat)
	for _, m := range o.monitors {
		res[m.Type()] = append(res[m.Type()], m.Statistics()...)
	}
	return res
}

// Types returns the types of the registered monitors.
func (o *Orchestrator) Types() []string {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	var res []string
	seen := make(map[string]bool)
	for _, m := range o.monitors {
		if !seen[m.Type()] {
			seen[m.Type()] = true
			res = append(res, m.Type())
		}
	}
	return res
}
