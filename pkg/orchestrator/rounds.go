package orchestrator

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/informalsystems/tm-bench/pkg/monitor"
	"github.com/informalsystems/tm-bench/pkg/ratecontrol"
	"github.com/informalsystems/tm-bench/pkg/report"
	"github.com/informalsystems/tm-bench/pkg/txstats"
	"github.com/informalsystems/tm-bench/pkg/workload"
)

// Teardown gets its own deadline so that it still runs after an interrupt.
const finalizeTimeout = 30 * time.Second

// Workers is what the round orchestrator needs from the worker pool.
type Workers interface {
	PrepareWorkerConnections(ctx context.Context) error
	PrepareTestRound(ctx context.Context, round bench.RoundConfig) error
	StartTest(ctx context.Context, round bench.RoundConfig) (*RoundResult, error)
	Stop(ctx context.Context) error
}

var _ Workers = (*WorkerOrchestrator)(nil)

// RoundOrchestrator runs the rounds of a benchmark one after the other.
// A failing round is recorded as such and does not stop the rounds after it.
type RoundOrchestrator struct {
	benchCfg *bench.BenchmarkConfig
	cfg      bench.ManagerConfig
	adapter  workload.Adapter
	workers  Workers
	monitors *monitor.Orchestrator
	observer *TestObserver
	report   *report.Builder
	out      io.Writer
	logger   logging.Logger
}

// NewRoundOrchestrator wires the collaborators of a benchmark run. The
// results table is printed to out once all rounds finished.
func NewRoundOrchestrator(
	benchCfg *bench.BenchmarkConfig,
	cfg bench.ManagerConfig,
	adapter workload.Adapter,
	workers Workers,
	monitors *monitor.Orchestrator,
	observer *TestObserver,
	out io.Writer,
	logger logging.Logger,
) *RoundOrchestrator {
	return &RoundOrchestrator{
		benchCfg: benchCfg,
		cfg:      cfg,
		adapter:  adapter,
		workers:  workers,
		monitors: monitors,
		observer: observer,
		report:   report.NewBuilder(benchCfg.Test.Name, benchCfg.Test.Description),
		out:      out,
		logger:   logger,
	}
}

// Report gives access to the rows recorded so far.
func (r *RoundOrchestrator) Report() *report.Builder {
	return r.report
}

// Run validates every round, then executes them in order and finally
// reports the results and tears everything down. Only a configuration
// error prevents the rounds from running.
func (r *RoundOrchestrator) Run(ctx context.Context) error {
	if err := ValidateBenchmark(r.benchCfg); err != nil {
		r.logger.Error("Benchmark configuration is invalid", "err", err)
		return err
	}
	started := time.Now()

	var result error
	if err := r.runRounds(ctx); err != nil {
		r.logger.Error("Benchmark aborted", "err", err)
		result = multierror.Append(result, err)
	}
	if err := r.finalize(); err != nil {
		result = multierror.Append(result, err)
	}

	succeeded, failed := r.report.Tally()
	r.logger.Info("Benchmark finished",
		"rounds", len(r.benchCfg.Test.Rounds),
		"succeeded", succeeded,
		"failed", failed,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	if failed > 0 {
		result = multierror.Append(result, bench.Errorf(bench.ErrRoundFailed, "%d of %d rounds failed", failed, succeeded+failed))
	}
	return result
}

// ValidateBenchmark checks every round up front, including that the rate
// controllers and workload modules they name exist.
func ValidateBenchmark(cfg *bench.BenchmarkConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for i, round := range cfg.Test.Rounds {
		if !ratecontrol.Exists(round.RateControl.Type) {
			return bench.Errorf(bench.ErrInvalidConfig, "round %d configuration validation error: unrecognized rate controller %q (supported: %v)", i+1, round.RateControl.Type, ratecontrol.Names())
		}
		if !workload.ModuleExists(round.Workload.Module) {
			return bench.Errorf(bench.ErrInvalidConfig, "round %d configuration validation error: unrecognized workload module %q (supported: %v)", i+1, round.Workload.Module, workload.ModuleNames())
		}
	}
	return nil
}

func (r *RoundOrchestrator) runRounds(ctx context.Context) error {
	if r.adapter != nil {
		if err := r.adapter.Init(ctx); err != nil {
			return bench.NewError(bench.ErrWorkloadLifecycle, err, "adapter init")
		}
		if err := r.adapter.InstallSmartContract(ctx); err != nil {
			return bench.NewError(bench.ErrWorkloadLifecycle, err, "smart contract installation")
		}
	}
	if err := r.workers.PrepareWorkerConnections(ctx); err != nil {
		return err
	}

	rounds := r.benchCfg.Test.Rounds
	for i, round := range rounds {
		if ctx.Err() != nil {
			return bench.NewError(bench.ErrKilled, ctx.Err())
		}
		if err := r.runRound(ctx, round); err != nil {
			r.logger.Error("Round failed", "round", round.TestRound+1, "label", round.Label, "err", err)
		}
		if i < len(rounds)-1 && r.cfg.RoundSettleDelay > 0 {
			r.logger.Info("Waiting before the next round", "delay", r.cfg.RoundSettleDelay)
			select {
			case <-time.After(r.cfg.RoundSettleDelay):
			case <-ctx.Done():
				return bench.NewError(bench.ErrKilled, ctx.Err())
			}
		}
	}
	return nil
}

// runRound executes a single round and always adds a row for it to the
// report.
func (r *RoundOrchestrator) runRound(ctx context.Context, round bench.RoundConfig) error {
	r.logger.Info("Preparing round", "round", round.TestRound+1, "label", round.Label)
	if err := r.workers.PrepareTestRound(ctx, round); err != nil {
		r.report.AddFailedRound(round.Label, err, nil)
		return err
	}

	res, err := r.execute(ctx, round)
	resources := r.monitors.Statistics()
	if err != nil {
		r.report.AddFailedRound(round.Label, err, resources)
		return err
	}
	r.report.AddRound(round.Label, res.Results, res.Start, res.End, resources)

	tps, ok := res.Results.Throughput()
	r.logger.Info("Round finished",
		"round", round.TestRound+1,
		"label", round.Label,
		"succ", res.Results.Succ,
		"fail", res.Results.Fail,
		"throughput", txstats.FormatRate(tps, ok),
		"failedWorkers", len(res.Failed),
	)
	return nil
}

// execute runs the round with the monitors and the observer active. The
// monitors are stopped however the round ends.
func (r *RoundOrchestrator) execute(ctx context.Context, round bench.RoundConfig) (*RoundResult, error) {
	if err := r.monitors.StartAll(ctx); err != nil {
		r.logger.Error("Failed to start resource monitors", "err", err)
	}
	defer func() {
		if err := r.monitors.StopAll(); err != nil {
			r.logger.Error("Failed to stop resource monitors", "err", err)
		}
	}()
	if r.observer != nil {
		r.observer.StartRound(round)
		defer r.observer.StopRound()
	}
	r.logger.Info("Running round", "round", round.TestRound+1, "label", round.Label)
	return r.workers.StartTest(ctx, round)
}

// finalize performs each teardown step regardless of the outcome of the
// others.
func (r *RoundOrchestrator) finalize() error {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	steps := []struct {
		name string
		fn   func() error
	}{
		{"print results", r.printResults},
		{"write report", r.writeReport},
		{"stop monitors", r.monitors.StopAll},
		{"stop workers", func() error { return r.workers.Stop(ctx) }},
	}
	var result error
	for _, step := range steps {
		if err := step.fn(); err != nil {
			r.logger.Error("Finalization step failed", "step", step.name, "err", err)
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (r *RoundOrchestrator) printResults() error {
	if _, err := fmt.Fprintf(r.out, "\n%s\n", r.report.SummaryTable()); err != nil {
		return bench.NewError(bench.ErrReporting, err, "failed to print results")
	}
	return nil
}

func (r *RoundOrchestrator) writeReport() error {
	var result error
	if len(r.cfg.ReportPath) > 0 {
		if err := r.report.WriteMarkdown(r.cfg.ReportPath); err != nil {
			result = multierror.Append(result, err)
		} else {
			r.logger.Info("Wrote report", "path", r.cfg.ReportPath)
		}
	}
	if len(r.cfg.CSVPath) > 0 {
		if err := r.report.WriteCSV(r.cfg.CSVPath); err != nil {
			result = multierror.Append(result, err)
		} else {
			r.logger.Info("Wrote CSV results", "path", r.cfg.CSVPath)
		}
	}
	return result
}
