// Package worker contains the worker side of a benchmark: the loop that
// submits transactions at the pace set by a rate controller, and the process
// that drives it on behalf of the manager.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/informalsystems/tm-bench/pkg/circular"
	"github.com/informalsystems/tm-bench/pkg/ratecontrol"
	"github.com/informalsystems/tm-bench/pkg/txstats"
	"github.com/informalsystems/tm-bench/pkg/workload"
	"github.com/pkg/errors"
)

const (
	DefaultMaxInFlight      = 1000
	DefaultTxUpdateInterval = 5 * time.Second

	initProgressInterval = 5 * time.Second
	inFlightDrainTimeout = 30 * time.Second
)

type trimPolicy int

const (
	trimNone trimPolicy = iota
	trimDuration
	trimCount
)

// Result is a worker's outcome for one round. Start and End are Unix
// milliseconds.
type Result struct {
	Results *txstats.Summary
	Start   int64
	End     int64
}

type preparedRound struct {
	index        int
	module       workload.Module
	wctx         workload.Context
	totalWorkers int
}

// Executor runs the rounds of a single worker. All of its counters are
// scoped to the round in progress.
type Executor struct {
	adapter        workload.Adapter
	args           map[string]interface{}
	sink           ProgressSink
	workerIndex    int
	maxInFlight    int
	updateInterval time.Duration
	latencyDetail  bool
	drainTimeout   time.Duration
	logger         logging.Logger

	prepMtx  sync.Mutex
	prepared *preparedRound

	mtx           sync.Mutex
	round         bench.RoundConfig
	start         time.Time
	lastTick      time.Time
	submitted     int
	lastSubmitted int
	finished      int
	succ          int
	fail          int
	latencySum    int64
	pending       []*txstats.TxStatus
	stats         []*txstats.Summary
	trimType      trimPolicy
	trim          int
}

// NewExecutor creates the executor for the worker with the given index. The
// arguments are the ones the adapter prepared for this worker.
func NewExecutor(
	adapter workload.Adapter,
	args map[string]interface{},
	sink ProgressSink,
	workerIndex int,
	cfg bench.WorkerConfig,
	logger logging.Logger,
) *Executor {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight < 1 {
		maxInFlight = DefaultMaxInFlight
	}
	updateInterval := cfg.TxUpdateInterval
	if updateInterval <= 0 {
		updateInterval = DefaultTxUpdateInterval
	}
	return &Executor{
		adapter:        adapter,
		args:           args,
		sink:           sink,
		workerIndex:    workerIndex,
		maxInFlight:    maxInFlight,
		updateInterval: updateInterval,
		latencyDetail:  cfg.LatencyDetail,
		drainTimeout:   inFlightDrainTimeout,
		logger:         logger,
	}
}

// PrepareTest obtains the adapter context for the round and initializes its
// workload module.
func (e *Executor) PrepareTest(ctx context.Context, round bench.RoundConfig, totalWorkers int) error {
	e.logger.Info("Preparing round", "round", round.TestRound, "label", round.Label)
	stop := e.logWhile("Workload initialization ongoing", round)
	defer stop()

	wctx, err := e.adapter.GetContext(ctx, round.Label, e.args)
	if err != nil {
		return bench.NewError(bench.ErrWorkloadLifecycle, err, "failed to obtain adapter context")
	}
	module, err := workload.NewModule(round.Workload.Module)
	if err != nil {
		e.releaseContext(wctx)
		return err
	}
	err = module.Init(ctx, workload.Env{
		Adapter:      e.adapter,
		Context:      wctx,
		Arguments:    round.Workload.Arguments,
		RoundIndex:   round.TestRound,
		WorkerIndex:  e.workerIndex,
		TotalWorkers: totalWorkers,
	})
	if err != nil {
		e.releaseContext(wctx)
		return bench.NewError(bench.ErrWorkloadLifecycle, err, "workload module "+round.Workload.Module)
	}

	e.prepMtx.Lock()
	prev := e.prepared
	e.prepared = &preparedRound{
		index:        round.TestRound,
		module:       module,
		wctx:         wctx,
		totalWorkers: totalWorkers,
	}
	e.prepMtx.Unlock()
	if prev != nil {
		e.logger.Info("Discarding round that was prepared but never run", "round", prev.index)
		_ = prev.module.End(context.Background())
		e.releaseContext(prev.wctx)
	}
	return nil
}

// DoTest runs a prepared round to completion and returns the summary of the
// results kept after trimming. Cancelling ctx stops submissions early; the
// transactions already in flight are awaited and a partial summary returned.
// In-flight transactions still pending drainTimeout after ctx is cancelled
// are cancelled too.
func (e *Executor) DoTest(ctx context.Context, round bench.RoundConfig) (*Result, error) {
	prep := e.takePrepared(round.TestRound)
	if prep == nil {
		return nil, bench.Errorf(bench.ErrWorkloadLifecycle, "round %d was not prepared", round.TestRound)
	}
	cleanup := func() error {
		var result error
		if err := prep.module.End(context.Background()); err != nil {
			result = multierror.Append(result, bench.NewError(bench.ErrWorkloadLifecycle, err, "workload end"))
		}
		if err := e.adapter.ReleaseContext(context.Background(), prep.wctx); err != nil {
			result = multierror.Append(result, bench.NewError(bench.ErrWorkloadLifecycle, err, "release context"))
		}
		return result
	}

	ctrl, err := ratecontrol.New(round.RateControl)
	if err != nil {
		_ = cleanup()
		return nil, err
	}
	e.beforeTest(round)
	err = ctrl.Init(ratecontrol.RoundContext{
		Round:        round,
		WorkerIndex:  e.workerIndex,
		TotalWorkers: prep.totalWorkers,
	})
	if err != nil {
		_ = cleanup()
		e.resetCounters()
		return nil, bench.NewError(bench.ErrRateController, err, round.RateControl.Type)
	}

	e.logger.Info("Starting round", "round", round.TestRound, "label", round.Label)
	subCtx, cancelSubmissions := e.submissionContext(ctx)
	stopUpdates := e.startUpdates()
	var runErr error
	if round.IsDurationBased() {
		runErr = e.runDuration(ctx, subCtx, prep.module, ctrl, round.Duration())
	} else {
		runErr = e.runFixedNumber(ctx, subCtx, prep.module, ctrl, round.TxNumber)
	}
	cancelSubmissions()
	var result error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}
	if err := ctrl.End(); err != nil {
		result = multierror.Append(result, bench.NewError(bench.ErrRateController, err, "end"))
	}
	if err := cleanup(); err != nil {
		result = multierror.Append(result, err)
	}
	stopUpdates()

	if result != nil {
		e.resetCounters()
		return nil, errors.Wrapf(result, "round %d (%s) failed on worker %d", round.TestRound, round.Label, e.workerIndex)
	}

	e.mtx.Lock()
	res := &Result{
		Results: txstats.NewNullSummary(),
		Start:   e.start.UnixMilli(),
		End:     txstats.NowMillis(),
	}
	if e.submitted == 0 {
		res.End = res.Start
	}
	if len(e.stats) > 0 {
		res.Results = e.stats[0]
	}
	submitted := e.submitted
	e.mtx.Unlock()
	e.resetCounters()

	if ctx.Err() != nil {
		e.logger.Info("Round cancelled", "round", round.TestRound, "submitted", submitted)
	}
	e.logger.Info("Round complete", "round", round.TestRound, "succ", res.Results.Succ, "fail", res.Results.Fail)
	return res, nil
}

func (e *Executor) takePrepared(index int) *preparedRound {
	e.prepMtx.Lock()
	defer e.prepMtx.Unlock()
	prep := e.prepared
	if prep == nil || prep.index != index {
		return nil
	}
	e.prepared = nil
	return prep
}

// Close releases a round that was prepared but not run.
func (e *Executor) Close() {
	e.prepMtx.Lock()
	prep := e.prepared
	e.prepared = nil
	e.prepMtx.Unlock()
	if prep != nil {
		_ = prep.module.End(context.Background())
		e.releaseContext(prep.wctx)
	}
}

func (e *Executor) releaseContext(wctx workload.Context) {
	if err := e.adapter.ReleaseContext(context.Background(), wctx); err != nil {
		e.logger.Error("Failed to release adapter context", "err", err)
	}
}

func (e *Executor) beforeTest(round bench.RoundConfig) {
	e.resetCounters()
	now := time.Now()
	e.mtx.Lock()
	e.round = round
	e.start = now
	e.lastTick = now
	switch {
	case round.Trim <= 0:
		e.trimType = trimNone
	case round.IsDurationBased():
		e.trimType = trimDuration
	default:
		e.trimType = trimCount
	}
	e.trim = round.Trim
	e.mtx.Unlock()

	if err := e.sink.Reset(round); err != nil {
		e.logger.Error("Failed to reset progress", "err", err)
	}
}

func (e *Executor) resetCounters() {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.submitted, e.lastSubmitted = 0, 0
	e.finished, e.succ, e.fail = 0, 0, 0
	e.latencySum = 0
	e.pending = nil
	e.stats = nil
	e.trimType, e.trim = trimNone, 0
}

// submissionContext returns the context workload invocations run under. It
// outlives ctx so that a stop awaits the transactions in flight, and is
// cancelled drainTimeout after ctx is.
func (e *Executor) submissionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	subCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-subCtx.Done():
			return
		}
		timer := time.NewTimer(e.drainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			e.logger.Error("In-flight transactions did not complete in time - cancelling them", "timeout", e.drainTimeout)
			cancel()
		case <-subCtx.Done():
		}
	}()
	return subCtx, cancel
}

func (e *Executor) runFixedNumber(ctx, subCtx context.Context, module workload.Module, ctrl ratecontrol.Controller, txNumber int) error {
	handles, err := circular.New[chan struct{}](e.maxInFlight)
	if err != nil {
		return bench.NewError(bench.ErrInvalidConfig, err)
	}
	defer awaitAll(handles)
	for dispatched := 0; dispatched < txNumber && ctx.Err() == nil; dispatched++ {
		e.submit(subCtx, module, handles)
		if err := ctrl.ApplyRateControl(ctx, e.observe()); err != nil {
			if ctx.Err() != nil {
				break
			}
			return bench.NewError(bench.ErrRateController, err)
		}
	}
	return nil
}

func (e *Executor) runDuration(ctx, subCtx context.Context, module workload.Module, ctrl ratecontrol.Controller, d time.Duration) error {
	handles, err := circular.New[chan struct{}](e.maxInFlight)
	if err != nil {
		return bench.NewError(bench.ErrInvalidConfig, err)
	}
	defer awaitAll(handles)
	start := time.Now()
	for time.Since(start) < d && ctx.Err() == nil {
		e.submit(subCtx, module, handles)
		if err := ctrl.ApplyRateControl(ctx, e.observe()); err != nil {
			if ctx.Err() != nil {
				break
			}
			return bench.NewError(bench.ErrRateController, err)
		}
	}
	return nil
}

// submit runs one workload invocation in the background under ctx. Once
// maxInFlight invocations are tracked, the one whose slot is reused is awaited
// before the next one starts.
func (e *Executor) submit(ctx context.Context, module workload.Module, handles *circular.Array[chan struct{}]) {
	e.mtx.Lock()
	e.submitted++
	e.mtx.Unlock()

	done := make(chan struct{})
	if evicted, overwritten := handles.Add(done); overwritten {
		<-evicted
	}
	go func() {
		defer close(done)
		results, err := module.Run(ctx)
		if err != nil {
			e.logger.Debug("Submission failed", "err", err)
			results = []*txstats.TxStatus{txstats.NewFailedTxStatus("", bench.NewError(bench.ErrSubmission, err))}
		} else if len(results) == 0 {
			results = []*txstats.TxStatus{txstats.NewFailedTxStatus("", bench.Errorf(bench.ErrSubmission, "workload produced no result"))}
		}
		e.addResults(results)
	}()
}

func awaitAll(handles *circular.Array[chan struct{}]) {
	handles.Each(func(done chan struct{}) { <-done })
}

func (e *Executor) addResults(results []*txstats.TxStatus) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	// batches count as one dispatch but several transactions
	e.submitted += len(results) - 1
	for _, tx := range results {
		e.finished++
		if tx.IsCommitted() {
			e.succ++
			e.latencySum += tx.Latency()
		} else {
			e.fail++
		}
		e.pending = append(e.pending, tx)
	}
}

func (e *Executor) observe() ratecontrol.Observation {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return ratecontrol.Observation{
		Start:      e.start,
		Submitted:  e.submitted,
		Finished:   e.finished,
		Successful: e.succ,
		Failed:     e.fail,
		LatencySum: e.latencySum,
		Results:    e.pending,
		Stats:      append([]*txstats.Summary(nil), e.stats...),
	}
}

// startUpdates reports progress every update interval. The returned function
// stops the reports and folds whatever completed since the last one.
func (e *Executor) startUpdates() func() {
	ticker := time.NewTicker(e.updateInterval)
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ticker.C:
				e.txUpdate()
			case <-quit:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(quit)
		<-done
		e.txUpdate()
	}
}

func (e *Executor) txUpdate() {
	now := time.Now()
	e.mtx.Lock()
	newResults := e.pending
	e.pending = nil
	newSubmitted := e.submitted - e.lastSubmitted
	e.lastSubmitted = e.submitted
	progress := Progress{
		Submitted:      newSubmitted,
		Interval:       now.Sub(e.lastTick),
		TotalSubmitted: e.submitted,
		TotalSucc:      e.succ,
		TotalFail:      e.fail,
	}
	e.lastTick = now
	round := e.round
	e.mtx.Unlock()

	if len(newResults) == 0 && newSubmitted == 0 {
		return
	}
	progress.Committed = txstats.Fold(newResults, e.latencyDetail)
	if err := e.sink.Update(round, progress); err != nil {
		e.logger.Error("Failed to report progress", "err", err)
	}
	if kept := e.trimmed(newResults, progress.Committed); kept != nil {
		e.addStats(kept)
	}
}

// trimmed applies the round's trim policy to the results of one update. It
// returns the summary to keep, or nil if the whole update is trimmed.
func (e *Executor) trimmed(results []*txstats.TxStatus, stats *txstats.Summary) *txstats.Summary {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	switch e.trimType {
	case trimDuration:
		if float64(e.trim) < time.Since(e.start).Seconds() {
			return stats
		}
		return nil
	case trimCount:
		if e.trim < len(results) {
			kept := txstats.Fold(results[e.trim:], e.latencyDetail)
			e.trim = 0
			e.trimType = trimNone
			return kept
		}
		e.trim -= len(results)
		return nil
	}
	return stats
}

// addStats keeps the cumulative summary at index 0 and the latest update at
// index 1.
func (e *Executor) addStats(s *txstats.Summary) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if len(e.stats) == 0 {
		e.stats = []*txstats.Summary{s}
		return
	}
	merged, _ := txstats.Merge(e.stats[0], s)
	e.stats = []*txstats.Summary{merged, s}
}

func (e *Executor) logWhile(msg string, round bench.RoundConfig) func() {
	ticker := time.NewTicker(initProgressInterval)
	quit := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.logger.Info(msg, "round", round.TestRound, "label", round.Label)
			case <-quit:
				return
			}
		}
	}()
	return func() { close(quit) }
}
