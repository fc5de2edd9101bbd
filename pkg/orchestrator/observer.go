package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/informalsystems/tm-bench/pkg/messaging"
	"github.com/informalsystems/tm-bench/pkg/txstats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// The rate at which the observer logs progress if the benchmark file does
// not say otherwise.
const defaultObserverInterval = 5 * time.Second

// ObserverTotals are the live counters of the current round across all
// workers.
type ObserverTotals struct {
	Submitted int
	Succ      int
	Fail      int
}

// Pending is the number of submitted transactions without a result yet.
func (t ObserverTotals) Pending() int {
	p := t.Submitted - t.Succ - t.Fail
	if p < 0 {
		return 0
	}
	return p
}

type workerProgress struct {
	submitted int
	committed *txstats.Summary
}

// TestObserver folds the workers' live progress of the running round and
// periodically logs it.
type TestObserver struct {
	interval time.Duration
	logger   logging.Logger

	mtx        sync.Mutex
	round      int
	label      string
	progress   map[int]*workerProgress
	lastSucc   int
	lastReport time.Time
	stop       chan struct{}
	stopped    chan struct{}

	submittedMetric prometheus.Gauge
	succMetric      prometheus.Gauge
	failMetric      prometheus.Gauge
	pendingMetric   prometheus.Gauge
	tpsMetric       prometheus.Gauge
	roundMetric     prometheus.Gauge
}

// NewTestObserver creates an observer whose gauges are registered with reg.
func NewTestObserver(cfg bench.ObserverConfig, reg prometheus.Registerer, logger logging.Logger) *TestObserver {
	interval := defaultObserverInterval
	if cfg.Interval > 0 {
		interval = time.Duration(cfg.Interval) * time.Second
	}
	factory := promauto.With(reg)
	o := &TestObserver{
		interval: interval,
		logger:   logger,
		round:    -1,
		progress: make(map[int]*workerProgress),
		submittedMetric: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tmbench_observer_submitted_txs",
			Help: "The number of transactions submitted by all workers in the current round",
		}),
		succMetric: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tmbench_observer_succeeded_txs",
			Help: "The number of committed transactions in the current round",
		}),
		failMetric: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tmbench_observer_failed_txs",
			Help: "The number of failed transactions in the current round",
		}),
		pendingMetric: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tmbench_observer_pending_txs",
			Help: "The number of submitted transactions still awaiting a result",
		}),
		tpsMetric: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tmbench_observer_tx_rate",
			Help: "The commit rate (in txs/sec) since the previous progress update",
		}),
		roundMetric: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tmbench_observer_round",
			Help: "The index of the round currently being observed (-1 if none)",
		}),
	}
	o.roundMetric.Set(-1)
	return o
}

// StartRound clears the counters and starts logging progress for the given
// round until StopRound is called.
func (o *TestObserver) StartRound(round bench.RoundConfig) {
	o.StopRound()
	o.mtx.Lock()
	o.round = round.TestRound
	o.label = round.Label
	o.progress = make(map[int]*workerProgress)
	o.lastSucc = 0
	o.lastReport = time.Now()
	o.stop = make(chan struct{})
	o.stopped = make(chan struct{})
	stop, stopped := o.stop, o.stopped
	o.mtx.Unlock()
	o.roundMetric.Set(float64(round.TestRound))
	o.updateMetrics(ObserverTotals{}, 0)

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.logProgress()
			case <-stop:
				return
			}
		}
	}()
}

// StopRound logs the final progress of the round. It is a no-op when no
// round is being observed.
func (o *TestObserver) StopRound() {
	o.mtx.Lock()
	stop, stopped := o.stop, o.stopped
	o.stop, o.stopped = nil, nil
	o.mtx.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
	o.logProgress()
	o.roundMetric.Set(-1)
}

// Update folds a worker's progress delta. Updates for other rounds than the
// observed one are stale and dropped.
func (o *TestObserver) Update(u messaging.TxUpdate) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if u.Round != o.round {
		o.logger.Debug("Dropping stale progress update", "worker", u.WorkerIndex, "round", u.Round)
		return
	}
	p, ok := o.progress[u.WorkerIndex]
	if !ok {
		p = &workerProgress{committed: txstats.NewNullSummary()}
		o.progress[u.WorkerIndex] = p
	}
	p.submitted += u.Submitted
	p.committed.Merge(u.Committed)
}

// Reset clears the counters of one worker.
func (o *TestObserver) Reset(r messaging.TxReset) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if r.Round != o.round {
		return
	}
	delete(o.progress, r.WorkerIndex)
}

// Totals returns the counters of the observed round so far.
func (o *TestObserver) Totals() ObserverTotals {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.totals()
}

func (o *TestObserver) totals() ObserverTotals {
	var t ObserverTotals
	for _, p := range o.progress {
		t.Submitted += p.submitted
		t.Succ += p.committed.Succ
		t.Fail += p.committed.Fail
	}
	return t
}

func (o *TestObserver) logProgress() {
	o.mtx.Lock()
	t := o.totals()
	label := o.label
	now := time.Now()
	var tps float64
	if elapsed := now.Sub(o.lastReport).Seconds(); elapsed > 0 {
		tps = float64(t.Succ-o.lastSucc) / elapsed
	}
	o.lastSucc = t.Succ
	o.lastReport = now
	o.mtx.Unlock()

	o.updateMetrics(t, tps)
	o.logger.Info(
		"Progress",
		"round", label,
		"submitted", t.Submitted,
		"succ", t.Succ,
		"fail", t.Fail,
		"pending", t.Pending(),
		"tps", fmt.Sprintf("%.2f txs/sec", tps),
	)
}

func (o *TestObserver) updateMetrics(t ObserverTotals, tps float64) {
	o.submittedMetric.Set(float64(t.Submitted))
	o.succMetric.Set(float64(t.Succ))
	o.failMetric.Set(float64(t.Fail))
	o.pendingMetric.Set(float64(t.Pending()))
	o.tpsMetric.Set(tps)
}
