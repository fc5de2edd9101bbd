// Package orchestrator drives a benchmark from the manager's side: it manages
// the pool of workers, runs the configured rounds one after the other and
// observes their live progress.
package orchestrator

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/informalsystems/tm-bench/pkg/messaging"
	"github.com/informalsystems/tm-bench/pkg/txstats"
	"github.com/informalsystems/tm-bench/pkg/workload"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager state gauge values
const (
	managerStarting = iota
	managerConnecting
	managerIdle
	managerPreparing
	managerTesting
	managerFailed
	managerStopped
)

const (
	repliesPerWorker = 16

	minLivenessCheck = 10 * time.Millisecond
	maxLivenessCheck = time.Second
)

type workerState int

const (
	workerConnecting workerState = iota
	workerReady
	workerRunning
	workerStopped
	workerErrored
)

func (s workerState) String() string {
	switch s {
	case workerConnecting:
		return "connecting"
	case workerReady:
		return "ready"
	case workerRunning:
		return "running"
	case workerStopped:
		return "stopped"
	case workerErrored:
		return "errored"
	}
	return "unknown"
}

// workerHandle is the manager's view of one worker.
type workerHandle struct {
	id       string
	index    int
	hostname string
	pid      int
	state    workerState
	lastSeen time.Time
}

// RoundResult is the merged outcome of a round across all workers that
// completed it.
type RoundResult struct {
	Results *txstats.Summary
	Start   time.Time
	End     time.Time
	// Failed holds the failure of every worker that did not contribute.
	Failed map[int]error
}

// WorkerOrchestrator manages the pool of workers for the whole benchmark.
//
// Workers that stop responding are left out of every following round.
// Workers that report a failure stay in the pool.
type WorkerOrchestrator struct {
	cfg        bench.ManagerConfig
	network    bench.NetworkConfig
	numWorkers int
	adapter    workload.Adapter
	messenger  messaging.Messenger
	observer   *TestObserver
	logger     logging.Logger

	replies  chan messaging.Message
	stop     chan struct{}
	stopOnce sync.Once

	mtx           sync.Mutex
	workers       map[string]*workerHandle
	ordered       []*workerHandle
	prepared      []*workerHandle
	preparedRound int

	stateMetric        prometheus.Gauge
	workersReadyMetric prometheus.Gauge
	roundMetric        prometheus.Gauge
	workerStateMetric  *prometheus.GaugeVec
}

// NewWorkerOrchestrator creates the orchestrator for numWorkers workers
// reachable through m. The adapter is only used to compute the per-worker
// arguments sent along with the network configuration.
func NewWorkerOrchestrator(
	cfg bench.ManagerConfig,
	network bench.NetworkConfig,
	numWorkers int,
	adapter workload.Adapter,
	m messaging.Messenger,
	observer *TestObserver,
	reg prometheus.Registerer,
	logger logging.Logger,
) *WorkerOrchestrator {
	factory := promauto.With(reg)
	o := &WorkerOrchestrator{
		cfg:           cfg,
		network:       network,
		numWorkers:    numWorkers,
		adapter:       adapter,
		messenger:     m,
		observer:      observer,
		logger:        logger,
		replies:       make(chan messaging.Message, numWorkers*repliesPerWorker),
		stop:          make(chan struct{}),
		workers:       make(map[string]*workerHandle),
		preparedRound: -1,
		stateMetric: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tmbench_manager_state",
			Help: "The current state of the tm-bench manager",
		}),
		workersReadyMetric: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tmbench_manager_workers_ready",
			Help: "The number of workers able to take part in the next round",
		}),
		roundMetric: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tmbench_manager_round_underway",
			Help: "The index of the round currently underway (-1 if none)",
		}),
		workerStateMetric: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tmbench_manager_worker_state",
			Help: "The state of each worker as seen by the manager",
		}, []string{"worker"}),
	}
	o.stateMetric.Set(managerStarting)
	o.roundMetric.Set(-1)
	return o
}

// PrepareWorkerConnections brings up the transport, which forks the local
// workers in process mode, and performs the handshake with every worker:
// connected, assign/ready, init/initialized. Every worker has to complete it
// before any round can start.
func (o *WorkerOrchestrator) PrepareWorkerConnections(ctx context.Context) error {
	o.stateMetric.Set(managerConnecting)
	o.messenger.Configure(messaging.Handlers{
		messaging.KindConnected:    o.receive,
		messaging.KindReady:        o.receive,
		messaging.KindInitialized:  o.receive,
		messaging.KindPrepared:     o.receive,
		messaging.KindTestResult:   o.receive,
		messaging.KindError:        o.receive,
		messaging.KindTxUpdate:     o.receiveUpdate,
		messaging.KindTxReset:      o.receiveUpdate,
		messaging.KindDisconnected: o.disconnected,
	})
	if err := o.messenger.Initialize(ctx); err != nil {
		o.stateMetric.Set(managerFailed)
		return err
	}
	if err := o.waitForWorkers(ctx); err != nil {
		o.stateMetric.Set(managerFailed)
		return err
	}

	workers := o.activeWorkers()
	failed := o.collect(ctx, workers, messaging.KindAssign, messaging.KindReady, -1, 0, func(h *workerHandle, _ messaging.Message) {
		o.setState(h, workerReady)
	})
	if err := handshakeError("assign", failed); err != nil {
		o.stateMetric.Set(managerFailed)
		return err
	}

	args, err := o.adapter.PrepareWorkerArguments(ctx, len(workers))
	if err != nil {
		o.stateMetric.Set(managerFailed)
		return bench.NewError(bench.ErrWorkloadLifecycle, err, "failed to prepare worker arguments")
	}
	for _, h := range workers {
		var a map[string]interface{}
		if h.index < len(args) {
			a = args[h.index]
		}
		if err := o.messenger.Send([]string{h.id}, messaging.Init{
			Network:      o.network,
			Arguments:    a,
			TotalWorkers: len(workers),
		}); err != nil {
			o.stateMetric.Set(managerFailed)
			return err
		}
	}
	failed = o.collect(ctx, workers, messaging.KindInit, messaging.KindInitialized, -1, 0, nil)
	if err := handshakeError("init", failed); err != nil {
		o.stateMetric.Set(managerFailed)
		return err
	}
	o.logger.Info("All workers ready", "count", len(workers))
	o.stateMetric.Set(managerIdle)
	o.updateReadyMetric()
	return nil
}

// waitForWorkers registers connecting workers and hands out their indexes
// until the expected number of workers is connected.
func (o *WorkerOrchestrator) waitForWorkers(ctx context.Context) error {
	o.logger.Info("Waiting for all workers to connect", "expected", o.numWorkers)
	timeout := time.NewTimer(o.cfg.ConnectTimeout)
	defer timeout.Stop()

	for {
		o.mtx.Lock()
		connected := len(o.ordered)
		o.mtx.Unlock()
		if connected >= o.numWorkers {
			return nil
		}
		select {
		case msg := <-o.replies:
			c, ok := msg.Payload.(messaging.Connected)
			if !ok {
				o.logger.Debug("Ignoring message while waiting for workers", "type", msg.Kind(), "from", msg.From)
				continue
			}
			if err := o.register(msg.From, c); err != nil {
				o.logger.Error("Rejecting worker", "id", msg.From, "err", err)
				_ = o.messenger.Send([]string{msg.From}, messaging.Exit{Reason: err.Error()})
			}

		case <-timeout.C:
			return bench.Errorf(bench.ErrWorkerCommunication, "timed out waiting for workers to connect (%d of %d connected)", connected, o.numWorkers)

		case <-ctx.Done():
			return bench.NewError(bench.ErrKilled, ctx.Err())
		}
	}
}

func (o *WorkerOrchestrator) register(id string, c messaging.Connected) error {
	o.mtx.Lock()
	if _, exists := o.workers[id]; exists {
		o.mtx.Unlock()
		return errors.Errorf("worker with ID %s already exists", id)
	}
	if len(o.ordered) >= o.numWorkers {
		o.mtx.Unlock()
		return errors.New("too many workers")
	}
	h := &workerHandle{
		id:       id,
		index:    len(o.ordered),
		hostname: c.Hostname,
		pid:      c.PID,
		state:    workerConnecting,
		lastSeen: time.Now(),
	}
	o.workers[id] = h
	o.ordered = append(o.ordered, h)
	o.mtx.Unlock()

	o.setState(h, workerConnecting)
	o.logger.Info("Added worker", "id", id, "index", h.index, "hostname", c.Hostname, "pid", c.PID)
	return o.messenger.Send([]string{id}, messaging.Assign{WorkerID: id, WorkerIndex: h.index})
}

// PrepareTestRound sends the round to every worker still in the pool and
// waits for them to set it up. Workers that fail to do so sit the round out.
func (o *WorkerOrchestrator) PrepareTestRound(ctx context.Context, round bench.RoundConfig) error {
	o.stateMetric.Set(managerPreparing)
	workers := o.activeWorkers()
	if len(workers) == 0 {
		return bench.Errorf(bench.ErrAllWorkersFailed, "no workers left to prepare round %q", round.Label)
	}
	if err := o.messenger.Send(workerIDs(workers), messaging.Prepare{Round: round}); err != nil {
		return err
	}
	failed := o.collect(ctx, workers, messaging.KindPrepare, messaging.KindPrepared, round.TestRound, 0, nil)
	logFailures(o.logger, "prepare", round, failed)

	var prepared []*workerHandle
	for _, h := range workers {
		if _, ok := failed[h.index]; !ok {
			prepared = append(prepared, h)
		}
	}
	o.mtx.Lock()
	o.prepared = prepared
	o.preparedRound = round.TestRound
	o.mtx.Unlock()
	o.updateReadyMetric()
	if len(prepared) == 0 {
		return allFailed("prepare", round, failed)
	}
	return nil
}

// StartTest runs a prepared round on its workers, each with its share of the
// round's transactions, and merges their results as they arrive.
func (o *WorkerOrchestrator) StartTest(ctx context.Context, round bench.RoundConfig) (*RoundResult, error) {
	o.mtx.Lock()
	workers, preparedRound := o.prepared, o.preparedRound
	o.prepared, o.preparedRound = nil, -1
	o.mtx.Unlock()
	if preparedRound != round.TestRound || len(workers) == 0 {
		return nil, bench.Errorf(bench.ErrRoundFailed, "round %q was not prepared", round.Label)
	}

	o.stateMetric.Set(managerTesting)
	o.roundMetric.Set(float64(round.TestRound))
	defer func() {
		o.roundMetric.Set(-1)
		o.stateMetric.Set(managerIdle)
	}()

	share := round.ForWorker(len(workers))
	o.logger.Info("Starting round on workers", "round", round.Label, "workers", len(workers), "txNumber", share.TxNumber, "txDuration", share.TxDuration)
	for _, h := range workers {
		o.setState(h, workerRunning)
	}
	if err := o.messenger.Send(workerIDs(workers), messaging.Test{Round: share, TotalWorkers: len(workers)}); err != nil {
		return nil, err
	}

	res := &RoundResult{Results: txstats.NewNullSummary()}
	var start, end int64
	failed := o.collect(ctx, workers, messaging.KindTest, messaging.KindTestResult, round.TestRound, round.Duration(), func(h *workerHandle, msg messaging.Message) {
		r := msg.Payload.(messaging.TestResult)
		if r.Results == nil {
			r.Results = txstats.NewNullSummary()
		}
		res.Results.Merge(r.Results)
		if start == 0 || r.Start < start {
			start = r.Start
		}
		if r.End > end {
			end = r.End
		}
		o.setState(h, workerReady)
		o.logger.Debug("Received round results", "worker", h.index, "succ", r.Results.Succ, "fail", r.Results.Fail)
	})
	logFailures(o.logger, "test", round, failed)
	o.updateReadyMetric()
	if len(failed) == len(workers) {
		return nil, allFailed("test", round, failed)
	}
	res.Start = time.UnixMilli(start)
	res.End = time.UnixMilli(end)
	res.Failed = failed
	return res, nil
}

// Stop tells every worker to exit and releases the transport. In process
// mode this waits for the local workers to terminate.
func (o *WorkerOrchestrator) Stop(_ context.Context) error {
	var result error
	o.stopOnce.Do(func() {
		o.logger.Info("Stopping all workers")
		if err := o.messenger.Send([]string{messaging.RecipientAll}, messaging.Exit{Reason: "benchmark finished"}); err != nil {
			result = multierror.Append(result, err)
		}
		close(o.stop)
		if err := o.messenger.Dispose(); err != nil {
			result = multierror.Append(result, err)
		}
		o.mtx.Lock()
		workers := append([]*workerHandle(nil), o.ordered...)
		o.mtx.Unlock()
		for _, h := range workers {
			o.setState(h, workerStopped)
		}
		o.stateMetric.Set(managerStopped)
	})
	return result
}

// collect waits for one reply of the given kind from each of the workers. A
// worker fails when it replies with an error for the request phase, or when
// nothing was heard from it for longer than the worker timeout. The timeout
// only starts counting after the grace period. Replies for other rounds and
// from other workers are dropped.
func (o *WorkerOrchestrator) collect(
	ctx context.Context,
	workers []*workerHandle,
	phase, reply messaging.Kind,
	round int,
	grace time.Duration,
	onReply func(h *workerHandle, msg messaging.Message),
) map[int]error {
	pending := make(map[string]*workerHandle, len(workers))
	for _, h := range workers {
		pending[h.id] = h
	}
	failed := make(map[int]error)
	fail := func(h *workerHandle, err error) {
		failed[h.index] = err
		delete(pending, h.id)
	}
	started := time.Now()
	ticker := time.NewTicker(livenessCheckInterval(o.cfg.WorkerTimeout))
	defer ticker.Stop()

	for len(pending) > 0 {
		select {
		case msg := <-o.replies:
			h, ok := pending[msg.From]
			if !ok {
				o.logger.Debug("Ignoring unexpected message", "type", msg.Kind(), "from", msg.From)
				continue
			}
			if d, ok := msg.Payload.(messaging.Disconnected); ok {
				fail(h, bench.Errorf(bench.ErrWorkerCommunication, "worker %d disconnected during %s: %s", h.index, phase, d.Reason))
				continue
			}
			if r, ok := roundOf(msg.Payload); ok && round >= 0 && r != round {
				o.logger.Debug("Ignoring message for another round", "type", msg.Kind(), "worker", h.index, "round", r)
				continue
			}
			if e, ok := msg.Payload.(messaging.Error); ok {
				if e.Phase != phase {
					continue
				}
				// the worker is alive, it only failed this phase
				o.setState(h, workerReady)
				fail(h, errors.Errorf("worker %d failed to %s: %s", h.index, phase, e.Message))
				continue
			}
			if msg.Kind() != reply {
				o.logger.Debug("Ignoring unexpected message", "type", msg.Kind(), "worker", h.index)
				continue
			}
			if onReply != nil {
				onReply(h, msg)
			}
			delete(pending, h.id)

		case now := <-ticker.C:
			for _, h := range pending {
				if now.Sub(o.deadlineBase(h, started.Add(grace))) > o.cfg.WorkerTimeout {
					o.setState(h, workerErrored)
					fail(h, bench.Errorf(bench.ErrWorkerCommunication, "worker %d did not reply to %s within %s", h.index, phase, o.cfg.WorkerTimeout))
				}
			}

		case <-ctx.Done():
			for _, h := range pending {
				fail(h, bench.NewError(bench.ErrKilled, ctx.Err()))
			}
		}
	}
	return failed
}

// deadlineBase is the later of the last time the worker was heard from and
// the end of the grace period.
func (o *WorkerOrchestrator) deadlineBase(h *workerHandle, graceEnd time.Time) time.Time {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if h.lastSeen.After(graceEnd) {
		return h.lastSeen
	}
	return graceEnd
}

func (o *WorkerOrchestrator) receive(msg messaging.Message) {
	o.touch(msg.From)
	select {
	case o.replies <- msg:
	case <-o.stop:
	}
}

// disconnected takes a worker whose connection the transport lost out of the
// pool and fails it in the collect waiting for it, if any.
func (o *WorkerOrchestrator) disconnected(msg messaging.Message) {
	select {
	case <-o.stop:
		return
	default:
	}
	o.mtx.Lock()
	h, ok := o.workers[msg.From]
	o.mtx.Unlock()
	if !ok {
		return
	}
	o.logger.Error("Lost connection to worker", "worker", h.index, "reason", msg.Payload.(messaging.Disconnected).Reason)
	o.setState(h, workerErrored)
	o.updateReadyMetric()
	select {
	case o.replies <- msg:
	case <-o.stop:
	}
}

func (o *WorkerOrchestrator) receiveUpdate(msg messaging.Message) {
	o.touch(msg.From)
	if o.observer == nil {
		return
	}
	switch p := msg.Payload.(type) {
	case messaging.TxUpdate:
		o.observer.Update(p)
	case messaging.TxReset:
		o.observer.Reset(p)
	}
}

func (o *WorkerOrchestrator) touch(id string) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if h, ok := o.workers[id]; ok {
		h.lastSeen = time.Now()
	}
}

// activeWorkers returns the workers that have not stopped responding, in
// index order.
func (o *WorkerOrchestrator) activeWorkers() []*workerHandle {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	var res []*workerHandle
	for _, h := range o.ordered {
		if h.state != workerErrored && h.state != workerStopped {
			res = append(res, h)
		}
	}
	return res
}

func (o *WorkerOrchestrator) setState(h *workerHandle, s workerState) {
	o.mtx.Lock()
	h.state = s
	o.mtx.Unlock()
	o.workerStateMetric.WithLabelValues(strconv.Itoa(h.index)).Set(float64(s))
}

func (o *WorkerOrchestrator) updateReadyMetric() {
	o.workersReadyMetric.Set(float64(len(o.activeWorkers())))
}

func livenessCheckInterval(timeout time.Duration) time.Duration {
	d := timeout / 4
	if d < minLivenessCheck {
		return minLivenessCheck
	}
	if d > maxLivenessCheck {
		return maxLivenessCheck
	}
	return d
}

func roundOf(p messaging.Payload) (int, bool) {
	switch v := p.(type) {
	case messaging.Prepared:
		return v.Round, true
	case messaging.TestResult:
		return v.Round, true
	case messaging.Error:
		if v.Phase == messaging.KindPrepare || v.Phase == messaging.KindTest {
			return v.Round, true
		}
	}
	return 0, false
}

func workerIDs(workers []*workerHandle) []string {
	ids := make([]string, len(workers))
	for i, h := range workers {
		ids[i] = h.id
	}
	return ids
}

func sortedIndexes(failed map[int]error) []int {
	idx := make([]int, 0, len(failed))
	for i := range failed {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

func logFailures(logger logging.Logger, phase string, round bench.RoundConfig, failed map[int]error) {
	for _, i := range sortedIndexes(failed) {
		logger.Error("Worker failed", "phase", phase, "round", round.Label, "worker", i, "err", failed[i])
	}
}

func combine(failed map[int]error) error {
	var result error
	for _, i := range sortedIndexes(failed) {
		result = multierror.Append(result, failed[i])
	}
	return result
}

func handshakeError(phase string, failed map[int]error) error {
	if len(failed) == 0 {
		return nil
	}
	return bench.NewError(bench.ErrWorkerCommunication, combine(failed), phase+" handshake failed")
}

func allFailed(phase string, round bench.RoundConfig, failed map[int]error) error {
	return bench.NewError(bench.ErrAllWorkersFailed, combine(failed), "round "+round.Label+" ("+phase+")")
}
