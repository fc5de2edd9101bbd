package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/informalsystems/tm-bench/pkg/messaging"
	"github.com/informalsystems/tm-bench/pkg/txstats"
	"github.com/informalsystems/tm-bench/pkg/worker"
	"github.com/informalsystems/tm-bench/pkg/workload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func init() {
	brokenOn := func(fail func(env workload.Env) bool) workload.ModuleFactory {
		return func() workload.Module { return &brokenModule{fail: fail} }
	}
	for name, factory := range map[string]workload.ModuleFactory{
		"test-broken":          brokenOn(func(workload.Env) bool { return true }),
		"test-broken-worker-1": brokenOn(func(env workload.Env) bool { return env.WorkerIndex == 1 }),
	} {
		if err := workload.RegisterModule(name, factory); err != nil {
			panic(err)
		}
	}
}

// brokenModule fails its initialization where fail says so and otherwise
// behaves like the noop module.
type brokenModule struct {
	fail  func(env workload.Env) bool
	inner workload.Module
}

func (m *brokenModule) Init(ctx context.Context, env workload.Env) error {
	if m.fail(env) {
		return fmt.Errorf("workload refused to start on worker %d", env.WorkerIndex)
	}
	inner, err := workload.NewModule("noop")
	if err != nil {
		return err
	}
	m.inner = inner
	return inner.Init(ctx, env)
}

func (m *brokenModule) Run(ctx context.Context) ([]*txstats.TxStatus, error) { return m.inner.Run(ctx) }

func (m *brokenModule) End(ctx context.Context) error {
	if m.inner == nil {
		return nil
	}
	return m.inner.End(ctx)
}

type workerKind int

const (
	realWorker workerKind = iota
	// muteWorker completes the handshake and prepares rounds, but never
	// answers a test.
	muteWorker
	// dyingWorker behaves like muteWorker, but closes its connection when
	// asked to run a test.
	dyingWorker
	// hollowWorker answers a test with a result carrying no summary.
	hollowWorker
)

// pool runs in-process workers behind the process transport.
type pool struct {
	orch     *WorkerOrchestrator
	observer *TestObserver
	reg      *prometheus.Registry
}

func testManagerConfig() bench.ManagerConfig {
	return bench.ManagerConfig{
		Comm:           bench.CommConfig{Method: bench.CommProcess},
		WorkerTimeout:  300 * time.Millisecond,
		ConnectTimeout: 5 * time.Second,
	}
}

func testWorkerConfig() bench.WorkerConfig {
	return bench.WorkerConfig{
		Comm:             bench.CommConfig{Method: bench.CommProcess},
		MaxInFlight:      8,
		TxUpdateInterval: 20 * time.Millisecond,
	}
}

func spawnWorker(kind workerKind) messaging.Spawner {
	return func(index int) (*messaging.WorkerProcess, error) {
		toWorkerR, toWorkerW := io.Pipe()
		toManagerR, toManagerW := io.Pipe()
		id := fmt.Sprintf("worker-%d", index)
		m := messaging.NewStreamWorker(id, toWorkerR, toManagerW, logging.NewNoopLogger())
		done := make(chan struct{})
		finish := func() {
			_ = toManagerW.Close()
			close(done)
		}
		switch kind {
		case muteWorker, dyingWorker, hollowWorker:
			startScriptedWorker(m, kind, finish)
		default:
			w := worker.New(testWorkerConfig(), m, logging.NewNoopLogger())
			go func() {
				_ = w.Run(context.Background())
				finish()
			}()
		}
		return &messaging.WorkerProcess{
			PID:    2000 + index,
			Stdin:  toWorkerW,
			Stdout: toManagerR,
			Wait:   func() error { <-done; return nil },
			Kill:   func() error { return nil },
		}, nil
	}
}

func startScriptedWorker(m *messaging.StreamWorker, kind workerKind, finish func()) {
	var once sync.Once
	var index int
	reply := func(p messaging.Payload) { _ = m.Send([]string{messaging.RecipientOrchestrator}, p) }
	exit := func(messaging.Message) {
		once.Do(func() {
			_ = m.Dispose()
			finish()
		})
	}
	handlers := messaging.Handlers{
		messaging.KindAssign: func(msg messaging.Message) {
			index = msg.Payload.(messaging.Assign).WorkerIndex
			reply(messaging.Ready{WorkerIndex: index})
		},
		messaging.KindInit: func(messaging.Message) {
			reply(messaging.Initialized{WorkerIndex: index})
		},
		messaging.KindPrepare: func(msg messaging.Message) {
			reply(messaging.Prepared{WorkerIndex: index, Round: msg.Payload.(messaging.Prepare).Round.TestRound})
		},
		messaging.KindExit: exit,
	}
	switch kind {
	case dyingWorker:
		handlers[messaging.KindTest] = exit
	case hollowWorker:
		handlers[messaging.KindTest] = func(msg messaging.Message) {
			reply(messaging.TestResult{WorkerIndex: index, Round: msg.Payload.(messaging.Test).Round.TestRound})
		}
	}
	m.Configure(handlers)
	go func() {
		_ = m.Initialize(context.Background())
		reply(messaging.Connected{})
	}()
}

// newPool starts one worker per kind given and completes the handshake.
func newPool(t *testing.T, network bench.NetworkConfig, kinds ...workerKind) (*pool, error) {
	spawners := make([]messaging.Spawner, len(kinds))
	for i, k := range kinds {
		spawners[i] = spawnWorker(k)
	}
	spawn := func(index int) (*messaging.WorkerProcess, error) { return spawners[index](index) }

	adapter, err := workload.NewAdapter(bench.NetworkConfig{Adapter: "simulated"}, logging.NewNoopLogger())
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	observer := NewTestObserver(bench.ObserverConfig{Interval: 1}, reg, logging.NewNoopLogger())
	manager := messaging.NewProcessManager(spawn, len(kinds), logging.NewNoopLogger())
	orch := NewWorkerOrchestrator(testManagerConfig(), network, len(kinds), adapter, manager, observer, reg, logging.NewNoopLogger())
	t.Cleanup(func() {
		require.NoError(t, orch.Stop(context.Background()))
	})
	p := &pool{orch: orch, observer: observer, reg: reg}
	return p, orch.PrepareWorkerConnections(context.Background())
}

func simulatedNetwork() bench.NetworkConfig {
	return bench.NetworkConfig{
		Adapter:  "simulated",
		Settings: map[string]interface{}{"minLatency": 0, "maxLatency": 2},
	}
}

func countRound(index int, label, module string, txNumber int) bench.RoundConfig {
	return bench.RoundConfig{
		Label:       label,
		TxNumber:    txNumber,
		RateControl: &bench.RateControl{Type: "fixed-rate", Opts: map[string]interface{}{"tps": 100000}},
		Workload:    &bench.Workload{Module: module},
		TestRound:   index,
	}
}

func (p *pool) run(t *testing.T, round bench.RoundConfig) (*RoundResult, error) {
	if err := p.orch.PrepareTestRound(context.Background(), round); err != nil {
		return nil, err
	}
	p.observer.StartRound(round)
	defer p.observer.StopRound()
	return p.orch.StartTest(context.Background(), round)
}

func TestWorkerOrchestratorRunsRounds(t *testing.T) {
	p, err := newPool(t, simulatedNetwork(), realWorker, realWorker, realWorker)
	require.NoError(t, err)
	require.Equal(t, 3.0, testutil.ToFloat64(p.orch.workersReadyMetric))
	require.Equal(t, float64(managerIdle), testutil.ToFloat64(p.orch.stateMetric))

	for i := 0; i < 2; i++ {
		res, err := p.run(t, countRound(i, fmt.Sprintf("round-%d", i), "noop", 30))
		require.NoError(t, err)
		require.Equal(t, 30, res.Results.Succ)
		require.Equal(t, 0, res.Results.Fail)
		require.Empty(t, res.Failed)
		require.False(t, res.End.Before(res.Start))

		// the last progress update of every worker precedes its result
		totals := p.observer.Totals()
		require.Equal(t, ObserverTotals{Submitted: 30, Succ: 30}, totals)
		require.Equal(t, 0, totals.Pending())
	}
	require.Equal(t, -1.0, testutil.ToFloat64(p.orch.roundMetric))
}

func TestWorkerOrchestratorIsolatesFailingWorker(t *testing.T) {
	p, err := newPool(t, simulatedNetwork(), realWorker, realWorker, realWorker)
	require.NoError(t, err)

	// worker 1 cannot prepare, the other two share the round
	res, err := p.run(t, countRound(0, "partial", "test-broken-worker-1", 30))
	require.NoError(t, err)
	require.Equal(t, 30, res.Results.Succ)

	// a failing workload does not take the worker out of the pool
	res, err = p.run(t, countRound(1, "full", "noop", 30))
	require.NoError(t, err)
	require.Equal(t, 30, res.Results.Succ)
	require.Len(t, p.orch.activeWorkers(), 3)
}

func TestWorkerOrchestratorAllWorkersFailed(t *testing.T) {
	p, err := newPool(t, simulatedNetwork(), realWorker, realWorker)
	require.NoError(t, err)

	_, err = p.run(t, countRound(0, "broken", "test-broken", 10))
	require.Error(t, err)
	require.True(t, bench.IsErrorCode(err, bench.ErrAllWorkersFailed))

	_, err = p.orch.StartTest(context.Background(), countRound(0, "broken", "test-broken", 10))
	require.True(t, bench.IsErrorCode(err, bench.ErrRoundFailed))

	res, err := p.run(t, countRound(1, "healthy", "noop", 10))
	require.NoError(t, err)
	require.Equal(t, 10, res.Results.Succ)
}

func TestWorkerOrchestratorTimesOutSilentWorker(t *testing.T) {
	p, err := newPool(t, simulatedNetwork(), realWorker, muteWorker)
	require.NoError(t, err)

	res, err := p.run(t, countRound(0, "silent", "noop", 20))
	require.NoError(t, err)
	require.Equal(t, 10, res.Results.Succ)
	require.Len(t, res.Failed, 1)
	require.True(t, bench.IsErrorCode(res.Failed[1], bench.ErrWorkerCommunication))
	require.Equal(t, float64(workerErrored), testutil.ToFloat64(p.orch.workerStateMetric.WithLabelValues("1")))

	// the silent worker sits out the following rounds
	res, err = p.run(t, countRound(1, "alone", "noop", 20))
	require.NoError(t, err)
	require.Equal(t, 20, res.Results.Succ)
	require.Empty(t, res.Failed)
	require.Equal(t, 1.0, testutil.ToFloat64(p.orch.workersReadyMetric))
}

func TestWorkerOrchestratorFailsDisconnectedWorker(t *testing.T) {
	p, err := newPool(t, simulatedNetwork(), realWorker, dyingWorker)
	require.NoError(t, err)

	res, err := p.run(t, countRound(0, "dying", "noop", 20))
	require.NoError(t, err)
	require.Equal(t, 10, res.Results.Succ)
	require.Len(t, res.Failed, 1)
	require.True(t, bench.IsErrorCode(res.Failed[1], bench.ErrWorkerCommunication))
	require.Contains(t, res.Failed[1].Error(), "disconnected")
	require.Equal(t, float64(workerErrored), testutil.ToFloat64(p.orch.workerStateMetric.WithLabelValues("1")))
	require.Len(t, p.orch.activeWorkers(), 1)
}

func TestWorkerOrchestratorToleratesMissingResults(t *testing.T) {
	p, err := newPool(t, simulatedNetwork(), realWorker, hollowWorker)
	require.NoError(t, err)

	res, err := p.run(t, countRound(0, "hollow", "noop", 20))
	require.NoError(t, err)
	require.Equal(t, 10, res.Results.Succ)
	require.Empty(t, res.Failed)
}

func TestWorkerOrchestratorHandshakeFailure(t *testing.T) {
	_, err := newPool(t, bench.NetworkConfig{Adapter: "no-such-adapter"}, realWorker, realWorker)
	require.Error(t, err)
	require.True(t, bench.IsErrorCode(err, bench.ErrWorkerCommunication))
	require.Contains(t, err.Error(), "no-such-adapter")
}

func TestLivenessCheckInterval(t *testing.T) {
	testCases := []struct {
		timeout  time.Duration
		expected time.Duration
	}{
		{time.Millisecond, minLivenessCheck},
		{200 * time.Millisecond, 50 * time.Millisecond},
		{time.Minute, maxLivenessCheck},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.expected, livenessCheckInterval(tc.timeout))
	}
}
