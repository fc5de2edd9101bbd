package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/informalsystems/tm-bench/pkg/messaging"
	"github.com/informalsystems/tm-bench/pkg/txstats"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 10 * time.Second

// loopbackMessenger hands every sent message to the test and lets the test
// deliver messages as if they came from the manager.
type loopbackMessenger struct {
	id       string
	sent     chan messaging.Payload
	mtx      sync.Mutex
	handlers messaging.Handlers
}

func newLoopbackMessenger(id string) *loopbackMessenger {
	return &loopbackMessenger{id: id, sent: make(chan messaging.Payload, 1024)}
}

func (m *loopbackMessenger) ID() string { return m.id }

func (m *loopbackMessenger) Configure(h messaging.Handlers) {
	m.mtx.Lock()
	m.handlers = h
	m.mtx.Unlock()
}

func (m *loopbackMessenger) Initialize(_ context.Context) error { return nil }

func (m *loopbackMessenger) Send(_ []string, p messaging.Payload) error {
	m.sent <- p
	return nil
}

func (m *loopbackMessenger) Dispose() error { return nil }

func (m *loopbackMessenger) deliver(from string, p messaging.Payload) {
	m.mtx.Lock()
	h := m.handlers[p.Kind()]
	m.mtx.Unlock()
	if h != nil {
		h(messaging.Message{To: []string{m.id}, From: from, Payload: p})
	}
}

// expect skips progress messages and returns the next reply, which must be
// a T.
func expect[T messaging.Payload](t *testing.T, m *loopbackMessenger) T {
	var zero T
	deadline := time.After(waitTimeout)
	for {
		select {
		case p := <-m.sent:
			switch p.(type) {
			case messaging.TxUpdate, messaging.TxReset:
				continue
			}
			res, ok := p.(T)
			require.True(t, ok, "expected %s, got %s", zero.Kind(), p.Kind())
			return res
		case <-deadline:
			t.Fatalf("timed out waiting for %s", zero.Kind())
		}
	}
}

func startWorker(t *testing.T, m *loopbackMessenger) chan error {
	w := New(bench.WorkerConfig{MaxInFlight: 10, TxUpdateInterval: 20 * time.Millisecond}, m, logging.NewNoopLogger())
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	expect[messaging.Connected](t, m)
	return done
}

func TestWorkerLifecycle(t *testing.T) {
	m := newLoopbackMessenger("w1")
	done := startWorker(t, m)

	m.deliver(messaging.RecipientOrchestrator, messaging.Assign{WorkerID: "w1", WorkerIndex: 2})
	require.Equal(t, 2, expect[messaging.Ready](t, m).WorkerIndex)

	m.deliver(messaging.RecipientOrchestrator, messaging.Init{
		Network:      bench.NetworkConfig{Adapter: "simulated", Settings: map[string]interface{}{"minLatency": 0, "maxLatency": 2}},
		TotalWorkers: 3,
	})
	require.Equal(t, 2, expect[messaging.Initialized](t, m).WorkerIndex)

	round := testRound(0, "kvstore-put")
	round.TxNumber = 25
	m.deliver(messaging.RecipientOrchestrator, messaging.Prepare{Round: round})
	prepared := expect[messaging.Prepared](t, m)
	require.Equal(t, 2, prepared.WorkerIndex)
	require.Equal(t, 0, prepared.Round)

	m.deliver(messaging.RecipientOrchestrator, messaging.Test{Round: round, TotalWorkers: 3})
	res := expect[messaging.TestResult](t, m)
	require.Equal(t, 2, res.WorkerIndex)
	require.Equal(t, 25, res.Results.Length())

	m.deliver(messaging.RecipientOrchestrator, messaging.Exit{Reason: "done"})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("worker did not exit")
	}
}

func TestWorkerReportsPhaseErrors(t *testing.T) {
	m := newLoopbackMessenger("w2")
	done := startWorker(t, m)

	// nothing can be prepared before init
	round := testRound(0, "noop")
	round.TxNumber = 1
	m.deliver(messaging.RecipientOrchestrator, messaging.Prepare{Round: round})
	require.Equal(t, messaging.KindPrepare, expect[messaging.Error](t, m).Phase)

	m.deliver(messaging.RecipientOrchestrator, messaging.Assign{WorkerID: "w2", WorkerIndex: 0})
	expect[messaging.Ready](t, m)
	m.deliver(messaging.RecipientOrchestrator, messaging.Init{Network: bench.NetworkConfig{Adapter: "no-such-adapter"}})
	require.Equal(t, messaging.KindInit, expect[messaging.Error](t, m).Phase)

	m.deliver(messaging.RecipientOrchestrator, messaging.Init{Network: bench.NetworkConfig{Adapter: "simulated"}, TotalWorkers: 1})
	expect[messaging.Initialized](t, m)

	// a round that was never prepared fails its test phase
	m.deliver(messaging.RecipientOrchestrator, messaging.Test{Round: round, TotalWorkers: 1})
	failure := expect[messaging.Error](t, m)
	require.Equal(t, messaging.KindTest, failure.Phase)
	require.Equal(t, 0, failure.Round)

	m.deliver(messaging.RecipientOrchestrator, messaging.Exit{})
	require.NoError(t, <-done)
}

func TestWorkerExitsWhenConnectionIsLost(t *testing.T) {
	m := newLoopbackMessenger("w3")
	done := startWorker(t, m)
	m.deliver(m.ID(), messaging.Exit{Reason: "manager closed the connection"})
	err := <-done
	require.True(t, bench.IsErrorCode(err, bench.ErrWorkerCommunication))
}

func TestWorkerExitCancelsRunningRound(t *testing.T) {
	m := newLoopbackMessenger("w4")
	done := startWorker(t, m)
	m.deliver(messaging.RecipientOrchestrator, messaging.Assign{WorkerID: "w4", WorkerIndex: 0})
	expect[messaging.Ready](t, m)
	m.deliver(messaging.RecipientOrchestrator, messaging.Init{Network: bench.NetworkConfig{Adapter: "simulated"}, TotalWorkers: 1})
	expect[messaging.Initialized](t, m)

	round := testRound(0, "noop")
	round.TxDuration = 120
	m.deliver(messaging.RecipientOrchestrator, messaging.Prepare{Round: round})
	expect[messaging.Prepared](t, m)
	m.deliver(messaging.RecipientOrchestrator, messaging.Test{Round: round, TotalWorkers: 1})
	time.Sleep(100 * time.Millisecond)

	started := time.Now()
	m.deliver(messaging.RecipientOrchestrator, messaging.Exit{Reason: "stop"})
	select {
	case err := <-done:
		require.NoError(t, err)
		require.Less(t, time.Since(started), waitTimeout)
	case <-time.After(waitTimeout):
		t.Fatal("worker did not stop its round")
	}
}

func TestPushSink(t *testing.T) {
	sink := NewPushSink("http://localhost:9091", 1, logging.NewNoopLogger())
	pushes := 0
	sink.pushFn = func(_ *push.Pusher) error {
		pushes++
		return nil
	}
	round := testRound(3, "noop")

	committed := testSummary(t, 4, 100)
	require.NoError(t, sink.Update(round, Progress{
		Submitted:      10,
		Committed:      committed,
		Interval:       2 * time.Second,
		TotalSubmitted: 10,
		TotalSucc:      4,
		TotalFail:      0,
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.tps))
	require.Equal(t, 5.0, testutil.ToFloat64(sink.submitRate))
	require.InDelta(t, 0.1, testutil.ToFloat64(sink.latency), 1e-9)
	require.Equal(t, 4.0, testutil.ToFloat64(sink.success))
	require.Equal(t, 6.0, testutil.ToFloat64(sink.pending))

	require.NoError(t, sink.Reset(round))
	for _, g := range sink.gauges() {
		require.Equal(t, 0.0, testutil.ToFloat64(g))
	}
	require.Equal(t, 2, pushes)
}

func TestProgressSinkSelection(t *testing.T) {
	m := newLoopbackMessenger("w5")
	_, isPush := NewProgressSink(bench.WorkerConfig{PushGateway: "http://gw:9091"}, m, 0, logging.NewNoopLogger()).(*PushSink)
	require.True(t, isPush)
	_, isMsg := NewProgressSink(bench.WorkerConfig{}, m, 0, logging.NewNoopLogger()).(*MessageSink)
	require.True(t, isMsg)
}

func testSummary(t *testing.T, n int, latency int64) *txstats.Summary {
	results := make([]*txstats.TxStatus, n)
	for i := range results {
		results[i] = &txstats.TxStatus{Status: txstats.StatusSuccess, TimeCreate: int64(i), TimeFinal: int64(i) + latency}
	}
	s := txstats.Fold(results, false)
	require.Equal(t, n, s.Succ)
	return s
}
