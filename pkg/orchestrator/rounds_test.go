package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/informalsystems/tm-bench/pkg/monitor"
	"github.com/informalsystems/tm-bench/pkg/txstats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// fakeWorkers records the calls of the round orchestrator and fails the
// rounds listed in failTest.
type fakeWorkers struct {
	mtx        sync.Mutex
	calls      []string
	failTest   map[int]error
	failStop   error
	failPrep   error
	perRoundTx int
}

func (f *fakeWorkers) record(call string) {
	f.mtx.Lock()
	f.calls = append(f.calls, call)
	f.mtx.Unlock()
}

func (f *fakeWorkers) Calls() []string {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeWorkers) PrepareWorkerConnections(_ context.Context) error {
	f.record("connect")
	return f.failPrep
}

func (f *fakeWorkers) PrepareTestRound(_ context.Context, round bench.RoundConfig) error {
	f.record(fmt.Sprintf("prepare %d", round.TestRound))
	return nil
}

func (f *fakeWorkers) StartTest(_ context.Context, round bench.RoundConfig) (*RoundResult, error) {
	f.record(fmt.Sprintf("test %d", round.TestRound))
	if err, ok := f.failTest[round.TestRound]; ok {
		return nil, err
	}
	results := make([]*txstats.TxStatus, f.perRoundTx)
	for i := range results {
		results[i] = &txstats.TxStatus{Status: txstats.StatusSuccess, TimeCreate: int64(i * 10), TimeFinal: int64(i*10 + 20)}
	}
	return &RoundResult{
		Results: txstats.Fold(results, true),
		Start:   time.UnixMilli(0),
		End:     time.UnixMilli(int64(f.perRoundTx * 10)),
	}, nil
}

func (f *fakeWorkers) Stop(_ context.Context) error {
	f.record("stop")
	return f.failStop
}

// countingMonitor counts how often it was started and stopped.
type countingMonitor struct {
	mtx     sync.Mutex
	starts  int
	stops   int
	running bool
}

func (m *countingMonitor) Type() string { return "counting" }

func (m *countingMonitor) Start(_ context.Context) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.starts++
	m.running = true
	return nil
}

func (m *countingMonitor) Stop() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.running {
		m.stops++
	}
	m.running = false
	return nil
}

func (m *countingMonitor) Statistics() []monitor.ResourceStat {
	return []monitor.ResourceStat{{Name: "counter", MemMax: 1024}}
}

func threeRounds() *bench.BenchmarkConfig {
	cfg := &bench.BenchmarkConfig{
		Test: bench.TestConfig{
			Name:    "three rounds",
			Workers: bench.WorkersConfig{Number: 3},
		},
	}
	for i, label := range []string{"first", "second", "third"} {
		cfg.Test.Rounds = append(cfg.Test.Rounds, countRound(i, label, "noop", 300))
	}
	return cfg
}

func newRoundOrchestrator(t *testing.T, benchCfg *bench.BenchmarkConfig, workers Workers, cfg bench.ManagerConfig) (*RoundOrchestrator, *countingMonitor, *bytes.Buffer) {
	mon := &countingMonitor{}
	monitors := monitor.NewOrchestrator(bench.MonitorsConfig{}, logging.NewNoopLogger(), mon)
	observer := NewTestObserver(bench.ObserverConfig{}, prometheus.NewRegistry(), logging.NewNoopLogger())
	out := new(bytes.Buffer)
	return NewRoundOrchestrator(benchCfg, cfg, nil, workers, monitors, observer, out, logging.NewNoopLogger()), mon, out
}

func TestRoundFailureDoesNotStopLaterRounds(t *testing.T) {
	dir := t.TempDir()
	cfg := bench.ManagerConfig{
		RoundSettleDelay: time.Millisecond,
		ReportPath:       filepath.Join(dir, "report.md"),
		CSVPath:          filepath.Join(dir, "report.csv"),
	}
	workers := &fakeWorkers{
		perRoundTx: 300,
		failTest:   map[int]error{1: bench.Errorf(bench.ErrWorkerCommunication, "worker 2 crashed")},
	}
	r, mon, out := newRoundOrchestrator(t, threeRounds(), workers, cfg)

	err := r.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 of 3 rounds failed")
	require.Equal(t, []string{
		"connect",
		"prepare 0", "test 0",
		"prepare 1", "test 1",
		"prepare 2", "test 2",
		"stop",
	}, workers.Calls())

	rows := r.Report().Rounds()
	require.Len(t, rows, 3)
	require.False(t, rows[0].Failed())
	require.True(t, rows[1].Failed())
	require.False(t, rows[2].Failed())
	require.Equal(t, 300, rows[2].Results.Succ)
	// a failed round still reports what the monitors saw
	require.Len(t, rows[1].Resources["counting"], 1)

	// monitors ran for every round, including the failed one
	require.Equal(t, 3, mon.starts)
	require.Equal(t, 3, mon.stops)

	require.Contains(t, out.String(), "second (failed)")
	report, err := os.ReadFile(cfg.ReportPath)
	require.NoError(t, err)
	require.Contains(t, string(report), "Rounds: 2 succeeded, 1 failed")
	csv, err := os.ReadFile(cfg.CSVPath)
	require.NoError(t, err)
	require.Len(t, strings.Split(strings.TrimSpace(string(csv)), "\n"), 4)
}

func TestInvalidRoundAbortsBeforeAnyRoundRuns(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(r *bench.RoundConfig)
	}{
		{"both count and duration", func(r *bench.RoundConfig) { r.TxDuration = 10 }},
		{"missing label", func(r *bench.RoundConfig) { r.Label = "" }},
		{"unknown rate controller", func(r *bench.RoundConfig) { r.RateControl.Type = "no-such-controller" }},
		{"unknown workload", func(r *bench.RoundConfig) { r.Workload.Module = "no-such-module" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := threeRounds()
			tc.mutate(&cfg.Test.Rounds[2])
			workers := &fakeWorkers{}
			r, mon, _ := newRoundOrchestrator(t, cfg, workers, bench.ManagerConfig{})

			err := r.Run(context.Background())
			require.Error(t, err)
			require.True(t, bench.IsErrorCode(err, bench.ErrInvalidConfig))
			require.Contains(t, err.Error(), "round 3")
			require.Empty(t, workers.Calls())
			require.Equal(t, 0, mon.starts)
		})
	}
}

func TestFinalizationStepsRunIndependently(t *testing.T) {
	cfg := bench.ManagerConfig{
		ReportPath: filepath.Join(t.TempDir(), "missing", "report.md"),
	}
	workers := &fakeWorkers{
		perRoundTx: 10,
		failStop:   fmt.Errorf("workers did not exit"),
	}
	benchCfg := threeRounds()
	benchCfg.Test.Rounds = benchCfg.Test.Rounds[:1]
	r, _, out := newRoundOrchestrator(t, benchCfg, workers, cfg)

	err := r.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "workers did not exit")
	require.Contains(t, err.Error(), "Failed to produce report")
	// printing and stopping still happened although writing the report failed
	require.Contains(t, out.String(), "first")
	require.Equal(t, "stop", workers.Calls()[len(workers.Calls())-1])
}

func TestConnectionFailureStillStopsWorkers(t *testing.T) {
	workers := &fakeWorkers{failPrep: bench.Errorf(bench.ErrWorkerCommunication, "timed out waiting for workers to connect")}
	r, mon, _ := newRoundOrchestrator(t, threeRounds(), workers, bench.ManagerConfig{})

	err := r.Run(context.Background())
	require.Error(t, err)
	require.True(t, bench.IsErrorCode(err, bench.ErrWorkerCommunication))
	require.Equal(t, []string{"connect", "stop"}, workers.Calls())
	require.Equal(t, 0, mon.starts)
	require.Empty(t, r.Report().Rounds())
}

func TestCancelledBenchmarkSkipsRemainingRounds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	workers := &fakeWorkers{perRoundTx: 10}
	cfg := bench.ManagerConfig{RoundSettleDelay: time.Hour}
	r, _, _ := newRoundOrchestrator(t, threeRounds(), workers, cfg)

	go func() {
		for {
			if len(workers.Calls()) >= 3 {
				cancel()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	err := r.Run(ctx)
	require.Error(t, err)
	require.True(t, bench.IsErrorCode(err, bench.ErrKilled))
	require.Equal(t, []string{"connect", "prepare 0", "test 0", "stop"}, workers.Calls())
	require.Len(t, r.Report().Rounds(), 1)
}
