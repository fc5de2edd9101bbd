package cli

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/informalsystems/tm-bench/pkg/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const benchmarkYAML = `
test:
  name: smoke
  workers:
    number: 2
  rounds:
    - label: put
      txNumber: 40
      rateControl:
        type: fixed-rate
        opts:
          tps: 2000
      workload:
        module: noop
    - label: query
      txNumber: 20
      rateControl:
        type: maximum-rate
        opts:
          tps: 400
      workload:
        module: noop
`

const networkYAML = `
adapter: simulated
settings:
  minLatency: 0
  maxLatency: 1
`

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	out := new(bytes.Buffer)
	cmd := buildCLI(&Config{AppName: "tm-bench"}, bench.NewViper(), logging.NewNoopLogger())
	cmd.SetArgs(args)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	err := cmd.Execute()
	return out.String(), err
}

func TestWorkerArgs(t *testing.T) {
	base := bench.WorkerConfig{MaxInFlight: 50, TxUpdateInterval: 2 * time.Second}
	withGateway := base
	withGateway.PushGateway = "http://localhost:9091"
	withDetail := base
	withDetail.LatencyDetail = true

	testCases := []struct {
		name     string
		cfg      bench.WorkerConfig
		verbose  bool
		jsonLogs bool
		expected []string
	}{
		{"defaults", base, false, false, []string{
			"worker", "--method", "process", "--max-in-flight", "50", "--tx-update-interval", "2s",
		}},
		{"push gateway and logging", withGateway, true, true, []string{
			"worker", "--method", "process", "--max-in-flight", "50", "--tx-update-interval", "2s",
			"--push-gateway", "http://localhost:9091", "--verbose", "--log-json",
		}},
		{"latency detail", withDetail, false, false, []string{
			"worker", "--method", "process", "--max-in-flight", "50", "--tx-update-interval", "2s", "--latency-detail",
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, workerArgs(tc.cfg, tc.verbose, tc.jsonLogs))
		})
	}
}

func TestWorkerSettingsPrecedence(t *testing.T) {
	testCases := []struct {
		name     string
		env      string
		args     []string
		expected int
	}{
		{"flag default", "", nil, worker.DefaultMaxInFlight},
		{"environment", "7", nil, 7},
		{"flag beats environment", "7", []string{"--max-in-flight", "12"}, 12},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if len(tc.env) > 0 {
				t.Setenv("TMBENCH_WORKER_MAXINFLIGHT", tc.env)
			}
			v := bench.NewViper()
			cmd := newWorkerCmd(v, logging.NewNoopLogger())
			require.NoError(t, cmd.Flags().Parse(tc.args))
			require.NoError(t, cmd.PreRunE(cmd, nil))

			cfg := workerConfig(v)
			require.Equal(t, tc.expected, cfg.MaxInFlight)
			require.Equal(t, bench.CommProcess, cfg.Comm.Method)
			require.Equal(t, worker.DefaultTxUpdateInterval, cfg.TxUpdateInterval)
			require.False(t, cfg.LatencyDetail)
		})
	}
}

func TestRuntimeConfigFile(t *testing.T) {
	path := writeFile(t, "runtime.yaml", `
worker:
  communication:
    method: mqtt
    address: tcp://localhost:1883
  txUpdateInterval: 250ms
  latencyDetail: true
manager:
  roundSettleDelay: 1s
  workerTimeout: 10s
`)
	v := bench.NewViper()
	cmd := buildCLI(&Config{AppName: "tm-bench"}, v, logging.NewNoopLogger())
	cmd.SetArgs([]string{"list", "--config", path})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	require.NoError(t, cmd.Execute())

	cfg := managerConfig(v)
	require.Equal(t, bench.CommMQTT, cfg.Comm.Method)
	require.Equal(t, "tcp://localhost:1883", cfg.Comm.Address)
	require.Equal(t, time.Second, cfg.RoundSettleDelay)
	require.Equal(t, 10*time.Second, cfg.WorkerTimeout)
	// only process workers are forked with arguments
	require.Empty(t, cfg.WorkerArgs)
	require.Equal(t, 250*time.Millisecond, workerConfig(v).TxUpdateInterval)
	require.True(t, workerConfig(v).LatencyDetail)
}

func TestMissingRuntimeConfigFile(t *testing.T) {
	_, err := execute(t, "list", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.True(t, bench.IsErrorCode(err, bench.ErrFailedToReadConfigFile))
}

func TestListCommand(t *testing.T) {
	out, err := execute(t, "list")
	require.NoError(t, err)
	for _, name := range []string{"fixed-rate", "linear-rate", "simulated", "tendermint", "kvstore-put", "noop"} {
		require.Contains(t, out, name)
	}
}

func TestValidateCommand(t *testing.T) {
	network := writeFile(t, "network.yaml", networkYAML)
	unknownController := strings.Replace(benchmarkYAML, "maximum-rate", "no-such-controller", 1)

	testCases := []struct {
		name     string
		args     []string
		expected string
		err      string
	}{
		{"valid", []string{"-b", writeFile(t, "bench.yaml", benchmarkYAML), "-n", network}, `"smoke" is valid: 2 round(s) on 2 worker(s) using the "simulated" adapter`, ""},
		{"unknown rate controller", []string{"-b", writeFile(t, "bad.yaml", unknownController), "-n", network}, "", "round 2"},
		{"unknown adapter", []string{"-b", writeFile(t, "bench.yaml", benchmarkYAML), "-n", writeFile(t, "n.yaml", "adapter: nope\n")}, "", "nope"},
		{"missing benchmark", []string{"-n", network}, "", "--benchmark"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"validate"}, tc.args...)...)
			if len(tc.err) > 0 {
				require.Error(t, err)
				require.True(t, bench.IsErrorCode(err, bench.ErrInvalidConfig))
				require.Contains(t, err.Error(), tc.err)
				return
			}
			require.NoError(t, err)
			require.Contains(t, out, tc.expected)
		})
	}
}

func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestManagerRunsBenchmarkWithRemoteWorkers(t *testing.T) {
	dir := t.TempDir()
	addr := freeAddr(t)
	v := bench.NewViper()
	v.Set(keyBenchmark, writeFile(t, "bench.yaml", benchmarkYAML))
	v.Set(keyNetwork, writeFile(t, "network.yaml", networkYAML))
	v.Set(keyCommMethod, bench.CommWebSocket)
	v.Set(keyCommAddress, addr)
	v.Set(keyManagerWorkerTimeout, "10s")
	v.Set(keyManagerConnectTimeout, "10s")
	v.Set(keyReportPath, filepath.Join(dir, "report.md"))
	v.Set(keyReportCSV, filepath.Join(dir, "report.csv"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	const numWorkers = 2
	workerErrs := make(chan error, numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			workerErrs <- runWorker(ctx, bench.WorkerConfig{
				Comm:             bench.CommConfig{Method: bench.CommWebSocket, Address: fmt.Sprintf("ws://%s/", addr)},
				Remote:           true,
				MaxInFlight:      16,
				TxUpdateInterval: 50 * time.Millisecond,
				ConnectTimeout:   10 * time.Second,
			})
		}()
	}

	out := new(bytes.Buffer)
	require.NoError(t, runManager(ctx, v, out, prometheus.NewRegistry(), logging.NewNoopLogger()))
	for i := 0; i < numWorkers; i++ {
		require.NoError(t, <-workerErrs)
	}

	require.Contains(t, out.String(), "put")
	require.Contains(t, out.String(), "query")
	report, err := os.ReadFile(filepath.Join(dir, "report.md"))
	require.NoError(t, err)
	require.Contains(t, string(report), "Rounds: 2 succeeded, 0 failed")
	csv, err := os.ReadFile(filepath.Join(dir, "report.csv"))
	require.NoError(t, err)
	require.Contains(t, string(csv), "ok,put,40,0")
	require.Contains(t, string(csv), "ok,query,20,0")
}

func TestExampleBenchmarkIsValid(t *testing.T) {
	examples := filepath.Join("..", "..", "scripts", "examples")
	out, err := execute(t, "validate",
		"-b", filepath.Join(examples, "benchmark.yaml"),
		"-n", filepath.Join(examples, "simulated.yaml"),
	)
	require.NoError(t, err)
	require.Contains(t, out, `"kvstore" is valid: 4 round(s) on 4 worker(s)`)
}
