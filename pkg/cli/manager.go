package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/informalsystems/tm-bench/pkg/messaging"
	"github.com/informalsystems/tm-bench/pkg/monitor"
	"github.com/informalsystems/tm-bench/pkg/orchestrator"
	"github.com/informalsystems/tm-bench/pkg/workload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newManagerCmd(v *viper.Viper, logger logging.Logger) *cobra.Command {
	var bindings []flagBinding
	cmd := &cobra.Command{
		Use:   "manager",
		Short: "Run a benchmark, distributing its rounds over a pool of workers",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(v, cmd.Flags(), bindings)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			cancelTrap := trapInterrupts(cancel, logger)
			defer close(cancelTrap)
			return runManager(ctx, v, cmd.OutOrStdout(), prometheus.DefaultRegisterer, logger)
		},
	}
	flags := cmd.Flags()
	flags.StringP("benchmark", "b", "", "The benchmark configuration file")
	flags.StringP("network", "n", "", "The network configuration file selecting the adapter")
	flags.Duration("round-settle-delay", defaultRoundSettleDelay, "How long to wait between two rounds")
	flags.Duration("worker-timeout", defaultWorkerTimeout, "The maximum time without news from a worker before it is considered lost")
	flags.Duration("connect-timeout", defaultConnectTimeout, "The maximum time to wait for all workers to connect")
	flags.String("password-hash", "", "The bcrypt hash websocket workers' passwords are checked against")
	flags.String("worker-binary", "", "The binary to fork for process workers (defaults to this one)")
	flags.String("report", defaultReportPath, "Where to write the markdown report - set to an empty string to skip it")
	flags.String("csv", "", "Where to write the results as CSV")
	bindings = append(addCommFlags(flags), []flagBinding{
		{keyBenchmark, "benchmark"},
		{keyNetwork, "network"},
		{keyManagerRoundSettleDelay, "round-settle-delay"},
		{keyManagerWorkerTimeout, "worker-timeout"},
		{keyManagerConnectTimeout, "connect-timeout"},
		{keyCommPasswordHash, "password-hash"},
		{keyManagerWorkerBinary, "worker-binary"},
		{keyReportPath, "report"},
		{keyReportCSV, "csv"},
	}...)
	return cmd
}

// runManager wires the collaborators of a benchmark run and executes it.
// Gauges are registered with reg; out receives the results table.
func runManager(ctx context.Context, v *viper.Viper, out io.Writer, reg prometheus.Registerer, logger logging.Logger) error {
	benchCfg, networkCfg, err := loadConfigs(v)
	if err != nil {
		return err
	}
	cfg := managerConfig(v)
	logger.Debug(fmt.Sprintf("Manager configuration: %s", cfg.ToJSON()))
	if err := cfg.Validate(); err != nil {
		return err
	}
	numWorkers := benchCfg.Test.Workers.Number

	adapter, err := workload.NewAdapter(*networkCfg, logging.NewLogrusLogger("adapter", "adapter", networkCfg.Adapter))
	if err != nil {
		return err
	}
	messenger, err := messaging.NewManagerMessenger(cfg, numWorkers, logging.NewLogrusLogger("messenger", "method", cfg.Comm.Method))
	if err != nil {
		return err
	}
	var extra []monitor.Monitor
	if pm, ok := messenger.(*messaging.ProcessManager); ok {
		extra = append(extra, monitor.NewPIDMonitor("local workers", pm.PIDs, benchCfg.Monitors.Interval, logging.NewLogrusLogger("monitor")))
	}
	monitors := monitor.NewOrchestrator(benchCfg.Monitors, logging.NewLogrusLogger("monitor"), extra...)
	observer := orchestrator.NewTestObserver(benchCfg.Observer, reg, logging.NewLogrusLogger("observer"))
	workers := orchestrator.NewWorkerOrchestrator(cfg, *networkCfg, numWorkers, adapter, messenger, observer, reg, logging.NewLogrusLogger("workers"))
	rounds := orchestrator.NewRoundOrchestrator(benchCfg, cfg, adapter, workers, monitors, observer, out, logging.NewLogrusLogger("rounds"))
	return rounds.Run(ctx)
}

func loadConfigs(v *viper.Viper) (*bench.BenchmarkConfig, *bench.NetworkConfig, error) {
	benchPath, networkPath := v.GetString(keyBenchmark), v.GetString(keyNetwork)
	if len(benchPath) == 0 {
		return nil, nil, bench.Errorf(bench.ErrInvalidConfig, "a benchmark configuration file is required (--benchmark)")
	}
	if len(networkPath) == 0 {
		return nil, nil, bench.Errorf(bench.ErrInvalidConfig, "a network configuration file is required (--network)")
	}
	benchCfg, err := bench.LoadBenchmarkConfig(benchPath)
	if err != nil {
		return nil, nil, err
	}
	networkCfg, err := bench.LoadNetworkConfig(networkPath)
	if err != nil {
		return nil, nil, err
	}
	return benchCfg, networkCfg, nil
}
