package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/informalsystems/tm-bench/pkg/messaging"
	"github.com/informalsystems/tm-bench/pkg/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newWorkerCmd(v *viper.Viper, logger logging.Logger) *cobra.Command {
	var bindings []flagBinding
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a worker that submits transactions on behalf of a manager",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(v, cmd.Flags(), bindings)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			cfg := workerConfig(v)
			if cfg.Comm.Method == bench.CommProcess {
				// a forked worker shares the manager's terminal; the manager
				// tells it when to stop
				signal.Ignore(os.Interrupt)
			} else {
				cancelTrap := trapInterrupts(cancel, logger)
				defer close(cancelTrap)
			}
			return runWorker(ctx, cfg)
		},
	}
	flags := cmd.Flags()
	flags.Bool("remote", false, "Run as a remote worker, connecting to the manager over the network")
	flags.Duration("connect-timeout", defaultConnectTimeout, "The maximum time to keep trying to connect to the manager")
	bindings = append(addCommFlags(flags), []flagBinding{
		{keyWorkerRemote, "remote"},
		{keyWorkerConnectTimeout, "connect-timeout"},
	}...)
	return cmd
}

func runWorker(ctx context.Context, cfg bench.WorkerConfig) error {
	id := messaging.NewWorkerID()
	logger := logging.NewLogrusLogger("worker", "id", id)
	logger.Debug(fmt.Sprintf("Worker configuration: %s", cfg.ToJSON()))
	if err := cfg.Validate(); err != nil {
		return err
	}
	m, err := messaging.NewWorkerMessenger(id, cfg, logger.With("component", "messenger"))
	if err != nil {
		return err
	}
	return worker.New(cfg, m, logger).Run(ctx)
}
