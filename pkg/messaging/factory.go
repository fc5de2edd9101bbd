package messaging

import (
	"io"
	"os"

	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
)

// NewManagerMessenger creates the manager side of the configured transport.
// In process mode it forks numWorkers local workers running the given binary
// and arguments.
func NewManagerMessenger(cfg bench.ManagerConfig, numWorkers int, logger logging.Logger) (Messenger, error) {
	switch cfg.Comm.Method {
	case bench.CommProcess:
		binary := cfg.WorkerBinary
		if len(binary) == 0 {
			exe, err := os.Executable()
			if err != nil {
				return nil, bench.NewError(bench.ErrInvalidConfig, err, "cannot determine worker binary")
			}
			binary = exe
		}
		return NewProcessManager(ExecSpawner(binary, cfg.WorkerArgs, os.Stderr), numWorkers, logger), nil
	case bench.CommWebSocket:
		return NewWebSocketServer(cfg.Comm, logger), nil
	case bench.CommMQTT:
		return NewMQTTManager(cfg.Comm, cfg.ConnectTimeout, logger), nil
	}
	return nil, bench.Errorf(bench.ErrInvalidConfig, "unsupported worker communication method %q", cfg.Comm.Method)
}

// NewWorkerMessenger creates the worker side of the configured transport.
// Process mode is only valid for a worker forked by a manager, which is
// detected through the environment, and never for a remote worker.
func NewWorkerMessenger(id string, cfg bench.WorkerConfig, logger logging.Logger) (Messenger, error) {
	return newWorkerMessenger(id, cfg, os.Getenv, os.Stdin, os.Stdout, logger)
}

func newWorkerMessenger(
	id string,
	cfg bench.WorkerConfig,
	getenv func(string) string,
	stdin io.Reader,
	stdout io.Writer,
	logger logging.Logger,
) (Messenger, error) {
	switch cfg.Comm.Method {
	case bench.CommProcess:
		if cfg.Remote {
			return nil, bench.Errorf(bench.ErrInvalidConfig, `the "process" communication method cannot be used by remote workers`)
		}
		if len(getenv(ProcessWorkerEnv)) == 0 {
			return nil, bench.Errorf(bench.ErrInvalidConfig, `the "process" communication method requires the worker to be started by a manager`)
		}
		return NewStreamWorker(id, stdin, stdout, logger), nil
	case bench.CommWebSocket:
		return NewWebSocketClient(id, cfg.Comm, cfg.ConnectTimeout, logger), nil
	case bench.CommMQTT:
		return NewMQTTWorker(id, cfg.Comm, cfg.ConnectTimeout, logger), nil
	}
	return nil, bench.Errorf(bench.ErrInvalidConfig, "unsupported worker communication method %q", cfg.Comm.Method)
}
