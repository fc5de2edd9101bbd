package cli

import (
	"strconv"
	"time"

	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/informalsystems/tm-bench/pkg/worker"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Runtime configuration keys. Each can be set in the runtime config file,
// through a flag or through a TMBENCH_* environment variable.
const (
	keyConfig    = "config"
	keyVerbose   = "verbose"
	keyLogJSON   = "log.json"
	keyBenchmark = "benchmark"
	keyNetwork   = "network"

	keyCommMethod       = "worker.communication.method"
	keyCommAddress      = "worker.communication.address"
	keyCommUsername     = "worker.communication.username"
	keyCommPassword     = "worker.communication.password"
	keyCommPasswordHash = "worker.communication.passwordHash"

	keyWorkerRemote           = "worker.remote"
	keyWorkerMaxInFlight      = "worker.maxInFlight"
	keyWorkerTxUpdateInterval = "worker.txUpdateInterval"
	keyWorkerPushGateway      = "worker.pushGateway"
	keyWorkerConnectTimeout   = "worker.connectTimeout"
	keyWorkerLatencyDetail    = "worker.latencyDetail"

	keyManagerRoundSettleDelay = "manager.roundSettleDelay"
	keyManagerWorkerTimeout    = "manager.workerTimeout"
	keyManagerConnectTimeout   = "manager.connectTimeout"
	keyManagerWorkerBinary     = "manager.workerBinary"

	keyReportPath = "report.path"
	keyReportCSV  = "report.csv"
)

const (
	defaultRoundSettleDelay = 5 * time.Second
	defaultWorkerTimeout    = time.Minute
	defaultConnectTimeout   = 180 * time.Second
	defaultReportPath       = "report.md"
)

// flagBinding ties a flag to the configuration key it overrides.
type flagBinding struct {
	key  string
	flag string
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, bindings []flagBinding) error {
	for _, b := range bindings {
		if err := v.BindPFlag(b.key, flags.Lookup(b.flag)); err != nil {
			return bench.NewError(bench.ErrInvalidConfig, err, b.flag)
		}
	}
	return nil
}

func addCommFlags(flags *pflag.FlagSet) []flagBinding {
	flags.String("method", bench.CommProcess, "How the manager and the workers communicate - can be process, websocket or mqtt")
	flags.String("address", "", "The manager's bind address (websocket manager), the manager's URL (websocket worker) or the broker URL (mqtt)")
	flags.String("username", "", "Optional username for authenticating websocket workers")
	flags.String("password", "", "The password workers present to the websocket manager")
	flags.Int("max-in-flight", worker.DefaultMaxInFlight, "The maximum number of outstanding transaction submissions per worker")
	flags.Duration("tx-update-interval", worker.DefaultTxUpdateInterval, "How often workers report their progress")
	flags.String("push-gateway", "", "Report worker progress to this Prometheus push gateway instead of the manager")
	flags.Bool("latency-detail", false, "Keep every latency sample so the report shows P50 and P99")
	return []flagBinding{
		{keyCommMethod, "method"},
		{keyCommAddress, "address"},
		{keyCommUsername, "username"},
		{keyCommPassword, "password"},
		{keyWorkerMaxInFlight, "max-in-flight"},
		{keyWorkerTxUpdateInterval, "tx-update-interval"},
		{keyWorkerPushGateway, "push-gateway"},
		{keyWorkerLatencyDetail, "latency-detail"},
	}
}

func commConfig(v *viper.Viper) bench.CommConfig {
	return bench.CommConfig{
		Method:       v.GetString(keyCommMethod),
		Address:      v.GetString(keyCommAddress),
		Username:     v.GetString(keyCommUsername),
		Password:     v.GetString(keyCommPassword),
		PasswordHash: v.GetString(keyCommPasswordHash),
	}
}

func workerConfig(v *viper.Viper) bench.WorkerConfig {
	return bench.WorkerConfig{
		Comm:             commConfig(v),
		Remote:           v.GetBool(keyWorkerRemote),
		MaxInFlight:      v.GetInt(keyWorkerMaxInFlight),
		TxUpdateInterval: v.GetDuration(keyWorkerTxUpdateInterval),
		ConnectTimeout:   v.GetDuration(keyWorkerConnectTimeout),
		PushGateway:      v.GetString(keyWorkerPushGateway),
		LatencyDetail:    v.GetBool(keyWorkerLatencyDetail),
	}
}

// managerConfig builds the manager's settings. In process mode the forked
// workers receive the worker settings of this process on their command line.
func managerConfig(v *viper.Viper) bench.ManagerConfig {
	cfg := bench.ManagerConfig{
		Comm:             commConfig(v),
		RoundSettleDelay: v.GetDuration(keyManagerRoundSettleDelay),
		WorkerTimeout:    v.GetDuration(keyManagerWorkerTimeout),
		ConnectTimeout:   v.GetDuration(keyManagerConnectTimeout),
		ReportPath:       v.GetString(keyReportPath),
		CSVPath:          v.GetString(keyReportCSV),
		WorkerBinary:     v.GetString(keyManagerWorkerBinary),
		PushGateway:      v.GetString(keyWorkerPushGateway),
	}
	if cfg.Comm.Method == bench.CommProcess {
		cfg.WorkerArgs = workerArgs(workerConfig(v), v.GetBool(keyVerbose), v.GetBool(keyLogJSON))
	}
	return cfg
}

func workerArgs(cfg bench.WorkerConfig, verbose, jsonLogs bool) []string {
	args := []string{
		"worker",
		"--method", bench.CommProcess,
		"--max-in-flight", strconv.Itoa(cfg.MaxInFlight),
		"--tx-update-interval", cfg.TxUpdateInterval.String(),
	}
	if len(cfg.PushGateway) > 0 {
		args = append(args, "--push-gateway", cfg.PushGateway)
	}
	if cfg.LatencyDetail {
		args = append(args, "--latency-detail")
	}
	if verbose {
		args = append(args, "--verbose")
	}
	if jsonLogs {
		args = append(args, "--log-json")
	}
	return args
}
