package bench

import (
	"encoding/json"
	"fmt"
	"time"
)

// Worker communication methods.
const (
	CommProcess   = "process"
	CommWebSocket = "websocket"
	CommMQTT      = "mqtt"
)

// RateControl selects a registered rate controller and its options.
type RateControl struct {
	Type string                 `json:"type" mapstructure:"type"`
	Opts map[string]interface{} `json:"opts,omitempty" mapstructure:"opts"`
}

// Workload selects a registered workload module and its arguments.
type Workload struct {
	Module    string                 `json:"module" mapstructure:"module"`
	Arguments map[string]interface{} `json:"arguments,omitempty" mapstructure:"arguments"`
}

// RoundConfig describes a single benchmark round. Exactly one of TxNumber and
// TxDuration is set. Once validated it is never modified; workers receive a
// copy with their share of TxNumber.
type RoundConfig struct {
	Label       string       `json:"label" mapstructure:"label"`
	Description string       `json:"description,omitempty" mapstructure:"description"`
	TxNumber    int          `json:"txNumber,omitempty" mapstructure:"txNumber"`
	TxDuration  int          `json:"txDuration,omitempty" mapstructure:"txDuration"` // seconds
	RateControl *RateControl `json:"rateControl" mapstructure:"rateControl"`
	Workload    *Workload    `json:"workload" mapstructure:"workload"`
	Trim        int          `json:"trim,omitempty" mapstructure:"trim"` // tx count or seconds, depending on the round type
	TestRound   int          `json:"testRound" mapstructure:"-"`
}

// IsDurationBased reports whether the round stops on elapsed time rather than
// on a transaction count.
func (r RoundConfig) IsDurationBased() bool {
	return r.TxDuration > 0
}

// Duration returns TxDuration as a time.Duration.
func (r RoundConfig) Duration() time.Duration {
	return time.Duration(r.TxDuration) * time.Second
}

// Validate checks the round's structural invariants. The index is only used
// to produce a useful error message.
func (r RoundConfig) Validate(index int) error {
	fail := func(msg string) error {
		return Errorf(ErrInvalidConfig, "round %d configuration validation error: %s", index+1, msg)
	}
	if len(r.Label) == 0 {
		return fail(`missing "label" attribute`)
	}
	if r.TxNumber < 0 {
		return fail(`"txNumber" attribute must be a positive number`)
	}
	if r.TxDuration < 0 {
		return fail(`"txDuration" attribute must be a positive number`)
	}
	if r.TxNumber > 0 && r.TxDuration > 0 {
		return fail(`the "txDuration" and "txNumber" attributes are mutually exclusive`)
	}
	if r.TxNumber == 0 && r.TxDuration == 0 {
		return fail(`either the "txDuration" or the "txNumber" attribute must be specified`)
	}
	if r.RateControl == nil {
		return fail(`missing "rateControl" attribute`)
	}
	if len(r.RateControl.Type) == 0 {
		return fail(`missing "rateControl.type" attribute`)
	}
	if r.Workload == nil {
		return fail(`missing "workload" attribute`)
	}
	if len(r.Workload.Module) == 0 {
		return fail(`missing "workload.module" attribute`)
	}
	if r.Trim < 0 {
		return fail(`"trim" attribute must be a non-negative number`)
	}
	return nil
}

// ForWorker returns the copy of the round sent to one of numWorkers workers.
// Fixed-count rounds are split evenly (at least one transaction per worker)
// and count-based trims are split the same way.
func (r RoundConfig) ForWorker(numWorkers int) RoundConfig {
	res := r
	if res.RateControl != nil {
		rc := *res.RateControl
		res.RateControl = &rc
	}
	if res.Workload != nil {
		wl := *res.Workload
		res.Workload = &wl
	}
	if numWorkers < 1 || r.IsDurationBased() {
		return res
	}
	res.TxNumber = r.TxNumber / numWorkers
	if res.TxNumber < 1 {
		res.TxNumber = 1
	}
	if res.Trim > 0 {
		res.Trim = r.Trim / numWorkers
	}
	return res
}

func (r RoundConfig) ToJSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("%v", r)
	}
	return string(b)
}

// WorkersConfig describes the worker pool.
type WorkersConfig struct {
	Number int `json:"number" mapstructure:"number"`
}

// TestConfig is the "test" section of a benchmark file.
type TestConfig struct {
	Name        string        `json:"name" mapstructure:"name"`
	Description string        `json:"description,omitempty" mapstructure:"description"`
	Workers     WorkersConfig `json:"workers" mapstructure:"workers"`
	Rounds      []RoundConfig `json:"rounds" mapstructure:"rounds"`
}

// ProcessMonitorTarget selects local processes to watch by command name.
type ProcessMonitorTarget struct {
	Command     string `json:"command" mapstructure:"command"`
	Arguments   string `json:"arguments,omitempty" mapstructure:"arguments"`
	MultiOutput string `json:"multiOutput,omitempty" mapstructure:"multiOutput"` // "avg" or "sum"
}

// MonitorsConfig is the "monitors" section of a benchmark file.
type MonitorsConfig struct {
	Interval int                    `json:"interval,omitempty" mapstructure:"interval"` // seconds
	Process  []ProcessMonitorTarget `json:"process,omitempty" mapstructure:"process"`
}

// ObserverConfig is the "observer" section of a benchmark file.
type ObserverConfig struct {
	Interval int `json:"interval,omitempty" mapstructure:"interval"` // seconds
}

// BenchmarkConfig is the complete benchmark description.
type BenchmarkConfig struct {
	Test     TestConfig     `json:"test" mapstructure:"test"`
	Monitors MonitorsConfig `json:"monitors" mapstructure:"monitors"`
	Observer ObserverConfig `json:"observer" mapstructure:"observer"`
}

// Validate checks every round before any of them is allowed to run, and
// assigns each round its index.
func (c *BenchmarkConfig) Validate() error {
	if len(c.Test.Rounds) == 0 {
		return Errorf(ErrInvalidConfig, `benchmark configuration is missing the "test.rounds" attribute`)
	}
	if c.Test.Workers.Number < 1 {
		return Errorf(ErrInvalidConfig, `expected "test.workers.number" to be >= 1, but was %d`, c.Test.Workers.Number)
	}
	for i := range c.Test.Rounds {
		if err := c.Test.Rounds[i].Validate(i); err != nil {
			return err
		}
		c.Test.Rounds[i].TestRound = i
	}
	for _, p := range c.Monitors.Process {
		if len(p.Command) == 0 {
			return Errorf(ErrInvalidConfig, `process monitor entries require a "command"`)
		}
		switch p.MultiOutput {
		case "", "avg", "sum":
		default:
			return Errorf(ErrInvalidConfig, `process monitor "multiOutput" must be "avg" or "sum", but was %q`, p.MultiOutput)
		}
	}
	return nil
}

func (c BenchmarkConfig) ToJSON() string {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("%v", c)
	}
	return string(b)
}

// NetworkConfig selects the adapter for the system under test.
type NetworkConfig struct {
	Adapter  string                 `json:"adapter" mapstructure:"adapter"`
	Settings map[string]interface{} `json:"settings,omitempty" mapstructure:"settings"`
}

func (c NetworkConfig) Validate() error {
	if len(c.Adapter) == 0 {
		return Errorf(ErrInvalidConfig, `network configuration is missing the "adapter" attribute`)
	}
	return nil
}

// CommConfig describes how the manager and workers talk to each other.
type CommConfig struct {
	Method   string `json:"method" mapstructure:"method"`
	Address  string `json:"address,omitempty" mapstructure:"address"`   // websocket URL / bind address or MQTT broker
	Username string `json:"username,omitempty" mapstructure:"username"` // optional websocket basic auth
	Password string `json:"-" mapstructure:"password"`
	// PasswordHash is the bcrypt hash the manager checks Password against.
	PasswordHash string `json:"-" mapstructure:"passwordHash"`
}

func (c CommConfig) Validate() error {
	switch c.Method {
	case CommProcess:
	case CommWebSocket, CommMQTT:
		if len(c.Address) == 0 {
			return Errorf(ErrInvalidConfig, "communication method %q requires an address", c.Method)
		}
	default:
		return Errorf(ErrInvalidConfig, "unsupported worker communication method %q", c.Method)
	}
	return nil
}

// ManagerConfig holds runtime settings of the manager process.
type ManagerConfig struct {
	Comm             CommConfig    `json:"communication"`
	RoundSettleDelay time.Duration `json:"round_settle_delay"`
	WorkerTimeout    time.Duration `json:"worker_timeout"` // max wait for a single worker reply within a phase
	ConnectTimeout   time.Duration `json:"connect_timeout"`
	ReportPath       string        `json:"report_path"`
	CSVPath          string        `json:"csv_path,omitempty"`
	WorkerBinary     string        `json:"worker_binary,omitempty"` // for process mode; defaults to the running binary
	WorkerArgs       []string      `json:"worker_args,omitempty"`
	PushGateway      string        `json:"push_gateway,omitempty"`
}

func (c ManagerConfig) Validate() error {
	if err := c.Comm.Validate(); err != nil {
		return err
	}
	if c.RoundSettleDelay < 0 {
		return Errorf(ErrInvalidConfig, "round settle delay must be >= 0")
	}
	if c.WorkerTimeout <= 0 {
		return Errorf(ErrInvalidConfig, "worker timeout must be > 0")
	}
	if c.ConnectTimeout <= 0 {
		return Errorf(ErrInvalidConfig, "worker connect timeout must be > 0")
	}
	return nil
}

func (c ManagerConfig) ToJSON() string {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("%v", c)
	}
	return string(b)
}

// WorkerConfig holds runtime settings of a worker process.
type WorkerConfig struct {
	Comm             CommConfig    `json:"communication"`
	Remote           bool          `json:"remote"`
	MaxInFlight      int           `json:"max_in_flight"`
	TxUpdateInterval time.Duration `json:"tx_update_interval"`
	ConnectTimeout   time.Duration `json:"connect_timeout"`
	// LatencyDetail keeps every latency sample in the round summaries, for
	// exact percentiles.
	LatencyDetail bool `json:"latency_detail"`
	// PushGateway switches progress reporting to a Prometheus push gateway.
	PushGateway string `json:"push_gateway,omitempty"`
}

func (c WorkerConfig) Validate() error {
	if err := c.Comm.Validate(); err != nil {
		return err
	}
	if c.Comm.Method == CommProcess && c.Remote {
		return Errorf(ErrInvalidConfig, `the "process" communication method cannot be used by remote workers`)
	}
	if c.MaxInFlight < 1 {
		return Errorf(ErrInvalidConfig, "max in-flight submissions must be >= 1, but was %d", c.MaxInFlight)
	}
	if c.TxUpdateInterval <= 0 {
		return Errorf(ErrInvalidConfig, "transaction update interval must be > 0")
	}
	return nil
}

func (c WorkerConfig) ToJSON() string {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("%v", c)
	}
	return string(b)
}
