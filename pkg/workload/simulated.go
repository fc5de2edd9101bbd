package workload

import (
	"context"
	"fmt"
	"time"

	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/txstats"
	"github.com/mitchellh/mapstructure"
	tmrand "github.com/tendermint/tendermint/libs/rand"
)

func init() {
	mustRegisterAdapter("simulated", NewSimulatedAdapter)
}

// SimulatedSettings configures the in-memory backend.
type SimulatedSettings struct {
	MinLatency  int     `mapstructure:"minLatency"` // ms
	MaxLatency  int     `mapstructure:"maxLatency"` // ms
	FailureRate float64 `mapstructure:"failureRate"`
}

// SimulatedAdapter is a backend that accepts every request after a random
// delay and fails a configurable share of them. It is useful for exercising
// the benchmark machinery without a network.
type SimulatedAdapter struct {
	settings SimulatedSettings
	logger   logging.Logger
}

var _ Adapter = (*SimulatedAdapter)(nil)

type simulatedContext struct {
	label string
}

func NewSimulatedAdapter(settings map[string]interface{}, logger logging.Logger) (Adapter, error) {
	s := SimulatedSettings{MinLatency: 10, MaxLatency: 50}
	if err := mapstructure.WeakDecode(settings, &s); err != nil {
		return nil, err
	}
	if s.MinLatency < 0 || s.MaxLatency < s.MinLatency {
		return nil, fmt.Errorf("invalid simulated latency range [%d, %d]", s.MinLatency, s.MaxLatency)
	}
	if s.FailureRate < 0 || s.FailureRate > 1 {
		return nil, fmt.Errorf("simulated failure rate must be within [0, 1], but was %v", s.FailureRate)
	}
	return &SimulatedAdapter{settings: s, logger: logger}, nil
}

func (a *SimulatedAdapter) Init(_ context.Context) error {
	a.logger.Info("Using simulated backend", "minLatency", a.settings.MinLatency, "maxLatency", a.settings.MaxLatency)
	return nil
}

func (a *SimulatedAdapter) InstallSmartContract(_ context.Context) error { return nil }

func (a *SimulatedAdapter) PrepareWorkerArguments(_ context.Context, n int) ([]map[string]interface{}, error) {
	res := make([]map[string]interface{}, n)
	for i := range res {
		res[i] = map[string]interface{}{}
	}
	return res, nil
}

func (a *SimulatedAdapter) GetContext(_ context.Context, roundLabel string, _ map[string]interface{}) (Context, error) {
	return &simulatedContext{label: roundLabel}, nil
}

func (a *SimulatedAdapter) ReleaseContext(_ context.Context, _ Context) error { return nil }

func (a *SimulatedAdapter) InvokeOrQuery(ctx context.Context, _ Context, req Request) ([]*txstats.TxStatus, error) {
	tx := txstats.NewTxStatus(tmrand.Str(16))
	latency := a.settings.MinLatency
	if spread := a.settings.MaxLatency - a.settings.MinLatency; spread > 0 {
		latency += tmrand.Intn(spread + 1)
	}
	t := time.NewTimer(time.Duration(latency) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		tx.SetStatusFail(ctx.Err())
		return []*txstats.TxStatus{tx}, nil
	}
	if a.settings.FailureRate > 0 && tmrand.Float64() < a.settings.FailureRate {
		tx.SetStatusFail(fmt.Errorf("simulated %s failure", req.Kind))
	} else {
		tx.SetStatusSuccess()
	}
	return []*txstats.TxStatus{tx}, nil
}
