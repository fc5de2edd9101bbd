// Package ratecontrol contains the pacing strategies applied by the worker
// execution loop between transaction submissions.
package ratecontrol

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/informalsystems/tm-bench/pkg/txstats"
	"github.com/mitchellh/mapstructure"
)

// RoundContext is what a controller learns about the round once, at Init.
type RoundContext struct {
	Round        bench.RoundConfig // the worker's share of the round
	WorkerIndex  int
	TotalWorkers int
}

// Observation is the state of the submission loop handed to the controller
// after every submission.
type Observation struct {
	Start      time.Time
	Submitted  int
	Finished   int
	Successful int
	Failed     int
	LatencySum int64 // milliseconds, over finished transactions

	// Results completed since the last progress tick and not yet folded.
	Results []*txstats.TxStatus
	// Stats holds the kept summary at index 0 and, once at least two ticks
	// produced data, the latest tick's summary at index 1.
	Stats []*txstats.Summary
}

// Elapsed returns the time since the round started.
func (o Observation) Elapsed() time.Duration {
	return time.Since(o.Start)
}

// Unfinished is the number of submitted transactions that have not completed.
func (o Observation) Unfinished() int {
	return o.Submitted - o.Finished
}

// Controller paces transaction submission.
type Controller interface {
	// Init is called once before the round starts.
	Init(rc RoundContext) error
	// ApplyRateControl is called after every submission and may block for as
	// long as the strategy requires. It returns ctx.Err() if ctx is cancelled
	// while waiting.
	ApplyRateControl(ctx context.Context, obs Observation) error
	// End releases any resources held by the controller.
	End() error
}

// Factory creates a controller from its options map.
type Factory func(opts map[string]interface{}) (Controller, error)

var (
	registryMtx sync.RWMutex
	registry    = make(map[string]Factory)
)

// Register makes a controller available under the given name.
func Register(name string, factory Factory) error {
	registryMtx.Lock()
	defer registryMtx.Unlock()
	if _, exists := registry[name]; exists {
		return fmt.Errorf("rate controller with name %q already exists", name)
	}
	registry[name] = factory
	return nil
}

func mustRegister(name string, factory Factory) {
	if err := Register(name, factory); err != nil {
		panic(err)
	}
}

// Exists reports whether a controller with the given name is registered.
func Exists(name string) bool {
	registryMtx.RLock()
	defer registryMtx.RUnlock()
	_, ok := registry[name]
	return ok
}

// New instantiates the controller described by rc.
func New(rc *bench.RateControl) (Controller, error) {
	if rc == nil {
		return nil, bench.Errorf(bench.ErrRateController, "missing rate controller configuration")
	}
	registryMtx.RLock()
	factory, ok := registry[rc.Type]
	registryMtx.RUnlock()
	if !ok {
		return nil, bench.Errorf(bench.ErrRateController, "unrecognized rate controller %q (supported: %s)", rc.Type, strings.Join(Names(), ", "))
	}
	c, err := factory(rc.Opts)
	if err != nil {
		return nil, bench.NewError(bench.ErrRateController, err, rc.Type)
	}
	return c, nil
}

// Names returns the sorted names of all registered controllers.
func Names() []string {
	registryMtx.RLock()
	defer registryMtx.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func decodeOpts(opts map[string]interface{}, out interface{}) error {
	if len(opts) == 0 {
		return nil
	}
	return mapstructure.WeakDecode(opts, out)
}

// sleeper is embedded by the built-in controllers so tests can observe the
// computed pauses without waiting for them.
type sleeper struct {
	sleepFn func(ctx context.Context, d time.Duration) error
}

func (s *sleeper) sleep(ctx context.Context, d time.Duration) error {
	if s.sleepFn != nil {
		return s.sleepFn(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func perWorker(v float64, totalWorkers int) float64 {
	if totalWorkers < 1 {
		return v
	}
	return v / float64(totalWorkers)
}
