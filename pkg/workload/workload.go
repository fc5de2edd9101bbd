// Package workload defines the collaborators the worker execution loop drives:
// adapters, which talk to the system under test, and workload modules, which
// decide what each submitted transaction looks like.
package workload

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/informalsystems/tm-bench/pkg/txstats"
)

// Context is the backend context an adapter hands to a worker for one round.
// Its contents are adapter-specific.
type Context interface{}

// RequestKind distinguishes state-changing requests from read-only ones.
type RequestKind string

const (
	Invoke RequestKind = "invoke"
	Query  RequestKind = "query"
)

// Request is a single interaction with the system under test.
type Request struct {
	Kind     RequestKind
	Contract string
	Function string
	Args     []string
	Payload  []byte
}

// Adapter connects the benchmark to a particular kind of backend.
type Adapter interface {
	// Init prepares the backend, e.g. waits for the network to come up. It is
	// only called by the manager.
	Init(ctx context.Context) error
	// InstallSmartContract deploys whatever the workloads need. Manager only.
	InstallSmartContract(ctx context.Context) error
	// PrepareWorkerArguments returns one argument map per worker. Manager only.
	PrepareWorkerArguments(ctx context.Context, n int) ([]map[string]interface{}, error)

	GetContext(ctx context.Context, roundLabel string, args map[string]interface{}) (Context, error)
	ReleaseContext(ctx context.Context, c Context) error
	// InvokeOrQuery performs the request. Backend-level failures are reported
	// as failed statuses; an error means no status could be produced at all.
	InvokeOrQuery(ctx context.Context, c Context, req Request) ([]*txstats.TxStatus, error)
}

// AdapterFactory creates an adapter from its network settings.
type AdapterFactory func(settings map[string]interface{}, logger logging.Logger) (Adapter, error)

// Env is what a workload module gets to work with for one round.
type Env struct {
	Adapter      Adapter
	Context      Context
	Arguments    map[string]interface{}
	RoundIndex   int
	WorkerIndex  int
	TotalWorkers int
}

// Module generates the transactions of a round.
type Module interface {
	Init(ctx context.Context, env Env) error
	// Run submits one transaction (or a small batch) and returns the outcome.
	Run(ctx context.Context) ([]*txstats.TxStatus, error)
	End(ctx context.Context) error
}

// ModuleFactory creates a fresh module instance for a round.
type ModuleFactory func() Module

var (
	registryMtx sync.RWMutex
	adapters    = make(map[string]AdapterFactory)
	modules     = make(map[string]ModuleFactory)
)

// RegisterAdapter makes an adapter available under the given name.
func RegisterAdapter(name string, factory AdapterFactory) error {
	registryMtx.Lock()
	defer registryMtx.Unlock()
	if _, exists := adapters[name]; exists {
		return fmt.Errorf("adapter with name %q already exists", name)
	}
	adapters[name] = factory
	return nil
}

// RegisterModule makes a workload module available under the given name.
func RegisterModule(name string, factory ModuleFactory) error {
	registryMtx.Lock()
	defer registryMtx.Unlock()
	if _, exists := modules[name]; exists {
		return fmt.Errorf("workload module with name %q already exists", name)
	}
	modules[name] = factory
	return nil
}

func mustRegisterAdapter(name string, factory AdapterFactory) {
	if err := RegisterAdapter(name, factory); err != nil {
		panic(err)
	}
}

func mustRegisterModule(name string, factory ModuleFactory) {
	if err := RegisterModule(name, factory); err != nil {
		panic(err)
	}
}

// NewAdapter instantiates the adapter selected by the network configuration.
func NewAdapter(cfg bench.NetworkConfig, logger logging.Logger) (Adapter, error) {
	registryMtx.RLock()
	factory, ok := adapters[cfg.Adapter]
	registryMtx.RUnlock()
	if !ok {
		return nil, bench.Errorf(bench.ErrInvalidConfig, "unrecognized adapter %q (supported: %v)", cfg.Adapter, AdapterNames())
	}
	a, err := factory(cfg.Settings, logger)
	if err != nil {
		return nil, bench.NewError(bench.ErrInvalidConfig, err, "adapter "+cfg.Adapter)
	}
	return a, nil
}

// NewModule instantiates a workload module by name.
func NewModule(name string) (Module, error) {
	registryMtx.RLock()
	factory, ok := modules[name]
	registryMtx.RUnlock()
	if !ok {
		return nil, bench.Errorf(bench.ErrWorkloadLifecycle, "unrecognized workload module %q (supported: %v)", name, ModuleNames())
	}
	return factory(), nil
}

// ModuleExists reports whether a workload module is registered.
func ModuleExists(name string) bool {
	registryMtx.RLock()
	defer registryMtx.RUnlock()
	_, ok := modules[name]
	return ok
}

// AdapterNames returns the sorted names of the registered adapters.
func AdapterNames() []string {
	registryMtx.RLock()
	defer registryMtx.RUnlock()
	return sortedKeys(adapters)
}

// ModuleNames returns the sorted names of the registered workload modules.
func ModuleNames() []string {
	registryMtx.RLock()
	defer registryMtx.RUnlock()
	return sortedKeys(modules)
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
