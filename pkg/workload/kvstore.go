package workload

import (
	"context"
	"fmt"
	"sync"

	"github.com/informalsystems/tm-bench/pkg/txstats"
	"github.com/mitchellh/mapstructure"
	tmrand "github.com/tendermint/tendermint/libs/rand"
)

func init() {
	mustRegisterModule("noop", func() Module { return &noopModule{} })
	mustRegisterModule("kvstore-put", func() Module { return &kvstorePut{} })
	mustRegisterModule("kvstore-query", func() Module { return &kvstoreQuery{} })
}

// noopModule completes every transaction immediately without touching the
// backend.
type noopModule struct{}

func (m *noopModule) Init(_ context.Context, _ Env) error { return nil }

func (m *noopModule) Run(_ context.Context) ([]*txstats.TxStatus, error) {
	tx := txstats.NewTxStatus(tmrand.Str(16))
	tx.SetStatusSuccess()
	return []*txstats.TxStatus{tx}, nil
}

func (m *noopModule) End(_ context.Context) error { return nil }

type kvstoreArgs struct {
	KeySize   int    `mapstructure:"keySize"`
	ValueSize int    `mapstructure:"valueSize"`
	KeyPrefix string `mapstructure:"keyPrefix"`
	Keys      int    `mapstructure:"keys"` // kvstore-query: number of pairs written at Init
}

func decodeKVStoreArgs(raw map[string]interface{}) (kvstoreArgs, error) {
	args := kvstoreArgs{KeySize: 8, ValueSize: 8, Keys: 10}
	if err := mapstructure.WeakDecode(raw, &args); err != nil {
		return args, err
	}
	if args.KeySize < 1 || args.ValueSize < 1 {
		return args, fmt.Errorf("kvstore key and value sizes must be >= 1")
	}
	return args, nil
}

// makeTxKV returns a key/value pair in the form the kvstore ABCI application
// accepts, along with the raw transaction.
func makeTxKV(args kvstoreArgs) (k, v, tx []byte) {
	k = []byte(args.KeyPrefix + tmrand.Str(args.KeySize))
	v = []byte(tmrand.Str(args.ValueSize))
	tx = append(append(append([]byte{}, k...), '='), v...)
	return
}

// kvstorePut writes a random key=value pair per transaction.
type kvstorePut struct {
	env  Env
	args kvstoreArgs
}

func (m *kvstorePut) Init(_ context.Context, env Env) error {
	args, err := decodeKVStoreArgs(env.Arguments)
	if err != nil {
		return err
	}
	m.env, m.args = env, args
	return nil
}

func (m *kvstorePut) Run(ctx context.Context) ([]*txstats.TxStatus, error) {
	_, _, tx := makeTxKV(m.args)
	return m.env.Adapter.InvokeOrQuery(ctx, m.env.Context, Request{Kind: Invoke, Payload: tx})
}

func (m *kvstorePut) End(_ context.Context) error { return nil }

// kvstoreQuery writes a fixed set of pairs during Init and then reads them
// back at random, verifying the stored value.
type kvstoreQuery struct {
	env  Env
	args kvstoreArgs

	mtx   sync.Mutex
	pairs [][2][]byte
}

func (m *kvstoreQuery) Init(ctx context.Context, env Env) error {
	args, err := decodeKVStoreArgs(env.Arguments)
	if err != nil {
		return err
	}
	if args.Keys < 1 {
		return fmt.Errorf("kvstore-query requires at least one key")
	}
	m.env, m.args = env, args
	m.pairs = make([][2][]byte, 0, args.Keys)
	for i := 0; i < args.Keys; i++ {
		k, v, tx := makeTxKV(args)
		res, err := env.Adapter.InvokeOrQuery(ctx, env.Context, Request{Kind: Invoke, Payload: tx})
		if err != nil {
			return err
		}
		for _, r := range res {
			if !r.IsCommitted() {
				return fmt.Errorf("failed to write kvstore-query key %d: %s", i, r.Error)
			}
		}
		m.pairs = append(m.pairs, [2][]byte{k, v})
	}
	return nil
}

func (m *kvstoreQuery) Run(ctx context.Context) ([]*txstats.TxStatus, error) {
	m.mtx.Lock()
	pair := m.pairs[tmrand.Intn(len(m.pairs))]
	m.mtx.Unlock()

	res, err := m.env.Adapter.InvokeOrQuery(ctx, m.env.Context, Request{Kind: Query, Function: "/key", Payload: pair[0]})
	if err != nil {
		return nil, err
	}
	for _, r := range res {
		if !r.IsCommitted() {
			continue
		}
		if got, ok := r.Result.(string); ok {
			if got == string(pair[1]) {
				r.Verified = true
			} else {
				r.SetStatusFail(fmt.Errorf("retrieved value does not match stored value"))
			}
		}
	}
	return res, nil
}

func (m *kvstoreQuery) End(_ context.Context) error { return nil }
