package workload

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/txstats"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpchttp "github.com/tendermint/tendermint/rpc/client/http"
	ctypes "github.com/tendermint/tendermint/rpc/core/types"
	"github.com/tendermint/tendermint/types"
	"golang.org/x/sync/errgroup"
)

const (
	BroadcastAsync  = "async"
	BroadcastSync   = "sync"
	BroadcastCommit = "commit"

	defaultRPCPort = 26657
)

func init() {
	mustRegisterAdapter("tendermint", NewTendermintAdapter)
}

// TendermintSettings configures the Tendermint RPC adapter.
type TendermintSettings struct {
	Endpoints       []string `mapstructure:"endpoints"`       // e.g. http://localhost:26657
	BroadcastMethod string   `mapstructure:"broadcastMethod"` // async, sync or commit
	MinPeers        int      `mapstructure:"minPeers"`        // wait for this many reachable nodes at Init
	PeerWaitTimeout int      `mapstructure:"peerWaitTimeout"` // seconds
	RPCPort         int      `mapstructure:"rpcPort"`         // port assumed for crawled peers
}

// tmRPC is the part of the Tendermint RPC client the adapter uses.
type tmRPC interface {
	BroadcastTxAsync(ctx context.Context, tx types.Tx) (*ctypes.ResultBroadcastTx, error)
	BroadcastTxSync(ctx context.Context, tx types.Tx) (*ctypes.ResultBroadcastTx, error)
	BroadcastTxCommit(ctx context.Context, tx types.Tx) (*ctypes.ResultBroadcastTxCommit, error)
	ABCIQuery(ctx context.Context, path string, data tmbytes.HexBytes) (*ctypes.ResultABCIQuery, error)
	NetInfo(ctx context.Context) (*ctypes.ResultNetInfo, error)
}

type rpcDialer func(addr string) (tmRPC, error)

func dialHTTP(addr string) (tmRPC, error) {
	c, err := rpchttp.New(addr, "/websocket")
	if err != nil {
		return nil, err
	}
	return c, nil
}

// TendermintAdapter submits transactions to a Tendermint network over its
// RPC endpoints.
type TendermintAdapter struct {
	settings TendermintSettings
	logger   logging.Logger
	dial     rpcDialer

	mtx       sync.Mutex
	endpoints []string // known endpoints, extended by peer discovery
}

var _ Adapter = (*TendermintAdapter)(nil)

// customEndpoint records the node a transaction was sent to.
const customEndpoint = "endpoint"

type tendermintContext struct {
	endpoint string
	client   tmRPC
}

func NewTendermintAdapter(settings map[string]interface{}, logger logging.Logger) (Adapter, error) {
	return newTendermintAdapter(settings, logger, dialHTTP)
}

func newTendermintAdapter(settings map[string]interface{}, logger logging.Logger, dial rpcDialer) (*TendermintAdapter, error) {
	s := TendermintSettings{
		BroadcastMethod: BroadcastSync,
		PeerWaitTimeout: 60,
		RPCPort:         defaultRPCPort,
	}
	if err := mapstructure.WeakDecode(settings, &s); err != nil {
		return nil, err
	}
	if len(s.Endpoints) == 0 {
		return nil, fmt.Errorf("tendermint adapter requires at least one endpoint")
	}
	for _, e := range s.Endpoints {
		if _, err := url.Parse(e); err != nil {
			return nil, fmt.Errorf("failed to parse endpoint URL %s: %s", e, err)
		}
	}
	switch s.BroadcastMethod {
	case BroadcastAsync, BroadcastSync, BroadcastCommit:
	default:
		return nil, fmt.Errorf("unsupported broadcast method %q (must be one of %s, %s or %s)",
			s.BroadcastMethod, BroadcastAsync, BroadcastSync, BroadcastCommit)
	}
	return &TendermintAdapter{
		settings:  s,
		logger:    logger,
		dial:      dial,
		endpoints: append([]string{}, s.Endpoints...),
	}, nil
}

// Init waits until at least MinPeers nodes of the network are known, crawling
// the peers of the configured endpoints.
func (a *TendermintAdapter) Init(ctx context.Context) error {
	if a.settings.MinPeers <= 0 {
		return nil
	}
	timeout := time.Duration(a.settings.PeerWaitTimeout) * time.Second
	peers, err := a.waitForPeers(ctx, timeout)
	if err != nil {
		return err
	}
	a.mtx.Lock()
	a.endpoints = peers
	a.mtx.Unlock()
	return nil
}

func (a *TendermintAdapter) InstallSmartContract(_ context.Context) error {
	// ABCI applications are deployed with the nodes
	return nil
}

// PrepareWorkerArguments spreads the known endpoints over the workers.
func (a *TendermintAdapter) PrepareWorkerArguments(_ context.Context, n int) ([]map[string]interface{}, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	res := make([]map[string]interface{}, n)
	for i := range res {
		res[i] = map[string]interface{}{"endpoint": a.endpoints[i%len(a.endpoints)]}
	}
	return res, nil
}

func (a *TendermintAdapter) GetContext(_ context.Context, roundLabel string, args map[string]interface{}) (Context, error) {
	endpoint, _ := args["endpoint"].(string)
	if len(endpoint) == 0 {
		endpoint = a.settings.Endpoints[0]
	}
	client, err := a.dial(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create RPC client for %s", endpoint)
	}
	a.logger.Debug("Created RPC client", "endpoint", endpoint, "round", roundLabel)
	return &tendermintContext{endpoint: endpoint, client: client}, nil
}

func (a *TendermintAdapter) ReleaseContext(_ context.Context, _ Context) error {
	return nil
}

func (a *TendermintAdapter) InvokeOrQuery(ctx context.Context, c Context, req Request) ([]*txstats.TxStatus, error) {
	tc, ok := c.(*tendermintContext)
	if !ok || tc == nil {
		return nil, fmt.Errorf("invalid tendermint context %T", c)
	}
	if req.Kind == Query {
		return []*txstats.TxStatus{a.query(ctx, tc, req)}, nil
	}
	return []*txstats.TxStatus{a.broadcast(ctx, tc, req.Payload)}, nil
}

func (a *TendermintAdapter) broadcast(ctx context.Context, tc *tendermintContext, payload []byte) *txstats.TxStatus {
	tx := types.Tx(payload)
	status := txstats.NewTxStatus(fmt.Sprintf("%X", tx.Hash()))
	status.Set(customEndpoint, tc.endpoint)
	switch a.settings.BroadcastMethod {
	case BroadcastCommit:
		res, err := tc.client.BroadcastTxCommit(ctx, tx)
		switch {
		case err != nil:
			status.SetStatusFail(err)
		case res.CheckTx.IsErr():
			status.SetStatusFail(fmt.Errorf("CheckTx failed with code %d: %s", res.CheckTx.Code, res.CheckTx.Log))
		case res.DeliverTx.IsErr():
			status.MarkEndorsed()
			status.SetStatusFail(fmt.Errorf("DeliverTx failed with code %d: %s", res.DeliverTx.Code, res.DeliverTx.Log))
		default:
			status.MarkEndorsed()
			status.Result = res.Height
			status.SetStatusSuccess()
		}
	default:
		var (
			res *ctypes.ResultBroadcastTx
			err error
		)
		if a.settings.BroadcastMethod == BroadcastAsync {
			res, err = tc.client.BroadcastTxAsync(ctx, tx)
		} else {
			res, err = tc.client.BroadcastTxSync(ctx, tx)
		}
		switch {
		case err != nil:
			status.SetStatusFail(err)
		case res.Code != 0:
			status.SetStatusFail(fmt.Errorf("broadcast failed with code %d: %s", res.Code, res.Log))
		default:
			// accepted into the mempool
			status.MarkEndorsed()
			status.SetStatusSuccess()
		}
	}
	return status
}

func (a *TendermintAdapter) query(ctx context.Context, tc *tendermintContext, req Request) *txstats.TxStatus {
	status := txstats.NewTxStatus(fmt.Sprintf("query-%X", req.Payload))
	path := req.Function
	if len(path) == 0 {
		path = "/key"
	}
	res, err := tc.client.ABCIQuery(ctx, path, req.Payload)
	switch {
	case err != nil:
		status.SetStatusFail(err)
	case res.Response.IsErr():
		status.SetStatusFail(fmt.Errorf("ABCIQuery failed: %s", res.Response.Log))
	default:
		status.Result = string(res.Response.Value)
		status.SetStatusSuccess()
	}
	return status
}

// waitForPeers crawls the network from the configured endpoints until at
// least MinPeers distinct nodes are known or the timeout expires.
func (a *TendermintAdapter) waitForPeers(ctx context.Context, timeout time.Duration) ([]string, error) {
	a.logger.Info("Waiting for peers to connect", "minPeers", a.settings.MinPeers, "timeout", timeout.String())
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	known := make(map[string]struct{})
	for _, e := range a.settings.Endpoints {
		known[e] = struct{}{}
	}
	for {
		discovered, err := a.crawl(ctx, known)
		if err != nil {
			return nil, err
		}
		// only grow the set
		if len(discovered) > len(known) {
			known = discovered
		}
		if len(known) >= a.settings.MinPeers {
			a.logger.Info("All required peers connected", "count", len(known))
			return peerSetToList(known, a.settings.MinPeers), nil
		}
		a.logger.Debug("Peers discovered so far", "count", len(known))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for Tendermint peer crawl to complete")
		case <-time.After(time.Second):
		}
	}
}

// crawl queries all known peers in parallel and returns the union of them and
// the peers they report. Unreachable peers are skipped.
func (a *TendermintAdapter) crawl(ctx context.Context, known map[string]struct{}) (map[string]struct{}, error) {
	var mtx sync.Mutex
	result := make(map[string]struct{}, len(known))
	g, gctx := errgroup.WithContext(ctx)
	for addr := range known {
		addr := addr
		g.Go(func() error {
			client, err := a.dial(addr)
			if err != nil {
				a.logger.Debug("Failed to create client for peer - skipping", "addr", addr, "err", err)
				return nil
			}
			netInfo, err := client.NetInfo(gctx)
			if err != nil {
				a.logger.Debug("Failed to query peer - skipping", "addr", addr, "err", err)
				return nil
			}
			mtx.Lock()
			defer mtx.Unlock()
			result[addr] = struct{}{}
			for _, p := range netInfo.Peers {
				result[fmt.Sprintf("http://%s:%d", p.RemoteIP, a.settings.RPCPort)] = struct{}{}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("timed out while waiting for all peer network info to be returned")
	}
	return result, nil
}

func peerSetToList(peers map[string]struct{}, maxCount int) []string {
	res := make([]string, 0, len(peers))
	for addr := range peers {
		res = append(res, addr)
	}
	sort.Strings(res)
	if len(res) > maxCount {
		res = res[:maxCount]
	}
	return res
}
