package messaging

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testTimeout = 5 * time.Second

// readyWorker answers an assignment with a ready message and records every
// exit it receives.
type readyWorker struct {
	m      Messenger
	exited chan string
}

func newReadyWorker(m Messenger) *readyWorker {
	w := &readyWorker{m: m, exited: make(chan string, 1)}
	m.Configure(Handlers{
		KindAssign: func(msg Message) {
			a := msg.Payload.(Assign)
			_ = m.Send([]string{RecipientOrchestrator}, Ready{WorkerIndex: a.WorkerIndex})
		},
		KindExit: func(msg Message) {
			select {
			case w.exited <- msg.Payload.(Exit).Reason:
			default:
			}
		},
	})
	return w
}

// collector gathers the messages the manager receives.
type collector struct {
	connected chan string
	ready     chan int
	lost      chan string
}

func newCollector(m Messenger) *collector {
	c := &collector{connected: make(chan string, 16), ready: make(chan int, 16), lost: make(chan string, 16)}
	m.Configure(Handlers{
		KindConnected:    func(msg Message) { c.connected <- msg.From },
		KindReady:        func(msg Message) { c.ready <- msg.Payload.(Ready).WorkerIndex },
		KindDisconnected: func(msg Message) { c.lost <- msg.From },
	})
	return c
}

func receiveN[T any](t *testing.T, ch chan T, n int) []T {
	var res []T
	for i := 0; i < n; i++ {
		select {
		case v := <-ch:
			res = append(res, v)
		case <-time.After(testTimeout):
			t.Fatalf("timed out after receiving %d of %d messages", i, n)
		}
	}
	return res
}

// handshake runs connect/assign/ready between a manager and n workers and
// returns the worker ids in connection order.
func handshake(t *testing.T, manager Messenger, c *collector, n int) []string {
	ids := receiveN(t, c.connected, n)
	for i, id := range ids {
		require.NoError(t, manager.Send([]string{id}, Assign{WorkerID: id, WorkerIndex: i}))
	}
	indexes := receiveN(t, c.ready, n)
	sort.Ints(indexes)
	expected := make([]int, n)
	for i := range expected {
		expected[i] = i
	}
	require.Equal(t, expected, indexes)
	return ids
}

func TestProcessTransport(t *testing.T) {
	const n = 3
	reasons := make(chan string, n)

	spawn := func(index int) (*WorkerProcess, error) {
		toWorkerR, toWorkerW := io.Pipe()
		toManagerR, toManagerW := io.Pipe()
		wm := NewStreamWorker(fmt.Sprintf("worker-%d", index), toWorkerR, toManagerW, logging.NewNoopLogger())
		w := newReadyWorker(wm)
		done := make(chan struct{})
		go func() {
			reasons <- <-w.exited
			_ = toManagerW.Close()
			close(done)
		}()
		if err := wm.Initialize(context.Background()); err != nil {
			return nil, err
		}
		go func() { _ = wm.Send([]string{RecipientOrchestrator}, Connected{PID: index}) }()
		return &WorkerProcess{
			PID:    1000 + index,
			Stdin:  toWorkerW,
			Stdout: toManagerR,
			Wait:   func() error { <-done; return nil },
			Kill:   func() error { return nil },
		}, nil
	}

	manager := NewProcessManager(spawn, n, logging.NewNoopLogger())
	c := newCollector(manager)
	require.NoError(t, manager.Initialize(context.Background()))
	handshake(t, manager, c, n)
	require.ElementsMatch(t, []int{1000, 1001, 1002}, manager.PIDs())

	// closing the workers' input makes them exit
	require.NoError(t, manager.Dispose())
	for _, reason := range receiveN(t, reasons, n) {
		require.Equal(t, "manager closed the connection", reason)
	}
}

func TestWebSocketTransport(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	server := NewWebSocketServer(bench.CommConfig{
		Method:       bench.CommWebSocket,
		Address:      "127.0.0.1:0",
		Username:     "bench",
		PasswordHash: string(hash),
	}, logging.NewNoopLogger())
	c := newCollector(server)
	require.NoError(t, server.Initialize(context.Background()))
	addr := "ws://" + server.Addr() + "/"

	const n = 2
	var clients []*WebSocketClient
	var workers []*readyWorker
	for i := 0; i < n; i++ {
		client := NewWebSocketClient(fmt.Sprintf("ws-worker-%d", i), bench.CommConfig{
			Method:   bench.CommWebSocket,
			Address:  addr,
			Username: "bench",
			Password: "secret",
		}, testTimeout, logging.NewNoopLogger())
		workers = append(workers, newReadyWorker(client))
		require.NoError(t, client.Initialize(context.Background()))
		require.NoError(t, client.Send([]string{RecipientOrchestrator}, Connected{}))
		clients = append(clients, client)
	}
	handshake(t, server, c, n)

	// the metrics endpoint is served alongside
	resp, err := http.Get("http://" + server.Addr() + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// shutting the server down tells the workers to exit
	require.NoError(t, server.Dispose())
	for _, w := range workers {
		receiveN(t, w.exited, 1)
	}
	for _, client := range clients {
		require.NoError(t, client.Dispose())
	}
}

func TestProcessManagerReportsLostWorker(t *testing.T) {
	const n = 2
	outputs := make([]io.Closer, n)
	spawn := func(index int) (*WorkerProcess, error) {
		toWorkerR, toWorkerW := io.Pipe()
		toManagerR, toManagerW := io.Pipe()
		outputs[index] = toManagerW
		wm := NewStreamWorker(fmt.Sprintf("worker-%d", index), toWorkerR, toManagerW, logging.NewNoopLogger())
		newReadyWorker(wm)
		if err := wm.Initialize(context.Background()); err != nil {
			return nil, err
		}
		go func() { _ = wm.Send([]string{RecipientOrchestrator}, Connected{PID: index}) }()
		return &WorkerProcess{
			PID:    3000 + index,
			Stdin:  toWorkerW,
			Stdout: toManagerR,
			Wait:   func() error { return nil },
			Kill:   func() error { return nil },
		}, nil
	}

	manager := NewProcessManager(spawn, n, logging.NewNoopLogger())
	c := newCollector(manager)
	require.NoError(t, manager.Initialize(context.Background()))
	handshake(t, manager, c, n)

	// the manager speaks for the worker whose output died
	require.NoError(t, outputs[1].Close())
	require.Equal(t, []string{"worker-1"}, receiveN(t, c.lost, 1))
	select {
	case id := <-c.lost:
		t.Fatalf("unexpected disconnect of %s", id)
	case <-time.After(100 * time.Millisecond):
	}
	require.NoError(t, outputs[0].Close())
	require.NoError(t, manager.Dispose())
}

func TestWebSocketServerReportsLostWorker(t *testing.T) {
	server := NewWebSocketServer(bench.CommConfig{Method: bench.CommWebSocket, Address: "127.0.0.1:0"}, logging.NewNoopLogger())
	c := newCollector(server)
	require.NoError(t, server.Initialize(context.Background()))
	defer server.Dispose()

	client := NewWebSocketClient("ws-worker", bench.CommConfig{
		Method:  bench.CommWebSocket,
		Address: "ws://" + server.Addr() + "/",
	}, testTimeout, logging.NewNoopLogger())
	newReadyWorker(client)
	require.NoError(t, client.Initialize(context.Background()))
	require.NoError(t, client.Send([]string{RecipientOrchestrator}, Connected{}))
	handshake(t, server, c, 1)

	require.NoError(t, client.Dispose())
	require.Equal(t, []string{"ws-worker"}, receiveN(t, c.lost, 1))
}

func TestWebSocketRejectsBadCredentials(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	server := NewWebSocketServer(bench.CommConfig{
		Method:       bench.CommWebSocket,
		Address:      "127.0.0.1:0",
		Username:     "bench",
		PasswordHash: string(hash),
	}, logging.NewNoopLogger())
	server.Configure(Handlers{})
	require.NoError(t, server.Initialize(context.Background()))
	defer server.Dispose()

	client := NewWebSocketClient("intruder", bench.CommConfig{
		Method:   bench.CommWebSocket,
		Address:  "ws://" + server.Addr() + "/",
		Username: "bench",
		Password: "guess",
	}, testTimeout, logging.NewNoopLogger())
	err = client.Initialize(context.Background())
	require.True(t, bench.IsErrorCode(err, bench.ErrWorkerCommunication))
	require.True(t, strings.Contains(err.Error(), "credentials"))
}

func TestWorkerMessengerStartupChecks(t *testing.T) {
	noEnv := func(string) string { return "" }
	withEnv := func(k string) string {
		if k == ProcessWorkerEnv {
			return "1"
		}
		return ""
	}
	testCases := []struct {
		name        string
		cfg         bench.WorkerConfig
		getenv      func(string) string
		expectError bool
	}{
		{"process without parent", bench.WorkerConfig{Comm: bench.CommConfig{Method: bench.CommProcess}}, noEnv, true},
		{"process and remote", bench.WorkerConfig{Comm: bench.CommConfig{Method: bench.CommProcess}, Remote: true}, withEnv, true},
		{"process with parent", bench.WorkerConfig{Comm: bench.CommConfig{Method: bench.CommProcess}}, withEnv, false},
		{"remote websocket", bench.WorkerConfig{Comm: bench.CommConfig{Method: bench.CommWebSocket, Address: "ws://localhost:1"}, Remote: true}, noEnv, false},
		{"unknown method", bench.WorkerConfig{Comm: bench.CommConfig{Method: "pigeon"}}, noEnv, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := newWorkerMessenger("w", tc.cfg, tc.getenv, strings.NewReader(""), io.Discard, logging.NewNoopLogger())
			if tc.expectError {
				require.True(t, bench.IsErrorCode(err, bench.ErrInvalidConfig))
				return
			}
			require.NoError(t, err)
			require.Equal(t, "w", m.ID())
		})
	}
}

func TestStreamWorkerIgnoresMessagesForOthers(t *testing.T) {
	in, feed := io.Pipe()
	w := NewStreamWorker("me", in, io.Discard, logging.NewNoopLogger())
	got := make(chan int, 4)
	w.Configure(Handlers{
		KindAssign: func(msg Message) { got <- msg.Payload.(Assign).WorkerIndex },
	})
	require.NoError(t, w.Initialize(context.Background()))

	for _, p := range []struct {
		to    string
		index int
	}{{"someone-else", 1}, {"me", 2}, {RecipientAll, 3}} {
		env, err := NewEnvelope(RecipientOrchestrator, []string{p.to}, Assign{WorkerIndex: p.index})
		require.NoError(t, err)
		data, err := jsonLine(env)
		require.NoError(t, err)
		_, err = feed.Write(data)
		require.NoError(t, err)
	}
	// garbage lines are skipped
	_, err := feed.Write([]byte("not json\n"))
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, receiveN(t, got, 2))
	require.NoError(t, feed.Close())
	require.NoError(t, w.Dispose())
}
