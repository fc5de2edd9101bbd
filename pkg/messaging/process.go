package messaging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
)

// ProcessWorkerEnv is set by the manager in the environment of the worker
// processes it forks. A worker in process mode refuses to start without it.
const ProcessWorkerEnv = "TMBENCH_PROCESS_WORKER"

const (
	maxLineSize        = 64 * 1024 * 1024
	processStopTimeout = 10 * time.Second
)

// WorkerProcess is a running local worker as seen by the manager.
type WorkerProcess struct {
	PID    int
	Stdin  io.WriteCloser // manager -> worker
	Stdout io.ReadCloser  // worker -> manager
	Wait   func() error
	Kill   func() error
}

// Spawner starts the worker process with the given index.
type Spawner func(index int) (*WorkerProcess, error)

// ExecSpawner forks binary with args for every worker. The workers' stderr,
// which carries their logs, is forwarded to stderr.
func ExecSpawner(binary string, args []string, stderr io.Writer) Spawner {
	return func(index int) (*WorkerProcess, error) {
		cmd := exec.Command(binary, args...)
		cmd.Env = append(os.Environ(), ProcessWorkerEnv+"=1")
		cmd.Stderr = stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start worker process %d: %w", index, err)
		}
		return &WorkerProcess{
			PID:    cmd.Process.Pid,
			Stdin:  stdin,
			Stdout: stdout,
			Wait:   cmd.Wait,
			Kill:   cmd.Process.Kill,
		}, nil
	}
}

// lineWriter serializes newline-delimited writes to a stream.
type lineWriter struct {
	mtx sync.Mutex
	w   io.Writer
}

func (l *lineWriter) writeLine(data []byte) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	line := make([]byte, len(data)+1)
	copy(line, data)
	line[len(data)] = '\n'
	_, err := l.w.Write(line)
	return err
}

func readLines(r io.Reader, fn func([]byte)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		buf := make([]byte, len(line))
		copy(buf, line)
		fn(buf)
	}
	return scanner.Err()
}

type childConn struct {
	index int
	proc  *WorkerProcess
	out   *lineWriter
}

// ProcessManager is the manager side of the process transport: it forks the
// local workers and talks to them over their standard streams.
type ProcessManager struct {
	*endpoint
	spawn      Spawner
	numWorkers int

	mtx      sync.Mutex
	children []*childConn
	routes   map[string]*childConn
	readers  sync.WaitGroup
}

var _ Messenger = (*ProcessManager)(nil)

func NewProcessManager(spawn Spawner, numWorkers int, logger logging.Logger) *ProcessManager {
	return &ProcessManager{
		endpoint:   newEndpoint(RecipientOrchestrator, logger),
		spawn:      spawn,
		numWorkers: numWorkers,
		routes:     make(map[string]*childConn),
	}
}

func (m *ProcessManager) Initialize(_ context.Context) error {
	m.start()
	for i := 0; i < m.numWorkers; i++ {
		proc, err := m.spawn(i)
		if err != nil {
			return bench.NewError(bench.ErrWorkerCommunication, err)
		}
		child := &childConn{index: i, proc: proc, out: &lineWriter{w: proc.Stdin}}
		m.mtx.Lock()
		m.children = append(m.children, child)
		m.mtx.Unlock()
		m.logger.Debug("Started local worker process", "index", i, "pid", proc.PID)

		m.readers.Add(1)
		go m.readLoop(child)
	}
	return nil
}

func (m *ProcessManager) readLoop(child *childConn) {
	defer m.readers.Done()
	err := readLines(child.proc.Stdout, func(line []byte) {
		env := m.deliver(line)
		if env == nil || len(env.From) == 0 {
			return
		}
		m.mtx.Lock()
		if _, known := m.routes[env.From]; !known {
			m.routes[env.From] = child
		}
		m.mtx.Unlock()
	})
	reason := "worker process closed its output"
	if err != nil {
		m.logger.Error("Failed reading from worker process", "pid", child.proc.PID, "err", err)
		reason = fmt.Sprintf("failed reading from worker process: %v", err)
	} else {
		m.logger.Debug("Worker process closed its output", "pid", child.proc.PID)
	}
	for _, id := range m.routedTo(child) {
		m.deliverFrom(id, Disconnected{Reason: reason})
	}
}

// routedTo returns the ids of the workers reached through child.
func (m *ProcessManager) routedTo(child *childConn) []string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var ids []string
	for id, c := range m.routes {
		if c == child {
			ids = append(ids, id)
		}
	}
	return ids
}

// PIDs returns the process ids of the local workers.
func (m *ProcessManager) PIDs() []int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	res := make([]int, 0, len(m.children))
	for _, c := range m.children {
		res = append(res, c.proc.PID)
	}
	return res
}

// targets resolves recipients to child connections. Recipients whose route is
// not known yet receive the message through every child, since workers drop
// messages not addressed to them.
func (m *ProcessManager) targets(to []string) []*childConn {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	seen := make(map[*childConn]bool)
	var res []*childConn
	add := func(c *childConn) {
		if !seen[c] {
			seen[c] = true
			res = append(res, c)
		}
	}
	for _, r := range to {
		if c, ok := m.routes[r]; ok && r != RecipientAll {
			add(c)
			continue
		}
		for _, c := range m.children {
			add(c)
		}
	}
	return res
}

func (m *ProcessManager) Send(to []string, p Payload) error {
	data, err := m.envelope(to, p)
	if err != nil {
		return err
	}
	var result error
	for _, c := range m.targets(to) {
		if err := c.out.writeLine(data); err != nil {
			result = multierror.Append(result, fmt.Errorf("worker process %d: %w", c.index, err))
		}
	}
	if result != nil {
		return bench.NewError(bench.ErrWorkerCommunication, result)
	}
	return nil
}

// Dispose closes the workers' input, which makes them exit, and waits for
// them. Workers that do not exit in time are killed.
func (m *ProcessManager) Dispose() error {
	m.shutdown()
	m.mtx.Lock()
	children := append([]*childConn{}, m.children...)
	m.mtx.Unlock()

	var result error
	var wg sync.WaitGroup
	var resultMtx sync.Mutex
	for _, c := range children {
		wg.Add(1)
		go func(c *childConn) {
			defer wg.Done()
			_ = c.proc.Stdin.Close()
			done := make(chan error, 1)
			go func() { done <- c.proc.Wait() }()
			select {
			case err := <-done:
				if err != nil {
					m.logger.Debug("Worker process exited with error", "pid", c.proc.PID, "err", err)
				}
			case <-time.After(processStopTimeout):
				m.logger.Error("Worker process did not exit in time - killing", "pid", c.proc.PID)
				if err := c.proc.Kill(); err != nil {
					resultMtx.Lock()
					result = multierror.Append(result, err)
					resultMtx.Unlock()
				}
			}
		}(c)
	}
	wg.Wait()
	m.readers.Wait()
	return result
}

// StreamWorker is the worker side of the process transport. It reads
// envelopes from in and writes them to out, one JSON document per line.
type StreamWorker struct {
	*endpoint
	in  io.Reader
	out *lineWriter
}

var _ Messenger = (*StreamWorker)(nil)

func NewStreamWorker(id string, in io.Reader, out io.Writer, logger logging.Logger) *StreamWorker {
	return &StreamWorker{
		endpoint: newEndpoint(id, logger),
		in:       in,
		out:      &lineWriter{w: out},
	}
}

func (w *StreamWorker) Initialize(_ context.Context) error {
	w.start()
	go func() {
		err := readLines(w.in, func(line []byte) { w.deliver(line) })
		reason := "manager closed the connection"
		if err != nil {
			reason = fmt.Sprintf("failed reading from manager: %v", err)
		}
		w.logger.Debug("Input stream closed", "reason", reason)
		w.deliverLocal(Exit{Reason: reason})
	}()
	return nil
}

func (w *StreamWorker) Send(to []string, p Payload) error {
	data, err := w.envelope(to, p)
	if err != nil {
		return err
	}
	if err := w.out.writeLine(data); err != nil {
		return bench.NewError(bench.ErrWorkerCommunication, err)
	}
	return nil
}

func (w *StreamWorker) Dispose() error {
	w.shutdown()
	return nil
}
