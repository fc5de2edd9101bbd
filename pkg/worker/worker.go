package worker

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/informalsystems/tm-bench/pkg/messaging"
	"github.com/informalsystems/tm-bench/pkg/workload"
)

// AdapterFactory creates the adapter a worker submits through.
type AdapterFactory func(cfg bench.NetworkConfig, logger logging.Logger) (workload.Adapter, error)

// Worker answers the manager's requests: it receives its index and network
// configuration, then prepares and runs rounds until told to exit.
type Worker struct {
	cfg        bench.WorkerConfig
	messenger  messaging.Messenger
	newAdapter AdapterFactory
	logger     logging.Logger

	mtx          sync.Mutex
	index        int
	totalWorkers int
	executor     *Executor
	ctx          context.Context
	closing      bool

	tasks sync.WaitGroup
	exit  chan messaging.Message
}

// New creates a worker that talks to the manager through m.
func New(cfg bench.WorkerConfig, m messaging.Messenger, logger logging.Logger) *Worker {
	return &Worker{
		cfg:        cfg,
		messenger:  m,
		newAdapter: workload.NewAdapter,
		logger:     logger,
		index:      -1,
		exit:       make(chan messaging.Message, 1),
	}
}

// Run connects to the manager and serves it until it sends an exit, the
// connection is lost or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mtx.Lock()
	w.ctx = ctx
	w.mtx.Unlock()

	w.messenger.Configure(messaging.Handlers{
		messaging.KindAssign:  w.handleAssign,
		messaging.KindInit:    w.handleInit,
		messaging.KindPrepare: w.handlePrepare,
		messaging.KindTest:    w.handleTest,
		messaging.KindExit:    w.handleExit,
	})
	if err := w.messenger.Initialize(ctx); err != nil {
		w.logger.Error("Failed to connect to manager", "err", err)
		return err
	}
	defer func() {
		if err := w.messenger.Dispose(); err != nil {
			w.logger.Error("Failed to dispose messenger", "err", err)
		}
	}()

	hostname, _ := os.Hostname()
	if err := w.messenger.Send([]string{messaging.RecipientOrchestrator}, messaging.Connected{
		Hostname: hostname,
		PID:      os.Getpid(),
	}); err != nil {
		w.logger.Error("Failed to announce worker to manager", "err", err)
		return err
	}
	w.logger.Info("Waiting for instructions from manager")

	var result error
	select {
	case <-ctx.Done():
		w.logger.Error("Worker operations cancelled")
		result = bench.NewError(bench.ErrKilled, ctx.Err())
	case msg := <-w.exit:
		reason := msg.Payload.(messaging.Exit).Reason
		if msg.From == w.messenger.ID() {
			w.logger.Error("Lost connection to manager", "reason", reason)
			result = bench.Errorf(bench.ErrWorkerCommunication, "lost connection to manager: %s", reason)
		} else {
			w.logger.Info("Manager requested exit", "reason", reason)
		}
	}
	cancel()
	w.mtx.Lock()
	w.closing = true
	w.mtx.Unlock()
	w.tasks.Wait()
	if exec := w.getExecutor(); exec != nil {
		exec.Close()
	}
	return result
}

func (w *Worker) handleAssign(msg messaging.Message) {
	a := msg.Payload.(messaging.Assign)
	w.mtx.Lock()
	w.index = a.WorkerIndex
	w.mtx.Unlock()
	w.logger.SetField("index", a.WorkerIndex)
	w.logger.Info("Assigned worker index")
	w.reply(messaging.Ready{WorkerIndex: a.WorkerIndex})
}

func (w *Worker) handleInit(msg messaging.Message) {
	in := msg.Payload.(messaging.Init)
	index := w.getIndex()
	if index < 0 {
		w.replyError(messaging.KindInit, -1, fmt.Errorf("init received before an index was assigned"))
		return
	}
	adapter, err := w.newAdapter(in.Network, w.logger.With("adapter", in.Network.Adapter))
	if err != nil {
		w.replyError(messaging.KindInit, -1, err)
		return
	}
	sink := NewProgressSink(w.cfg, w.messenger, index, w.logger)
	exec := NewExecutor(adapter, in.Arguments, sink, index, w.cfg, w.logger)
	w.mtx.Lock()
	prev := w.executor
	w.executor = exec
	w.totalWorkers = in.TotalWorkers
	w.mtx.Unlock()
	if prev != nil {
		prev.Close()
	}
	w.logger.Info("Initialized adapter", "adapter", in.Network.Adapter)
	w.reply(messaging.Initialized{WorkerIndex: index})
}

// handlePrepare and handleTest run in the background so that an exit can
// still be handled while a round is in progress.
func (w *Worker) handlePrepare(msg messaging.Message) {
	round := msg.Payload.(messaging.Prepare).Round
	w.spawn(func(ctx context.Context, exec *Executor, index, totalWorkers int) {
		if err := exec.PrepareTest(ctx, round, totalWorkers); err != nil {
			w.replyError(messaging.KindPrepare, round.TestRound, err)
			return
		}
		w.reply(messaging.Prepared{WorkerIndex: index, Round: round.TestRound})
	}, messaging.KindPrepare, round.TestRound)
}

func (w *Worker) handleTest(msg messaging.Message) {
	test := msg.Payload.(messaging.Test)
	round := test.Round
	w.spawn(func(ctx context.Context, exec *Executor, index, _ int) {
		res, err := exec.DoTest(ctx, round)
		if err != nil {
			w.replyError(messaging.KindTest, round.TestRound, err)
			return
		}
		w.reply(messaging.TestResult{
			WorkerIndex: index,
			Round:       round.TestRound,
			Results:     res.Results,
			Start:       res.Start,
			End:         res.End,
		})
	}, messaging.KindTest, round.TestRound)
}

func (w *Worker) handleExit(msg messaging.Message) {
	select {
	case w.exit <- msg:
	default:
	}
}

func (w *Worker) spawn(fn func(ctx context.Context, exec *Executor, index, totalWorkers int), phase messaging.Kind, round int) {
	w.mtx.Lock()
	exec, index, total, ctx := w.executor, w.index, w.totalWorkers, w.ctx
	if w.closing {
		w.mtx.Unlock()
		return
	}
	if exec == nil {
		w.mtx.Unlock()
		w.replyError(phase, round, fmt.Errorf("%s received before init", phase))
		return
	}
	w.tasks.Add(1)
	w.mtx.Unlock()
	go func() {
		defer w.tasks.Done()
		fn(ctx, exec, index, total)
	}()
}

func (w *Worker) getIndex() int {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.index
}

func (w *Worker) getExecutor() *Executor {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.executor
}

func (w *Worker) reply(p messaging.Payload) {
	if err := w.messenger.Send([]string{messaging.RecipientOrchestrator}, p); err != nil {
		w.logger.Error("Failed to send message to manager", "type", p.Kind(), "err", err)
	}
}

func (w *Worker) replyError(phase messaging.Kind, round int, err error) {
	w.logger.Error("Worker phase failed", "phase", phase, "round", round, "err", err)
	w.reply(messaging.Error{
		WorkerIndex: w.getIndex(),
		Phase:       phase,
		Round:       round,
		Message:     err.Error(),
	})
}
