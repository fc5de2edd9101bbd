package worker

import (
	"strconv"
	"time"

	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/informalsystems/tm-bench/pkg/messaging"
	"github.com/informalsystems/tm-bench/pkg/txstats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const pushJobName = "tm-bench"

// Progress is what a worker reports on every update tick.
type Progress struct {
	// Submitted is the number of submissions since the previous tick.
	Submitted int
	// Committed summarizes the results that completed since the previous tick.
	Committed *txstats.Summary
	// Interval is the time covered by this tick.
	Interval time.Duration

	// Cumulative counters for the round so far.
	TotalSubmitted int
	TotalSucc      int
	TotalFail      int
}

// Pending is the number of submitted transactions without a result.
func (p Progress) Pending() int {
	return p.TotalSubmitted - p.TotalSucc - p.TotalFail
}

// ProgressSink receives a worker's live progress during a round.
type ProgressSink interface {
	Update(round bench.RoundConfig, p Progress) error
	Reset(round bench.RoundConfig) error
}

// NewProgressSink picks the sink for the worker's configuration: a push
// gateway when one is configured, messages to the manager otherwise.
func NewProgressSink(cfg bench.WorkerConfig, m messaging.Messenger, workerIndex int, logger logging.Logger) ProgressSink {
	if len(cfg.PushGateway) > 0 {
		return NewPushSink(cfg.PushGateway, workerIndex, logger)
	}
	return NewMessageSink(m, workerIndex)
}

// MessageSink forwards progress to the manager as txUpdate and txReset
// messages.
type MessageSink struct {
	messenger   messaging.Messenger
	workerIndex int
}

var _ ProgressSink = (*MessageSink)(nil)

func NewMessageSink(m messaging.Messenger, workerIndex int) *MessageSink {
	return &MessageSink{messenger: m, workerIndex: workerIndex}
}

func (s *MessageSink) Update(round bench.RoundConfig, p Progress) error {
	return s.messenger.Send([]string{messaging.RecipientOrchestrator}, messaging.TxUpdate{
		WorkerIndex: s.workerIndex,
		Round:       round.TestRound,
		Submitted:   p.Submitted,
		Committed:   p.Committed.CloneWithoutDetail(),
	})
}

func (s *MessageSink) Reset(round bench.RoundConfig) error {
	return s.messenger.Send([]string{messaging.RecipientOrchestrator}, messaging.TxReset{
		WorkerIndex: s.workerIndex,
		Round:       round.TestRound,
	})
}

// PushSink publishes progress gauges to a Prometheus push gateway, grouped by
// round and worker.
type PushSink struct {
	url         string
	workerIndex int
	logger      logging.Logger

	tps        prometheus.Gauge
	latency    prometheus.Gauge
	submitRate prometheus.Gauge
	success    prometheus.Gauge
	failure    prometheus.Gauge
	pending    prometheus.Gauge

	// pushFn is swapped out in tests.
	pushFn func(p *push.Pusher) error
}

var _ ProgressSink = (*PushSink)(nil)

func NewPushSink(url string, workerIndex int, logger logging.Logger) *PushSink {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}
	return &PushSink{
		url:         url,
		workerIndex: workerIndex,
		logger:      logger,
		tps:         gauge("tmbench_worker_tps", "Transactions completed per second during the last update interval"),
		latency:     gauge("tmbench_worker_latency", "Average latency in seconds during the last update interval"),
		submitRate:  gauge("tmbench_worker_txn_submit_rate", "Transactions submitted per second during the last update interval"),
		success:     gauge("tmbench_worker_txn_success", "Committed transactions in the current round"),
		failure:     gauge("tmbench_worker_txn_failure", "Failed transactions in the current round"),
		pending:     gauge("tmbench_worker_txn_pending", "Transactions awaiting a result in the current round"),
		pushFn:      func(p *push.Pusher) error { return p.Push() },
	}
}

func (s *PushSink) Update(round bench.RoundConfig, p Progress) error {
	seconds := p.Interval.Seconds()
	batch := p.Committed.Length()
	if seconds > 0 {
		s.tps.Set(float64(batch) / seconds)
		s.submitRate.Set(float64(p.Submitted) / seconds)
	} else {
		s.tps.Set(0)
		s.submitRate.Set(0)
	}
	if batch > 0 {
		s.latency.Set(float64(p.Committed.Delay.Sum) / float64(batch) / 1000)
	} else {
		s.latency.Set(0)
	}
	s.success.Set(float64(p.TotalSucc))
	s.failure.Set(float64(p.TotalFail))
	s.pending.Set(float64(p.Pending()))
	return s.push(round)
}

// Reset zeroes every gauge.
func (s *PushSink) Reset(round bench.RoundConfig) error {
	for _, g := range s.gauges() {
		g.Set(0)
	}
	return s.push(round)
}

func (s *PushSink) gauges() []prometheus.Gauge {
	return []prometheus.Gauge{s.tps, s.latency, s.submitRate, s.success, s.failure, s.pending}
}

func (s *PushSink) push(round bench.RoundConfig) error {
	p := push.New(s.url, pushJobName).
		Grouping("round_label", round.Label).
		Grouping("round_index", strconv.Itoa(round.TestRound)).
		Grouping("worker_index", strconv.Itoa(s.workerIndex))
	for _, g := range s.gauges() {
		p = p.Collector(g)
	}
	if err := s.pushFn(p); err != nil {
		s.logger.Debug("Failed to push progress to gateway", "url", s.url, "err", err)
		return bench.NewError(bench.ErrReporting, err, "push gateway "+s.url)
	}
	return nil
}
