package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/prometheus/procfs"
)

const (
	defaultSampleInterval = time.Second

	MultiOutputSum = "sum"
	MultiOutputAvg = "avg"
)

type usage struct {
	cpuSeconds float64
	rss        float64
}

// procSource abstracts the process table so the monitor can be exercised
// without a real /proc.
type procSource interface {
	find(target bench.ProcessMonitorTarget) ([]int, error)
	usage(pid int) (usage, error)
}

type procfsSource struct {
	fs  procfs.FS
	err error
}

func newProcfsSource() *procfsSource {
	fs, err := procfs.NewDefaultFS()
	return &procfsSource{fs: fs, err: err}
}

// find matches processes by executable name and, optionally, by a substring
// of their command line.
func (s *procfsSource) find(target bench.ProcessMonitorTarget) ([]int, error) {
	if s.err != nil {
		return nil, s.err
	}
	procs, err := s.fs.AllProcs()
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, p := range procs {
		cmdline, err := p.CmdLine()
		if err != nil || len(cmdline) == 0 {
			continue
		}
		comm, _ := p.Comm()
		if comm != target.Command && filepath.Base(cmdline[0]) != target.Command {
			continue
		}
		if len(target.Arguments) > 0 && !strings.Contains(strings.Join(cmdline[1:], " "), target.Arguments) {
			continue
		}
		pids = append(pids, p.PID)
	}
	return pids, nil
}

func (s *procfsSource) usage(pid int) (usage, error) {
	if s.err != nil {
		return usage{}, s.err
	}
	p, err := s.fs.Proc(pid)
	if err != nil {
		return usage{}, err
	}
	stat, err := p.Stat()
	if err != nil {
		return usage{}, err
	}
	return usage{cpuSeconds: stat.CPUTime(), rss: float64(stat.ResidentMemory())}, nil
}

type watchItem struct {
	name  string
	multi string
	find  func() ([]int, error)

	mem      []float64
	cpu      []float64
	lastCPU  map[int]float64
	lastTime time.Time
}

func targetName(t bench.ProcessMonitorTarget) string {
	name := t.Command
	if len(t.Arguments) > 0 {
		name += " " + t.Arguments
	}
	multi := t.MultiOutput
	if len(multi) == 0 {
		multi = MultiOutputSum
	}
	return fmt.Sprintf("%s(%s)", name, multi)
}

// ProcessMonitor samples CPU and resident memory of groups of processes.
type ProcessMonitor struct {
	src      procSource
	interval time.Duration
	logger   logging.Logger

	mtx     sync.Mutex
	items   []*watchItem
	stop    chan struct{}
	stopped chan struct{}
}

var _ Monitor = (*ProcessMonitor)(nil)

// NewProcessMonitor watches the processes listed in the configuration.
func NewProcessMonitor(cfg bench.MonitorsConfig, logger logging.Logger) *ProcessMonitor {
	m := newProcessMonitor(newProcfsSource(), cfg.Interval, logger)
	for _, t := range cfg.Process {
		target := t
		m.watch(targetName(target), target.MultiOutput, func() ([]int, error) { return m.src.find(target) })
	}
	return m
}

// NewPIDMonitor watches the processes whose ids pids returns, e.g. the local
// worker processes of the manager. Their usage is summed.
func NewPIDMonitor(name string, pids func() []int, interval int, logger logging.Logger) *ProcessMonitor {
	m := newProcessMonitor(newProcfsSource(), interval, logger)
	m.watch(name, MultiOutputSum, func() ([]int, error) { return pids(), nil })
	return m
}

func newProcessMonitor(src procSource, intervalSeconds int, logger logging.Logger) *ProcessMonitor {
	interval := defaultSampleInterval
	if intervalSeconds > 0 {
		interval = time.Duration(intervalSeconds) * time.Second
	}
	return &ProcessMonitor{src: src, interval: interval, logger: logger}
}

func (m *ProcessMonitor) watch(name, multi string, find func() ([]int, error)) {
	m.logger.Info("Registering process within process monitor", "name", name)
	m.items = append(m.items, &watchItem{name: name, multi: multi, find: find})
}

func (m *ProcessMonitor) Type() string { return TypeProcess }

func (m *ProcessMonitor) Start(_ context.Context) error {
	m.mtx.Lock()
	if m.stop != nil {
		m.mtx.Unlock()
		return fmt.Errorf("process monitor already started")
	}
	for _, item := range m.items {
		item.mem, item.cpu = nil, nil
		item.lastCPU = make(map[int]float64)
		item.lastTime = time.Time{}
	}
	m.stop = make(chan struct{})
	m.stopped = make(chan struct{})
	stop, stopped := m.stop, m.stopped
	m.mtx.Unlock()

	m.sample()
	m.logger.Info("Starting process monitor", "interval", m.interval)
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sample()
			case <-stop:
				return
			}
		}
	}()
	return nil
}

func (m *ProcessMonitor) Stop() error {
	m.mtx.Lock()
	stop, stopped := m.stop, m.stopped
	m.stop, m.stopped = nil, nil
	m.mtx.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-stopped
	return nil
}

// sample takes one reading of every watched item. Items whose processes
// cannot be found are skipped for this reading.
func (m *ProcessMonitor) sample() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	now := time.Now()
	for _, item := range m.items {
		pids, err := item.find()
		if err != nil {
			m.logger.Debug("Failed to look up processes", "name", item.name, "err", err)
			continue
		}
		if len(pids) == 0 {
			continue
		}
		var mem, cpu float64
		var found int
		elapsed := now.Sub(item.lastTime).Seconds()
		for _, pid := range pids {
			u, err := m.src.usage(pid)
			if err != nil {
				continue
			}
			found++
			mem += u.rss
			if last, ok := item.lastCPU[pid]; ok && elapsed > 0 {
				cpu += (u.cpuSeconds - last) / elapsed * 100
			}
			item.lastCPU[pid] = u.cpuSeconds
		}
		if found == 0 {
			continue
		}
		if item.multi == MultiOutputAvg {
			mem /= float64(found)
			cpu /= float64(found)
		}
		item.mem = append(item.mem, mem)
		item.cpu = append(item.cpu, cpu)
		item.lastTime = now
	}
}

func (m *ProcessMonitor) Statistics() []ResourceStat {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	res := make([]ResourceStat, 0, len(m.items))
	for _, item := range m.items {
		memMax, memAvg := maxAvg(item.mem)
		cpuMax, cpuAvg := maxAvg(item.cpu)
		res = append(res, ResourceStat{
			Name:   item.name,
			MemMax: memMax,
			MemAvg: memAvg,
			CPUMax: cpuMax,
			CPUAvg: cpuAvg,
		})
	}
	return res
}

func maxAvg(values []float64) (max, avg float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for i, v := range values {
		if i == 0 || v > max {
			max = v
		}
		sum += v
	}
	return max, sum / float64(len(values))
}
