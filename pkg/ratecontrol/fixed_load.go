package ratecontrol

import (
	"context"
)

func init() {
	mustRegister("fixed-load", newFixedLoad)
	mustRegister("fixed-backlog", newFixedBacklog)
}

type fixedLoadOpts struct {
	StartTPS        float64 `mapstructure:"startTps"`
	TransactionLoad float64 `mapstructure:"transactionLoad"`
}

// fixedLoad keeps a constant number of unfinished transactions in flight.
// Until the first transaction finishes it submits at StartTPS.
type fixedLoad struct {
	sleeper
	opts       fixedLoadOpts
	sleepTime  float64 // ms
	targetLoad float64
}

func newFixedLoad(opts map[string]interface{}) (Controller, error) {
	c := &fixedLoad{opts: fixedLoadOpts{StartTPS: 5, TransactionLoad: 10}}
	if err := decodeOpts(opts, &c.opts); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *fixedLoad) Init(rc RoundContext) error {
	tps := perWorker(c.opts.StartTPS, rc.TotalWorkers)
	if tps > 0 {
		c.sleepTime = 1000 / tps
	}
	c.targetLoad = perWorker(c.opts.TransactionLoad, rc.TotalWorkers)
	return nil
}

func (c *fixedLoad) ApplyRateControl(ctx context.Context, obs Observation) error {
	if obs.Finished == 0 {
		return c.sleep(ctx, millis(c.sleepTime))
	}
	diff := float64(obs.Unfinished()) - c.targetLoad
	if diff < 0 {
		return nil
	}
	var sleepTime float64
	if obs.LatencySum > 0 {
		tps := float64(obs.Finished) / (float64(obs.LatencySum) / 1000)
		sleepTime = diff * 1000 / tps
	} else {
		sleepTime = diff * c.sleepTime
	}
	return c.sleep(ctx, millis(sleepTime))
}

func (c *fixedLoad) End() error { return nil }

type fixedBacklogOpts struct {
	StartingTPS         float64 `mapstructure:"startingTps"`
	UnfinishedPerClient int     `mapstructure:"unfinished_per_client"`
}

// fixedBacklog keeps UnfinishedPerClient transactions in flight per worker,
// pausing in proportion to the average observed latency.
type fixedBacklog struct {
	sleeper
	opts      fixedBacklogOpts
	sleepTime float64 // ms
}

func newFixedBacklog(opts map[string]interface{}) (Controller, error) {
	c := &fixedBacklog{opts: fixedBacklogOpts{StartingTPS: 1, UnfinishedPerClient: 10}}
	if err := decodeOpts(opts, &c.opts); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *fixedBacklog) Init(rc RoundContext) error {
	tps := perWorker(c.opts.StartingTPS, rc.TotalWorkers)
	if tps > 0 {
		c.sleepTime = 1000 / tps
	}
	return nil
}

func (c *fixedBacklog) ApplyRateControl(ctx context.Context, obs Observation) error {
	if len(obs.Stats) < 2 || obs.Stats[0].Succ == 0 {
		return c.sleep(ctx, millis(c.sleepTime))
	}
	complete := obs.Stats[0].Length() + len(obs.Results)
	unfinished := obs.Submitted - complete
	if unfinished < c.opts.UnfinishedPerClient {
		return nil
	}
	avgDelay := float64(obs.Stats[0].Delay.Sum) / float64(complete) // ms
	backlogErr := unfinished - c.opts.UnfinishedPerClient
	return c.sleep(ctx, millis(float64(backlogErr)*avgDelay))
}

func (c *fixedBacklog) End() error { return nil }
