package ratecontrol

import (
	"context"

	"golang.org/x/time/rate"
)

func init() {
	mustRegister("fixed-rate", newFixedRate)
}

type fixedRateOpts struct {
	TPS float64 `mapstructure:"tps"`
}

// fixedRate submits at a constant rate, split evenly across workers.
type fixedRate struct {
	opts    fixedRateOpts
	limiter *rate.Limiter
}

func newFixedRate(opts map[string]interface{}) (Controller, error) {
	c := &fixedRate{opts: fixedRateOpts{TPS: 10}}
	if err := decodeOpts(opts, &c.opts); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *fixedRate) Init(rc RoundContext) error {
	tps := perWorker(c.opts.TPS, rc.TotalWorkers)
	if tps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(tps), 1)
	}
	return nil
}

func (c *fixedRate) ApplyRateControl(ctx context.Context, _ Observation) error {
	if c.limiter == nil {
		return ctx.Err()
	}
	return c.limiter.Wait(ctx)
}

func (c *fixedRate) End() error { return nil }
