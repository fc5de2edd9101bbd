package ratecontrol

import (
	"context"
)

func init() {
	mustRegister("maximum-rate", newMaximumRate)
}

type maximumRateOpts struct {
	TPS            float64 `mapstructure:"tps"`
	Step           float64 `mapstructure:"step"`
	SampleInterval float64 `mapstructure:"sampleInterval"` // seconds
	IncludeFailed  bool    `mapstructure:"includeFailed"`
}

// maximumRate searches for the highest sustainable rate: while the observed
// throughput keeps growing the target rate is raised by step, otherwise it is
// lowered and the step halved.
type maximumRate struct {
	sleeper
	opts maximumRateOpts
	step float64

	currentTPS   float64
	observedTPS  float64
	prevObserved float64

	sampled         bool
	sampleCreateMin int64   // Create.Min of the tick the last sample was taken from
	sampleStartSec  float64 // start of the current sample window
}

func newMaximumRate(opts map[string]interface{}) (Controller, error) {
	c := &maximumRate{opts: maximumRateOpts{TPS: 5, Step: 5, SampleInterval: 10, IncludeFailed: true}}
	if err := decodeOpts(opts, &c.opts); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *maximumRate) Init(rc RoundContext) error {
	c.currentTPS = perWorker(c.opts.TPS, rc.TotalWorkers)
	c.step = perWorker(c.opts.Step, rc.TotalWorkers)
	c.sampled = false
	return nil
}

// CurrentTPS returns the rate the controller is currently aiming for.
func (c *maximumRate) CurrentTPS() float64 {
	return c.currentTPS
}

func (c *maximumRate) intervalTPS(obs Observation) float64 {
	latest := obs.Stats[1]
	elapsed := float64(latest.Final.Last-latest.Create.Min) / 1000
	if elapsed <= 0 {
		return 0
	}
	if c.opts.IncludeFailed {
		return float64(latest.Length()) / elapsed
	}
	return float64(latest.Succ) / elapsed
}

func (c *maximumRate) ApplyRateControl(ctx context.Context, obs Observation) error {
	if len(obs.Stats) >= 2 && obs.Stats[0].Succ > 0 && !obs.Stats[1].IsPlaceholder() {
		latest := obs.Stats[1]
		switch {
		case !c.sampled:
			c.sampled = true
			c.sampleCreateMin = latest.Create.Min
			c.sampleStartSec = float64(latest.Create.Min) / 1000
			c.observedTPS = c.intervalTPS(obs)

		case c.sampleCreateMin != latest.Create.Min &&
			float64(latest.Final.Last)/1000-c.sampleStartSec >= c.opts.SampleInterval:
			c.sampleCreateMin = latest.Create.Min
			c.sampleStartSec = float64(latest.Final.Last) / 1000
			c.prevObserved = c.observedTPS
			c.observedTPS = c.intervalTPS(obs)
			if c.observedTPS-c.prevObserved > 0 {
				c.currentTPS += c.step
			} else {
				c.currentTPS -= c.step
				if c.step > 0.2 {
					c.step /= 2
				}
			}
		}
	}
	if c.currentTPS <= 0 {
		// never stall completely
		c.currentTPS = c.step
	}
	if c.currentTPS <= 0 {
		return ctx.Err()
	}
	return c.sleep(ctx, millis(1000/c.currentTPS))
}

func (c *maximumRate) End() error { return nil }
