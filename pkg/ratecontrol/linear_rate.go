package ratecontrol

import (
	"context"
	"fmt"
)

func init() {
	mustRegister("linear-rate", newLinearRate)
}

type linearRateOpts struct {
	StartingTPS  float64 `mapstructure:"startingTps"`
	FinishingTPS float64 `mapstructure:"finishingTps"`
}

// linearRate ramps the send rate from StartingTPS to FinishingTPS over the
// round, by transaction index for count rounds and by time for duration
// rounds.
type linearRate struct {
	sleeper
	opts              linearRateOpts
	startingSleepTime float64 // ms
	gradient          float64 // ms per tx, or ms per elapsed ms
	byIndex           bool
}

func newLinearRate(opts map[string]interface{}) (Controller, error) {
	c := &linearRate{}
	if err := decodeOpts(opts, &c.opts); err != nil {
		return nil, err
	}
	if c.opts.StartingTPS <= 0 || c.opts.FinishingTPS <= 0 {
		return nil, fmt.Errorf("linear-rate requires positive startingTps and finishingTps, got %v and %v", c.opts.StartingTPS, c.opts.FinishingTPS)
	}
	return c, nil
}

func (c *linearRate) Init(rc RoundContext) error {
	c.startingSleepTime = 1000 / perWorker(c.opts.StartingTPS, rc.TotalWorkers)
	finishingSleepTime := 1000 / perWorker(c.opts.FinishingTPS, rc.TotalWorkers)
	var span float64
	if rc.Round.IsDurationBased() {
		span = float64(rc.Round.TxDuration) * 1000
	} else {
		c.byIndex = true
		span = float64(rc.Round.TxNumber)
	}
	if span <= 0 {
		return fmt.Errorf("linear-rate requires a positive round length")
	}
	c.gradient = (finishingSleepTime - c.startingSleepTime) / span
	return nil
}

func (c *linearRate) currentSleepTime(obs Observation) float64 {
	if c.byIndex {
		return c.startingSleepTime + float64(obs.Submitted)*c.gradient
	}
	return c.startingSleepTime + float64(obs.Elapsed().Milliseconds())*c.gradient
}

func (c *linearRate) ApplyRateControl(ctx context.Context, obs Observation) error {
	if d := c.currentSleepTime(obs); d > 5 {
		return c.sleep(ctx, millis(d))
	}
	return nil
}

func (c *linearRate) End() error { return nil }
