package ratecontrol

import (
	"context"
	"time"
)

func init() {
	mustRegister("fixed-feedback-rate", newFixedFeedbackRate)
}

type fixedFeedbackRateOpts struct {
	TPS             float64 `mapstructure:"tps"`
	SleepTime       float64 `mapstructure:"sleepTime"` // back-off unit, ms
	TransactionLoad float64 `mapstructure:"transactionLoad"`
}

// fixedFeedbackRate sends at a fixed rate but backs off while too many
// transactions are unfinished or none of them succeeds. Time spent backing
// off is excluded from the rate schedule.
type fixedFeedbackRate struct {
	sleeper
	opts                  fixedFeedbackRateOpts
	generalSleepTime      float64 // ms
	unfinishedPerWorker   float64
	zeroSuccessfulCounter int
	totalSleepTime        time.Duration
}

func newFixedFeedbackRate(opts map[string]interface{}) (Controller, error) {
	c := &fixedFeedbackRate{opts: fixedFeedbackRateOpts{TPS: 10, SleepTime: 100, TransactionLoad: 10}}
	if err := decodeOpts(opts, &c.opts); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *fixedFeedbackRate) Init(rc RoundContext) error {
	tps := perWorker(c.opts.TPS, rc.TotalWorkers)
	if tps > 0 {
		c.generalSleepTime = 1000 / tps
	}
	c.unfinishedPerWorker = perWorker(c.opts.TransactionLoad, rc.TotalWorkers)
	c.zeroSuccessfulCounter = 0
	c.totalSleepTime = 0
	return nil
}

func (c *fixedFeedbackRate) backOff(ctx context.Context, units int) error {
	d := millis(float64(units) * c.opts.SleepTime)
	c.totalSleepTime += d
	return c.sleep(ctx, d)
}

func (c *fixedFeedbackRate) ApplyRateControl(ctx context.Context, obs Observation) error {
	submitted := float64(obs.Submitted)
	if c.generalSleepTime == 0 || submitted < c.unfinishedPerWorker {
		return nil
	}
	if obs.Finished == 0 {
		return nil
	}
	unfinished := float64(obs.Unfinished())
	if unfinished < c.unfinishedPerWorker/2 {
		return nil
	}

	active := obs.Elapsed() - c.totalSleepTime
	diff := c.generalSleepTime*submitted - float64(active.Milliseconds())
	if diff > 5 {
		return c.sleep(ctx, millis(diff))
	}

	if obs.Successful == 0 {
		c.zeroSuccessfulCounter++
		for i := 30; i > 0; i-- {
			if c.zeroSuccessfulCounter >= i {
				return c.backOff(ctx, i)
			}
		}
	}
	c.zeroSuccessfulCounter = 0

	for i := 10; i > 0; i-- {
		if unfinished >= float64(i)*c.unfinishedPerWorker {
			return c.backOff(ctx, i)
		}
	}
	return nil
}

func (c *fixedFeedbackRate) End() error { return nil }
