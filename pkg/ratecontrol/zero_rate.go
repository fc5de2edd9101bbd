package ratecontrol

import (
	"context"
	"fmt"
	"time"
)

func init() {
	mustRegister("zero-rate", newZeroRate)
}

// zeroRate submits nothing after the first transaction and simply waits for
// the round duration to pass.
type zeroRate struct {
	sleeper
	duration time.Duration
}

func newZeroRate(_ map[string]interface{}) (Controller, error) {
	return &zeroRate{}, nil
}

func (c *zeroRate) Init(rc RoundContext) error {
	if !rc.Round.IsDurationBased() {
		return fmt.Errorf("the zero-rate controller can only be applied to duration-based rounds")
	}
	c.duration = rc.Round.Duration()
	return nil
}

func (c *zeroRate) ApplyRateControl(ctx context.Context, _ Observation) error {
	return c.sleep(ctx, c.duration)
}

func (c *zeroRate) End() error { return nil }
