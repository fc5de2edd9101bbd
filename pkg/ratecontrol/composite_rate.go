package ratecontrol

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/pkg/errors"
)

func init() {
	mustRegister("composite-rate", newCompositeRate)
}

type compositeRateOpts struct {
	Weights         []float64           `mapstructure:"weights"`
	RateControllers []bench.RateControl `mapstructure:"rateControllers"`
}

type subController struct {
	controller Controller
	// Exclusive upper bound of this controller's share of the round: a
	// transaction index for count rounds, milliseconds since round start for
	// duration rounds.
	until int64
}

// compositeRate runs a weighted sequence of controllers over one round. Each
// sub-controller sees the round as if it started when it took over.
type compositeRate struct {
	opts     compositeRateOpts
	subs     []subController
	active   int
	byIndex  bool
	now      func() time.Time
	baseline Observation
}

func newCompositeRate(opts map[string]interface{}) (Controller, error) {
	c := &compositeRate{now: time.Now}
	if err := decodeOpts(opts, &c.opts); err != nil {
		return nil, err
	}
	if len(c.opts.Weights) == 0 || len(c.opts.RateControllers) == 0 {
		return nil, fmt.Errorf(`composite-rate requires the "weights" and "rateControllers" arrays`)
	}
	if len(c.opts.Weights) != len(c.opts.RateControllers) {
		return nil, fmt.Errorf(`composite-rate "weights" and "rateControllers" must have the same length, got %d and %d`,
			len(c.opts.Weights), len(c.opts.RateControllers))
	}
	var sum float64
	for i, w := range c.opts.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("composite-rate weight %d is not a number", i)
		}
		if w < 0 {
			return nil, fmt.Errorf("composite-rate weight %d must be non-negative, got %v", i, w)
		}
		sum += w
	}
	if sum == 0 {
		return nil, fmt.Errorf("composite-rate weights must not all be zero")
	}
	return c, nil
}

func (c *compositeRate) Init(rc RoundContext) error {
	var sum float64
	for _, w := range c.opts.Weights {
		sum += w
	}
	c.byIndex = !rc.Round.IsDurationBased()
	c.subs = c.subs[:0]
	c.active = 0

	var cumulative float64
	for i, w := range c.opts.Weights {
		if w == 0 {
			continue
		}
		weight := w / sum
		cumulative += weight

		sub := rc
		sub.Round = rc.Round.ForWorker(1)
		sub.Round.RateControl = &c.opts.RateControllers[i]
		var until int64
		if c.byIndex {
			sub.Round.TxNumber = int(math.Floor(float64(rc.Round.TxNumber) * weight))
			if sub.Round.TxNumber < 1 {
				sub.Round.TxNumber = 1
			}
			until = int64(math.Floor(float64(rc.Round.TxNumber) * cumulative))
		} else {
			sub.Round.TxDuration = int(math.Ceil(float64(rc.Round.TxDuration) * weight))
			until = int64(math.Floor(float64(rc.Round.TxDuration) * 1000 * cumulative))
		}

		ctrl, err := New(&c.opts.RateControllers[i])
		if err != nil {
			return errors.Wrapf(err, "composite-rate sub-controller %d", i)
		}
		if err := ctrl.Init(sub); err != nil {
			return errors.Wrapf(err, "failed to initialize composite-rate sub-controller %d (%s)", i, c.opts.RateControllers[i].Type)
		}
		c.subs = append(c.subs, subController{controller: ctrl, until: until})
	}
	c.baseline = Observation{}
	return nil
}

func (c *compositeRate) progress(obs Observation) int64 {
	if c.byIndex {
		return int64(obs.Submitted)
	}
	return obs.Elapsed().Milliseconds()
}

// relative returns obs as seen by the active sub-controller.
func (c *compositeRate) relative(obs Observation) Observation {
	rel := obs
	if c.active > 0 {
		rel.Start = c.baseline.Start
		rel.Submitted -= c.baseline.Submitted
		rel.Finished -= c.baseline.Finished
		rel.Successful -= c.baseline.Successful
		rel.Failed -= c.baseline.Failed
		rel.LatencySum -= c.baseline.LatencySum
	}
	return rel
}

func (c *compositeRate) ApplyRateControl(ctx context.Context, obs Observation) error {
	if len(c.subs) == 0 {
		return ctx.Err()
	}
	for c.active < len(c.subs)-1 && c.progress(obs) >= c.subs[c.active].until {
		if err := c.subs[c.active].controller.End(); err != nil {
			return err
		}
		c.active++
		c.baseline = obs
		c.baseline.Start = c.now()
	}
	return c.subs[c.active].controller.ApplyRateControl(ctx, c.relative(obs))
}

// End ends the currently active sub-controller. The ones before it were
// already ended when the round moved past them.
func (c *compositeRate) End() error {
	if c.active < len(c.subs) {
		return c.subs[c.active].controller.End()
	}
	return nil
}
