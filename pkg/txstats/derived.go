package txstats

import (
	"fmt"

	"github.com/codahale/hdrhistogram"
)

// NotAvailable is rendered in place of values whose denominator is zero.
const NotAvailable = "-"

const dayInMillis = 24 * 60 * 60 * 1000

// SendRate is the number of transactions submitted per second between the
// first and last creation time.
func (s *Summary) SendRate() (float64, bool) {
	if s.IsPlaceholder() {
		return 0, false
	}
	elapsed := s.Create.Max - s.Create.Min
	if elapsed <= 0 {
		return 0, false
	}
	return float64(s.Length()) / (float64(elapsed) / 1000), true
}

// Throughput is the number of committed transactions per second between the
// first creation and the last finalization.
func (s *Summary) Throughput() (float64, bool) {
	if s.IsPlaceholder() || s.Final.Last == 0 {
		return 0, false
	}
	elapsed := s.Final.Last - s.Create.Min
	if elapsed <= 0 {
		return 0, false
	}
	return float64(s.Succ) / (float64(elapsed) / 1000), true
}

// AvgLatency is the mean commit latency in seconds.
func (s *Summary) AvgLatency() (float64, bool) {
	if s == nil || s.Succ == 0 {
		return 0, false
	}
	return float64(s.Delay.Sum) / float64(s.Succ) / 1000, true
}

// MinLatency is the smallest commit latency in seconds.
func (s *Summary) MinLatency() (float64, bool) {
	if s == nil || s.Succ == 0 {
		return 0, false
	}
	return float64(s.Delay.Min) / 1000, true
}

// MaxLatency is the largest commit latency in seconds.
func (s *Summary) MaxLatency() (float64, bool) {
	if s == nil || s.Succ == 0 {
		return 0, false
	}
	return float64(s.Delay.Max) / 1000, true
}

// LatencyPercentiles computes the given quantiles (0-100) of the retained
// latencies, in seconds. It returns false when no detail was retained.
func (s *Summary) LatencyPercentiles(quantiles ...float64) ([]float64, bool) {
	if s == nil || len(s.Delay.Detail) == 0 {
		return nil, false
	}
	hist := hdrhistogram.New(0, dayInMillis, 3)
	for _, d := range s.Delay.Detail {
		if d < 0 {
			d = 0
		}
		if d > dayInMillis {
			d = dayInMillis
		}
		_ = hist.RecordValue(d)
	}
	res := make([]float64, len(quantiles))
	for i, q := range quantiles {
		res[i] = float64(hist.ValueAtQuantile(q)) / 1000
	}
	return res, true
}

// FormatFloat renders v with the given precision, or NotAvailable.
func FormatFloat(v float64, ok bool, precision int) string {
	if !ok {
		return NotAvailable
	}
	return fmt.Sprintf("%.*f", precision, v)
}

// FormatRate renders a transactions-per-second value.
func FormatRate(v float64, ok bool) string {
	return FormatFloat(v, ok, 1)
}

// FormatLatency renders a latency in seconds.
func FormatLatency(v float64, ok bool) string {
	return FormatFloat(v, ok, 2)
}
