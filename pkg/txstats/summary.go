package txstats

// TimeRange is a [Min, Max] range of Unix millisecond timestamps.
type TimeRange struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// FinalRange covers commit times. Min and Max only consider committed
// transactions, Last is the latest final time of any transaction.
type FinalRange struct {
	Min  int64 `json:"min"`
	Max  int64 `json:"max"`
	Last int64 `json:"last"`
}

// DelayStats aggregates commit latencies in milliseconds.
type DelayStats struct {
	Min    int64   `json:"min"`
	Max    int64   `json:"max"`
	Sum    int64   `json:"sum"`
	Detail []int64 `json:"detail,omitempty"`
}

// Summary aggregates a window of TxStatus values.
//
// A summary with Succ == Fail == 0 is a placeholder (the "null" summary): its
// ranges carry no information and merging skips it. Create is meaningful
// once at least one transaction contributed; Final.Min, Final.Max and Delay
// only once at least one transaction committed.
type Summary struct {
	Succ   int        `json:"succ"`
	Fail   int        `json:"fail"`
	Create TimeRange  `json:"create"`
	Final  FinalRange `json:"final"`
	Delay  DelayStats `json:"delay"`
}

// NewNullSummary returns the placeholder summary.
func NewNullSummary() *Summary {
	return &Summary{}
}

// Fold aggregates the given results into a new summary. When detail is true
// each committed transaction's latency is retained as well.
func Fold(results []*TxStatus, detail bool) *Summary {
	s := NewNullSummary()
	for _, tx := range results {
		s.Add(tx, detail)
	}
	return s
}

// Length is the number of transactions that contributed to the summary.
func (s *Summary) Length() int {
	return s.Succ + s.Fail
}

// IsPlaceholder reports whether nothing contributed to the summary.
func (s *Summary) IsPlaceholder() bool {
	return s == nil || s.Succ+s.Fail == 0
}

// Add folds a single transaction into the summary.
func (s *Summary) Add(tx *TxStatus, detail bool) {
	if tx == nil {
		return
	}
	create := tx.TimeCreate
	if s.Length() == 0 {
		s.Create = TimeRange{Min: create, Max: create}
	} else {
		if create < s.Create.Min {
			s.Create.Min = create
		}
		if create > s.Create.Max {
			s.Create.Max = create
		}
	}

	if tx.IsCommitted() {
		final := tx.TimeFinal
		d := final - create
		if s.Succ == 0 {
			s.Final.Min, s.Final.Max = final, final
			s.Delay.Min, s.Delay.Max = d, d
		} else {
			if final < s.Final.Min {
				s.Final.Min = final
			}
			if final > s.Final.Max {
				s.Final.Max = final
			}
			if d < s.Delay.Min {
				s.Delay.Min = d
			}
			if d > s.Delay.Max {
				s.Delay.Max = d
			}
		}
		s.Delay.Sum += d
		if detail {
			s.Delay.Detail = append(s.Delay.Detail, d)
		}
		s.Succ++
	} else {
		s.Fail++
	}

	if tx.TimeFinal > s.Final.Last {
		s.Final.Last = tx.TimeFinal
	}
}

// Clone returns a deep copy of the summary.
func (s *Summary) Clone() *Summary {
	if s == nil {
		return NewNullSummary()
	}
	c := *s
	if s.Delay.Detail != nil {
		c.Delay.Detail = make([]int64, len(s.Delay.Detail))
		copy(c.Delay.Detail, s.Delay.Detail)
	}
	return &c
}

// CloneWithoutDetail returns a copy of the summary without per-transaction
// latencies.
func (s *Summary) CloneWithoutDetail() *Summary {
	if s == nil {
		return NewNullSummary()
	}
	c := *s
	c.Delay.Detail = nil
	return &c
}

// Merge folds other into s. Placeholders on either side never shrink the
// ranges of the other. Retained latencies of other are appended after those
// of s.
func (s *Summary) Merge(other *Summary) {
	if other.IsPlaceholder() {
		return
	}
	if s.IsPlaceholder() {
		*s = *other.Clone()
		return
	}
	if other.Create.Min < s.Create.Min {
		s.Create.Min = other.Create.Min
	}
	if other.Create.Max > s.Create.Max {
		s.Create.Max = other.Create.Max
	}
	if other.Final.Last > s.Final.Last {
		s.Final.Last = other.Final.Last
	}
	if other.Succ > 0 {
		if s.Succ == 0 {
			s.Final.Min, s.Final.Max = other.Final.Min, other.Final.Max
			s.Delay.Min, s.Delay.Max = other.Delay.Min, other.Delay.Max
		} else {
			if other.Final.Min < s.Final.Min {
				s.Final.Min = other.Final.Min
			}
			if other.Final.Max > s.Final.Max {
				s.Final.Max = other.Final.Max
			}
			if other.Delay.Min < s.Delay.Min {
				s.Delay.Min = other.Delay.Min
			}
			if other.Delay.Max > s.Delay.Max {
				s.Delay.Max = other.Delay.Max
			}
		}
		s.Delay.Sum += other.Delay.Sum
	}
	s.Delay.Detail = append(s.Delay.Detail, other.Delay.Detail...)
	s.Succ += other.Succ
	s.Fail += other.Fail
}

// Merge combines the given summaries into a new one without modifying them.
// Placeholders are skipped wherever they appear. The second return value is
// 0 when no non-placeholder summary was found and 1 otherwise; in the former
// case the returned summary is the placeholder.
func Merge(summaries ...*Summary) (*Summary, int) {
	res := NewNullSummary()
	found := 0
	for _, s := range summaries {
		if s.IsPlaceholder() {
			continue
		}
		res.Merge(s)
		found = 1
	}
	return res, found
}
