package domain

// Interval is a billing interval in months.
type Interval int

const (
	IntervalOnce         Interval = 0
	IntervalMonthly      Interval = 1
	IntervalQuarterly    Interval = 3
	IntervalSemiannually Interval = 6
	IntervalAnnually     Interval = 12
)

func (i Interval) Valid() bool {
	switch i {
	case IntervalMonthly, IntervalQuarterly, IntervalSemiannually, IntervalAnnually:
		return true
	}
	return false
}

func (i Interval) Months() int { return int(i) }

func (i Interval) Description() string {
	switch i {
	case IntervalMonthly:
		return "monthly"
	case IntervalQuarterly:
		return "quarterly"
	case IntervalSemiannually:
		return "semiannually"
	case IntervalAnnually:
		return "annually"
	default:
		return "once"
	}
}
