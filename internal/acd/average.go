package acd

import (
	"fmt"
	"time"
)

// DurationAverager smooths completed call durations for a queue.
// Implementations are not safe for concurrent use; RequestQueue guards them.
type DurationAverager interface {
	Add(d time.Duration)
	Average() time.Duration
}

// CumulativeMean is the plain mean over every recorded call.
type CumulativeMean struct {
	count int64
	sum   time.Duration
}

func (m *CumulativeMean) Add(d time.Duration) {
	m.count++
	m.sum += d
}

func (m *CumulativeMean) Average() time.Duration {
	if m.count == 0 {
		return 0
	}
	return m.sum / time.Duration(m.count)
}

// Count returns the number of recorded calls.
func (m *CumulativeMean) Count() int64 { return m.count }

// ExponentialMean is an exponentially weighted moving average. The first
// sample seeds the average.
type ExponentialMean struct {
	Alpha  float64
	seeded bool
	value  float64
}

func (m *ExponentialMean) Add(d time.Duration) {
	if !m.seeded {
		m.value = float64(d)
		m.seeded = true
		return
	}
	m.value = m.Alpha*float64(d) + (1-m.Alpha)*m.value
}

func (m *ExponentialMean) Average() time.Duration {
	return time.Duration(m.value)
}

// NewAverager builds an averager from its config name.
func NewAverager(policy string, alpha float64) (DurationAverager, error) {
	switch policy {
	case "", "cumulative":
		return &CumulativeMean{}, nil
	case "ewma":
		if alpha <= 0 || alpha > 1 {
			return nil, fmt.Errorf("ewma alpha %v out of range (0,1]", alpha)
		}
		return &ExponentialMean{Alpha: alpha}, nil
	default:
		return nil, fmt.Errorf("unknown average policy %q", policy)
	}
}
