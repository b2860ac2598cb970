// Package stats has helpers for running averages used while training and when summarising image data.
package stats

import (
	"fmt"
	"math"
	"time"
)

// Calc exponentional moving average over n periods
type EMA float64

func (e EMA) Add(val, n float64) float64 {
	if e == 0 {
		return val
	}
	k := 2.0 / (n + 1.0)
	return val*k + float64(e)*(1-k)
}

// Running mean and stddev as per http://www.johndcook.com/blog/standard_deviation/
type Average struct {
	Count, Mean float64
	Var, StdDev float64
	oldM, oldV  float64
}

func (s *Average) Add(x float64) {
	s.Count++
	if s.Count == 1 {
		s.oldM, s.Mean = x, x
		s.oldV = 0
		return
	}
	s.Mean = s.oldM + (x-s.oldM)/s.Count
	s.Var = s.oldV + (x-s.oldM)*(x-s.Mean)
	s.oldM, s.oldV = s.Mean, s.Var
	s.StdDev = math.Sqrt(s.Var / (s.Count - 1))
}

func (s *Average) String() string {
	if s.StdDev == 0 {
		return fmt.Sprintf("%.4g", s.Mean)
	}
	return fmt.Sprintf("%.4g±%.2g", s.Mean, s.StdDev)
}

// Rate tracks the throughput of a process in items per second.
type Rate struct {
	start time.Time
	count int
}

func (r *Rate) Start() {
	r.start = time.Now()
	r.count = 0
}

func (r *Rate) Add(n int) { r.count += n }

func (r *Rate) PerSec() float64 {
	elapsed := time.Since(r.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(r.count) / elapsed
}
