package zerocross

import "gonum.org/v1/gonum/stat"

// Window keeps the most recent valid periods of one phase for jitter
// reporting.
type Window struct {
	periods []float64
	next    int
	full    bool
}

// NewWindow returns a Window holding up to size periods. size < 2 is raised
// to 2 so a deviation can be computed.
func NewWindow(size int) *Window {
	if size < 2 {
		size = 2
	}
	return &Window{periods: make([]float64, size)}
}

// Add records a period in µs, overwriting the oldest when full.
func (w *Window) Add(periodUS uint32) {
	w.periods[w.next] = float64(periodUS)
	w.next++
	if w.next == len(w.periods) {
		w.next = 0
		w.full = true
	}
}

// Observer returns an Observer that feeds valid periods into w.
func (w *Window) Observer() Observer {
	return func(_ *Estimator, m Measurement) {
		w.Add(m.PeriodUS)
	}
}

func (w *Window) Len() int {
	if w.full {
		return len(w.periods)
	}
	return w.next
}

// MeanStdDev returns the mean period and its sample standard deviation in
// µs. The deviation is 0 until two periods are recorded.
func (w *Window) MeanStdDev() (mean, std float64) {
	n := w.Len()
	switch n {
	case 0:
		return 0, 0
	case 1:
		return w.periods[0], 0
	}
	return stat.MeanStdDev(w.periods[:n], nil)
}

// Reset drops every recorded period.
func (w *Window) Reset() {
	w.next = 0
	w.full = false
}
