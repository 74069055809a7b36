package zerocross

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testClockHz = 1_000_000

func newTestEstimator(t *testing.T) *Estimator {
	t.Helper()
	e, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	return e
}

// feed processes captures spaced by the given tick intervals, starting at
// start. The wall clock advances by the same number of µs.
func feed(t *testing.T, e *Estimator, start uint32, intervals ...uint32) []Outcome {
	t.Helper()
	raw, now := start, start
	out := make([]Outcome, 0, len(intervals)+1)
	o, err := e.Process(raw, testClockHz, now)
	require.NoError(t, err)
	out = append(out, o)
	for _, iv := range intervals {
		raw += iv
		now += iv
		o, err := e.Process(raw, testClockHz, now)
		require.NoError(t, err)
		out = append(out, o)
	}
	return out
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"expected 55", Config{ExpectedFrequency: 55, Tolerance: 5}},
		{"zero tolerance", Config{ExpectedFrequency: 50, Tolerance: 0}},
		{"negative tolerance", Config{ExpectedFrequency: 60, Tolerance: -1}},
		{"tolerance above 50", Config{ExpectedFrequency: 50, Tolerance: 50.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, nil)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestZeroValueEstimatorIsNotInitialized(t *testing.T) {
	var e Estimator
	_, err := e.Process(100, testClockHz, 0)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = e.Read()
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = e.Statistics()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, e.SetTolerance(3), ErrNotInitialized)
	assert.Zero(t, e.Frequency())
	assert.Zero(t, e.Count())

	var nilEst *Estimator
	_, err = nilEst.Latest()
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestFirstCaptureArms(t *testing.T) {
	e := newTestEstimator(t)
	o, err := e.Process(1000, testClockHz, 1000)
	require.NoError(t, err)
	assert.Equal(t, OutcomeArmed, o)

	m, err := e.Read()
	require.NoError(t, err)
	assert.Equal(t, Measurement{}, m)

	s, _ := e.Statistics()
	assert.Zero(t, s.TotalCount)
}

func TestZeroCaptureIsAcquisitionError(t *testing.T) {
	e := newTestEstimator(t)
	feed(t, e, 1000, 20000)
	before, _ := e.Read()

	_, err := e.Process(0, testClockHz, 50000)
	assert.ErrorIs(t, err, ErrAcquisition)

	after, _ := e.Read()
	assert.Equal(t, before, after)
}

func TestValidInterval(t *testing.T) {
	e := newTestEstimator(t)
	out := feed(t, e, 1000, 20000)
	assert.Equal(t, []Outcome{OutcomeArmed, OutcomeValid}, out)

	m, err := e.Latest()
	require.NoError(t, err)
	want := Measurement{PeriodUS: 20000, FrequencyHz: 50, TimestampUS: 21000, Count: 1, Valid: true}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("measurement mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint32(50), e.Frequency())
	assert.Equal(t, uint32(20000), e.PeriodUS())
	assert.Equal(t, uint32(10000), e.HalfPeriodUS())
	assert.Equal(t, uint32(5000), e.QuarterPeriodUS())
}

func TestPeriodConversionIsExact(t *testing.T) {
	tests := []struct {
		clockHz uint32
		ticks   uint32
		want    uint32
	}{
		{1_000_000, 20000, 20000},
		{16_000_000, 320000, 20000},
		{72_000_000, 1_200_000, 16666},
		{32768, 655, 19989},
		{84_000_000, 1_400_001, 16666},
	}
	for _, tt := range tests {
		e := newTestEstimator(t)
		_, err := e.Process(5, tt.clockHz, 0)
		require.NoError(t, err)
		_, err = e.Process(5+tt.ticks, tt.clockHz, 1)
		require.NoError(t, err)
		m, _ := e.Read()
		assert.Equal(t, tt.want, m.PeriodUS, "clock %d ticks %d", tt.clockHz, tt.ticks)
		assert.Equal(t, uint32(uint64(tt.ticks)*1_000_000/uint64(tt.clockHz)), m.PeriodUS)
	}
}

func TestCounterWraparound(t *testing.T) {
	wrapped := newTestEstimator(t)
	_, err := wrapped.Process(0xFFFFFFF0, testClockHz, 0)
	require.NoError(t, err)
	_, err = wrapped.Process(0x10, testClockHz, 32)
	require.NoError(t, err)

	plain := newTestEstimator(t)
	_, err = plain.Process(0x100, testClockHz, 0)
	require.NoError(t, err)
	_, err = plain.Process(0x120, testClockHz, 32)
	require.NoError(t, err)

	w, _ := wrapped.Read()
	p, _ := plain.Read()
	assert.Equal(t, p.PeriodUS, w.PeriodUS)
	assert.Equal(t, uint32(32), w.PeriodUS)
}

func TestWraparoundAtLineFrequency(t *testing.T) {
	e := newTestEstimator(t)
	start := uint32(0xFFFFFFFF - 5000)
	out := feed(t, e, start, 20000, 20000)
	assert.Equal(t, []Outcome{OutcomeArmed, OutcomeValid, OutcomeValid}, out)
	assert.Equal(t, uint32(50), e.Frequency())
}

func TestToleranceBoundary(t *testing.T) {
	assert.True(t, withinTolerance(52, 50, 5))
	assert.False(t, withinTolerance(53, 50, 5))
	assert.True(t, withinTolerance(48, 50, 5))
	assert.False(t, withinTolerance(47, 50, 5))
	assert.True(t, withinTolerance(63, 60, 5), "exactly 5 percent must pass")
	assert.False(t, withinTolerance(0, 50, 5))
	assert.False(t, withinTolerance(50, 0, 5))

	e := newTestEstimator(t)
	// 19230 µs truncates to 52 Hz, 18867 µs to 53 Hz.
	out := feed(t, e, 10, 19230, 18867)
	assert.Equal(t, []Outcome{OutcomeArmed, OutcomeValid, OutcomeInvalid}, out)
}

func TestInvalidMeasurementKeepsCountingButNotStats(t *testing.T) {
	e := newTestEstimator(t)
	feed(t, e, 10, 20000, 25000, 0)

	m, err := e.Latest()
	assert.ErrorIs(t, err, ErrInvalidMeasurement)
	assert.False(t, m.Valid)
	assert.Equal(t, uint32(3), m.Count)
	assert.Zero(t, e.Frequency(), "invalid data reads as zero")
	assert.Zero(t, e.PeriodUS())

	s, err := e.Statistics()
	require.NoError(t, err)
	assert.Equal(t, Statistics{
		TotalCount:     3,
		ValidCount:     1,
		InvalidCount:   2,
		MinPeriodUS:    20000,
		MaxPeriodUS:    20000,
		AvgPeriodUS:    20000,
		MinFrequencyHz: 50,
		MaxFrequencyHz: 50,
		AvgFrequencyHz: 50,
	}, s)
}

func TestDegeneratePeriodIsInvalid(t *testing.T) {
	e := newTestEstimator(t)
	out := feed(t, e, 77, 0)
	assert.Equal(t, OutcomeInvalid, out[1])
	m, _ := e.Read()
	assert.Zero(t, m.PeriodUS)
	assert.Zero(t, m.FrequencyHz)
	assert.Equal(t, uint32(1), m.Count)
}

func TestRunningStatistics(t *testing.T) {
	e := newTestEstimator(t)
	feed(t, e, 100, 20000, 19800, 20200, 20400)

	s, err := e.Statistics()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), s.ValidCount)
	assert.Equal(t, uint32(19800), s.MinPeriodUS)
	assert.Equal(t, uint32(20400), s.MaxPeriodUS)
	assert.Equal(t, uint32(20100), s.AvgPeriodUS)
	assert.Equal(t, float64(49), s.MinFrequencyHz)
	assert.Equal(t, float64(50), s.MaxFrequencyHz)
	assert.InDelta(t, 1_000_000.0/20100, s.AvgFrequencyHz, 1e-9)
}

func TestStatisticsAreReproducibleAfterReset(t *testing.T) {
	stream := []uint32{20000, 19900, 20150, 26000, 20050}

	e := newTestEstimator(t)
	feed(t, e, 500, stream...)
	first, _ := e.Statistics()

	e.Reset()
	e.ResetStatistics()
	feed(t, e, 500, stream...)
	second, _ := e.Statistics()

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("statistics differ after reset (-first +second):\n%s", diff)
	}
}

func TestObserverOnlyForValid(t *testing.T) {
	e := newTestEstimator(t)
	var got []Measurement
	e.SetObserver(func(est *Estimator, m Measurement) {
		assert.Same(t, e, est)
		got = append(got, m)
	})
	feed(t, e, 10, 20000, 30000, 20000)

	require.Len(t, got, 2)
	assert.Equal(t, uint32(1), got[0].Count)
	assert.Equal(t, uint32(3), got[1].Count)

	e.SetObserver(nil)
	feed(t, e, 10, 20000)
	assert.Len(t, got, 2)
}

func TestSetters(t *testing.T) {
	e := newTestEstimator(t)
	require.NoError(t, e.SetExpectedFrequency(60))
	assert.ErrorIs(t, e.SetExpectedFrequency(400), ErrInvalidConfig)
	assert.Equal(t, uint32(60), e.ExpectedFrequency())

	require.NoError(t, e.SetTolerance(50))
	assert.ErrorIs(t, e.SetTolerance(0), ErrInvalidConfig)
	assert.Equal(t, 50.0, e.Tolerance())

	out := feed(t, e, 1, 16667)
	assert.Equal(t, OutcomeValid, out[1])
}

func TestTimeSinceEdge(t *testing.T) {
	e := newTestEstimator(t)
	assert.Zero(t, e.TimeSinceEdge(1000), "no valid edge yet")

	feed(t, e, 1000, 20000)
	assert.Equal(t, uint32(500), e.TimeSinceEdge(21500))
	assert.Zero(t, e.TimeSinceEdge(20000), "clock behind edge")

	// An invalid edge does not move the reference.
	_, err := e.Process(21000+7000, testClockHz, 28000)
	require.NoError(t, err)
	assert.Equal(t, uint32(9000), e.TimeSinceEdge(30000))
}

func TestIsNewEdge(t *testing.T) {
	e := newTestEstimator(t)
	feed(t, e, 1000, 20000)
	seen := e.Count()
	assert.False(t, e.IsNewEdge(seen))
	_, err := e.Process(41000, testClockHz, 41000)
	require.NoError(t, err)
	assert.True(t, e.IsNewEdge(seen))
}

type fakeSource struct {
	raw, clock, now uint32
	resets          int
	started         bool
	startErr        error
}

func (f *fakeSource) CaptureValue() uint32 { return f.raw }
func (f *fakeSource) ClockHz() uint32      { return f.clock }
func (f *fakeSource) NowMicros() uint32    { return f.now }
func (f *fakeSource) Reset()               { f.resets++ }
func (f *fakeSource) Start() error         { f.started = f.startErr == nil; return f.startErr }
func (f *fakeSource) Stop()                { f.started = false }

func TestProcessCaptureAndReset(t *testing.T) {
	src := &fakeSource{raw: 4000, clock: 2_000_000, now: 2000}
	e, err := New(Config{Label: "A", ExpectedFrequency: 60, Tolerance: 5}, src)
	require.NoError(t, err)
	assert.Equal(t, "A", e.Label())

	require.NoError(t, e.Start())
	assert.True(t, src.started)

	o, err := e.ProcessCapture()
	require.NoError(t, err)
	assert.Equal(t, OutcomeArmed, o)

	src.raw += 33333
	src.now += 16667
	o, err = e.ProcessCapture()
	require.NoError(t, err)
	assert.Equal(t, OutcomeValid, o)
	assert.Equal(t, uint32(60), e.Frequency())

	e.Reset()
	assert.Equal(t, 1, src.resets)
	assert.False(t, e.IsValid())
	assert.Zero(t, e.Count())
	s, _ := e.Statistics()
	assert.Equal(t, uint32(1), s.ValidCount, "reset keeps statistics")

	o, err = e.ProcessCapture()
	require.NoError(t, err)
	assert.Equal(t, OutcomeArmed, o, "reset re-arms")

	e.Stop()
	assert.False(t, src.started)

	src.startErr = errors.New("pin busy")
	assert.ErrorIs(t, e.Start(), src.startErr)
}

// latchingSource hands out captures as a unit; its getters lag one edge.
type latchingSource struct {
	fakeSource
	c Capture
}

func (l *latchingSource) Latched() Capture { return l.c }

func TestProcessCapturePrefersLatched(t *testing.T) {
	src := &latchingSource{c: Capture{Raw: 1000, ClockHz: testClockHz, NowUS: 1000}}
	e, err := New(DefaultConfig(), src)
	require.NoError(t, err)

	o, err := e.ProcessCapture()
	require.NoError(t, err)
	assert.Equal(t, OutcomeArmed, o)

	src.c = Capture{Raw: 21000, ClockHz: testClockHz, NowUS: 21000}
	src.raw, src.clock, src.now = 1000, testClockHz, 41000
	o, err = e.ProcessCapture()
	require.NoError(t, err)
	assert.Equal(t, OutcomeValid, o)

	m, err := e.Latest()
	require.NoError(t, err)
	assert.Equal(t, uint32(20000), m.PeriodUS)
	assert.Equal(t, uint32(21000), m.TimestampUS)
}

func TestProcessCaptureWithoutSource(t *testing.T) {
	e := newTestEstimator(t)
	_, err := e.ProcessCapture()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, e.Start(), ErrNotInitialized)
}
