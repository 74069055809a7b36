// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package zerocross turns timer capture values latched on AC zero-crossing
// edges into validated period and frequency measurements.
//
// An Estimator is not safe for concurrent use. Callers that feed captures from
// one goroutine and query from another must serialize access themselves.
package zerocross

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrNotInitialized     = errors.New("zerocross: estimator not initialized")
	ErrAcquisition        = errors.New("zerocross: no capture data")
	ErrInvalidMeasurement = errors.New("zerocross: no valid measurement")
	ErrInvalidConfig      = errors.New("zerocross: invalid configuration")
)

const (
	DefaultExpectedFrequency uint32  = 50
	DefaultTolerance         float64 = 5.0
	MaxTolerance             float64 = 50.0
)

// Source supplies the latest latched capture value together with the timer
// rate and a microsecond wall clock. The capture package provides hardware
// and mock implementations.
type Source interface {
	CaptureValue() uint32
	ClockHz() uint32
	NowMicros() uint32
	Reset()
	Start() error
	Stop()
}

// Capture is one latched edge: counter value, timer rate and edge time.
type Capture struct {
	Raw     uint32
	ClockHz uint32
	NowUS   uint32
}

// Latcher is implemented by sources that latch from another goroutine.
// ProcessCapture prefers it so the three values come from the same edge.
type Latcher interface {
	Latched() Capture
}

// Measurement is the most recent interval computed by an Estimator.
type Measurement struct {
	PeriodUS    uint32 `json:"period_us"`
	FrequencyHz uint32 `json:"frequency_hz"`
	TimestampUS uint32 `json:"timestamp_us"`
	Count       uint32 `json:"count"`
	Valid       bool   `json:"valid"`
}

// Statistics accumulates over valid measurements. Zero in a min/max field
// means no valid measurement has been seen yet.
type Statistics struct {
	TotalCount     uint32  `json:"total_count"`
	ValidCount     uint32  `json:"valid_count"`
	InvalidCount   uint32  `json:"invalid_count"`
	MinPeriodUS    uint32  `json:"min_period_us"`
	MaxPeriodUS    uint32  `json:"max_period_us"`
	AvgPeriodUS    uint32  `json:"avg_period_us"`
	MinFrequencyHz float64 `json:"min_frequency_hz"`
	MaxFrequencyHz float64 `json:"max_frequency_hz"`
	AvgFrequencyHz float64 `json:"avg_frequency_hz"`
}

// Config sets the validation window of an Estimator.
type Config struct {
	// Label names the phase in logs and reports. Not used by the math.
	Label string
	// ExpectedFrequency is the nominal line frequency, 50 or 60 Hz.
	ExpectedFrequency uint32
	// Tolerance is the accepted deviation in percent, in (0, 50].
	Tolerance float64
}

func DefaultConfig() Config {
	return Config{
		ExpectedFrequency: DefaultExpectedFrequency,
		Tolerance:         DefaultTolerance,
	}
}

func (c Config) Validate() error {
	if err := validateExpected(c.ExpectedFrequency); err != nil {
		return err
	}
	return validateTolerance(c.Tolerance)
}

func validateExpected(hz uint32) error {
	if hz != 50 && hz != 60 {
		return fmt.Errorf("%w: expected frequency %d Hz (want 50 or 60)", ErrInvalidConfig, hz)
	}
	return nil
}

func validateTolerance(pct float64) error {
	if math.IsNaN(pct) || pct <= 0 || pct > MaxTolerance {
		return fmt.Errorf("%w: tolerance %.2f%% (want (0, %.0f])", ErrInvalidConfig, pct, MaxTolerance)
	}
	return nil
}

// Outcome reports what a single Process call did.
type Outcome int

const (
	// OutcomeArmed means the capture was stored as the first edge and no
	// interval exists yet.
	OutcomeArmed Outcome = iota
	OutcomeValid
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeArmed:
		return "armed"
	case OutcomeValid:
		return "valid"
	case OutcomeInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Observer is called synchronously from Process for every valid measurement.
// It must not block.
type Observer func(e *Estimator, m Measurement)

// Estimator computes period and frequency from consecutive captures of one
// phase.
type Estimator struct {
	label     string
	source    Source
	expected  uint32
	tolerance float64
	observer  Observer

	lastRaw  uint32
	lastTime uint32
	data     Measurement

	// lastValidUS is the timestamp of the most recent valid edge.
	lastValidUS uint32
	haveValid   bool

	stats     Statistics
	periodSum uint64

	initialized bool
}

// New returns an Estimator configured by cfg. src may be nil when captures
// are pushed with Process instead of pulled with ProcessCapture.
func New(cfg Config, src Source) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Estimator{
		label:       cfg.Label,
		source:      src,
		expected:    cfg.ExpectedFrequency,
		tolerance:   cfg.Tolerance,
		initialized: true,
	}, nil
}

func (e *Estimator) ready() bool {
	return e != nil && e.initialized
}

func (e *Estimator) Label() string {
	if e == nil {
		return ""
	}
	return e.label
}

// Process consumes one capture value latched at a zero-crossing edge.
//
// raw == 0 means the capture hardware had nothing latched and yields
// ErrAcquisition without touching any state. The first non-zero capture only
// arms the estimator. Every later capture produces a Measurement, valid or
// not; invalid ones are counted and are never fatal.
func (e *Estimator) Process(raw, clockHz, nowUS uint32) (Outcome, error) {
	if !e.ready() {
		return OutcomeInvalid, ErrNotInitialized
	}
	if raw == 0 {
		return OutcomeInvalid, ErrAcquisition
	}
	if clockHz == 0 {
		return OutcomeInvalid, fmt.Errorf("%w: timer clock is 0 Hz", ErrAcquisition)
	}

	if e.lastRaw == 0 {
		e.lastRaw = raw
		e.lastTime = nowUS
		return OutcomeArmed, nil
	}

	// Modular subtraction spans a single counter wrap exactly.
	elapsed := raw - e.lastRaw
	periodUS := ticksToMicros(elapsed, clockHz)

	var freq uint32
	if periodUS > 0 {
		freq = 1_000_000 / periodUS
	}
	valid := withinTolerance(freq, e.expected, e.tolerance)

	e.data = Measurement{
		PeriodUS:    periodUS,
		FrequencyHz: freq,
		TimestampUS: nowUS,
		Count:       e.data.Count + 1,
		Valid:       valid,
	}
	e.lastRaw = raw
	e.lastTime = nowUS

	e.stats.TotalCount++
	if !valid {
		e.stats.InvalidCount++
		return OutcomeInvalid, nil
	}

	e.lastValidUS = nowUS
	e.haveValid = true
	e.record(periodUS, freq)

	if e.observer != nil {
		e.observer(e, e.data)
	}
	return OutcomeValid, nil
}

// ProcessCapture pulls the latched value, timer rate and time from the
// attached Source and processes them.
func (e *Estimator) ProcessCapture() (Outcome, error) {
	if !e.ready() || e.source == nil {
		return OutcomeInvalid, ErrNotInitialized
	}
	if l, ok := e.source.(Latcher); ok {
		c := l.Latched()
		return e.Process(c.Raw, c.ClockHz, c.NowUS)
	}
	return e.Process(e.source.CaptureValue(), e.source.ClockHz(), e.source.NowMicros())
}

func ticksToMicros(ticks, clockHz uint32) uint32 {
	us := uint64(ticks) * 1_000_000 / uint64(clockHz)
	if us > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(us)
}

// withinTolerance never accepts a zero frequency or a zero expectation.
func withinTolerance(freq, expected uint32, tolerance float64) bool {
	if freq == 0 || expected == 0 {
		return false
	}
	diff := math.Abs(float64(freq) - float64(expected))
	return diff*100 <= tolerance*float64(expected)
}

func (e *Estimator) record(periodUS, freq uint32) {
	s := &e.stats
	s.ValidCount++

	if s.MinPeriodUS == 0 || periodUS < s.MinPeriodUS {
		s.MinPeriodUS = periodUS
	}
	if periodUS > s.MaxPeriodUS {
		s.MaxPeriodUS = periodUS
	}
	f := float64(freq)
	if s.MinFrequencyHz == 0 || f < s.MinFrequencyHz {
		s.MinFrequencyHz = f
	}
	if f > s.MaxFrequencyHz {
		s.MaxFrequencyHz = f
	}

	e.periodSum += uint64(periodUS)
	s.AvgPeriodUS = uint32(e.periodSum / uint64(s.ValidCount))
	if s.AvgPeriodUS > 0 {
		s.AvgFrequencyHz = 1_000_000 / float64(s.AvgPeriodUS)
	}
}

// Read returns a copy of the latest measurement, valid or not.
func (e *Estimator) Read() (Measurement, error) {
	if !e.ready() {
		return Measurement{}, ErrNotInitialized
	}
	return e.data, nil
}

// Latest returns the latest measurement only when it is valid.
func (e *Estimator) Latest() (Measurement, error) {
	if !e.ready() {
		return Measurement{}, ErrNotInitialized
	}
	if !e.data.Valid {
		return e.data, ErrInvalidMeasurement
	}
	return e.data, nil
}

// Frequency returns the latest frequency in Hz, or 0 when it is not valid.
func (e *Estimator) Frequency() uint32 {
	if !e.ready() || !e.data.Valid {
		return 0
	}
	return e.data.FrequencyHz
}

// PeriodUS returns the latest period in µs, or 0 when it is not valid.
func (e *Estimator) PeriodUS() uint32 {
	if !e.ready() || !e.data.Valid {
		return 0
	}
	return e.data.PeriodUS
}

func (e *Estimator) HalfPeriodUS() uint32    { return e.PeriodUS() / 2 }
func (e *Estimator) QuarterPeriodUS() uint32 { return e.PeriodUS() / 4 }

// Count returns the number of intervals computed since the last Reset.
func (e *Estimator) Count() uint32 {
	if !e.ready() {
		return 0
	}
	return e.data.Count
}

func (e *Estimator) IsValid() bool {
	return e.ready() && e.data.Valid
}

// IsNewEdge reports whether an interval was computed since the caller last
// observed lastCount.
func (e *Estimator) IsNewEdge(lastCount uint32) bool {
	return e.ready() && e.data.Count != lastCount
}

// TimeSinceEdge returns the µs elapsed between the last valid edge and nowUS.
// It returns 0 when there is no valid edge or when nowUS is behind it, which
// happens after the microsecond clock wraps.
func (e *Estimator) TimeSinceEdge(nowUS uint32) uint32 {
	if !e.ready() || !e.haveValid || nowUS < e.lastValidUS {
		return 0
	}
	return nowUS - e.lastValidUS
}

func (e *Estimator) ExpectedFrequency() uint32 {
	if e == nil {
		return 0
	}
	return e.expected
}

func (e *Estimator) Tolerance() float64 {
	if e == nil {
		return 0
	}
	return e.tolerance
}

// SetExpectedFrequency accepts 50 or 60 Hz. It does not revalidate the
// current measurement.
func (e *Estimator) SetExpectedFrequency(hz uint32) error {
	if !e.ready() {
		return ErrNotInitialized
	}
	if err := validateExpected(hz); err != nil {
		return err
	}
	e.expected = hz
	return nil
}

// SetTolerance accepts a percentage in (0, 50].
func (e *Estimator) SetTolerance(pct float64) error {
	if !e.ready() {
		return ErrNotInitialized
	}
	if err := validateTolerance(pct); err != nil {
		return err
	}
	e.tolerance = pct
	return nil
}

// SetObserver replaces the observer. nil removes it.
func (e *Estimator) SetObserver(fn Observer) {
	if e == nil {
		return
	}
	e.observer = fn
}

func (e *Estimator) Statistics() (Statistics, error) {
	if !e.ready() {
		return Statistics{}, ErrNotInitialized
	}
	return e.stats, nil
}

func (e *Estimator) ResetStatistics() {
	if !e.ready() {
		return
	}
	e.stats = Statistics{}
	e.periodSum = 0
}

// Reset drops the current measurement and the stored capture so the next
// capture arms the estimator again. Statistics are kept.
func (e *Estimator) Reset() {
	if !e.ready() {
		return
	}
	e.lastRaw = 0
	e.lastTime = 0
	e.data = Measurement{}
	e.lastValidUS = 0
	e.haveValid = false
	if e.source != nil {
		e.source.Reset()
	}
}

// Start enables the capture source.
func (e *Estimator) Start() error {
	if !e.ready() || e.source == nil {
		return ErrNotInitialized
	}
	if err := e.source.Start(); err != nil {
		return fmt.Errorf("zerocross: start %s capture: %w", e.label, err)
	}
	return nil
}

// Stop disables the capture source.
func (e *Estimator) Stop() {
	if !e.ready() || e.source == nil {
		return
	}
	e.source.Stop()
}
