// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package threephase classifies the rotation order of three AC phases from
// the latest valid zero-crossing measurement of each phase.
package threephase

import (
	"errors"
	"fmt"
	"math"

	"github.com/relabs-tech/phase_monitor/internal/zerocross"
)

var (
	ErrNotInitialized         = errors.New("threephase: analyzer not initialized")
	ErrIncompleteRelationship = errors.New("threephase: phase has no valid measurement")
	ErrInvalidTolerance       = errors.New("threephase: invalid tolerance")
)

const (
	DefaultTolerance float64 = 10.0
	MaxTolerance     float64 = 30.0

	// SyncLimitHz is the widest frequency spread still considered
	// synchronized.
	SyncLimitHz uint32 = 1
)

// Reader is the view of a single-phase estimator the analyzer needs.
// *zerocross.Estimator satisfies it.
type Reader interface {
	Latest() (zerocross.Measurement, error)
}

// Phase identifies one of the three lines.
type Phase int

const (
	PhaseA Phase = iota
	PhaseB
	PhaseC
)

var Phases = [3]Phase{PhaseA, PhaseB, PhaseC}

func (p Phase) String() string {
	switch p {
	case PhaseA:
		return "A"
	case PhaseB:
		return "B"
	case PhaseC:
		return "C"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// ParsePhase accepts "A", "B" or "C" in either case.
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "A", "a":
		return PhaseA, nil
	case "B", "b":
		return PhaseB, nil
	case "C", "c":
		return PhaseC, nil
	}
	return 0, fmt.Errorf("threephase: unknown phase %q", s)
}

// Sequence is the detected rotation order.
type Sequence int

const (
	SequenceUnknown Sequence = iota
	SequenceABC
	SequenceACB
	SequenceError
)

func (s Sequence) String() string {
	switch s {
	case SequenceUnknown:
		return "unknown"
	case SequenceABC:
		return "ABC"
	case SequenceACB:
		return "ACB"
	case SequenceError:
		return "error"
	default:
		return fmt.Sprintf("Sequence(%d)", int(s))
	}
}

// Relationship is a snapshot of the three phases taken by Process. Angles
// are in degrees, [0, 360).
type Relationship struct {
	TimestampA uint32 `json:"timestamp_a_us"`
	TimestampB uint32 `json:"timestamp_b_us"`
	TimestampC uint32 `json:"timestamp_c_us"`

	FrequencyA uint32 `json:"frequency_a_hz"`
	FrequencyB uint32 `json:"frequency_b_hz"`
	FrequencyC uint32 `json:"frequency_c_hz"`

	AngleAB float64 `json:"angle_ab"`
	AngleBC float64 `json:"angle_bc"`
	AngleCA float64 `json:"angle_ca"`

	Valid bool `json:"valid"`
}

// Analyzer holds borrowed references to three phase readers. It must not
// outlive them and, like the estimators, is not safe for concurrent use.
type Analyzer struct {
	phases    [3]Reader
	tolerance float64
	sequence  Sequence
	rel       Relationship
	lastUS    uint32

	initialized bool
}

func New(a, b, c Reader) (*Analyzer, error) {
	if a == nil || b == nil || c == nil {
		return nil, fmt.Errorf("%w: nil phase reader", ErrNotInitialized)
	}
	return &Analyzer{
		phases:      [3]Reader{a, b, c},
		tolerance:   DefaultTolerance,
		initialized: true,
	}, nil
}

func (an *Analyzer) ready() bool {
	return an != nil && an.initialized
}

// Process snapshots the latest valid measurement of every phase, recomputes
// the pairwise angles and classifies the sequence. If any phase lacks a
// valid measurement it returns ErrIncompleteRelationship and leaves the
// previous result untouched.
func (an *Analyzer) Process() error {
	if !an.ready() {
		return ErrNotInitialized
	}

	var ms [3]zerocross.Measurement
	for i, r := range an.phases {
		m, err := r.Latest()
		if err != nil || !m.Valid || m.PeriodUS == 0 {
			if err == nil {
				err = zerocross.ErrInvalidMeasurement
			}
			return fmt.Errorf("phase %s: %w: %w", Phases[i], ErrIncompleteRelationship, err)
		}
		ms[i] = m
	}

	avg := uint32((uint64(ms[0].PeriodUS) + uint64(ms[1].PeriodUS) + uint64(ms[2].PeriodUS)) / 3)

	rel := Relationship{
		TimestampA: ms[0].TimestampUS,
		TimestampB: ms[1].TimestampUS,
		TimestampC: ms[2].TimestampUS,
		FrequencyA: ms[0].FrequencyHz,
		FrequencyB: ms[1].FrequencyHz,
		FrequencyC: ms[2].FrequencyHz,
		AngleAB:    pairAngle(ms[0].TimestampUS, ms[1].TimestampUS, avg),
		AngleBC:    pairAngle(ms[1].TimestampUS, ms[2].TimestampUS, avg),
		AngleCA:    pairAngle(ms[2].TimestampUS, ms[0].TimestampUS, avg),
		Valid:      true,
	}

	an.rel = rel
	an.lastUS = rel.TimestampA
	an.sequence = Classify(rel.AngleAB, rel.AngleBC, rel.AngleCA, an.tolerance)
	return nil
}

// pairAngle is the lag of edge `to` behind edge `from` as a fraction of one
// cycle. The difference is taken as a signed 32-bit value so edges on either
// side of a clock wrap, or in either order, land in the same cycle.
func pairAngle(from, to, periodUS uint32) float64 {
	if periodUS == 0 {
		return 0
	}
	diff := int64(int32(to-from)) % int64(periodUS)
	if diff < 0 {
		diff += int64(periodUS)
	}
	angle := math.Mod(float64(diff)/float64(periodUS)*360, 360)
	if angle < 0 {
		angle += 360
	}
	return angle
}

// from240 is the circular distance between angle and 240°.
func from240(angle float64) float64 {
	d := math.Abs(angle - 240)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// is120 treats ±120° alike: a lag of 240° is a lead of 120°.
func is120(angle, tolerance float64) bool {
	return math.Abs(angle-120) <= tolerance || from240(angle) <= tolerance
}

func is240(angle, tolerance float64) bool {
	return from240(angle) <= tolerance && math.Abs(angle-120) > tolerance
}

// Classify maps the three pairwise angles to a sequence. is120 also accepts
// 240°, so the reversed patterns are checked first; otherwise an ACB line
// (240/240/240) would pass the all-120 test.
func Classify(ab, bc, ca, tolerance float64) Sequence {
	ab240, bc240 := is240(ab, tolerance), is240(bc, tolerance)
	ca120 := is120(ca, tolerance)

	switch {
	case (ab240 || bc240) && ca120:
		return SequenceACB
	case ab240 && bc240:
		return SequenceACB
	case is120(ab, tolerance) && is120(bc, tolerance) && ca120:
		return SequenceABC
	default:
		return SequenceError
	}
}

func (an *Analyzer) Sequence() Sequence {
	if !an.ready() {
		return SequenceUnknown
	}
	return an.sequence
}

func (an *Analyzer) IsSequenceCorrect() bool {
	return an.Sequence() == SequenceABC
}

// Relationship returns a copy of the last snapshot. Valid is false until the
// first successful Process.
func (an *Analyzer) Relationship() Relationship {
	if !an.ready() {
		return Relationship{}
	}
	return an.rel
}

// LastUpdateUS is phase A's timestamp at the last successful Process.
func (an *Analyzer) LastUpdateUS() uint32 {
	if !an.ready() {
		return 0
	}
	return an.lastUS
}

// PhaseAngle returns the angle from one phase to another. Reverse pairs are
// the complement of the stored forward angle, and a phase to itself is 0.
func (an *Analyzer) PhaseAngle(from, to Phase) float64 {
	if !an.ready() || !an.rel.Valid || from == to {
		return 0
	}
	fwd, ok := an.forwardAngle(from, to)
	if ok {
		return fwd
	}
	back, ok := an.forwardAngle(to, from)
	if !ok || back == 0 {
		return 0
	}
	return 360 - back
}

func (an *Analyzer) forwardAngle(from, to Phase) (float64, bool) {
	switch {
	case from == PhaseA && to == PhaseB:
		return an.rel.AngleAB, true
	case from == PhaseB && to == PhaseC:
		return an.rel.AngleBC, true
	case from == PhaseC && to == PhaseA:
		return an.rel.AngleCA, true
	}
	return 0, false
}

// PhaseFrequency returns the frequency captured for p at the last
// successful Process.
func (an *Analyzer) PhaseFrequency(p Phase) uint32 {
	if !an.ready() || !an.rel.Valid {
		return 0
	}
	switch p {
	case PhaseA:
		return an.rel.FrequencyA
	case PhaseB:
		return an.rel.FrequencyB
	case PhaseC:
		return an.rel.FrequencyC
	}
	return 0
}

// SetTolerance sets the angular tolerance in degrees, (0, 30]. The current
// classification is kept until the next Process.
func (an *Analyzer) SetTolerance(deg float64) error {
	if !an.ready() {
		return ErrNotInitialized
	}
	if math.IsNaN(deg) || deg <= 0 || deg > MaxTolerance {
		return fmt.Errorf("%w: %.2f° (want (0, %.0f])", ErrInvalidTolerance, deg, MaxTolerance)
	}
	an.tolerance = deg
	return nil
}

func (an *Analyzer) Tolerance() float64 {
	if an == nil {
		return 0
	}
	return an.tolerance
}

// IsSynchronized reports whether the three captured frequencies are within
// SyncLimitHz of each other.
func (an *Analyzer) IsSynchronized() bool {
	if !an.ready() || !an.rel.Valid {
		return false
	}
	lo := min(an.rel.FrequencyA, an.rel.FrequencyB, an.rel.FrequencyC)
	hi := max(an.rel.FrequencyA, an.rel.FrequencyB, an.rel.FrequencyC)
	return hi-lo <= SyncLimitHz
}

// Imbalance is the mean absolute deviation of the pairwise angles from 120°,
// as a percentage of 120°. It returns -1 without a valid snapshot.
func (an *Analyzer) Imbalance() float64 {
	if !an.ready() || !an.rel.Valid {
		return -1
	}
	dev := math.Abs(an.rel.AngleAB-120) +
		math.Abs(an.rel.AngleBC-120) +
		math.Abs(an.rel.AngleCA-120)
	return dev / 3 / 120 * 100
}

// Reset forgets the snapshot and the classification. The tolerance is kept.
func (an *Analyzer) Reset() {
	if !an.ready() {
		return
	}
	an.sequence = SequenceUnknown
	an.rel = Relationship{}
	an.lastUS = 0
}
