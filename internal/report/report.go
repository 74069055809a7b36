// Package report holds the JSON payloads exchanged over MQTT between the
// phase services.
package report

import (
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/phase_monitor/internal/threephase"
	"github.com/relabs-tech/phase_monitor/internal/zerocross"
)

// Phase is one validated zero-crossing interval of one phase.
type Phase struct {
	RunID       string  `json:"run_id"`
	Phase       string  `json:"phase"` // "A", "B" or "C"
	PeriodUS    uint32  `json:"period_us"`
	FrequencyHz uint32  `json:"frequency_hz"`
	TimestampUS uint32  `json:"timestamp_us"`
	Count       uint32  `json:"count"`
	Valid       bool    `json:"valid"`
	JitterUS    float64 `json:"jitter_us"` // std dev of recent periods
	Time        string  `json:"time"`      // RFC3339 wall time
}

// Stats is the periodic statistics snapshot of one phase.
type Stats struct {
	RunID string `json:"run_id"`
	Phase string `json:"phase"`
	zerocross.Statistics
	Time string `json:"time"`
}

// Sequence is one analyzer result.
type Sequence struct {
	RunID        string  `json:"run_id"`
	Sequence     string  `json:"sequence"` // unknown, ABC, ACB, error
	Correct      bool    `json:"correct"`
	AngleAB      float64 `json:"angle_ab"`
	AngleBC      float64 `json:"angle_bc"`
	AngleCA      float64 `json:"angle_ca"`
	FrequencyA   uint32  `json:"frequency_a_hz"`
	FrequencyB   uint32  `json:"frequency_b_hz"`
	FrequencyC   uint32  `json:"frequency_c_hz"`
	Imbalance    float64 `json:"imbalance_pct"` // -1 without a snapshot
	Synchronized bool    `json:"synchronized"`
	Swap         string  `json:"swap"` // none, A-B, B-C, C-A
	Message      string  `json:"message"`
	// Lost lists phases without a valid edge within the stale timeout.
	Lost []string `json:"lost,omitempty"`
	Time string   `json:"time"`
}

// NewRunID identifies one service run in every payload it publishes.
func NewRunID() string {
	return uuid.NewString()
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func NewPhase(runID, phase string, m zerocross.Measurement, jitterUS float64, now time.Time) Phase {
	return Phase{
		RunID:       runID,
		Phase:       phase,
		PeriodUS:    m.PeriodUS,
		FrequencyHz: m.FrequencyHz,
		TimestampUS: m.TimestampUS,
		Count:       m.Count,
		Valid:       m.Valid,
		JitterUS:    jitterUS,
		Time:        stamp(now),
	}
}

func NewStats(runID, phase string, s zerocross.Statistics, now time.Time) Stats {
	return Stats{RunID: runID, Phase: phase, Statistics: s, Time: stamp(now)}
}

// NewSequence captures the analyzer state. A missing snapshot yields the
// undetermined message.
func NewSequence(runID string, an *threephase.Analyzer, lost []string, now time.Time) Sequence {
	rel := an.Relationship()
	swap, _ := an.SwapRecommendation()
	msg, _ := an.CorrectionMessage()
	return Sequence{
		RunID:        runID,
		Sequence:     an.Sequence().String(),
		Correct:      an.IsSequenceCorrect(),
		AngleAB:      rel.AngleAB,
		AngleBC:      rel.AngleBC,
		AngleCA:      rel.AngleCA,
		FrequencyA:   rel.FrequencyA,
		FrequencyB:   rel.FrequencyB,
		FrequencyC:   rel.FrequencyC,
		Imbalance:    an.Imbalance(),
		Synchronized: an.IsSynchronized(),
		Swap:         swap.String(),
		Message:      msg,
		Lost:         lost,
		Time:         stamp(now),
	}
}
