package threephase

import "strings"

// Swap names the pair of lines to exchange. At most one field is set.
type Swap struct {
	AB bool `json:"swap_ab"`
	BC bool `json:"swap_bc"`
	CA bool `json:"swap_ca"`
}

// None reports that no single swap is recommended.
func (s Swap) None() bool {
	return !s.AB && !s.BC && !s.CA
}

func (s Swap) String() string {
	var parts []string
	if s.AB {
		parts = append(parts, "A-B")
	}
	if s.BC {
		parts = append(parts, "B-C")
	}
	if s.CA {
		parts = append(parts, "C-A")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// Recommend derives the swap for a classified sequence. A reversed line is
// always fixed by exchanging B and C. For an inconsistent line, the two legs
// that still look like 120° point at the wire to move; with no such pattern
// nothing is recommended.
func Recommend(seq Sequence, ab, bc, ca, tolerance float64) Swap {
	switch seq {
	case SequenceACB:
		return Swap{BC: true}
	case SequenceError:
		ab120, bc120, ca120 := is120(ab, tolerance), is120(bc, tolerance), is120(ca, tolerance)
		switch {
		case ab120 && ca120:
			return Swap{BC: true}
		case bc120 && ca120:
			return Swap{AB: true}
		case ab120 && bc120:
			return Swap{CA: true}
		}
	}
	return Swap{}
}

// SwapRecommendation returns the swap that would correct the last processed
// sequence.
func (an *Analyzer) SwapRecommendation() (Swap, error) {
	if !an.ready() {
		return Swap{}, ErrNotInitialized
	}
	if !an.rel.Valid {
		return Swap{}, ErrIncompleteRelationship
	}
	return Recommend(an.sequence, an.rel.AngleAB, an.rel.AngleBC, an.rel.AngleCA, an.tolerance), nil
}

const (
	MessageCorrect      = "Phase sequence is CORRECT (ABC)"
	MessageSwapAB       = "SWAP phases A and B to correct sequence"
	MessageSwapBC       = "SWAP phases B and C to correct sequence"
	MessageSwapCA       = "SWAP phases C and A to correct sequence"
	MessageCheckAll     = "Phase sequence error - check all connections"
	MessageUndetermined = "Error: Cannot determine phase correction"
)

// CorrectionMessage turns the current state into an operator instruction.
func (an *Analyzer) CorrectionMessage() (string, error) {
	if an.IsSequenceCorrect() {
		return MessageCorrect, nil
	}
	swap, err := an.SwapRecommendation()
	if err != nil {
		return MessageUndetermined, err
	}
	switch {
	case swap.AB:
		return MessageSwapAB, nil
	case swap.BC:
		return MessageSwapBC, nil
	case swap.CA:
		return MessageSwapCA, nil
	}
	return MessageCheckAll, nil
}
