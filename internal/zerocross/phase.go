package zerocross

import "math"

// PeriodForFrequency returns the integer period in µs of a line frequency,
// or 0 for 0 Hz.
func PeriodForFrequency(freqHz uint32) uint32 {
	if freqHz == 0 {
		return 0
	}
	return 1_000_000 / freqHz
}

// PhaseAngle converts a time offset from a reference zero crossing into
// degrees of one cycle at freqHz, in [0, 360).
func PhaseAngle(offsetUS, freqHz uint32) float64 {
	period := PeriodForFrequency(freqHz)
	if period == 0 {
		return 0
	}
	return normalizeDegrees(float64(offsetUS) / float64(period) * 360)
}

// TimeForPhase converts an angle into the µs offset after a zero crossing at
// freqHz. Angles outside [0, 360) wrap.
func TimeForPhase(deg float64, freqHz uint32) uint32 {
	period := PeriodForFrequency(freqHz)
	if period == 0 {
		return 0
	}
	deg = normalizeDegrees(deg)
	return uint32(deg / 360 * float64(period))
}

// normalizeDegrees folds deg into [0, 360) by repeated subtraction or
// addition, so values already in range come back bit-identical.
func normalizeDegrees(deg float64) float64 {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0
	}
	// Bound the loop for huge inputs.
	if math.Abs(deg) >= 360*1024 {
		deg = math.Mod(deg, 360)
	}
	for deg >= 360 {
		deg -= 360
	}
	for deg < 0 {
		deg += 360
	}
	// -tiny + 360 rounds to 360.
	if deg >= 360 {
		deg = 0
	}
	return deg
}
