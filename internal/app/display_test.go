package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"

	"github.com/relabs-tech/phase_monitor/internal/report"
)

func TestDisplayLines(t *testing.T) {
	assert.Equal(t, "Waiting...", displayLines(nil)[2])

	lines := displayLines(&report.Sequence{
		Sequence: "ACB", Swap: "B-C",
		AngleAB: 240, AngleBC: 240, AngleCA: 240,
		FrequencyA: 50, FrequencyB: 50, FrequencyC: 50,
		Imbalance: 100,
	})
	assert.Equal(t, []string{
		"ACB     SWAP B-C",
		"AB240 BC240 CA240",
		"f 50/50/50 Hz",
		"imb 100.0%",
	}, lines)

	lines = displayLines(&report.Sequence{Sequence: "unknown", Imbalance: -1, Lost: []string{"B"}})
	assert.Equal(t, "unknown LOST B", lines[0])
	assert.Len(t, lines, 3)

	lines = displayLines(&report.Sequence{Sequence: "ABC", Correct: true, Swap: "none"})
	assert.Equal(t, "ABC     OK", lines[0])

	lines = displayLines(&report.Sequence{Sequence: "error", Swap: "none"})
	assert.Equal(t, "error   CHECK", lines[0])
}

func TestRenderLinesFitsPanel(t *testing.T) {
	img := renderLines(displayLines(&report.Sequence{Sequence: "ABC", Correct: true}))
	assert.Equal(t, oledWidth, img.Bounds().Dx())
	assert.Equal(t, oledHeight, img.Bounds().Dy())

	lit := 0
	for _, b := range img.Pix {
		if b != 0 {
			lit++
		}
	}
	assert.Positive(t, lit)

	blank := renderLines(nil)
	for _, b := range blank.Pix {
		if b != 0 {
			t.Fatal("empty screen has lit pixels")
		}
	}
}

func TestOpenDisplayWritesToPanelAddress(t *testing.T) {
	bus := &i2ctest.Record{}
	dev, err := openDisplay(bus)
	require.NoError(t, err)
	assert.Equal(t, oledWidth, dev.Bounds().Dx())
	assert.Equal(t, oledHeight, dev.Bounds().Dy())

	// Init commands plus the waiting screen.
	require.GreaterOrEqual(t, len(bus.Ops), 2)
	for _, op := range bus.Ops {
		assert.Equal(t, uint16(0x3C), op.Addr)
	}
}
