package zerocross

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowMeanStdDev(t *testing.T) {
	w := NewWindow(4)
	mean, std := w.MeanStdDev()
	assert.Zero(t, mean)
	assert.Zero(t, std)

	w.Add(20000)
	mean, std = w.MeanStdDev()
	assert.Equal(t, 20000.0, mean)
	assert.Zero(t, std)

	w.Add(20002)
	w.Add(19998)
	w.Add(20000)
	mean, std = w.MeanStdDev()
	assert.Equal(t, 4, w.Len())
	assert.InDelta(t, 20000, mean, 1e-9)
	// Sample deviation of {0, 2, -2, 0}: sqrt(8/3).
	assert.InDelta(t, 1.632993, std, 1e-6)

	// Overwrites the oldest.
	w.Add(30000)
	mean, _ = w.MeanStdDev()
	assert.Equal(t, 4, w.Len())
	assert.InDelta(t, 22500, mean, 1e-9)

	w.Reset()
	assert.Zero(t, w.Len())
}

func TestWindowObserver(t *testing.T) {
	e, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	w := NewWindow(1)
	e.SetObserver(w.Observer())

	feed(t, e, 10, 20000, 35000, 20010)
	assert.Equal(t, 2, w.Len())
	mean, _ := w.MeanStdDev()
	assert.InDelta(t, 20005, mean, 1e-9)
}
