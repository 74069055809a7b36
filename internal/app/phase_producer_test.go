package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/phase_monitor/internal/capture"
	"github.com/relabs-tech/phase_monitor/internal/metrics"
	"github.com/relabs-tech/phase_monitor/internal/report"
)

func TestPhaseProducerPublishesValidIntervals(t *testing.T) {
	cfg := testConfig()
	src, err := capture.NewMockSource(capture.MockConfig{Name: "A", FrequencyHz: 50, ClockHz: 1_000_000})
	require.NoError(t, err)
	pub := &fakePublisher{}
	stats := metrics.New()

	p, err := newPhaseProducer(cfg, "A", src, pub, stats)
	require.NoError(t, err)
	for range 5 {
		src.Step()
		p.onEdge()
	}

	out := pub.on("phase/a")
	require.Len(t, out, 4, "the first capture only arms")
	var rep report.Phase
	require.NoError(t, json.Unmarshal(out[3].payload, &rep))
	assert.Equal(t, "A", rep.Phase)
	assert.Equal(t, uint32(20000), rep.PeriodUS)
	assert.Equal(t, uint32(50), rep.FrequencyHz)
	assert.Equal(t, uint32(4), rep.Count)
	assert.Equal(t, p.runID, rep.RunID)
	assert.False(t, out[3].retained)
	assert.Equal(t, 4.0, testutil.ToFloat64(stats.Edges.WithLabelValues("A", "valid")))

	p.publishStats()
	st := pub.on("phase/a/stats")
	require.Len(t, st, 1)
	assert.True(t, st[0].retained)
	var sr report.Stats
	require.NoError(t, json.Unmarshal(st[0].payload, &sr))
	assert.Equal(t, uint32(4), sr.ValidCount)
	assert.Equal(t, uint32(20000), sr.MinPeriodUS)
}

func TestPhaseProducerDropsOffNominal(t *testing.T) {
	cfg := testConfig()
	src, err := capture.NewMockSource(capture.MockConfig{Name: "B", FrequencyHz: 40, ClockHz: 1_000_000})
	require.NoError(t, err)
	pub := &fakePublisher{}
	stats := metrics.New()

	p, err := newPhaseProducer(cfg, "B", src, pub, stats)
	require.NoError(t, err)
	for range 4 {
		src.Step()
		p.onEdge()
	}
	assert.Empty(t, pub.on("phase/b"))
	assert.Equal(t, 3.0, testutil.ToFloat64(stats.Edges.WithLabelValues("B", "invalid")))
	assert.False(t, p.est.IsValid())
}

func TestPhaseProducerIgnoresEmptyCapture(t *testing.T) {
	src, err := capture.NewMockSource(capture.MockConfig{Name: "C", FrequencyHz: 50})
	require.NoError(t, err)
	p, err := newPhaseProducer(testConfig(), "C", src, &fakePublisher{}, metrics.New())
	require.NoError(t, err)

	p.onEdge()
	assert.Equal(t, uint32(0), p.est.Count())
	s, err := p.est.Statistics()
	require.NoError(t, err)
	assert.Zero(t, s.TotalCount)
}

func TestPhaseProducerLoop(t *testing.T) {
	src, err := capture.NewMockSource(capture.MockConfig{Name: "A", FrequencyHz: 50})
	require.NoError(t, err)
	pub := &fakePublisher{}
	p, err := newPhaseProducer(testConfig(), "A", src, pub, metrics.New())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	statsTick := make(chan time.Time)
	done := make(chan error, 1)
	go func() { done <- p.loop(ctx, src.Edges(), statsTick) }()

	for range 3 {
		src.Step()
		require.Eventually(t, func() bool { return len(src.Edges()) == 0 }, time.Second, time.Millisecond)
	}
	statsTick <- time.Now()
	cancel()
	require.NoError(t, <-done)

	assert.Len(t, pub.on("phase/a"), 2)
	assert.Len(t, pub.on("phase/a/stats"), 1)
}
