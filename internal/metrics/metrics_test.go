package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/phase_monitor/internal/threephase"
	"github.com/relabs-tech/phase_monitor/internal/zerocross"
)

type fixed zerocross.Measurement

func (f fixed) Latest() (zerocross.Measurement, error) { return zerocross.Measurement(f), nil }

func TestObserve(t *testing.T) {
	s := New()
	s.ObserveOutcome("A", zerocross.OutcomeArmed)
	s.ObserveOutcome("A", zerocross.OutcomeValid)
	s.ObserveOutcome("A", zerocross.OutcomeValid)
	s.ObserveOutcome("A", zerocross.OutcomeInvalid)
	assert.Equal(t, 2.0, testutil.ToFloat64(s.Edges.WithLabelValues("A", "valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.Edges.WithLabelValues("A", "invalid")))
	assert.Equal(t, 0.0, testutil.ToFloat64(s.Edges.WithLabelValues("A", "armed")))

	s.ObserveMeasurement("B", zerocross.Measurement{PeriodUS: 16666, FrequencyHz: 60}, 3.5)
	assert.Equal(t, 60.0, testutil.ToFloat64(s.Frequency.WithLabelValues("B")))
	assert.Equal(t, 3.5, testutil.ToFloat64(s.Jitter.WithLabelValues("B")))

	s.ObserveSinceEdge("C", 1500)
	assert.Equal(t, 1500.0, testutil.ToFloat64(s.SinceEdge.WithLabelValues("C")))
}

func TestObserveAnalyzer(t *testing.T) {
	m := func(ts uint32) fixed {
		return fixed{PeriodUS: 20000, FrequencyHz: 50, TimestampUS: ts, Valid: true}
	}
	an, err := threephase.New(m(0), m(6667), m(13333))
	require.NoError(t, err)

	s := New()
	s.ObserveAnalyzer(an)
	assert.Equal(t, 0.0, testutil.ToFloat64(s.Sequence))
	assert.Equal(t, -1.0, testutil.ToFloat64(s.Imbalance))

	require.NoError(t, an.Process())
	s.ObserveAnalyzer(an)
	s.ObserveTransition(an.Sequence())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.Sequence))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.Synchronized))
	assert.InDelta(t, 120, testutil.ToFloat64(s.Angle.WithLabelValues("CA")), 0.05)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.Transitions.WithLabelValues("ABC")))
}

func TestHandler(t *testing.T) {
	s := New()
	s.ObserveOutcome("A", zerocross.OutcomeValid)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `phasemon_edges_total{outcome="valid",phase="A"} 1`)
}
