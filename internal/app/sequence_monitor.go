// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/phase_monitor/internal/config"
	"github.com/relabs-tech/phase_monitor/internal/journal"
	"github.com/relabs-tech/phase_monitor/internal/metrics"
	"github.com/relabs-tech/phase_monitor/internal/notify"
	"github.com/relabs-tech/phase_monitor/internal/report"
	"github.com/relabs-tech/phase_monitor/internal/threephase"
	"github.com/relabs-tech/phase_monitor/internal/zerocross"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

// sequenceMonitor owns three estimators and the analyzer reading them.
// Estimators and analyzer are touched only from the loop goroutine; the
// HTTP handlers see the last report through status.
type sequenceMonitor struct {
	runID      string
	topic      string
	pub        Publisher
	ests       [3]*zerocross.Estimator
	windows    [3]*zerocross.Window
	an         *threephase.Analyzer
	journal    *journal.Journal
	stats      *metrics.Stats
	staleAfter time.Duration

	lastEdge [3]time.Time
	stale    [3]bool
	lastSeq  threephase.Sequence

	nowUS func() uint32
	now   func() time.Time

	status atomic.Pointer[report.Sequence]
	alerts chan journal.Event
}

func newSequenceMonitor(cfg *config.Config, srcs [3]zerocross.Source, pub Publisher, j *journal.Journal, stats *metrics.Stats) (*sequenceMonitor, error) {
	m := &sequenceMonitor{
		runID:      report.NewRunID(),
		topic:      cfg.TopicSequence,
		pub:        pub,
		journal:    j,
		stats:      stats,
		staleAfter: time.Duration(cfg.StaleTimeout) * time.Millisecond,
		now:        time.Now,
		alerts:     make(chan journal.Event, 16),
	}
	for i, p := range threephase.Phases {
		est, err := zerocross.New(zerocross.Config{
			Label:             p.String(),
			ExpectedFrequency: cfg.ExpectedFrequency,
			Tolerance:         cfg.FrequencyTolerance,
		}, srcs[i])
		if err != nil {
			return nil, fmt.Errorf("phase %s estimator: %w", p, err)
		}
		m.ests[i] = est
		m.windows[i] = zerocross.NewWindow(cfg.JitterWindow)
		est.SetObserver(m.observer(i))
	}
	an, err := threephase.New(m.ests[0], m.ests[1], m.ests[2])
	if err != nil {
		return nil, err
	}
	if err := an.SetTolerance(cfg.SequenceTolerance); err != nil {
		return nil, err
	}
	m.an = an
	m.nowUS = func() uint32 { return newestMicros(srcs[:]) }
	return m, nil
}

func (m *sequenceMonitor) observer(i int) zerocross.Observer {
	phase := threephase.Phases[i].String()
	return func(_ *zerocross.Estimator, meas zerocross.Measurement) {
		m.lastEdge[i] = m.now()
		m.windows[i].Add(meas.PeriodUS)
		_, jitter := m.windows[i].MeanStdDev()
		m.stats.ObserveMeasurement(phase, meas, jitter)
	}
}

func (m *sequenceMonitor) onEdge(i int) {
	phase := threephase.Phases[i].String()
	outcome, err := m.ests[i].ProcessCapture()
	if err != nil {
		if !errors.Is(err, zerocross.ErrAcquisition) {
			slog.Error("monitor: process error", "phase", phase, "err", err)
		}
		return
	}
	m.stats.ObserveOutcome(phase, outcome)
}

// lostPhases lists the phases without a valid edge within staleAfter. A
// phase that just went stale has its estimator and jitter window cleared, so
// it re-arms on its next capture.
func (m *sequenceMonitor) lostPhases(now time.Time) []string {
	var lost []string
	nowUS := m.nowUS()
	for i, est := range m.ests {
		phase := threephase.Phases[i].String()
		m.stats.ObserveSinceEdge(phase, est.TimeSinceEdge(nowUS))
		stale := m.lastEdge[i].IsZero() || now.Sub(m.lastEdge[i]) > m.staleAfter
		if stale {
			lost = append(lost, phase)
			if !m.stale[i] {
				est.Reset()
				m.windows[i].Reset()
			}
		}
		m.stale[i] = stale
	}
	return lost
}

// analyze runs one classification and publishes it. A lost phase clears the
// analyzer so a stale snapshot is never reported as current.
func (m *sequenceMonitor) analyze() report.Sequence {
	now := m.now()
	lost := m.lostPhases(now)
	if len(lost) > 0 {
		m.an.Reset()
	} else if err := m.an.Process(); err != nil {
		slog.Debug("monitor: analysis skipped", "err", err)
	}
	m.stats.ObserveAnalyzer(m.an)

	rep := report.NewSequence(m.runID, m.an, lost, now)
	m.status.Store(&rep)
	if err := m.pub.Publish(m.topic, true, rep); err != nil {
		slog.Warn("monitor: publish error", "topic", m.topic, "err", err)
	}

	if seq := m.an.Sequence(); seq != m.lastSeq {
		m.transition(m.lastSeq, seq, rep, now)
		m.lastSeq = seq
	}
	return rep
}

func (m *sequenceMonitor) transition(from, to threephase.Sequence, rep report.Sequence, now time.Time) {
	m.stats.ObserveTransition(to)
	ev := journal.Event{
		Time:      now,
		From:      from.String(),
		To:        to.String(),
		Message:   rep.Message,
		Swap:      rep.Swap,
		AngleAB:   rep.AngleAB,
		AngleBC:   rep.AngleBC,
		AngleCA:   rep.AngleCA,
		Imbalance: rep.Imbalance,
	}
	if m.journal != nil {
		stored, err := m.journal.Record(ev)
		if err != nil {
			slog.Error("monitor: journal write failed", "err", err)
		} else {
			ev = stored
		}
	}

	attrs := []any{"from", ev.From, "to", ev.To, "swap", ev.Swap, "lost", rep.Lost}
	if to == threephase.SequenceABC {
		slog.Info("monitor: sequence changed", attrs...)
	} else {
		slog.Warn("monitor: sequence changed", append(attrs, "message", ev.Message)...)
	}

	select {
	case m.alerts <- ev:
	default:
		slog.Warn("monitor: alert queue full, dropping", "to", ev.To)
	}
}

func (m *sequenceMonitor) logStats() {
	for i, est := range m.ests {
		s, err := est.Statistics()
		if err != nil {
			continue
		}
		slog.Info("monitor: phase stats",
			"phase", threephase.Phases[i].String(),
			"frequency_hz", est.Frequency(),
			"valid", s.ValidCount,
			"invalid", s.InvalidCount,
			"min_period_us", s.MinPeriodUS,
			"max_period_us", s.MaxPeriodUS,
		)
	}
}

func (m *sequenceMonitor) loop(ctx context.Context, edges [3]<-chan struct{}, analyzeTick, statsTick <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-edges[0]:
			m.onEdge(0)
		case <-edges[1]:
			m.onEdge(1)
		case <-edges[2]:
			m.onEdge(2)
		case <-analyzeTick:
			m.analyze()
		case <-statsTick:
			m.logStats()
		}
	}
}

// deliverAlerts forwards transitions to n off the loop goroutine, since a
// notifier may retry for seconds.
func (m *sequenceMonitor) deliverAlerts(ctx context.Context, n notify.Notifier) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.alerts:
			if err := n.Notify(ctx, ev); err != nil && ctx.Err() == nil {
				slog.Error("monitor: notification failed", "to", ev.To, "err", err)
			}
		}
	}
}

func (m *sequenceMonitor) router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", m.stats.Handler())
	r.HandleFunc("/api/status", m.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/events", m.handleEvents).Methods(http.MethodGet)
	return r
}

func (m *sequenceMonitor) handleStatus(w http.ResponseWriter, _ *http.Request) {
	rep := m.status.Load()
	if rep == nil {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (m *sequenceMonitor) handleEvents(w http.ResponseWriter, r *http.Request) {
	if m.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	limit := defaultEventLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxEventLimit)
	}
	events, err := m.journal.Recent(limit)
	if err != nil {
		slog.Error("monitor: journal read failed", "err", err)
		http.Error(w, "journal read failed", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func newNotifier(cfg *config.Config) (notify.Notifier, error) {
	if !cfg.TelegramEnabled {
		return notify.Nop{}, nil
	}
	host, _ := os.Hostname()
	return notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID, host)
}

// RunSequenceMonitor measures all three phases and classifies their
// rotation until ctx is canceled.
func RunSequenceMonitor(ctx context.Context) error {
	cfg := config.Get()
	slog.Info("monitor: starting", "source", cfg.CaptureSource,
		"expected_hz", cfg.ExpectedFrequency, "sequence_tolerance_deg", cfg.SequenceTolerance)

	set, err := openSources(cfg, threephase.Phases[:]...)
	if err != nil {
		return err
	}
	defer set.Close()

	var srcs [3]zerocross.Source
	var edges [3]<-chan struct{}
	for i, s := range set.sources {
		srcs[i] = s
		edges[i] = s.Edges()
	}

	var j *journal.Journal
	if cfg.JournalPath != "" {
		if j, err = journal.Open(cfg.JournalPath); err != nil {
			return err
		}
		defer j.Close()
	}

	notifier, err := newNotifier(cfg)
	if err != nil {
		return err
	}

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDMonitor)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)
	pub := &mqttPublisher{client: client, timeout: 2 * time.Second}

	m, err := newSequenceMonitor(cfg, srcs, pub, j, metrics.New())
	if err != nil {
		return err
	}
	m.nowUS = set.nowUS

	g, ctx := errgroup.WithContext(ctx)
	if set.run != nil {
		g.Go(func() error { return set.run(ctx) })
	}
	g.Go(func() error {
		return serveHTTP(ctx, "monitor", fmt.Sprintf(":%d", cfg.MetricsPort), m.router())
	})
	g.Go(func() error { return m.deliverAlerts(ctx, notifier) })
	g.Go(func() error {
		for _, est := range m.ests {
			if err := est.Start(); err != nil {
				return err
			}
			defer est.Stop()
		}
		analyzeTicker := time.NewTicker(time.Duration(cfg.AnalyzeInterval) * time.Millisecond)
		defer analyzeTicker.Stop()
		statsTicker := time.NewTicker(time.Duration(cfg.StatsInterval) * time.Millisecond)
		defer statsTicker.Stop()

		slog.Info("monitor: capture started", "topic", m.topic)
		return m.loop(ctx, edges, analyzeTicker.C, statsTicker.C)
	})
	return g.Wait()
}
