// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/phase_monitor/internal/config"
	"github.com/relabs-tech/phase_monitor/internal/metrics"
	"github.com/relabs-tech/phase_monitor/internal/report"
	"github.com/relabs-tech/phase_monitor/internal/threephase"
	"github.com/relabs-tech/phase_monitor/internal/zerocross"
)

// phaseProducer measures one phase and publishes every valid interval.
// All methods run on the loop goroutine.
type phaseProducer struct {
	runID  string
	phase  string
	topic  string
	pub    Publisher
	est    *zerocross.Estimator
	window *zerocross.Window
	stats  *metrics.Stats
	now    func() time.Time
}

func newPhaseProducer(cfg *config.Config, phase string, src zerocross.Source, pub Publisher, stats *metrics.Stats) (*phaseProducer, error) {
	est, err := zerocross.New(zerocross.Config{
		Label:             phase,
		ExpectedFrequency: cfg.ExpectedFrequency,
		Tolerance:         cfg.FrequencyTolerance,
	}, src)
	if err != nil {
		return nil, fmt.Errorf("phase %s estimator: %w", phase, err)
	}
	p := &phaseProducer{
		runID:  report.NewRunID(),
		phase:  phase,
		topic:  cfg.PhaseTopic(phase),
		pub:    pub,
		est:    est,
		window: zerocross.NewWindow(cfg.JitterWindow),
		stats:  stats,
		now:    time.Now,
	}
	est.SetObserver(p.onMeasurement)
	return p, nil
}

func (p *phaseProducer) onMeasurement(_ *zerocross.Estimator, m zerocross.Measurement) {
	p.window.Add(m.PeriodUS)
	_, jitter := p.window.MeanStdDev()
	p.stats.ObserveMeasurement(p.phase, m, jitter)

	rep := report.NewPhase(p.runID, p.phase, m, jitter, p.now())
	if err := p.pub.Publish(p.topic, false, rep); err != nil {
		slog.Warn("producer: publish error", "phase", p.phase, "topic", p.topic, "err", err)
	}
}

// onEdge processes the capture behind one edge signal.
func (p *phaseProducer) onEdge() {
	outcome, err := p.est.ProcessCapture()
	if err != nil {
		if errors.Is(err, zerocross.ErrAcquisition) {
			slog.Debug("producer: no capture latched", "phase", p.phase)
			return
		}
		slog.Error("producer: process error", "phase", p.phase, "err", err)
		return
	}
	p.stats.ObserveOutcome(p.phase, outcome)
	if outcome == zerocross.OutcomeInvalid {
		m, _ := p.est.Read()
		slog.Debug("producer: interval out of tolerance",
			"phase", p.phase, "period_us", m.PeriodUS, "frequency_hz", m.FrequencyHz)
	}
}

func (p *phaseProducer) publishStats() {
	s, err := p.est.Statistics()
	if err != nil {
		slog.Error("producer: statistics error", "phase", p.phase, "err", err)
		return
	}
	rep := report.NewStats(p.runID, p.phase, s, p.now())
	topic := p.topic + "/stats"
	if err := p.pub.Publish(topic, true, rep); err != nil {
		slog.Warn("producer: publish error", "phase", p.phase, "topic", topic, "err", err)
	}
	slog.Info("producer: stats",
		"phase", p.phase,
		"valid", s.ValidCount,
		"invalid", s.InvalidCount,
		"avg_frequency_hz", s.AvgFrequencyHz,
		"frequency", p.est.Frequency(),
	)
}

func (p *phaseProducer) loop(ctx context.Context, edges <-chan struct{}, statsTick <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-edges:
			p.onEdge()
		case <-statsTick:
			p.publishStats()
		}
	}
}

// RunPhaseProducer measures the configured phase until ctx is canceled.
func RunPhaseProducer(ctx context.Context) error {
	cfg := config.Get()
	phase, err := threephase.ParsePhase(cfg.Phase)
	if err != nil {
		return err
	}
	slog.Info("producer: starting", "phase", phase, "source", cfg.CaptureSource,
		"expected_hz", cfg.ExpectedFrequency, "tolerance_pct", cfg.FrequencyTolerance)

	set, err := openSources(cfg, phase)
	if err != nil {
		return err
	}
	defer set.Close()
	src := set.sources[0]

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDProducer)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)
	pub := &mqttPublisher{client: client, timeout: 2 * time.Second}

	stats := metrics.New()
	p, err := newPhaseProducer(cfg, phase.String(), src, pub, stats)
	if err != nil {
		return err
	}

	r := mux.NewRouter()
	r.Handle("/metrics", stats.Handler())

	g, ctx := errgroup.WithContext(ctx)
	if set.run != nil {
		g.Go(func() error { return set.run(ctx) })
	}
	g.Go(func() error {
		return serveHTTP(ctx, "producer", fmt.Sprintf(":%d", cfg.MetricsPort), r)
	})
	g.Go(func() error {
		if err := p.est.Start(); err != nil {
			return err
		}
		defer p.est.Stop()

		ticker := time.NewTicker(time.Duration(cfg.StatsInterval) * time.Millisecond)
		defer ticker.Stop()
		slog.Info("producer: capture started", "phase", phase, "topic", p.topic)
		return p.loop(ctx, src.Edges(), ticker.C)
	})
	return g.Wait()
}
