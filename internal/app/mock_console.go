// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/relabs-tech/phase_monitor/internal/capture"
	"github.com/relabs-tech/phase_monitor/internal/config"
	"github.com/relabs-tech/phase_monitor/internal/report"
	"github.com/relabs-tech/phase_monitor/internal/threephase"
	"github.com/relabs-tech/phase_monitor/internal/zerocross"
)

// simulation drives three mock phases in simulated time, without hardware
// or a broker.
type simulation struct {
	runID   string
	sources []*capture.MockSource
	ests    [3]*zerocross.Estimator
	an      *threephase.Analyzer
}

// simStartTick puts the first counter wrap about a second into the run.
const simStartTick = 0xFFF0_0000

func newSimulation(cfg *config.Config, seed uint64) (*simulation, error) {
	s := &simulation{runID: report.NewRunID()}
	for i, p := range threephase.Phases {
		src, err := capture.NewMockSource(capture.MockConfig{
			Name:        p.String(),
			FrequencyHz: cfg.MockFrequency,
			OffsetDeg:   mockOffset(cfg.MockSequence, p),
			ClockHz:     cfg.CaptureClockHz,
			StartTick:   simStartTick,
			JitterUS:    cfg.MockJitterUS,
			Seed:        seed + uint64(i),
		})
		if err != nil {
			return nil, err
		}
		est, err := zerocross.New(zerocross.Config{
			Label:             p.String(),
			ExpectedFrequency: cfg.ExpectedFrequency,
			Tolerance:         cfg.FrequencyTolerance,
		}, src)
		if err != nil {
			return nil, err
		}
		s.sources = append(s.sources, src)
		s.ests[i] = est
	}
	an, err := threephase.New(s.ests[0], s.ests[1], s.ests[2])
	if err != nil {
		return nil, err
	}
	if err := an.SetTolerance(cfg.SequenceTolerance); err != nil {
		return nil, err
	}
	s.an = an
	return s, nil
}

// step delivers the next edge in simulated time to its estimator.
func (s *simulation) step() {
	i := capture.Earliest(s.sources)
	s.sources[i].Step()
	_, _ = s.ests[i].ProcessCapture()
}

// run processes n edges and analyzes the result.
func (s *simulation) run(n int) report.Sequence {
	for range n {
		s.step()
	}
	_ = s.an.Process()
	return report.NewSequence(s.runID, s.an, nil, time.Now())
}

// RunMockConsole prints the analysis of a simulated three-phase supply
// every 100 ms until ctx is canceled.
func RunMockConsole(ctx context.Context) error {
	return runMockConsole(ctx, config.Get(), os.Stdout)
}

func runMockConsole(ctx context.Context, cfg *config.Config, out io.Writer) error {
	sim, err := newSimulation(cfg, uint64(time.Now().UnixNano()))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "simulating %.2f Hz, rotation %s, jitter %.1f us\n",
		cfg.MockFrequency, cfg.MockSequence, cfg.MockJitterUS)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	// Five cycles of three phases per tick.
	const edgesPerTick = 15
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fmt.Fprintln(out, formatSequence(sim.run(edgesPerTick)))
		}
	}
}
