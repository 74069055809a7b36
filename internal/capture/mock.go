// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package capture

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/relabs-tech/phase_monitor/internal/zerocross"
)

// MockConfig describes one synthetic AC phase.
type MockConfig struct {
	Name        string
	FrequencyHz float64
	// OffsetDeg delays this phase's zero crossings by a fraction of a cycle.
	OffsetDeg float64
	ClockHz   uint32
	// StartTick is the counter value at simulated time 0. Set it close to
	// 2^32 to exercise counter wraparound.
	StartTick uint32
	// JitterUS is the standard deviation of the edge timing noise.
	JitterUS float64
	Seed     uint64
}

// MockSource generates the zero crossings of an ideal (optionally jittery)
// sine wave. Step advances it one edge in simulated time; Start advances it
// in real time.
type MockSource struct {
	cfg      MockConfig
	periodUS float64
	rng      *rand.Rand

	mu sync.Mutex
	k  uint64

	latch latch
	edges chan struct{}

	stop chan struct{}
	done chan struct{}
}

func NewMockSource(cfg MockConfig) (*MockSource, error) {
	if cfg.FrequencyHz <= 0 || math.IsNaN(cfg.FrequencyHz) || math.IsInf(cfg.FrequencyHz, 0) {
		return nil, fmt.Errorf("mock %s: invalid frequency %v", cfg.Name, cfg.FrequencyHz)
	}
	if cfg.ClockHz == 0 {
		cfg.ClockHz = 1_000_000
	}
	return &MockSource{
		cfg:      cfg,
		periodUS: 1e6 / cfg.FrequencyHz,
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		edges:    make(chan struct{}, 1),
	}, nil
}

func (m *MockSource) Name() string { return m.cfg.Name }

// NextEdgeUS is the simulated time of the next edge, without jitter.
func (m *MockSource) NextEdgeUS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.edgeTime(m.k)
}

func (m *MockSource) edgeTime(k uint64) float64 {
	offset := math.Mod(m.cfg.OffsetDeg, 360)
	if offset < 0 {
		offset += 360
	}
	return offset/360*m.periodUS + float64(k)*m.periodUS
}

// Step latches the next edge and signals it.
func (m *MockSource) Step() {
	m.mu.Lock()
	t := m.edgeTime(m.k)
	if m.cfg.JitterUS > 0 {
		j := m.rng.NormFloat64() * m.cfg.JitterUS
		limit := m.periodUS / 4
		t += math.Max(-limit, math.Min(limit, j))
	}
	m.k++
	m.mu.Unlock()

	if t < 0 {
		t = 0
	}
	ticks := m.cfg.StartTick + uint32(uint64(t*float64(m.cfg.ClockHz)/1e6))
	m.latch.store(zerocross.Capture{
		Raw:     nonZero(ticks),
		ClockHz: m.cfg.ClockHz,
		NowUS:   uint32(uint64(t)),
	})
	signal(m.edges)
}

func (m *MockSource) CaptureValue() uint32   { return m.latch.load().Raw }
func (m *MockSource) ClockHz() uint32        { return m.cfg.ClockHz }
func (m *MockSource) NowMicros() uint32      { return m.latch.load().NowUS }
func (m *MockSource) Edges() <-chan struct{} { return m.edges }

func (m *MockSource) Latched() zerocross.Capture {
	c := m.latch.load()
	c.ClockHz = m.cfg.ClockHz
	return c
}

// Reset clears the latch. Simulated time keeps running.
func (m *MockSource) Reset() {
	m.latch.clear()
}

// Start steps the source once per period of wall time until Stop.
func (m *MockSource) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return nil
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.stop, m.done)
	return nil
}

func (m *MockSource) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Duration(m.periodUS * float64(time.Microsecond)))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Step()
		}
	}
}

func (m *MockSource) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Earliest returns the index of the source whose next edge comes first, for
// driving several sources in simulated time.
func Earliest(sources []*MockSource) int {
	best := -1
	var bestT float64
	for i, s := range sources {
		t := s.NextEdgeUS()
		if best < 0 || t < bestT {
			best, bestT = i, t
		}
	}
	return best
}
