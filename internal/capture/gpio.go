// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package capture

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/phase_monitor/internal/zerocross"
)

// GPIOConfig selects the input pin an optocoupler output is wired to.
type GPIOConfig struct {
	Name string // phase label for logs
	Pin  string // periph pin name, e.g. "GPIO17"
	Pull string // "up", "down" or "float"
	Edge string // "rising" or "falling"
	// ClockHz is the rate of the virtual capture counter.
	ClockHz uint32
}

// edgePoll bounds how long Stop waits for the edge loop to notice.
const edgePoll = 100 * time.Millisecond

var hostInit = sync.OnceValue(func() error {
	_, err := host.Init()
	return err
})

// GPIOSource latches the shared Clock on every configured edge of a GPIO
// input.
type GPIOSource struct {
	name    string
	pin     gpio.PinIO
	pull    gpio.Pull
	edge    gpio.Edge
	clock   *Clock
	clockHz uint32

	latch latch
	edges chan struct{}

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func ParsePull(s string) (gpio.Pull, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up", "pullup":
		return gpio.PullUp, nil
	case "down", "pulldown":
		return gpio.PullDown, nil
	case "", "float", "none":
		return gpio.Float, nil
	}
	return gpio.PullNoChange, fmt.Errorf("unknown pull %q", s)
}

func ParseEdge(s string) (gpio.Edge, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rising":
		return gpio.RisingEdge, nil
	case "falling":
		return gpio.FallingEdge, nil
	}
	return gpio.NoEdge, fmt.Errorf("unknown edge %q", s)
}

// NewGPIOSource initializes the periph host and looks up the pin. The pin
// is configured on Start.
func NewGPIOSource(cfg GPIOConfig, clock *Clock) (*GPIOSource, error) {
	if err := hostInit(); err != nil {
		return nil, fmt.Errorf("%s capture: periph host init: %w", cfg.Name, err)
	}
	pin := gpioreg.ByName(cfg.Pin)
	if pin == nil {
		return nil, fmt.Errorf("%s capture: pin %q not found", cfg.Name, cfg.Pin)
	}
	return newGPIOSource(cfg, pin, clock)
}

func newGPIOSource(cfg GPIOConfig, pin gpio.PinIO, clock *Clock) (*GPIOSource, error) {
	pull, err := ParsePull(cfg.Pull)
	if err != nil {
		return nil, fmt.Errorf("%s capture: %w", cfg.Name, err)
	}
	edge, err := ParseEdge(cfg.Edge)
	if err != nil {
		return nil, fmt.Errorf("%s capture: %w", cfg.Name, err)
	}
	if cfg.ClockHz == 0 {
		cfg.ClockHz = 1_000_000
	}
	if clock == nil {
		clock = NewClock()
	}
	return &GPIOSource{
		name:    cfg.Name,
		pin:     pin,
		pull:    pull,
		edge:    edge,
		clock:   clock,
		clockHz: cfg.ClockHz,
		edges:   make(chan struct{}, 1),
	}, nil
}

func (g *GPIOSource) CaptureValue() uint32   { return g.latch.load().Raw }
func (g *GPIOSource) ClockHz() uint32        { return g.clockHz }
func (g *GPIOSource) Edges() <-chan struct{} { return g.edges }

// NowMicros returns the clock reading taken with the latest capture, so the
// timestamp belongs to the edge rather than to the moment it is processed.
// Without a capture it reads the clock.
func (g *GPIOSource) NowMicros() uint32 {
	return g.Latched().NowUS
}

// Latched returns the latest capture with its edge time.
func (g *GPIOSource) Latched() zerocross.Capture {
	c := g.latch.load()
	if c.Raw == 0 {
		c.NowUS = g.clock.Micros()
	}
	c.ClockHz = g.clockHz
	return c
}

func (g *GPIOSource) Reset() {
	g.latch.clear()
}

// Start arms edge detection and begins latching captures.
func (g *GPIOSource) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stop != nil {
		return nil
	}
	if err := g.pin.In(g.pull, g.edge); err != nil {
		return fmt.Errorf("%s capture: configure %s: %w", g.name, g.pin, err)
	}
	g.stop = make(chan struct{})
	g.done = make(chan struct{})
	go g.run(g.stop, g.done)
	slog.Info("capture: gpio armed", "phase", g.name, "pin", g.pin.String(), "pull", g.pull.String(), "edge", g.edge.String())
	return nil
}

func (g *GPIOSource) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if g.pin.WaitForEdge(edgePoll) {
			g.record()
		}
	}
}

func (g *GPIOSource) record() {
	ticks, us := g.clock.Sample(g.clockHz)
	g.latch.store(zerocross.Capture{Raw: nonZero(ticks), ClockHz: g.clockHz, NowUS: us})
	signal(g.edges)
}

// Stop disarms edge detection and waits for the edge loop to exit.
func (g *GPIOSource) Stop() {
	g.mu.Lock()
	stop, done := g.stop, g.done
	g.stop, g.done = nil, nil
	g.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	if err := g.pin.In(g.pull, gpio.NoEdge); err != nil {
		slog.Warn("capture: gpio disarm failed", "phase", g.name, "err", err)
	}
}
