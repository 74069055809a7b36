// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package capture provides the timer capture sources that feed zero-crossing
// estimators: GPIO edges on the host, an external capture MCU on a serial
// line, and a synthetic AC source.
package capture

import (
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/phase_monitor/internal/zerocross"
)

// Source latches a free-running 32-bit counter at each zero-crossing edge.
// It satisfies zerocross.Source.
type Source interface {
	// CaptureValue returns the counter latched at the latest edge, or 0 when
	// nothing has been captured since the last Reset.
	CaptureValue() uint32
	ClockHz() uint32
	NowMicros() uint32
	Reset()
	Start() error
	Stop()
}

// EdgeSource signals each completed capture on Edges. Signals are dropped
// when the receiver lags, so a reader always sees the newest latched value.
type EdgeSource interface {
	Source
	Edges() <-chan struct{}
}

// Clock is a monotonic time base shared by the sources of one monitor, so
// that timestamps of different phases are comparable.
type Clock struct {
	start time.Time
	now   func() time.Time
}

func NewClock() *Clock {
	return &Clock{start: time.Now(), now: time.Now}
}

func (c *Clock) elapsed() time.Duration {
	d := c.now().Sub(c.start)
	if d < 0 {
		return 0
	}
	return d
}

// Micros returns the µs since the clock was created, wrapping at 2^32
// (about 71.6 minutes).
func (c *Clock) Micros() uint32 {
	return uint32(c.elapsed().Microseconds())
}

// Ticks returns a virtual counter running at clockHz, wrapping at 2^32.
func (c *Clock) Ticks(clockHz uint32) uint32 {
	return ticksAt(c.elapsed(), clockHz)
}

// Sample reads the counter and the µs clock from a single reading.
func (c *Clock) Sample(clockHz uint32) (ticks, us uint32) {
	d := c.elapsed()
	return ticksAt(d, clockHz), uint32(d.Microseconds())
}

func ticksAt(d time.Duration, clockHz uint32) uint32 {
	hi, lo := bits.Mul64(uint64(d), uint64(clockHz))
	q, _ := bits.Div64(hi, lo, uint64(time.Second))
	return uint32(q)
}

// latch publishes a capture and its time as one value.
type latch struct {
	p atomic.Pointer[zerocross.Capture]
}

func (l *latch) store(c zerocross.Capture) {
	l.p.Store(&c)
}

func (l *latch) load() zerocross.Capture {
	if c := l.p.Load(); c != nil {
		return *c
	}
	return zerocross.Capture{}
}

// clear drops the counter value but keeps the rate and time. A capture
// stored concurrently wins.
func (l *latch) clear() {
	c := l.p.Load()
	if c == nil || c.Raw == 0 {
		return
	}
	l.p.CompareAndSwap(c, &zerocross.Capture{ClockHz: c.ClockHz, NowUS: c.NowUS})
}

// nonZero keeps a latched counter distinguishable from "no capture".
func nonZero(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	return v
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
