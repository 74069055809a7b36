// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/phase_monitor/internal/zerocross"
)

// An external input-capture MCU reports every latched edge as
//
//	$ZCCAP,<phase>,<capture>,<clock_hz>,<now_us>*hh
//
// and accepts $ZCRST,<phase> (re-arm) and $ZCRUN,<phase>,<0|1>.
const (
	TypeCAP       = "CAP"
	talkerCapture = "ZC"
)

// CAP is one capture report.
type CAP struct {
	nmea.BaseSentence
	Phase   string
	Capture uint32
	ClockHz uint32
	NowUS   uint32
}

func parseCAP(s nmea.BaseSentence) (nmea.Sentence, error) {
	p := nmea.NewParser(s)
	c := CAP{
		BaseSentence: s,
		Phase:        p.String(0, "phase"),
	}
	capture := p.Int64(1, "capture")
	clock := p.Int64(2, "clock hz")
	now := p.Int64(3, "now us")
	if err := p.Err(); err != nil {
		return c, err
	}
	for _, f := range []struct {
		name string
		v    int64
	}{{"capture", capture}, {"clock hz", clock}, {"now us", now}} {
		if f.v < 0 || f.v > math.MaxUint32 {
			return c, fmt.Errorf("nmea: %s %s out of range: %d", s.Prefix(), f.name, f.v)
		}
	}
	c.Capture, c.ClockHz, c.NowUS = uint32(capture), uint32(clock), uint32(now)
	return c, nil
}

var registerCAP = sync.OnceValue(func() error {
	return nmea.RegisterParser(TypeCAP, parseCAP)
})

// ParseCAP parses one $ZCCAP line.
func ParseCAP(line string) (CAP, error) {
	if err := registerCAP(); err != nil {
		return CAP{}, err
	}
	s, err := nmea.Parse(strings.TrimSpace(line))
	if err != nil {
		return CAP{}, err
	}
	c, ok := s.(CAP)
	if !ok {
		return CAP{}, fmt.Errorf("nmea: unexpected sentence %s", s.Prefix())
	}
	return c, nil
}

// command frames an outgoing sentence with its checksum.
func command(typ string, fields ...string) string {
	body := talkerCapture + typ
	if len(fields) > 0 {
		body += "," + strings.Join(fields, ",")
	}
	return fmt.Sprintf("$%s*%s\r\n", body, nmea.Checksum(body))
}

// SerialConfig opens the link to the capture MCU.
type SerialConfig struct {
	Port     string
	BaudRate uint
}

// SerialHub demultiplexes capture reports of several phases arriving on one
// serial line.
type SerialHub struct {
	rw     io.ReadWriteCloser
	phases map[string]*SerialPhase

	wmu sync.Mutex
}

// OpenSerial opens the serial port and returns a hub for the given phases.
func OpenSerial(cfg SerialConfig, phases ...string) (*SerialHub, error) {
	opts := serial.OpenOptions{
		PortName:              cfg.Port,
		BaudRate:              cfg.BaudRate,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}
	port, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("capture serial: open %s: %w", cfg.Port, err)
	}
	slog.Info("capture: serial port opened", "port", cfg.Port, "baud", cfg.BaudRate)
	return NewSerialHub(port, phases...), nil
}

func NewSerialHub(rw io.ReadWriteCloser, phases ...string) *SerialHub {
	h := &SerialHub{rw: rw, phases: make(map[string]*SerialPhase, len(phases))}
	for _, name := range phases {
		h.phases[name] = &SerialPhase{hub: h, name: name, edges: make(chan struct{}, 1)}
	}
	return h
}

// Phase returns the source for a phase passed to NewSerialHub, or nil.
func (h *SerialHub) Phase(name string) *SerialPhase {
	return h.phases[name]
}

// Run reads reports until ctx is done or the line fails. Malformed lines are
// skipped.
func (h *SerialHub) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = h.rw.Close() })
	defer stop()

	scanner := bufio.NewScanner(h.rw)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "$"+talkerCapture) {
			continue
		}
		c, err := ParseCAP(line)
		if err != nil {
			slog.Debug("capture: serial sentence skipped", "line", line, "err", err)
			continue
		}
		ph := h.phases[c.Phase]
		if ph == nil {
			continue
		}
		ph.store(c)
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("capture serial: read: %w", err)
	}
	return io.ErrUnexpectedEOF
}

func (h *SerialHub) send(line string) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	_, err := io.WriteString(h.rw, line)
	return err
}

func (h *SerialHub) Close() error {
	err := h.rw.Close()
	if errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

// SerialPhase is the capture source of one phase on a SerialHub.
type SerialPhase struct {
	hub  *SerialHub
	name string

	latch latch
	edges chan struct{}
}

func (p *SerialPhase) store(c CAP) {
	p.latch.store(zerocross.Capture{Raw: c.Capture, ClockHz: c.ClockHz, NowUS: c.NowUS})
	signal(p.edges)
}

func (p *SerialPhase) Latched() zerocross.Capture { return p.latch.load() }
func (p *SerialPhase) CaptureValue() uint32       { return p.latch.load().Raw }
func (p *SerialPhase) ClockHz() uint32            { return p.latch.load().ClockHz }
func (p *SerialPhase) NowMicros() uint32          { return p.latch.load().NowUS }
func (p *SerialPhase) Edges() <-chan struct{}     { return p.edges }

// Reset clears the latch and asks the MCU to re-arm the channel.
func (p *SerialPhase) Reset() {
	p.latch.clear()
	if err := p.hub.send(command("RST", p.name)); err != nil {
		slog.Warn("capture: serial re-arm failed", "phase", p.name, "err", err)
	}
}

func (p *SerialPhase) Start() error {
	if err := p.hub.send(command("RUN", p.name, "1")); err != nil {
		return fmt.Errorf("%s capture: start: %w", p.name, err)
	}
	return nil
}

func (p *SerialPhase) Stop() {
	if err := p.hub.send(command("RUN", p.name, "0")); err != nil {
		slog.Warn("capture: serial stop failed", "phase", p.name, "err", err)
	}
}
