package app

import (
	"context"
	"fmt"
	"time"

	"github.com/relabs-tech/phase_monitor/internal/capture"
	"github.com/relabs-tech/phase_monitor/internal/config"
	"github.com/relabs-tech/phase_monitor/internal/threephase"
)

// sourceSet is the capture hardware of one service, one source per
// requested phase, sharing a time base.
type sourceSet struct {
	phases  []threephase.Phase
	sources []capture.EdgeSource
	// nowUS reads the time base the sources stamp their edges with.
	nowUS func() uint32
	// run drives background readers such as the serial hub. May be nil.
	run   func(ctx context.Context) error
	close func() error
}

func (s *sourceSet) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// mockOffset places the synthetic phases for the configured rotation.
func mockOffset(seq string, p threephase.Phase) float64 {
	switch {
	case p == threephase.PhaseA:
		return 0
	case (p == threephase.PhaseB) == (seq == "abc"):
		return 120
	default:
		return 240
	}
}

func openSources(cfg *config.Config, phases ...threephase.Phase) (*sourceSet, error) {
	set := &sourceSet{phases: phases}

	switch cfg.CaptureSource {
	case "mock":
		seed := uint64(time.Now().UnixNano())
		for i, p := range phases {
			src, err := capture.NewMockSource(capture.MockConfig{
				Name:        p.String(),
				FrequencyHz: cfg.MockFrequency,
				OffsetDeg:   mockOffset(cfg.MockSequence, p),
				ClockHz:     cfg.CaptureClockHz,
				JitterUS:    cfg.MockJitterUS,
				Seed:        seed + uint64(i),
			})
			if err != nil {
				return nil, err
			}
			set.sources = append(set.sources, src)
		}

	case "gpio":
		clock := capture.NewClock()
		set.nowUS = clock.Micros
		for _, p := range phases {
			src, err := capture.NewGPIOSource(capture.GPIOConfig{
				Name:    p.String(),
				Pin:     cfg.PhasePin(p.String()),
				Pull:    cfg.GPIOPull,
				Edge:    cfg.GPIOEdge,
				ClockHz: cfg.CaptureClockHz,
			}, clock)
			if err != nil {
				return nil, err
			}
			set.sources = append(set.sources, src)
		}

	case "serial":
		names := make([]string, len(phases))
		for i, p := range phases {
			names[i] = p.String()
		}
		hub, err := capture.OpenSerial(capture.SerialConfig{
			Port:     cfg.SerialPort,
			BaudRate: cfg.SerialBaudRate,
		}, names...)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			set.sources = append(set.sources, hub.Phase(n))
		}
		set.run = hub.Run
		set.close = hub.Close

	default:
		return nil, fmt.Errorf("unknown capture source %q", cfg.CaptureSource)
	}
	if set.nowUS == nil {
		set.nowUS = func() uint32 { return newestMicros(set.sources) }
	}
	return set, nil
}

// newestMicros is the latest edge time among sources that share a time base
// they only advance on edges, such as the capture MCU or simulated time.
func newestMicros[S interface{ NowMicros() uint32 }](sources []S) uint32 {
	var newest uint32
	for i, s := range sources {
		t := s.NowMicros()
		if i == 0 || int32(t-newest) > 0 {
			newest = t
		}
	}
	return newest
}
