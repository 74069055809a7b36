package app

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/phase_monitor/internal/config"
	"github.com/relabs-tech/phase_monitor/internal/report"
)

const (
	oledWidth  = 128
	oledHeight = 64
	lineHeight = 13
)

// displayLines is the text shown for rep, one entry per row. A nil report
// shows the waiting screen.
func displayLines(rep *report.Sequence) []string {
	if rep == nil {
		return []string{"", "Phase Monitor", "Waiting..."}
	}
	status := "OK"
	switch {
	case len(rep.Lost) > 0:
		status = "LOST " + strings.Join(rep.Lost, ",")
	case rep.Swap != "" && rep.Swap != "none":
		status = "SWAP " + rep.Swap
	case !rep.Correct:
		status = "CHECK"
	}
	lines := []string{
		fmt.Sprintf("%-7s %s", rep.Sequence, status),
		fmt.Sprintf("AB%3.0f BC%3.0f CA%3.0f", rep.AngleAB, rep.AngleBC, rep.AngleCA),
		fmt.Sprintf("f %d/%d/%d Hz", rep.FrequencyA, rep.FrequencyB, rep.FrequencyC),
	}
	if rep.Imbalance >= 0 {
		lines = append(lines, fmt.Sprintf("imb %.1f%%", rep.Imbalance))
	}
	return lines
}

func renderLines(lines []string) *image1bit.VerticalLSB {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, oledWidth, oledHeight))
	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	for i, line := range lines {
		drawer.Dot = fixed.P(0, lineHeight*(i+1))
		drawer.DrawString(line)
	}
	return img
}

// openDisplay initializes the panel at its fixed address 0x3C and shows the
// waiting screen.
func openDisplay(bus i2c.Bus) (*ssd1306.Dev, error) {
	dev, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize display: %w", err)
	}
	if err := dev.Draw(dev.Bounds(), renderLines(displayLines(nil)), image.Point{}); err != nil {
		slog.Warn("display: splash error", "err", err)
	}
	return dev, nil
}

// RunDisplay shows the latest sequence report on an SSD1306 OLED.
func RunDisplay(ctx context.Context) error {
	cfg := config.Get()

	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}
	bus, err := i2creg.Open(cfg.DisplayI2CBus)
	if err != nil {
		return fmt.Errorf("failed to open I2C bus: %w", err)
	}
	defer bus.Close()

	dev, err := openDisplay(bus)
	if err != nil {
		return err
	}
	slog.Info("display: initialized", "bus", bus.String())

	var (
		mu   sync.RWMutex
		last *report.Sequence
	)
	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDDisplay)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)
	if err := subscribeJSON(client, cfg.TopicSequence, func(_ string, rep report.Sequence) {
		mu.Lock()
		last = &rep
		mu.Unlock()
	}); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Duration(cfg.DisplayUpdateInterval) * time.Millisecond)
	defer ticker.Stop()
	slog.Info("display: starting update loop")

	for {
		select {
		case <-ctx.Done():
			_ = dev.Halt()
			return nil
		case <-ticker.C:
			mu.RLock()
			rep := last
			mu.RUnlock()
			if err := dev.Draw(dev.Bounds(), renderLines(displayLines(rep)), image.Point{}); err != nil {
				slog.Warn("display: update error", "err", err)
			}
		}
	}
}
