package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/phase_monitor/internal/app"
	"github.com/relabs-tech/phase_monitor/internal/config"
	"github.com/relabs-tech/phase_monitor/internal/logger"
)

func main() {
	configPath := flag.String("config", "./phase_config.txt", "path to configuration file")
	flag.Parse()

	log.Println("starting phase-monitor OLED display (MQTT subscriber)")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()
	logger.Init(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunDisplay(ctx); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
