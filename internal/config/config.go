package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Config holds all application configuration values. The file uses the
// KEY=VALUE format; every key can be overridden by PHASEMON_<KEY>.
type Config struct {
	// MQTT
	MQTTBroker           string `mapstructure:"mqtt_broker"`
	MQTTClientIDProducer string `mapstructure:"mqtt_client_id_producer"`
	MQTTClientIDMonitor  string `mapstructure:"mqtt_client_id_monitor"`
	MQTTClientIDConsole  string `mapstructure:"mqtt_client_id_console"`
	MQTTClientIDWeb      string `mapstructure:"mqtt_client_id_web"`
	MQTTClientIDDisplay  string `mapstructure:"mqtt_client_id_display"`

	// Topics. Statistics go to <phase topic>/stats.
	TopicPhaseA   string `mapstructure:"topic_phase_a"`
	TopicPhaseB   string `mapstructure:"topic_phase_b"`
	TopicPhaseC   string `mapstructure:"topic_phase_c"`
	TopicSequence string `mapstructure:"topic_sequence"`

	// Capture hardware: "gpio", "serial" or "mock"
	CaptureSource  string `mapstructure:"capture_source"`
	CaptureClockHz uint32 `mapstructure:"capture_clock_hz"`
	// Phase measured by phase_producer: A, B or C
	Phase    string `mapstructure:"phase"`
	GPIOPinA string `mapstructure:"gpio_pin_a"`
	GPIOPinB string `mapstructure:"gpio_pin_b"`
	GPIOPinC string `mapstructure:"gpio_pin_c"`
	GPIOPull string `mapstructure:"gpio_pull"` // up, down, float
	GPIOEdge string `mapstructure:"gpio_edge"` // rising, falling

	SerialPort     string `mapstructure:"serial_port"`
	SerialBaudRate uint   `mapstructure:"serial_baud_rate"`

	// Measurement
	ExpectedFrequency  uint32  `mapstructure:"expected_frequency"`  // 50 or 60 Hz
	FrequencyTolerance float64 `mapstructure:"frequency_tolerance"` // percent
	SequenceTolerance  float64 `mapstructure:"sequence_tolerance"`  // degrees
	JitterWindow       int     `mapstructure:"jitter_window"`       // periods

	// Timing, milliseconds
	AnalyzeInterval int `mapstructure:"analyze_interval"`
	StatsInterval   int `mapstructure:"stats_interval"`
	StaleTimeout    int `mapstructure:"stale_timeout"`

	// Servers
	WebServerPort int `mapstructure:"web_server_port"`
	MetricsPort   int `mapstructure:"metrics_port"`

	// Journal of sequence changes (badger directory)
	JournalPath string `mapstructure:"journal_path"`

	// Telegram alerts
	TelegramEnabled  bool   `mapstructure:"telegram_enabled"`
	TelegramBotToken string `mapstructure:"telegram_bot_token"`
	TelegramChatID   int64  `mapstructure:"telegram_chat_id"`

	// Display
	DisplayI2CBus         string `mapstructure:"display_i2c_bus"`
	DisplayUpdateInterval int    `mapstructure:"display_update_interval"` // milliseconds

	// Mock source
	MockFrequency float64 `mapstructure:"mock_frequency"`
	MockSequence  string  `mapstructure:"mock_sequence"` // abc or acb
	MockJitterUS  float64 `mapstructure:"mock_jitter_us"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

const EnvPrefix = "PHASEMON"

// Package-level singleton: InitGlobal sets it once, Get reads it under a
// read lock.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Load reads the configuration file, applies defaults and environment
// overrides, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("env")

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Phase = strings.ToUpper(strings.TrimSpace(cfg.Phase))
	cfg.CaptureSource = strings.ToLower(strings.TrimSpace(cfg.CaptureSource))
	cfg.MockSequence = strings.ToLower(strings.TrimSpace(cfg.MockSequence))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt_broker", "tcp://localhost:1883")
	v.SetDefault("mqtt_client_id_producer", "phase-producer")
	v.SetDefault("mqtt_client_id_monitor", "phase-sequence-monitor")
	v.SetDefault("mqtt_client_id_console", "phase-console")
	v.SetDefault("mqtt_client_id_web", "phase-web-subscriber")
	v.SetDefault("mqtt_client_id_display", "phase-display")

	v.SetDefault("topic_phase_a", "phase/a")
	v.SetDefault("topic_phase_b", "phase/b")
	v.SetDefault("topic_phase_c", "phase/c")
	v.SetDefault("topic_sequence", "phase/sequence")

	v.SetDefault("capture_source", "gpio")
	v.SetDefault("capture_clock_hz", 1_000_000)
	v.SetDefault("phase", "A")
	v.SetDefault("gpio_pin_a", "GPIO17")
	v.SetDefault("gpio_pin_b", "GPIO27")
	v.SetDefault("gpio_pin_c", "GPIO22")
	v.SetDefault("gpio_pull", "up")
	v.SetDefault("gpio_edge", "falling")
	v.SetDefault("serial_port", "/dev/serial0")
	v.SetDefault("serial_baud_rate", 115200)

	v.SetDefault("expected_frequency", 50)
	v.SetDefault("frequency_tolerance", 5.0)
	v.SetDefault("sequence_tolerance", 10.0)
	v.SetDefault("jitter_window", 50)

	v.SetDefault("analyze_interval", 500)
	v.SetDefault("stats_interval", 5000)
	v.SetDefault("stale_timeout", 200)

	v.SetDefault("web_server_port", 8080)
	v.SetDefault("metrics_port", 9100)

	v.SetDefault("journal_path", "./data/journal")

	v.SetDefault("telegram_enabled", false)
	v.SetDefault("telegram_bot_token", "")
	v.SetDefault("telegram_chat_id", 0)

	v.SetDefault("display_i2c_bus", "")
	v.SetDefault("display_update_interval", 500)

	v.SetDefault("mock_frequency", 50.0)
	v.SetDefault("mock_sequence", "abc")
	v.SetDefault("mock_jitter_us", 0.0)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	switch c.CaptureSource {
	case "gpio", "serial", "mock":
	default:
		return fmt.Errorf("CAPTURE_SOURCE must be gpio, serial or mock, got %q", c.CaptureSource)
	}
	switch c.Phase {
	case "A", "B", "C":
	default:
		return fmt.Errorf("PHASE must be A, B or C, got %q", c.Phase)
	}
	if c.CaptureClockHz == 0 {
		return fmt.Errorf("CAPTURE_CLOCK_HZ must be positive")
	}
	if c.CaptureSource == "serial" && (c.SerialPort == "" || c.SerialBaudRate == 0) {
		return fmt.Errorf("SERIAL_PORT and SERIAL_BAUD_RATE are required for serial capture")
	}
	if c.ExpectedFrequency != 50 && c.ExpectedFrequency != 60 {
		return fmt.Errorf("EXPECTED_FREQUENCY must be 50 or 60, got %d", c.ExpectedFrequency)
	}
	if c.FrequencyTolerance <= 0 || c.FrequencyTolerance > 50 {
		return fmt.Errorf("FREQUENCY_TOLERANCE must be in (0, 50], got %g", c.FrequencyTolerance)
	}
	if c.SequenceTolerance <= 0 || c.SequenceTolerance > 30 {
		return fmt.Errorf("SEQUENCE_TOLERANCE must be in (0, 30], got %g", c.SequenceTolerance)
	}
	if c.AnalyzeInterval <= 0 || c.StatsInterval <= 0 || c.DisplayUpdateInterval <= 0 {
		return fmt.Errorf("ANALYZE_INTERVAL, STATS_INTERVAL and DISPLAY_UPDATE_INTERVAL must be positive")
	}
	if c.JitterWindow < 2 {
		return fmt.Errorf("JITTER_WINDOW must be at least 2")
	}
	if c.TelegramEnabled && (c.TelegramBotToken == "" || c.TelegramChatID == 0) {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID are required when TELEGRAM_ENABLED")
	}
	if c.MockSequence != "abc" && c.MockSequence != "acb" {
		return fmt.Errorf("MOCK_SEQUENCE must be abc or acb, got %q", c.MockSequence)
	}
	if c.MockFrequency <= 0 {
		return fmt.Errorf("MOCK_FREQUENCY must be positive")
	}
	return nil
}

// PhaseTopic returns the measurement topic of phase "A", "B" or "C".
func (c *Config) PhaseTopic(phase string) string {
	switch phase {
	case "A":
		return c.TopicPhaseA
	case "B":
		return c.TopicPhaseB
	case "C":
		return c.TopicPhaseC
	}
	return ""
}

// PhasePin returns the GPIO pin of phase "A", "B" or "C".
func (c *Config) PhasePin(phase string) string {
	switch phase {
	case "A":
		return c.GPIOPinA
	case "B":
		return c.GPIOPinB
	case "C":
		return c.GPIOPinC
	}
	return ""
}

// InitGlobal loads the global configuration. Only the first call does any
// work; later calls return nil.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration, or nil before InitGlobal.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
