package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LoggingConfig    `yaml:"log"`
	REST       RESTConfig       `yaml:"rest"`
	WS         WSConfig         `yaml:"ws"`
	State      StateConfig      `yaml:"state"`
	TimeSync   TimeSyncConfig   `yaml:"timesync"`
	Engine     EngineConfig     `yaml:"engine"`
	Journal    JournalConfig    `yaml:"journal"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Strategies []StrategyConfig `yaml:"strategies"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type TimeSyncConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MaxLatency time.Duration `yaml:"max_latency"`
}

type EngineConfig struct {
	GraceDelay  time.Duration `yaml:"grace_delay"`
	SettleDelay time.Duration `yaml:"settle_delay"`
}

type JournalConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

// StrategyConfig describes one strategy instance started at boot. The same
// shape is accepted by the registry at runtime.
type StrategyConfig struct {
	UserID            string        `yaml:"user_id"`
	Symbol            string        `yaml:"symbol"`
	Mode              string        `yaml:"mode"`
	Side              string        `yaml:"side"`
	Leverage          int           `yaml:"leverage"`
	MarginUSD         float64       `yaml:"margin_usd"`
	ExecutionDelaySec int           `yaml:"execution_delay_sec"`
	TimingOffset      time.Duration `yaml:"timing_offset"`
	TakeProfitPercent float64       `yaml:"take_profit_percent"`
	StopLossPercent   float64       `yaml:"stop_loss_percent"`
	AutoRepeat        bool          `yaml:"auto_repeat"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 20 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/funding-bot.db"
	}
	if cfg.TimeSync.Interval == 0 {
		cfg.TimeSync.Interval = 5 * time.Minute
	}
	if cfg.TimeSync.MaxLatency == 0 {
		cfg.TimeSync.MaxLatency = 750 * time.Millisecond
	}
	if cfg.Engine.GraceDelay == 0 {
		cfg.Engine.GraceDelay = 2 * time.Second
	}
	if cfg.Engine.SettleDelay == 0 {
		cfg.Engine.SettleDelay = 2 * time.Second
	}
	if cfg.Journal.Schema == "" {
		cfg.Journal.Schema = "public"
	}
	if cfg.Journal.QueueSize == 0 {
		cfg.Journal.QueueSize = 256
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
}

func validate(cfg *Config) error {
	if cfg.REST.BaseURL == "" {
		return errors.New("rest.base_url is required")
	}
	if cfg.WS.URL == "" {
		return errors.New("ws.url is required")
	}
	if cfg.Journal.Enabled && cfg.Journal.DSN == "" {
		return errors.New("journal.dsn is required when journal is enabled")
	}
	for i, strat := range cfg.Strategies {
		if strat.Symbol == "" {
			return fmt.Errorf("strategies[%d].symbol is required", i)
		}
		if strat.MarginUSD <= 0 {
			return fmt.Errorf("strategies[%d].margin_usd must be > 0", i)
		}
		if strat.Leverage <= 0 {
			return fmt.Errorf("strategies[%d].leverage must be > 0", i)
		}
	}
	return nil
}
