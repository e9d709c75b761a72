package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/bulk-analysis/internal/controller"
	"github.com/ChuLiYu/bulk-analysis/internal/server"
)

// Config represents the complete configuration file.
// Maps config file fields through YAML tags; validated with validator tags.
type Config struct {
	Job struct {
		BatchSize             int           `yaml:"batch_size" validate:"gte=1"`
		PacingDelay           time.Duration `yaml:"pacing_delay" validate:"gte=0"`
		PollInterval          time.Duration `yaml:"poll_interval" validate:"gt=0"`
		SessionTimeout        time.Duration `yaml:"session_timeout" validate:"gt=0"`
		ViewIDs               []string      `yaml:"view_ids" validate:"dive,required"`
		CancelRemoteOnTimeout bool          `yaml:"cancel_remote_on_timeout"`
	} `yaml:"job"`

	Analyzer struct {
		BaseURL              string        `yaml:"base_url" validate:"omitempty,url"`
		APIKey               string        `yaml:"api_key"`
		RateLimit            int           `yaml:"rate_limit" validate:"gte=0"`
		Timeout              time.Duration `yaml:"timeout" validate:"gte=0"`
		Simulate             bool          `yaml:"simulate"`
		SimulatedMaxLatency  time.Duration `yaml:"simulated_max_latency" validate:"gte=0"`
		SimulatedFailureRate int           `yaml:"simulated_failure_rate" validate:"gte=0,lte=100"`
	} `yaml:"analyzer"`

	Session struct {
		Address string `yaml:"address" validate:"required,hostname_port"`
	} `yaml:"session"`

	Server struct {
		Port        int           `yaml:"port" validate:"gte=1,lte=65535"`
		MaxSessions int           `yaml:"max_sessions" validate:"gte=0"`
		Retention   time.Duration `yaml:"retention" validate:"gte=0"`
	} `yaml:"server"`

	Storage struct {
		HistoryDB  string `yaml:"history_db"`
		ResultFile string `yaml:"result_file"`
	} `yaml:"storage"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port" validate:"required_if=Enabled true,gte=0,lte=65535"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" validate:"oneof=text json"`
	} `yaml:"log"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	var cfg Config
	def := controller.DefaultConfig()

	cfg.Job.BatchSize = def.BatchSize
	cfg.Job.PacingDelay = def.PacingDelay
	cfg.Job.PollInterval = def.PollInterval
	cfg.Job.SessionTimeout = def.SessionTimeout

	cfg.Analyzer.RateLimit = 10
	cfg.Analyzer.Timeout = 30 * time.Second
	cfg.Analyzer.SimulatedMaxLatency = 200 * time.Millisecond

	cfg.Session.Address = "localhost:50051"

	cfg.Server.Port = 50051
	cfg.Server.Retention = server.DefaultRetention

	cfg.Storage.HistoryDB = "data/history.db"
	cfg.Storage.ResultFile = "data/last_result.json"

	cfg.Metrics.Port = 9090

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// CoordinatorConfig converts the job section.
func (c *Config) CoordinatorConfig() controller.Config {
	return controller.Config{
		BatchSize:             c.Job.BatchSize,
		PacingDelay:           c.Job.PacingDelay,
		PollInterval:          c.Job.PollInterval,
		SessionTimeout:        c.Job.SessionTimeout,
		ViewIDs:               c.Job.ViewIDs,
		CancelRemoteOnTimeout: c.Job.CancelRemoteOnTimeout,
	}
}

// loadConfig reads path over the defaults. A missing file yields the
// defaults.
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the slog handler described by the log section.
func newLogger(c *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
