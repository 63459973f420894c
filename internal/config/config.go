package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir   string   `json:"dataDir"`
	QueueName string   `json:"queueName"`
	HTTPAddr  string   `json:"httpAddr"`
	LogLevel  string   `json:"logLevel"`
	Workers   int      `json:"workers"`
	Queue     Queue    `json:"queue"`
	Analysis  Analysis `json:"analysis"`
}

// Queue captures retry and delivery tuning.
type Queue struct {
	MaxRetries     int      `json:"maxRetries"`
	RetryBaseDelay Duration `json:"retryBaseDelay"`
	RetryMaxDelay  Duration `json:"retryMaxDelay"`
	LeaseTimeout   Duration `json:"leaseTimeout"`
	PollInterval   Duration `json:"pollInterval"`
}

// Analysis configures the chat-completions analyzer.
type Analysis struct {
	Endpoint string   `json:"endpoint"`
	APIKey   string   `json:"apiKey"`
	Model    string   `json:"model"`
	Timeout  Duration `json:"timeout"`
}

// Duration is a time.Duration that (un)marshals as a Go duration string.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DataDir:   DefaultDataDir(),
		QueueName: "reviews",
		HTTPAddr:  ":8080",
		LogLevel:  "info",
		Workers:   4,
		Queue: Queue{
			MaxRetries:     3,
			RetryBaseDelay: Duration(5 * time.Second),
			RetryMaxDelay:  Duration(time.Hour),
			LeaseTimeout:   Duration(5 * time.Minute),
			PollInterval:   Duration(time.Second),
		},
		Analysis: Analysis{
			Endpoint: "https://api.deepseek.com/v1",
			Model:    "deepseek-chat",
			Timeout:  Duration(60 * time.Second),
		},
	}
}

// Load reads configuration from a JSON file over the defaults. If path is
// empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
