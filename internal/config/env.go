package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays REVQ_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("REVQ_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("REVQ_QUEUE_NAME"); v != "" {
		cfg.QueueName = v
	}
	if v := os.Getenv("REVQ_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("REVQ_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REVQ_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("REVQ_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxRetries = n
		}
	}
	if v := os.Getenv("REVQ_RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.RetryBaseDelay = Duration(d)
		}
	}
	if v := os.Getenv("REVQ_RETRY_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.RetryMaxDelay = Duration(d)
		}
	}
	if v := os.Getenv("REVQ_LEASE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.LeaseTimeout = Duration(d)
		}
	}
	if v := os.Getenv("REVQ_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.PollInterval = Duration(d)
		}
	}
	if v := os.Getenv("REVQ_ANALYSIS_ENDPOINT"); v != "" {
		cfg.Analysis.Endpoint = v
	}
	if v := os.Getenv("REVQ_ANALYSIS_API_KEY"); v != "" {
		cfg.Analysis.APIKey = v
	}
	// the original system's variable name, honored for compatibility
	if v := os.Getenv("DEEPSEEK_API_KEY"); v != "" && cfg.Analysis.APIKey == "" {
		cfg.Analysis.APIKey = v
	}
	if v := os.Getenv("REVQ_ANALYSIS_MODEL"); v != "" {
		cfg.Analysis.Model = v
	}
	if v := os.Getenv("REVQ_ANALYSIS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Analysis.Timeout = Duration(d)
		}
	}
}
