// Package config provides loading and environment overlay for reviewq
// runtime configuration. It exposes a Default() baseline, JSON file
// loading, and a REVQ_* environment overlay.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/reviewq.json"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
package config
