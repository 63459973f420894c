// Package log provides structured logging for reviewq components.
//
// Loggers carry a minimum level, a set of base fields, a formatter
// (JSON or text), and one or more outputs. Components receive a Logger
// and tag it with WithComponent; call sites attach fields with F and
// Err:
//
//	logger.Info("leased review", log.F("review_id", id), log.F("worker", w))
package log
