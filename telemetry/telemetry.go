// Package telemetry defines the logging and metrics contracts the run
// pipeline consumes, keeping core packages decoupled from the concrete
// backends (clue/log and OTEL metrics).
package telemetry

import "context"

type (
	// Logger emits structured log entries with alternating key/value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records orchestration counters (charges, refunds, resume
	// attempts, polling transitions). Tags alternate key/value.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
	}

	nopLogger  struct{}
	nopMetrics struct{}
)

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return nopLogger{} }

// NopMetrics returns a Metrics recorder that discards everything.
func NopMetrics() Metrics { return nopMetrics{} }

func (nopLogger) Debug(context.Context, string, ...any) {}
func (nopLogger) Info(context.Context, string, ...any)  {}
func (nopLogger) Warn(context.Context, string, ...any)  {}
func (nopLogger) Error(context.Context, string, ...any) {}

func (nopMetrics) IncCounter(string, float64, ...string) {}
