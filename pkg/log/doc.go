/*
Package log provides structured logging for radgate using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

# Usage

Initializing the logger (once, in main):

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("store service started")
	log.Error("failed to bind syslog socket")

Structured logging with component context:

	reconLog := log.WithComponent("reconciler")
	reconLog.Info().
		Str("user", "u1").
		Str("fg", "10.3.1.101").
		Int("policy_id", 7).
		Msg("policy created")

# Integration Points

Every service command initializes the global logger before wiring its
components; packages take child loggers via WithComponent so that signal
processing, gateway calls, RADIUS packets, ingestion and report runs are all
attributable in aggregated logs.
*/
package log
