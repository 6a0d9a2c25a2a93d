/*
Package log provides structured logging for Holon using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all Holon packages

Context Loggers:
  - WithComponent: tag logs with a subsystem name ("crdt", "cache",
    "dispatcher", "sync", "oplog")
  - WithBlockID: tag logs with the block a mutation touched
  - WithEntity: tag logs with the entity scope of an operation
  - WithOperation: tag logs with the operation name being dispatched
  - WithProvider: tag logs with the external provider a sync command
    targets

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	crdtLog := log.WithComponent("crdt")
	crdtLog.Debug().Str("block_id", id).Msg("applying remote delta")

	syncLog := log.WithComponent("sync").With().Str("provider", "todoist").Logger()
	syncLog.Error().Err(err).Msg("command failed, entity halted")

# Log Output Example

	{"level":"info","component":"dispatcher","operation":"move_block","time":"2026-01-05T10:30:00Z","message":"dispatched"}
	{"level":"error","component":"sync","provider":"todoist","time":"2026-01-05T10:30:01Z","message":"command rejected"}
*/
package log
