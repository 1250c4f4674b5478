// Package logging provides structured logging for the conductor daemon.
//
// It wraps Go's log/slog with a JSON handler so the coordinator, the process
// supervisor and the API server all emit filterable records into a single
// conductor.log under the data directory (or stderr when no directory is
// configured).
//
// Child loggers carry context attributes:
//
//	logger := logging.NopLogger()
//	sessLog := logger.WithTask(task.ID).WithSession(sess.ID).WithPhase(string(sess.Phase))
//	sessLog.Info("session launched", "pid", pid)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"session launched","task_id":"...","session_id":"...","phase":"planner","pid":4242}
//
// Long-running daemons should use [NewLoggerWithRotation] so conductor.log is
// rotated by size into conductor.log.1 ... conductor.log.N.
//
// All types in this package are safe for concurrent use.
package logging
