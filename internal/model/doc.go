// Package model defines the records conductor keeps about its work: the
// workspaces (repositories) it manages, the tasks bound to them, the sessions
// that execute those tasks, and the process-wide settings read on every
// session start.
//
// The types are plain data. All mutation happens in the orchestrator, which
// owns the in-memory collections and persists them as snapshots. The status
// and phase enums carry the small amount of behavior every caller needs
// (IsTerminal, IsActive, InitialStatus) so the rules live in one place.
package model
