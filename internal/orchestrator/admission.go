package orchestrator

import (
	"time"

	"github.com/Iron-Ham/conductor/internal/model"
)

// activeCount is the number of sessions holding an admission slot.
func (o *Orchestrator) activeCount() int {
	n := 0
	for _, s := range o.sessions {
		if s.Status.IsActive() {
			n++
		}
	}
	return n
}

func (o *Orchestrator) canAdmit() bool {
	return o.activeCount() < o.settings.MaxConcurrentSessions
}

// nextQueued returns the index of the oldest queued session, or -1. Ties on
// CreatedAt keep slice order.
func (o *Orchestrator) nextQueued() int {
	best := -1
	for i := range o.sessions {
		if o.sessions[i].Status != model.StatusQueued {
			continue
		}
		if best < 0 || o.sessions[i].CreatedAt.Before(o.sessions[best].CreatedAt) {
			best = i
		}
	}
	return best
}

// promote launches queued sessions, oldest first, while slots are free. A
// session that fails to launch frees its slot again, so promotion carries on
// with the next one. It returns the launch errors keyed by session id.
func (o *Orchestrator) promote() map[string]error {
	if o.closing {
		return nil
	}
	var errs map[string]error
	for o.canAdmit() {
		i := o.nextQueued()
		if i < 0 {
			break
		}
		if err := o.launch(i); err != nil {
			if errs == nil {
				errs = make(map[string]error)
			}
			errs[o.sessions[i].ID] = err
		}
	}
	return errs
}

// sweep marks active sessions blocked once they have been silent for the
// blocked timeout. Only sessions whose process is still alive qualify.
// Blocked sessions release their slot, so queued sessions are promoted.
// A blocked agent keeps running, so live processes can then exceed
// MaxConcurrentSessions until the blocked ones exit or are stopped.
func (o *Orchestrator) sweep() {
	timeout := time.Duration(o.settings.BlockedTimeoutMinutes) * time.Minute
	now := o.now()

	blocked := 0
	for i := range o.sessions {
		s := &o.sessions[i]
		if !s.Status.IsActive() || s.LastActivityAt == nil {
			continue
		}
		if now.Sub(*s.LastActivityAt) < timeout || !o.sup.IsAlive(s.ID) {
			continue
		}
		o.setStatus(i, model.StatusBlocked)
		o.logger.WithSession(s.ID).Warn("session blocked",
			"silent_for", now.Sub(*s.LastActivityAt).String(),
		)
		blocked++
	}

	if blocked > 0 {
		o.promote()
	}
}

// reconcile fails sessions that were live when the previous process ended;
// nothing supervises them any more. Queued sessions are then promoted.
func (o *Orchestrator) reconcile() {
	orphaned := 0
	for i := range o.sessions {
		if o.sessions[i].Status.HasProcess() {
			o.finish(i, model.StatusFailed, nil)
			orphaned++
		}
	}
	if orphaned > 0 {
		o.logger.Warn("failed sessions left over from a previous run", "count", orphaned)
	}
	o.promote()
}
