// Package event provides the pub-sub bus conductor uses to tell observers
// (the WebSocket hub, metrics, the logger) that records changed, without
// those observers being known to the orchestrator.
//
// # Event Categories
//
//   - [SessionChangedEvent]: a session was created, changed status, or removed
//   - [SessionActivityEvent]: an active session produced output
//   - [TaskChangedEvent], [WorkspaceChangedEvent]: records created, updated or deleted
//   - [SettingsChangedEvent]: settings were replaced
//   - [ErrorEvent]: a background failure (persistence, queued launch)
//
// # Thread Safety
//
// [Bus] is safe for concurrent use. Handlers run synchronously on the
// publishing goroutine, which for orchestrator events is the coordinator
// loop: a handler must return quickly and must not call blocking
// orchestrator methods.
//
// # Usage
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeSessionChanged, func(e event.Event) {
//	    changed := e.(event.SessionChangedEvent)
//	    fmt.Println(changed.Session.ID, changed.Session.Status)
//	})
//	bus.SubscribeAll(func(e event.Event) { hub.Broadcast(e) })
package event
