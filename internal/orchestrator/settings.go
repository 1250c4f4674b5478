package orchestrator

import (
	"context"

	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/model"
)

// Settings returns the current settings.
func (o *Orchestrator) Settings(ctx context.Context) (model.Settings, error) {
	var out model.Settings
	err := o.call(ctx, func() error {
		out = o.settings
		return nil
	})
	return out, err
}

// UpdateSettings validates and replaces the settings. Raising the session
// limit promotes queued sessions at once. Running sessions keep the command
// and prompt they were launched with.
func (o *Orchestrator) UpdateSettings(ctx context.Context, s model.Settings) (model.Settings, error) {
	if err := s.Validate(); err != nil {
		return model.Settings{}, err
	}

	err := o.call(ctx, func() error {
		o.settings = s
		o.dirty.settings = true
		o.bus.Publish(event.NewSettingsChangedEvent(s))
		o.logger.Info("settings updated", "max_concurrent_sessions", s.MaxConcurrentSessions)
		o.promote()
		return nil
	})
	if err != nil {
		return model.Settings{}, err
	}
	return s, nil
}
