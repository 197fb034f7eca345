package prefs

import (
	"context"
	"fmt"

	"github.com/timzifer/signalboard/config"
)

// Open builds the storage backend selected by cfg. The returned func releases
// backend resources.
func Open(ctx context.Context, cfg *config.Config) (Storage, func(), error) {
	noop := func() {}
	switch backend := cfg.PreferencesBackend(); backend {
	case "memory":
		return NewMemoryStore(), noop, nil
	case "file":
		store, err := NewFileStore(cfg.Preferences.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil
	case "postgres":
		store, err := NewPostgresStore(ctx, cfg.Preferences.DSN, cfg.PreferencesTable())
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown preference backend %q", backend)
	}
}
