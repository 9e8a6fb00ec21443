// Package storage persists mirrored events, their change history, OAuth
// credentials, notification preferences, and digest dispatch logs.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"mrse/internal/model"
	"mrse/pkg/logx"
)

var (
	// ErrNotFound signals a missing row where the caller required one.
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
//   - "memory": in-process maps, used by tests and one-shot runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the sync, scheduling, and
// notification services. Implementations must be safe for concurrent use;
// change records are append-only and are never mutated or removed.
type Store interface {
	// Events.
	UpsertEvent(ctx context.Context, ev model.StoredEvent) error
	GetEvent(ctx context.Context, id string) (model.StoredEvent, bool, error)
	// ListFutureEventIDs returns ids owned by owner whose start instant is
	// after the given time. Used by the reconciler's deletion pass.
	ListFutureEventIDs(ctx context.Context, owner string, after time.Time) ([]string, error)
	// UpcomingEvents returns owner's events with from <= start < to,
	// ordered by start ascending.
	UpcomingEvents(ctx context.Context, owner string, from, to time.Time) ([]model.StoredEvent, error)
	Stats(ctx context.Context, owner string, now time.Time) (model.EventStats, error)

	// Change log.
	AppendChange(ctx context.Context, rec model.ChangeRecord) error
	RecentChanges(ctx context.Context, owner string, limit int) ([]model.ChangeRecord, error)

	// OAuth credentials.
	SaveToken(ctx context.Context, tok model.Token) error
	GetToken(ctx context.Context, userID string) (model.Token, bool, error)
	ListUsersWithCredentials(ctx context.Context) ([]string, error)

	// Notification preferences.
	SavePreference(ctx context.Context, pref model.NotificationPreference) error
	GetPreference(ctx context.Context, userID string) (model.NotificationPreference, bool, error)
	ListEnabledPreferences(ctx context.Context) ([]model.NotificationPreference, error)

	AppendNotificationLog(ctx context.Context, entry model.NotificationLog) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
