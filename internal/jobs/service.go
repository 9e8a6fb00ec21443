package jobs

import (
	"context"
	"time"

	"mrse/internal/model"
	"mrse/internal/storage"
	"mrse/pkg/logx"
)

const (
	// GlobalSyncKey names the single fixed-cadence sync job.
	GlobalSyncKey = "global-sync"

	notifyKeyPrefix = "notify-"
)

// NotifyKey is the registry key for one user's digest job.
func NotifyKey(userID string) string { return notifyKeyPrefix + userID }

// Syncer runs one user's sync pass.
type Syncer interface {
	SyncUser(ctx context.Context, userID string) (int, error)
}

// DigestSender decides whether a digest is due for a user and dispatches it.
type DigestSender interface {
	SendDigest(ctx context.Context, userID string) error
}

// Config tunes the scheduler service.
type Config struct {
	// SyncSchedule is the cron expression for the global sync job.
	SyncSchedule string
	// UserTimeout bounds one user's pass inside the global sync loop.
	UserTimeout time.Duration
	// NotifyTimeout bounds one digest dispatch.
	NotifyTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SyncSchedule == "" {
		c.SyncSchedule = "0 * * * *"
	}
	if c.UserTimeout <= 0 {
		c.UserTimeout = 2 * time.Minute
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = time.Minute
	}
	return c
}

// Service owns the job registry. It installs the global sync job and one
// notification job per enabled user, and hot-swaps a user's job when their
// preference changes.
type Service struct {
	reg    *Registry
	store  storage.Store
	sync   Syncer
	digest DigestSender
	log    logx.Logger
	cfg    Config
}

func NewService(reg *Registry, store storage.Store, sync Syncer, digest DigestSender, log logx.Logger, cfg Config) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{reg: reg, store: store, sync: sync, digest: digest, log: log, cfg: cfg.withDefaults()}
}

// Registry exposes the underlying registry for introspection endpoints.
func (s *Service) Registry() *Registry { return s.reg }

// Start installs the global sync job plus a notification job for every
// user with enabled preferences, then begins dispatching. A stored
// preference with an invalid schedule is logged and skipped; it never
// aborts startup.
func (s *Service) Start(ctx context.Context) error {
	if err := s.reg.Register(GlobalSyncKey, s.cfg.SyncSchedule, 0, s.runGlobalSync); err != nil {
		return err
	}

	prefs, err := s.store.ListEnabledPreferences(ctx)
	if err != nil {
		return err
	}
	for _, pref := range prefs {
		s.installNotifyJob(pref)
	}

	s.reg.Start()
	s.log.Info("scheduler started",
		logx.String("sync_schedule", s.cfg.SyncSchedule),
		logx.Int("notify_jobs", s.reg.Len()-1),
	)
	return nil
}

// runGlobalSync enumerates every user with stored credentials and syncs
// them sequentially. One user's failure is logged and never blocks the
// rest; each pass gets its own timeout so a hung upstream cannot starve
// the remaining users.
func (s *Service) runGlobalSync(ctx context.Context) error {
	users, err := s.store.ListUsersWithCredentials(ctx)
	if err != nil {
		return err
	}

	for _, user := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		userCtx, cancel := context.WithTimeout(ctx, s.cfg.UserTimeout)
		count, err := s.sync.SyncUser(userCtx, user)
		cancel()
		if err != nil {
			s.log.Warn("user sync failed", logx.String("user", user), logx.Err(err))
			continue
		}
		s.log.Info("user synced", logx.String("user", user), logx.Int("events", count))
	}
	return nil
}

// OnPreferenceChanged reconciles the live job with a freshly persisted
// preference: the existing job is cancelled, and a new one is installed
// only when the preference is enabled and its schedule parses. An invalid
// schedule silently leaves the key absent; user-visible validation belongs
// to the boundary that accepted the preference.
func (s *Service) OnPreferenceChanged(userID string, pref model.NotificationPreference) {
	key := NotifyKey(userID)
	s.reg.Cancel(key)
	if !pref.Enabled {
		s.log.Info("notifications disabled", logx.String("user", userID))
		return
	}
	s.installNotifyJob(pref)
}

func (s *Service) installNotifyJob(pref model.NotificationPreference) {
	userID := pref.UserID
	err := s.reg.Register(NotifyKey(userID), pref.Schedule, s.cfg.NotifyTimeout, func(ctx context.Context) error {
		return s.digest.SendDigest(ctx, userID)
	})
	if err != nil {
		s.log.Warn("invalid notification schedule; job not installed",
			logx.String("user", userID), logx.String("schedule", pref.Schedule), logx.Err(err))
	}
}

// TriggerManualSync runs one user's sync pass immediately, outside the
// scheduled cadence. Errors keep the syncer taxonomy so the caller can
// render an actionable message.
func (s *Service) TriggerManualSync(ctx context.Context, userID string) (int, error) {
	return s.sync.SyncUser(ctx, userID)
}

// Shutdown cancels every live job and waits for in-flight runs.
func (s *Service) Shutdown(ctx context.Context) {
	s.reg.Stop(ctx)
}
