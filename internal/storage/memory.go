package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"mrse/internal/model"
)

// memoryStore keeps everything in process. It backs tests and --dry runs;
// the sqlite driver is the production backend.
type memoryStore struct {
	mu sync.Mutex

	events  map[string]model.StoredEvent
	changes []model.ChangeRecord
	tokens  map[string]model.Token
	prefs   map[string]model.NotificationPreference
	logs    []model.NotificationLog
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		events: map[string]model.StoredEvent{},
		tokens: map[string]model.Token{},
		prefs:  map[string]model.NotificationPreference{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) UpsertEvent(_ context.Context, ev model.StoredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = ev
	return nil
}

func (s *memoryStore) GetEvent(_ context.Context, id string) (model.StoredEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	return ev, ok, nil
}

func (s *memoryStore) ListFutureEventIDs(_ context.Context, owner string, after time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, ev := range s.events {
		if ev.Owner == owner && ev.Start.After(after) {
			ids = append(ids, ev.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memoryStore) UpcomingEvents(_ context.Context, owner string, from, to time.Time) ([]model.StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.StoredEvent
	for _, ev := range s.events {
		if ev.Owner != owner {
			continue
		}
		if ev.Start.Before(from) || !ev.Start.Before(to) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *memoryStore) Stats(_ context.Context, owner string, now time.Time) (model.EventStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st model.EventStats
	day := now.Add(24 * time.Hour)
	week := now.Add(7 * 24 * time.Hour)
	for _, ev := range s.events {
		if ev.Owner != owner || ev.Start.Before(now) {
			continue
		}
		st.Total++
		switch ev.MeetingType {
		case model.MeetingInternal:
			st.Internal++
		case model.MeetingExternal:
			st.External++
		}
		if ev.Recurring {
			st.Recurring++
		}
		if ev.Start.Before(day) {
			st.Today++
		}
		if ev.Start.Before(week) {
			st.ThisWeek++
		}
	}
	return st, nil
}

func (s *memoryStore) AppendChange(_ context.Context, rec model.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	s.changes = append(s.changes, rec)
	return nil
}

func (s *memoryStore) RecentChanges(_ context.Context, owner string, limit int) ([]model.ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []model.ChangeRecord
	for i := len(s.changes) - 1; i >= 0 && len(out) < limit; i-- {
		if s.changes[i].Owner == owner {
			out = append(out, s.changes[i])
		}
	}
	return out, nil
}

func (s *memoryStore) SaveToken(_ context.Context, tok model.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.UserID] = tok
	return nil
}

func (s *memoryStore) GetToken(_ context.Context, userID string) (model.Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[userID]
	return tok, ok, nil
}

func (s *memoryStore) ListUsersWithCredentials(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.tokens))
	for u := range s.tokens {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

func (s *memoryStore) SavePreference(_ context.Context, pref model.NotificationPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[pref.UserID] = pref
	return nil
}

func (s *memoryStore) GetPreference(_ context.Context, userID string) (model.NotificationPreference, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pref, ok := s.prefs[userID]
	return pref, ok, nil
}

func (s *memoryStore) ListEnabledPreferences(_ context.Context) ([]model.NotificationPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.NotificationPreference
	for _, p := range s.prefs {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *memoryStore) AppendNotificationLog(_ context.Context, entry model.NotificationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.SentAt.IsZero() {
		entry.SentAt = time.Now()
	}
	s.logs = append(s.logs, entry)
	return nil
}

// NotificationLogs returns a copy of all dispatch log entries. Test helper.
func (s *memoryStore) NotificationLogs() []model.NotificationLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.NotificationLog(nil), s.logs...)
}
