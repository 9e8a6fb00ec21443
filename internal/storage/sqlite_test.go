package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"mrse/internal/model"
	"mrse/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteEventRoundTrip(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	ev := model.StoredEvent{
		ID:          "ev1",
		Owner:       "alice@corp.test",
		Title:       "Planning",
		Location:    "Room 4",
		Start:       start,
		End:         start.Add(time.Hour),
		Recurring:   true,
		Organizer:   "bob@corp.test",
		Attendees:   []string{"alice@corp.test", "bob@corp.test"},
		Status:      model.StatusConfirmed,
		MeetingType: model.MeetingInternal,
		IsInternal:  true,
		LastSynced:  start,
	}
	if err := store.UpsertEvent(ctx, ev); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, ok, err := store.GetEvent(ctx, "ev1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Title != ev.Title || got.Owner != ev.Owner || !got.Recurring || !got.IsInternal {
		t.Fatalf("round trip mangled fields: %+v", got)
	}
	if !got.Start.Equal(ev.Start) || !got.End.Equal(ev.End) {
		t.Fatalf("times drifted: %v / %v", got.Start, got.End)
	}
	if len(got.Attendees) != 2 {
		t.Fatalf("attendees = %v", got.Attendees)
	}

	// Upsert with the same id overwrites in place.
	ev.Title = "Planning (moved)"
	if err := store.UpsertEvent(ctx, ev); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, _, _ = store.GetEvent(ctx, "ev1")
	if got.Title != "Planning (moved)" {
		t.Fatalf("title = %q after upsert", got.Title)
	}

	if _, ok, err := store.GetEvent(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing event: ok=%v err=%v", ok, err)
	}
}

func TestSQLiteFutureEventIDs(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	owner := "alice@corp.test"

	for _, tc := range []struct {
		id    string
		start time.Time
		owner string
	}{
		{"past", now.Add(-time.Hour), owner},
		{"future", now.Add(time.Hour), owner},
		{"other-owner", now.Add(time.Hour), "bob@corp.test"},
	} {
		ev := model.StoredEvent{ID: tc.id, Owner: tc.owner, Start: tc.start, End: tc.start.Add(time.Hour)}
		if err := store.UpsertEvent(ctx, ev); err != nil {
			t.Fatalf("seed %s: %v", tc.id, err)
		}
	}

	ids, err := store.ListFutureEventIDs(ctx, owner, now)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != "future" {
		t.Fatalf("ids = %v, want [future]", ids)
	}
}

func TestSQLiteRecentChangesOrderAndLimit(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	owner := "alice@corp.test"

	for _, id := range []string{"a", "b", "c"} {
		rec := model.ChangeRecord{EventID: id, Owner: owner, Kind: model.ChangeCreated, At: time.Now(), Payload: []byte(`{}`)}
		if err := store.AppendChange(ctx, rec); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	changes, err := store.RecentChanges(ctx, owner, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("len = %d, want 2", len(changes))
	}
	if changes[0].EventID != "c" || changes[1].EventID != "b" {
		t.Fatalf("order = %s,%s, want c,b (newest first)", changes[0].EventID, changes[1].EventID)
	}
}

func TestSQLiteTokens(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.GetToken(ctx, "nobody"); err != nil || ok {
		t.Fatalf("missing token: ok=%v err=%v", ok, err)
	}

	expiry := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	tok := model.Token{UserID: "alice@corp.test", AccessToken: "at", RefreshToken: "rt", TokenType: "Bearer", Expiry: expiry}
	if err := store.SaveToken(ctx, tok); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Refresh with a new access token keeps one row per user.
	tok.AccessToken = "at2"
	if err := store.SaveToken(ctx, tok); err != nil {
		t.Fatalf("re-save: %v", err)
	}

	got, ok, err := store.GetToken(ctx, "alice@corp.test")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.AccessToken != "at2" || got.RefreshToken != "rt" || !got.Expiry.Equal(expiry) {
		t.Fatalf("token = %+v", got)
	}

	users, err := store.ListUsersWithCredentials(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 || users[0] != "alice@corp.test" {
		t.Fatalf("users = %v", users)
	}
}

func TestSQLitePreferences(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.GetPreference(ctx, "nobody"); err != nil || ok {
		t.Fatalf("missing pref: ok=%v err=%v", ok, err)
	}

	on := model.DefaultPreference("a@corp.test")
	on.Enabled = true
	off := model.DefaultPreference("b@corp.test")
	for _, pref := range []model.NotificationPreference{on, off} {
		if err := store.SavePreference(ctx, pref); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, ok, err := store.GetPreference(ctx, "a@corp.test")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got != on {
		t.Fatalf("pref = %+v, want %+v", got, on)
	}

	enabled, err := store.ListEnabledPreferences(ctx)
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(enabled) != 1 || enabled[0].UserID != "a@corp.test" {
		t.Fatalf("enabled = %+v", enabled)
	}
}

func TestSQLiteStats(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	owner := "alice@corp.test"

	seed := []model.StoredEvent{
		{ID: "today-int", Owner: owner, Start: now.Add(2 * time.Hour), End: now.Add(3 * time.Hour), MeetingType: model.MeetingInternal, IsInternal: true},
		{ID: "week-ext", Owner: owner, Start: now.Add(3 * 24 * time.Hour), End: now.Add(3*24*time.Hour + time.Hour), MeetingType: model.MeetingExternal, Recurring: true},
		{ID: "far-ext", Owner: owner, Start: now.Add(30 * 24 * time.Hour), End: now.Add(30*24*time.Hour + time.Hour), MeetingType: model.MeetingExternal},
		{ID: "past", Owner: owner, Start: now.Add(-time.Hour), End: now, MeetingType: model.MeetingInternal},
	}
	for _, ev := range seed {
		if err := store.UpsertEvent(ctx, ev); err != nil {
			t.Fatalf("seed %s: %v", ev.ID, err)
		}
	}

	st, err := store.Stats(ctx, owner, now)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := model.EventStats{Total: 3, Internal: 1, External: 2, Recurring: 1, Today: 1, ThisWeek: 2}
	if st != want {
		t.Fatalf("stats = %+v, want %+v", st, want)
	}
}
