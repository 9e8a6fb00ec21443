package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mrse/internal/model"
	"mrse/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertEvent(ctx context.Context, ev model.StoredEvent) error {
	attendees, err := json.Marshal(sliceOrEmpty(ev.Attendees))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events(id, owner, title, description, location, start_ms, end_ms,
		                    all_day, recurring, organizer, attendees, status, html_link,
		                    meeting_type, is_internal, last_synced_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner=excluded.owner, title=excluded.title, description=excluded.description,
		   location=excluded.location, start_ms=excluded.start_ms, end_ms=excluded.end_ms,
		   all_day=excluded.all_day, recurring=excluded.recurring, organizer=excluded.organizer,
		   attendees=excluded.attendees, status=excluded.status, html_link=excluded.html_link,
		   meeting_type=excluded.meeting_type, is_internal=excluded.is_internal,
		   last_synced_ms=excluded.last_synced_ms`,
		ev.ID, ev.Owner, ev.Title, ev.Description, ev.Location,
		ev.Start.UnixMilli(), ev.End.UnixMilli(),
		boolInt(ev.AllDay), boolInt(ev.Recurring), ev.Organizer, string(attendees),
		ev.Status, ev.HTMLLink, string(ev.MeetingType), boolInt(ev.IsInternal),
		ev.LastSynced.UnixMilli(),
	)
	return err
}

const eventColumns = `id, owner, title, description, location, start_ms, end_ms,
	all_day, recurring, organizer, attendees, status, html_link,
	meeting_type, is_internal, last_synced_ms`

func (s *sqliteStore) GetEvent(ctx context.Context, id string) (model.StoredEvent, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StoredEvent{}, false, nil
	}
	if err != nil {
		return model.StoredEvent{}, false, err
	}
	return ev, true, nil
}

func (s *sqliteStore) ListFutureEventIDs(ctx context.Context, owner string, after time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM events WHERE owner = ? AND start_ms > ? ORDER BY start_ms`,
		owner, after.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) UpcomingEvents(ctx context.Context, owner string, from, to time.Time) ([]model.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE owner = ? AND start_ms >= ? AND start_ms < ?
		 ORDER BY start_ms`,
		owner, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StoredEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Stats(ctx context.Context, owner string, now time.Time) (model.EventStats, error) {
	nowMS := now.UnixMilli()
	dayMS := now.Add(24 * time.Hour).UnixMilli()
	weekMS := now.Add(7 * 24 * time.Hour).UnixMilli()

	var st model.EventStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(meeting_type = 'internal'), 0),
		        COALESCE(SUM(meeting_type = 'external'), 0),
		        COALESCE(SUM(recurring), 0),
		        COALESCE(SUM(start_ms < ?), 0),
		        COALESCE(SUM(start_ms < ?), 0)
		 FROM events WHERE owner = ? AND start_ms >= ?`,
		dayMS, weekMS, owner, nowMS,
	).Scan(&st.Total, &st.Internal, &st.External, &st.Recurring, &st.Today, &st.ThisWeek)
	return st, err
}

func (s *sqliteStore) AppendChange(ctx context.Context, rec model.ChangeRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_changes(event_id, owner, kind, at_ms, payload) VALUES(?,?,?,?,?)`,
		rec.EventID, rec.Owner, string(rec.Kind), rec.At.UnixMilli(), rec.Payload)
	return err
}

func (s *sqliteStore) RecentChanges(ctx context.Context, owner string, limit int) ([]model.ChangeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, owner, kind, at_ms, payload FROM event_changes
		 WHERE owner = ? ORDER BY seq DESC LIMIT ?`,
		owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ChangeRecord
	for rows.Next() {
		var (
			rec  model.ChangeRecord
			kind string
			atMS int64
		)
		if err := rows.Scan(&rec.EventID, &rec.Owner, &kind, &atMS, &rec.Payload); err != nil {
			return nil, err
		}
		rec.Kind = model.ChangeKind(kind)
		rec.At = time.UnixMilli(atMS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveToken(ctx context.Context, tok model.Token) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_tokens(user_id, access_token, refresh_token, token_type, expiry_ms, updated_ms)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   access_token=excluded.access_token, refresh_token=excluded.refresh_token,
		   token_type=excluded.token_type, expiry_ms=excluded.expiry_ms,
		   updated_ms=excluded.updated_ms`,
		tok.UserID, tok.AccessToken, tok.RefreshToken, tok.TokenType,
		unixMilliOrZero(tok.Expiry), time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) GetToken(ctx context.Context, userID string) (model.Token, bool, error) {
	var (
		tok      model.Token
		expiryMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, access_token, refresh_token, token_type, expiry_ms
		 FROM oauth_tokens WHERE user_id = ?`, userID,
	).Scan(&tok.UserID, &tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &expiryMS)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Token{}, false, nil
	}
	if err != nil {
		return model.Token{}, false, err
	}
	if expiryMS > 0 {
		tok.Expiry = time.UnixMilli(expiryMS)
	}
	return tok, true, nil
}

func (s *sqliteStore) ListUsersWithCredentials(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM oauth_tokens ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *sqliteStore) SavePreference(ctx context.Context, pref model.NotificationPreference) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_preferences(user_id, enabled, schedule, advance_hours, include_internal, include_external)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   enabled=excluded.enabled, schedule=excluded.schedule,
		   advance_hours=excluded.advance_hours,
		   include_internal=excluded.include_internal,
		   include_external=excluded.include_external`,
		pref.UserID, boolInt(pref.Enabled), pref.Schedule, pref.AdvanceHours,
		boolInt(pref.IncludeInternal), boolInt(pref.IncludeExternal))
	return err
}

func (s *sqliteStore) GetPreference(ctx context.Context, userID string) (model.NotificationPreference, bool, error) {
	var pref model.NotificationPreference
	var enabled, inclInt, inclExt int
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, enabled, schedule, advance_hours, include_internal, include_external
		 FROM user_preferences WHERE user_id = ?`, userID,
	).Scan(&pref.UserID, &enabled, &pref.Schedule, &pref.AdvanceHours, &inclInt, &inclExt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NotificationPreference{}, false, nil
	}
	if err != nil {
		return model.NotificationPreference{}, false, err
	}
	pref.Enabled = enabled != 0
	pref.IncludeInternal = inclInt != 0
	pref.IncludeExternal = inclExt != 0
	return pref, true, nil
}

func (s *sqliteStore) ListEnabledPreferences(ctx context.Context) ([]model.NotificationPreference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, enabled, schedule, advance_hours, include_internal, include_external
		 FROM user_preferences WHERE enabled = 1 ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.NotificationPreference
	for rows.Next() {
		var (
			pref                      model.NotificationPreference
			enabled, inclInt, inclExt int
		)
		if err := rows.Scan(&pref.UserID, &enabled, &pref.Schedule, &pref.AdvanceHours, &inclInt, &inclExt); err != nil {
			return nil, err
		}
		pref.Enabled = enabled != 0
		pref.IncludeInternal = inclInt != 0
		pref.IncludeExternal = inclExt != 0
		out = append(out, pref)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendNotificationLog(ctx context.Context, entry model.NotificationLog) error {
	if entry.SentAt.IsZero() {
		entry.SentAt = time.Now()
	}
	ids, err := json.Marshal(sliceOrEmpty(entry.EventIDs))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notification_logs(id, user_id, sent_ms, status, error, event_ids)
		 VALUES(?,?,?,?,?,?)`,
		entry.ID, entry.UserID, entry.SentAt.UnixMilli(), entry.Status, entry.Error, string(ids))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (model.StoredEvent, error) {
	var (
		ev                            model.StoredEvent
		startMS, endMS, syncedMS      int64
		allDay, recurring, isInternal int
		attendees, meetingType        string
	)
	err := row.Scan(&ev.ID, &ev.Owner, &ev.Title, &ev.Description, &ev.Location,
		&startMS, &endMS, &allDay, &recurring, &ev.Organizer, &attendees,
		&ev.Status, &ev.HTMLLink, &meetingType, &isInternal, &syncedMS)
	if err != nil {
		return model.StoredEvent{}, err
	}
	ev.Start = time.UnixMilli(startMS)
	ev.End = time.UnixMilli(endMS)
	ev.LastSynced = time.UnixMilli(syncedMS)
	ev.AllDay = allDay != 0
	ev.Recurring = recurring != 0
	ev.IsInternal = isInternal != 0
	ev.MeetingType = model.MeetingType(meetingType)
	if err := json.Unmarshal([]byte(attendees), &ev.Attendees); err != nil {
		return model.StoredEvent{}, err
	}
	return ev, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func sliceOrEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
