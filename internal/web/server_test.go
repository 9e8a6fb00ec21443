package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mrse/internal/jobs"
	"mrse/internal/model"
	"mrse/internal/storage"
	"mrse/internal/syncer"
	"mrse/pkg/logx"
)

type stubSyncer struct {
	count int
	err   error
}

func (s stubSyncer) SyncUser(context.Context, string) (int, error) { return s.count, s.err }

type stubDigest struct{}

func (stubDigest) SendDigest(context.Context, string) error { return nil }

func newTestServer(t *testing.T, store storage.Store, sync jobs.Syncer) (*Server, *jobs.Service) {
	t.Helper()
	reg := jobs.NewRegistry(logx.Nop())
	sched := jobs.NewService(reg, store, sync, stubDigest{}, logx.Nop(), jobs.Config{})
	return NewServer(store, sched, nil, logx.Nop()), sched
}

func doRequest(t *testing.T, srv *Server, method, target, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if user != "" {
		req.Header.Set("X-User", user)
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, storage.NewMemory(), stubSyncer{})
	rr := doRequest(t, srv, http.MethodGet, "/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestRequireUser(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, storage.NewMemory(), stubSyncer{})

	rr := doRequest(t, srv, http.MethodGet, "/api/stats", "", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing user: status = %d, want 400", rr.Code)
	}

	// Query parameter works as a header alternative.
	rr = doRequest(t, srv, http.MethodGet, "/api/stats?user=alice@corp.test", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("query user: status = %d, want 200", rr.Code)
	}
}

func TestManualSyncStatusMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"unauthenticated", syncer.ErrUnauthenticated, http.StatusUnauthorized},
		{"permission", syncer.ErrUpstreamPermissionDenied, http.StatusForbidden},
		{"unavailable", syncer.ErrUpstreamUnavailable, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := newTestServer(t, storage.NewMemory(), stubSyncer{count: 3, err: tc.err})
			rr := doRequest(t, srv, http.MethodPost, "/api/sync", "alice@corp.test", "")
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d", rr.Code, tc.want)
			}
		})
	}
}

func TestGetPreferencesReturnsDefaultsForNewUser(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, storage.NewMemory(), stubSyncer{})
	rr := doRequest(t, srv, http.MethodGet, "/api/preferences", "new@corp.test", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var pref model.NotificationPreference
	if err := json.Unmarshal(rr.Body.Bytes(), &pref); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := model.DefaultPreference("new@corp.test")
	if pref != want {
		t.Fatalf("pref = %+v, want defaults %+v", pref, want)
	}
}

func TestSavePreferencesInstallsJob(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	srv, sched := newTestServer(t, store, stubSyncer{})
	user := "alice@corp.test"

	body := `{"enabled":true,"schedule":"0 8 * * 1-5","advance_hours":12,"include_internal":false,"include_external":true}`
	rr := doRequest(t, srv, http.MethodPost, "/api/preferences", user, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	pref, ok, err := store.GetPreference(context.Background(), user)
	if err != nil || !ok {
		t.Fatalf("preference not persisted: ok=%v err=%v", ok, err)
	}
	if pref.Schedule != "0 8 * * 1-5" || pref.IncludeInternal {
		t.Fatalf("persisted pref = %+v", pref)
	}
	if !sched.Registry().Has(jobs.NotifyKey(user)) {
		t.Fatal("digest job not installed after save")
	}
}

func TestSavePreferencesRejectsInvalidSchedule(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	srv, sched := newTestServer(t, store, stubSyncer{})
	user := "alice@corp.test"

	rr := doRequest(t, srv, http.MethodPost, "/api/preferences", user, `{"enabled":true,"schedule":"whenever"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if _, ok, _ := store.GetPreference(context.Background(), user); ok {
		t.Fatal("invalid preference was persisted")
	}
	if sched.Registry().Has(jobs.NotifyKey(user)) {
		t.Fatal("invalid preference installed a job")
	}
}

func TestSavePreferencesDisableCancelsJob(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	srv, sched := newTestServer(t, store, stubSyncer{})
	user := "alice@corp.test"

	rr := doRequest(t, srv, http.MethodPost, "/api/preferences", user, `{"enabled":true,"schedule":"0 9 * * *"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("enable: status = %d", rr.Code)
	}
	rr = doRequest(t, srv, http.MethodPost, "/api/preferences", user, `{"enabled":false}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("disable: status = %d", rr.Code)
	}
	if sched.Registry().Has(jobs.NotifyKey(user)) {
		t.Fatal("job survived disable")
	}
}

func TestChangesLimitValidation(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	srv, _ := newTestServer(t, store, stubSyncer{})
	user := "alice@corp.test"

	for i, ev := range []string{"a", "b", "c"} {
		rec := model.ChangeRecord{EventID: ev, Owner: user, Kind: model.ChangeCreated, At: time.Now().Add(time.Duration(i) * time.Second)}
		if err := store.AppendChange(context.Background(), rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	rr := doRequest(t, srv, http.MethodGet, "/api/changes?limit=2", user, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var changes []model.ChangeRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &changes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("len = %d, want 2", len(changes))
	}
	// Most recent first.
	if changes[0].EventID != "c" {
		t.Errorf("first change = %s, want c", changes[0].EventID)
	}

	for _, bad := range []string{"0", "-1", "9999", "lots"} {
		rr := doRequest(t, srv, http.MethodGet, "/api/changes?limit="+bad, user, "")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", bad, rr.Code)
		}
	}
}

func TestJobsSnapshot(t *testing.T) {
	t.Parallel()
	srv, sched := newTestServer(t, storage.NewMemory(), stubSyncer{})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	defer sched.Shutdown(context.Background())

	rr := doRequest(t, srv, http.MethodGet, "/api/jobs", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var snap []jobs.JobInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap) != 1 || snap[0].Key != jobs.GlobalSyncKey {
		t.Fatalf("snapshot = %+v, want the global sync job", snap)
	}
}
