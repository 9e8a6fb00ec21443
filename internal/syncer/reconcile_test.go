package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"mrse/internal/model"
	"mrse/internal/storage"
	"mrse/pkg/logx"
)

var baseTime = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func remoteEvent(id string, startOffset time.Duration, attendees ...string) model.RemoteEvent {
	return model.RemoteEvent{
		ID:        id,
		Title:     "Event " + id,
		Start:     baseTime.Add(startOffset),
		End:       baseTime.Add(startOffset + time.Hour),
		Organizer: "alice@corp.test",
		Attendees: attendees,
		Status:    model.StatusConfirmed,
	}
}

func newTestReconciler(store storage.Store) *Reconciler {
	r := NewReconciler(store, logx.Nop())
	r.now = func() time.Time { return baseTime }
	return r
}

func ownerChanges(t *testing.T, store storage.Store, owner string) []model.ChangeRecord {
	t.Helper()
	changes, err := store.RecentChanges(context.Background(), owner, 100)
	if err != nil {
		t.Fatalf("RecentChanges: %v", err)
	}
	return changes
}

func TestReconcileCreatesNewEvents(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	r := newTestReconciler(store)

	batch := []model.RemoteEvent{
		remoteEvent("a", time.Hour, "bob@corp.test"),
		remoteEvent("b", 2*time.Hour, "eve@other.test"),
	}
	res, err := r.Reconcile(context.Background(), "alice@corp.test", batch)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Upserted != 2 || res.ChangesWritten != 2 || res.Skipped != 0 || res.Deleted != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	for _, rec := range ownerChanges(t, store, "alice@corp.test") {
		if rec.Kind != model.ChangeCreated {
			t.Errorf("event %s: kind = %s, want created", rec.EventID, rec.Kind)
		}
		var snap model.StoredEvent
		if err := json.Unmarshal(rec.Payload, &snap); err != nil {
			t.Errorf("event %s: payload not a stored event: %v", rec.EventID, err)
		}
	}

	ev, ok, err := store.GetEvent(context.Background(), "b")
	if err != nil || !ok {
		t.Fatalf("GetEvent(b): ok=%v err=%v", ok, err)
	}
	if ev.MeetingType != model.MeetingExternal {
		t.Errorf("event b meeting type = %s, want external", ev.MeetingType)
	}
}

func TestReconcileRecordsUpdateForEveryPresentEvent(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	r := newTestReconciler(store)
	ctx := context.Background()
	owner := "alice@corp.test"

	batch := []model.RemoteEvent{remoteEvent("a", time.Hour, "bob@corp.test")}
	if _, err := r.Reconcile(ctx, owner, batch); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	// Second pass with an identical batch still records an update: presence
	// in the batch is the trigger, not a field diff.
	res, err := r.Reconcile(ctx, owner, batch)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if res.ChangesWritten != 1 {
		t.Fatalf("second pass changes = %d, want 1", res.ChangesWritten)
	}

	changes := ownerChanges(t, store, owner)
	if len(changes) != 2 {
		t.Fatalf("change count = %d, want 2", len(changes))
	}
	latest := changes[0]
	if latest.Kind != model.ChangeUpdated {
		t.Fatalf("latest kind = %s, want updated", latest.Kind)
	}
	var pair struct {
		Old model.StoredEvent `json:"old"`
		New model.StoredEvent `json:"new"`
	}
	if err := json.Unmarshal(latest.Payload, &pair); err != nil {
		t.Fatalf("updated payload: %v", err)
	}
	if pair.Old.ID != "a" || pair.New.ID != "a" {
		t.Fatalf("payload pair ids = %q/%q, want a/a", pair.Old.ID, pair.New.ID)
	}
}

func TestReconcileSkipsMalformedEvents(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	r := newTestReconciler(store)

	batch := []model.RemoteEvent{
		{ID: "", Start: baseTime, End: baseTime.Add(time.Hour)},
		{ID: "no-start", End: baseTime.Add(time.Hour)},
		remoteEvent("ok", time.Hour),
	}
	res, err := r.Reconcile(context.Background(), "alice@corp.test", batch)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Skipped != 2 || res.Upserted != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestReconcileFlagsDeletedFutureEventsOnly(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	r := newTestReconciler(store)
	ctx := context.Background()
	owner := "alice@corp.test"

	// Seed one future and one past event, then reconcile an empty batch.
	seed := []model.StoredEvent{
		{ID: "future", Owner: owner, Start: baseTime.Add(time.Hour), End: baseTime.Add(2 * time.Hour)},
		{ID: "past", Owner: owner, Start: baseTime.Add(-2 * time.Hour), End: baseTime.Add(-time.Hour)},
	}
	for _, ev := range seed {
		if err := store.UpsertEvent(ctx, ev); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	res, err := r.Reconcile(ctx, owner, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Deleted != 1 {
		t.Fatalf("deleted = %d, want 1", res.Deleted)
	}

	changes := ownerChanges(t, store, owner)
	if len(changes) != 1 {
		t.Fatalf("change count = %d, want 1", len(changes))
	}
	if changes[0].EventID != "future" || changes[0].Kind != model.ChangeDeleted {
		t.Fatalf("got %s/%s, want future/deleted", changes[0].EventID, changes[0].Kind)
	}

	// The stored row survives; only the change log records the deletion.
	if _, ok, _ := store.GetEvent(ctx, "future"); !ok {
		t.Fatal("deleted-flagged event was removed from storage")
	}
}

func TestReconcileDeletionPassIsOwnerScoped(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	r := newTestReconciler(store)
	ctx := context.Background()

	other := model.StoredEvent{ID: "x", Owner: "bob@corp.test", Start: baseTime.Add(time.Hour), End: baseTime.Add(2 * time.Hour)}
	if err := store.UpsertEvent(ctx, other); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := r.Reconcile(ctx, "alice@corp.test", nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Deleted != 0 {
		t.Fatalf("deleted = %d, want 0 (another owner's event)", res.Deleted)
	}
}

// failingStore injects a write failure for one event id.
type failingStore struct {
	storage.Store
	failID string
}

var errDisk = errors.New("disk full")

func (f *failingStore) UpsertEvent(ctx context.Context, ev model.StoredEvent) error {
	if ev.ID == f.failID {
		return errDisk
	}
	return f.Store.UpsertEvent(ctx, ev)
}

func TestReconcileCollectsStorageErrorsAndContinues(t *testing.T) {
	t.Parallel()
	store := &failingStore{Store: storage.NewMemory(), failID: "bad"}
	r := newTestReconciler(store)

	batch := []model.RemoteEvent{
		remoteEvent("good1", time.Hour),
		remoteEvent("bad", 2*time.Hour),
		remoteEvent("good2", 3*time.Hour),
	}
	res, err := r.Reconcile(context.Background(), "alice@corp.test", batch)
	if err == nil {
		t.Fatal("expected an error for the failing event")
	}

	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("error chain lacks StorageError: %v", err)
	}
	if serr.EventID != "bad" {
		t.Errorf("StorageError.EventID = %q, want bad", serr.EventID)
	}
	if !errors.Is(err, errDisk) {
		t.Errorf("error chain lost the cause: %v", err)
	}
	if res.Upserted != 2 {
		t.Errorf("upserted = %d, want 2 (batch continues past the failure)", res.Upserted)
	}
}
