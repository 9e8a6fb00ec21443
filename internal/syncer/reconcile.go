// Package syncer mirrors a user's remote calendar into local storage and
// records every created/updated/deleted transition in an append-only
// change log.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"mrse/internal/classify"
	"mrse/internal/model"
	"mrse/internal/storage"
	"mrse/pkg/logx"
)

// Reconciler diffs a remote event batch against stored state for one user.
type Reconciler struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

func NewReconciler(store storage.Store, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{store: store, log: log, now: time.Now}
}

// Reconcile upserts every valid event in the batch, appends change records,
// and flags remotely deleted future events. Events are processed
// independently: a storage failure on one is collected and reported with
// the event identifier attached, but does not stop the rest of the batch.
//
// Every event still present in the batch gets an `updated` record even when
// no field changed; presence in the batch is the trigger, not a field diff.
// That trades audit volume for a reconcile pass with no comparison logic.
func (r *Reconciler) Reconcile(ctx context.Context, owner string, batch []model.RemoteEvent) (model.ReconcileResult, error) {
	var (
		res  model.ReconcileResult
		errs []error
	)

	seen := make(map[string]struct{}, len(batch))
	for _, remote := range batch {
		if !remote.Valid() {
			// Malformed input is dropped, not surfaced; the count keeps it
			// observable per pass.
			res.Skipped++
			continue
		}
		seen[remote.ID] = struct{}{}

		if err := r.reconcileOne(ctx, owner, remote, &res); err != nil {
			errs = append(errs, err)
		}
	}

	if err := r.flagDeleted(ctx, owner, seen, &res); err != nil {
		errs = append(errs, err)
	}

	if res.Skipped > 0 {
		r.log.Debug("dropped malformed events", logx.String("user", owner), logx.Int("skipped", res.Skipped))
	}
	return res, errors.Join(errs...)
}

func (r *Reconciler) reconcileOne(ctx context.Context, owner string, remote model.RemoteEvent, res *model.ReconcileResult) error {
	prior, existed, err := r.store.GetEvent(ctx, remote.ID)
	if err != nil {
		return &StorageError{EventID: remote.ID, Err: err}
	}

	stored := r.project(owner, remote)
	if err := r.store.UpsertEvent(ctx, stored); err != nil {
		return &StorageError{EventID: remote.ID, Err: err}
	}
	res.Upserted++

	var payload []byte
	kind := model.ChangeCreated
	if existed {
		kind = model.ChangeUpdated
		payload, err = json.Marshal(struct {
			Old model.StoredEvent `json:"old"`
			New model.StoredEvent `json:"new"`
		}{Old: prior, New: stored})
	} else {
		payload, err = json.Marshal(stored)
	}
	if err != nil {
		return &StorageError{EventID: remote.ID, Err: err}
	}

	rec := model.ChangeRecord{
		EventID: remote.ID,
		Owner:   owner,
		Kind:    kind,
		At:      r.now(),
		Payload: payload,
	}
	if err := r.store.AppendChange(ctx, rec); err != nil {
		return &StorageError{EventID: remote.ID, Err: err}
	}
	res.ChangesWritten++
	return nil
}

// flagDeleted appends a `deleted` record for every stored future event
// missing from the batch. Past events are left alone: the fetch window only
// covers the future, so their absence is expected rather than evidence of
// deletion.
func (r *Reconciler) flagDeleted(ctx context.Context, owner string, seen map[string]struct{}, res *model.ReconcileResult) error {
	ids, err := r.store.ListFutureEventIDs(ctx, owner, r.now())
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		payload, err := json.Marshal(struct {
			EventID string `json:"event_id"`
		}{EventID: id})
		if err != nil {
			errs = append(errs, &StorageError{EventID: id, Err: err})
			continue
		}
		rec := model.ChangeRecord{
			EventID: id,
			Owner:   owner,
			Kind:    model.ChangeDeleted,
			At:      r.now(),
			Payload: payload,
		}
		if err := r.store.AppendChange(ctx, rec); err != nil {
			errs = append(errs, &StorageError{EventID: id, Err: err})
			continue
		}
		res.ChangesWritten++
		res.Deleted++
	}
	return errors.Join(errs...)
}

func (r *Reconciler) project(owner string, remote model.RemoteEvent) model.StoredEvent {
	mt := classify.MeetingType(remote.Organizer, remote.Attendees, owner)
	return model.StoredEvent{
		ID:          remote.ID,
		Owner:       owner,
		Title:       remote.Title,
		Description: remote.Description,
		Location:    remote.Location,
		Start:       remote.Start,
		End:         remote.End,
		AllDay:      remote.AllDay,
		Recurring:   remote.Recurring,
		Organizer:   remote.Organizer,
		Attendees:   remote.Attendees,
		Status:      remote.Status,
		HTMLLink:    remote.HTMLLink,
		MeetingType: mt,
		IsInternal:  mt == model.MeetingInternal,
		LastSynced:  r.now(),
	}
}
