package syncer

import (
	"context"
	"fmt"
	"time"

	"mrse/internal/model"
	"mrse/pkg/logx"
)

// Fetcher retrieves one user's events from the upstream calendar.
// Implementations map provider-specific failures onto this package's error
// taxonomy before returning.
type Fetcher interface {
	FetchWindow(ctx context.Context, userID string, from, to time.Time, pageSize int64) ([]model.RemoteEvent, error)
}

// Options tune one orchestrator instance.
type Options struct {
	// Timeout bounds one user's whole sync pass (fetch + reconcile).
	Timeout time.Duration
	// WindowMonths is the forward fetch horizon.
	WindowMonths int
	// PageSize caps one fetch request.
	PageSize int64
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Minute
	}
	if o.WindowMonths <= 0 {
		o.WindowMonths = 3
	}
	if o.PageSize <= 0 {
		o.PageSize = 250
	}
	return o
}

// Orchestrator runs a full sync pass for one user: fetch the forward
// window, reconcile it into storage, report the count of events considered.
type Orchestrator struct {
	fetch Fetcher
	rec   *Reconciler
	log   logx.Logger
	opt   Options
	now   func() time.Time
}

func NewOrchestrator(fetch Fetcher, rec *Reconciler, log logx.Logger, opt Options) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{fetch: fetch, rec: rec, log: log, opt: opt.withDefaults(), now: time.Now}
}

// SyncUser fetches the user's forward window and reconciles it. The
// returned count includes unchanged events (everything considered in this
// pass). Failures carry the taxonomy in errors.go.
func (o *Orchestrator) SyncUser(ctx context.Context, userID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opt.Timeout)
	defer cancel()

	start := o.now()
	from := start
	to := start.AddDate(0, o.opt.WindowMonths, 0)

	batch, err := o.fetch.FetchWindow(ctx, userID, from, to, o.opt.PageSize)
	if err != nil {
		return 0, fmt.Errorf("fetch events for %s: %w", userID, err)
	}

	res, err := o.rec.Reconcile(ctx, userID, batch)
	if err != nil {
		return len(batch), fmt.Errorf("reconcile for %s: %w", userID, err)
	}

	o.log.Info("sync pass finished",
		logx.String("user", userID),
		logx.Int("events", len(batch)),
		logx.Int("upserted", res.Upserted),
		logx.Int("changes", res.ChangesWritten),
		logx.Int("deleted", res.Deleted),
		logx.Int("skipped", res.Skipped),
		logx.Duration("took", time.Since(start)),
	)
	return len(batch), nil
}
