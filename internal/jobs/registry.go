// Package jobs maintains the live set of recurring background jobs: one
// fixed global sync job plus one notification job per user, replaceable at
// runtime without a restart.
package jobs

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mrse/pkg/logx"
)

// Registry maps a job key to a live cron entry. Register replaces any
// prior handle under the same key, cancelling it exactly once. The
// registry's mutex covers lifecycle mutation only, never job execution, so
// a slow job cannot block register/cancel of other keys.
type Registry struct {
	mu      sync.Mutex
	log     logx.Logger
	parser  cron.Parser
	c       *cron.Cron
	entries map[string]*entry
	started bool
}

type entry struct {
	key     string
	spec    string
	id      cron.EntryID
	timeout time.Duration
	state   *runState
}

// runState makes a job's runs mutually exclusive: a tick that fires while
// the previous run is still going is skipped, not queued.
type runState struct {
	mu      sync.Mutex
	running bool
}

// JobInfo is a read-only snapshot of one registered job.
type JobInfo struct {
	Key  string    `json:"key"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	// Standard 5-field cron specs plus @hourly-style descriptors.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Registry{
		log:     log,
		parser:  parser,
		c:       cron.New(cron.WithParser(parser)),
		entries: map[string]*entry{},
	}
}

// Start begins dispatching ticks. Jobs registered before Start fire once
// their schedule comes due after this point.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.c.Start()
	r.started = true
	r.log.Info("job registry started", logx.Int("jobs", len(r.entries)))
}

// Stop cancels every job and waits for in-flight runs to finish, or for
// ctx to expire, whichever comes first.
func (r *Registry) Stop(ctx context.Context) {
	r.CancelAll()
	r.mu.Lock()
	c := r.c
	r.started = false
	r.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	r.log.Info("job registry stopped")
}

// Validate reports whether spec parses as a schedule expression.
func (r *Registry) Validate(spec string) error {
	_, err := r.parser.Parse(spec)
	return err
}

// Register installs a recurring job under key. An existing handle under
// the same key is cancelled first; on a parse error the prior handle is
// left untouched.
func (r *Registry) Register(key, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("job key required")
	}
	sched, err := r.parser.Parse(spec)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.entries[key]; ok {
		r.c.Remove(prior.id)
		delete(r.entries, key)
	}

	e := &entry{key: key, spec: spec, timeout: timeout, state: &runState{}}
	e.id = r.c.Schedule(sched, cron.FuncJob(func() { r.run(e, job) }))
	r.entries[key] = e
	r.log.Debug("job registered", logx.String("key", key), logx.String("spec", spec))
	return nil
}

// Cancel stops and removes the job under key. No-op when absent.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	r.c.Remove(e.id)
	delete(r.entries, key)
	r.log.Debug("job cancelled", logx.String("key", key))
	return true
}

// CancelAll stops and removes every job. Used at shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.entries {
		r.c.Remove(e.id)
		delete(r.entries, key)
	}
}

// Len reports the number of live jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Has reports whether a job is registered under key.
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Snapshot lists the live jobs with their next/previous fire times.
func (r *Registry) Snapshot() []JobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JobInfo, 0, len(r.entries))
	for _, e := range r.entries {
		ce := r.c.Entry(e.id)
		out = append(out, JobInfo{Key: e.key, Spec: e.spec, Next: ce.Next, Prev: ce.Prev})
	}
	return out
}

// run executes one fired tick. Cron dispatches each fire on its own
// goroutine, so blocking I/O here never delays other jobs; this wrapper
// contains panics and errors so a failing job can never take down the
// process.
func (r *Registry) run(e *entry, job func(ctx context.Context) error) {
	e.state.mu.Lock()
	if e.state.running {
		e.state.mu.Unlock()
		r.log.Debug("job skipped (previous run still going)", logx.String("key", e.key))
		return
	}
	e.state.running = true
	e.state.mu.Unlock()

	defer func() {
		e.state.mu.Lock()
		e.state.running = false
		e.state.mu.Unlock()
		if rec := recover(); rec != nil {
			r.log.Error("panic in job", logx.String("key", e.key), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()

	ctx := context.Background()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := job(ctx); err != nil {
		r.log.Warn("job failed", logx.String("key", e.key), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	r.log.Debug("job ok", logx.String("key", e.key), logx.Duration("took", time.Since(start)))
}
