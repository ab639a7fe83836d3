// Package reconcile periodically validates every stored endpoint and prunes
// the ones the provider no longer accepts.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"chatpush/internal/eventbus"
	"chatpush/internal/push"
	logx "chatpush/pkg/logx"
)

// JobName is the scheduler entry name.
const JobName = "reconcile.tokens"

const DefaultConcurrency = 4

var ErrAlreadyRunning = errors.New("reconcile: already running")

// Endpoints is the token store as seen by the job.
type Endpoints interface {
	Users(ctx context.Context) ([]string, error)
	Snapshot(ctx context.Context, userID string) ([]string, error)
	Prune(ctx context.Context, userID string, invalid []string) (int, error)
}

type Options struct {
	Concurrency int
	Bus         eventbus.Bus
	Now         func() time.Time
}

// Stats summarizes one run.
type Stats struct {
	StartedAt time.Time     `json:"started_at"`
	Users     int           `json:"users"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Checked   int           `json:"checked"`
	Evicted   int           `json:"evicted"`
	Transient int           `json:"transient"`
	Took      time.Duration `json:"took"`
}

type Job struct {
	endpoints Endpoints
	provider  push.Provider
	log       logx.Logger
	opts      Options

	running atomic.Bool

	mu   sync.Mutex
	last *Stats
}

func New(endpoints Endpoints, provider push.Provider, log logx.Logger, opts Options) *Job {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Job{endpoints: endpoints, provider: provider, log: log, opts: opts}
}

// Last returns the stats of the most recent completed run.
func (j *Job) Last() (Stats, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.last == nil {
		return Stats{}, false
	}
	return *j.last, true
}

// Run performs one full pass. Failures of individual users are counted and
// skipped; only a failure to list users or cancellation aborts the run.
func (j *Job) Run(ctx context.Context) (Stats, error) {
	if !j.running.CompareAndSwap(false, true) {
		return Stats{}, ErrAlreadyRunning
	}
	defer j.running.Store(false)

	st := Stats{StartedAt: j.opts.Now()}
	users, err := j.endpoints.Users(ctx)
	if err != nil {
		j.log.Error("reconcile: listing users failed", logx.Err(err))
		return st, err
	}
	st.Users = len(users)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.opts.Concurrency)
	for _, u := range users {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := j.user(gctx, u)
			mu.Lock()
			defer mu.Unlock()
			st.Checked += res.checked
			st.Transient += res.transient
			st.Evicted += res.evicted
			if err != nil {
				st.Failed++
				j.log.Warn("reconcile: user skipped", logx.String("user", u), logx.Err(err))
				return nil
			}
			st.Processed++
			return nil
		})
	}
	_ = g.Wait()
	st.Took = j.opts.Now().Sub(st.StartedAt)

	if err := ctx.Err(); err != nil {
		j.log.Warn("reconcile interrupted", logx.Int("processed", st.Processed), logx.Int("users", st.Users))
		return st, err
	}

	j.mu.Lock()
	cp := st
	j.last = &cp
	j.mu.Unlock()

	j.log.Info("reconcile finished",
		logx.Int("users", st.Users),
		logx.Int("processed", st.Processed),
		logx.Int("failed", st.Failed),
		logx.Int("checked", st.Checked),
		logx.Int("evicted", st.Evicted),
		logx.Duration("took", st.Took),
	)
	j.opts.Bus.Publish(eventbus.Event{Type: eventbus.TypeReconcileFinished, Data: st})
	return st, nil
}

type userResult struct {
	checked, transient, evicted int
}

// user validates one user's endpoints in order and writes back once.
func (j *Job) user(ctx context.Context, userID string) (userResult, error) {
	var res userResult
	endpoints, err := j.endpoints.Snapshot(ctx, userID)
	if err != nil {
		return res, err
	}

	var invalid []string
	for _, ep := range endpoints {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		perr := j.provider.Validate(ctx, ep)
		res.checked++
		switch push.Classify(perr) {
		case push.InvalidEndpoint:
			invalid = append(invalid, ep)
		case push.TransientFailure:
			res.transient++
			j.log.Debug("validation inconclusive; endpoint kept", logx.String("user", userID), logx.String("endpoint", push.Mask(ep)), logx.Err(perr))
		}
	}
	if len(invalid) == 0 {
		return res, nil
	}

	n, err := j.endpoints.Prune(ctx, userID, invalid)
	if err != nil {
		return res, err
	}
	res.evicted = n
	return res, nil
}
