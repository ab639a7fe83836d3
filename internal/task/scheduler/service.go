package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "chatpush/pkg/logx"
)

var ErrUnknownSchedule = errors.New("scheduler: unknown schedule")

type Config struct {
	Timezone string // IANA name; empty means Local
}

type Job func(ctx context.Context) error

// Entry is a point-in-time view of one schedule.
type Entry struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
	Running bool          `json:"running"`
	Runs    uint64        `json:"runs"`
	Skipped uint64        `json:"skipped"`
	LastErr string        `json:"last_err,omitempty"`
}

type def struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	job     Job
	entryID cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64

	mu      sync.Mutex
	lastErr string
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*def

	// runCtx is read by cron callbacks, which must not take mu: Apply
	// holds mu while waiting for those callbacks to return.
	runCtx    atomic.Pointer[context.Context]
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		defs:   map[string]*def{},
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Apply updates the timezone; a running scheduler re-registers its entries.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !changed {
		return
	}
	<-s.c.Stop().Done()
	s.startCronLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Start begins triggering. Jobs run under a context derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx.Store(&runCtx)
	s.runCancel = cancel
	s.startCronLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startCronLocked() {
	s.loc = s.location()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop halts triggering, cancels running jobs and waits for them until ctx
// ends.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.runCancel
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out waiting for jobs")
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// AddSchedule registers job under name, replacing any schedule with the
// same name.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("scheduler: name required")
	}
	if job == nil {
		return errors.New("scheduler: job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &def{name: name, spec: ps, timeout: timeout, job: job}
	s.defs[name] = d
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			delete(s.defs, name)
			return err
		}
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", ps.String()), logx.Duration("timeout", timeout))
	return nil
}

// Remove reports whether a schedule was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

// Trigger runs the named job now, outside its schedule. It returns false
// when the job is already running.
func (s *Service) Trigger(name string) (bool, error) {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return false, ErrUnknownSchedule
	}
	return s.dispatch(d), nil
}

// Entries returns schedules sorted by name.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.defs))
	for _, d := range s.defs {
		e := Entry{
			Name:    d.name,
			Spec:    d.spec.String(),
			Timeout: d.timeout,
			Running: d.running.Load(),
			Runs:    d.runs.Load(),
			Skipped: d.skipped.Load(),
		}
		d.mu.Lock()
		e.LastErr = d.lastErr
		d.mu.Unlock()
		if s.c != nil && d.entryID != 0 {
			ce := s.c.Entry(d.entryID)
			e.Next, e.Prev = ce.Next, ce.Prev
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) registerLocked(d *def) error {
	job := cron.FuncJob(func() { _ = s.dispatch(d) })
	if d.spec.Kind == SpecInterval {
		d.entryID = s.c.Schedule(intervalWithSpread(d.spec.Every, time.Now().In(s.loc), d.name), job)
		return nil
	}
	id, err := s.c.AddJob(d.spec.Cron, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) dispatch(d *def) bool {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		s.log.Debug("previous run still active; trigger skipped", logx.String("name", d.name))
		return false
	}
	base := context.Background()
	if p := s.runCtx.Load(); p != nil {
		base = *p
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer d.running.Store(false)
		s.run(base, d)
	}()
	return true
}

func (s *Service) run(base context.Context, d *def) {
	ctx := base
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, d.timeout)
		defer cancel()
	}
	start := time.Now()
	d.runs.Add(1)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("scheduled job panicked", logx.String("name", d.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return d.job(ctx)
	}()

	d.mu.Lock()
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	d.mu.Unlock()

	if err != nil {
		s.log.Warn("scheduled job failed", logx.String("name", d.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("scheduled job finished", logx.String("name", d.name), logx.Duration("took", time.Since(start)))
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
