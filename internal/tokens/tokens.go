// Package tokens owns the per-user endpoint sets. It is the only writer of
// user records; every mutation is a read-merge-compare-and-swap cycle so
// concurrent registrations and evictions never lose each other's writes.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatpush/internal/eventbus"
	"chatpush/internal/push"
	"chatpush/internal/storage"
	logx "chatpush/pkg/logx"
)

var (
	ErrInvalidArgument  = errors.New("tokens: invalid argument")
	ErrStoreUnavailable = errors.New("tokens: store unavailable")
)

const (
	DefaultMaxEndpoints = 20
	DefaultCASRetries   = 5
)

// Options tunes the service. Zero values select defaults.
type Options struct {
	MaxEndpoints int
	CASRetries   int
	Bus          eventbus.Bus
	Now          func() time.Time
}

// Result describes the record after a registration.
type Result struct {
	Endpoints []string `json:"endpoints"`
	Changed   bool     `json:"changed"`
	// Dropped lists endpoints removed to respect the per-user cap.
	Dropped []string `json:"dropped,omitempty"`
}

// Evicted is the payload of eventbus.TypeEndpointEvicted.
type Evicted struct {
	UserID   string `json:"user_id"`
	Endpoint string `json:"endpoint"` // masked
	Reason   string `json:"reason"`
}

type Service struct {
	store storage.Store
	log   logx.Logger
	opts  Options
}

func New(store storage.Store, log logx.Logger, opts Options) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.MaxEndpoints <= 0 {
		opts.MaxEndpoints = DefaultMaxEndpoints
	}
	if opts.CASRetries <= 0 {
		opts.CASRetries = DefaultCASRetries
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{store: store, log: log, opts: opts}
}

// Register adds endpoint to the user's set. Registering an endpoint that is
// already present writes nothing.
func (s *Service) Register(ctx context.Context, userID, endpoint string) (Result, error) {
	userID, endpoint = strings.TrimSpace(userID), strings.TrimSpace(endpoint)
	if userID == "" || endpoint == "" {
		return Result{}, fmt.Errorf("%w: user id and endpoint are required", ErrInvalidArgument)
	}

	var res Result
	err := s.mutate(ctx, userID, func(rec storage.Record) (storage.Record, bool) {
		merged := resolve(rec)
		if !slices.Contains(merged, endpoint) {
			merged = append(merged, endpoint)
		}
		var dropped []string
		if over := len(merged) - s.opts.MaxEndpoints; over > 0 {
			dropped = append(dropped, merged[:over]...)
			merged = slices.Clone(merged[over:])
		}
		res = Result{Endpoints: merged, Dropped: dropped}
		if rec.LegacyEndpoint == "" && slices.Equal(merged, rec.Endpoints) {
			return rec, false
		}
		rec.Endpoints = merged
		rec.LegacyEndpoint = ""
		res.Changed = true
		return rec, true
	})
	if err != nil {
		return Result{}, err
	}

	if res.Changed {
		s.audit(ctx, userID, "register", endpoint, "")
		s.log.Info("endpoint registered",
			logx.String("user", userID),
			logx.String("endpoint", push.Mask(endpoint)),
			logx.Int("endpoints", len(res.Endpoints)),
		)
		for _, d := range res.Dropped {
			s.evicted(ctx, userID, d, "cap")
		}
	}
	return res, nil
}

// Evict removes endpoint from the user's set, including the legacy field.
// It reports whether anything was removed; evicting an absent endpoint is
// a no-op.
func (s *Service) Evict(ctx context.Context, userID, endpoint string) (bool, error) {
	userID, endpoint = strings.TrimSpace(userID), strings.TrimSpace(endpoint)
	if userID == "" || endpoint == "" {
		return false, fmt.Errorf("%w: user id and endpoint are required", ErrInvalidArgument)
	}
	n, err := s.remove(ctx, userID, []string{endpoint}, "evict")
	return n > 0, err
}

// Prune removes every endpoint in invalid with a single write and returns
// how many were removed. Endpoints registered meanwhile are preserved.
func (s *Service) Prune(ctx context.Context, userID string, invalid []string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if len(invalid) == 0 {
		return 0, nil
	}
	return s.remove(ctx, userID, invalid, "reconcile")
}

func (s *Service) remove(ctx context.Context, userID string, endpoints []string, reason string) (int, error) {
	drop := make(map[string]struct{}, len(endpoints))
	for _, e := range endpoints {
		drop[e] = struct{}{}
	}

	var removed []string
	err := s.mutate(ctx, userID, func(rec storage.Record) (storage.Record, bool) {
		removed = removed[:0]
		kept := make([]string, 0, len(rec.Endpoints))
		for _, e := range rec.Endpoints {
			if _, ok := drop[e]; ok {
				if !slices.Contains(removed, e) {
					removed = append(removed, e)
				}
				continue
			}
			kept = append(kept, e)
		}
		legacy := rec.LegacyEndpoint
		if _, ok := drop[legacy]; ok && legacy != "" {
			if !slices.Contains(removed, legacy) {
				removed = append(removed, legacy)
			}
			legacy = ""
		}
		if len(removed) == 0 {
			return rec, false
		}
		rec.Endpoints = kept
		rec.LegacyEndpoint = legacy
		return rec, true
	})
	if err != nil {
		return 0, err
	}
	for _, e := range removed {
		s.evicted(ctx, userID, e, reason)
	}
	return len(removed), nil
}

// Snapshot returns the resolved endpoint set: stored endpoints plus the
// legacy field, deduplicated in insertion order.
func (s *Service) Snapshot(ctx context.Context, userID string) ([]string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	rec, err := s.store.Load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", ErrStoreUnavailable, userID, err)
	}
	return resolve(rec), nil
}

// Users lists users holding at least one endpoint.
func (s *Service) Users(ctx context.Context) ([]string, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list users: %w", ErrStoreUnavailable, err)
	}
	return users, nil
}

// mutate runs fn against the latest record and swaps the result in,
// retrying on version conflicts.
func (s *Service) mutate(ctx context.Context, userID string, fn func(storage.Record) (storage.Record, bool)) error {
	for attempt := 0; attempt <= s.opts.CASRetries; attempt++ {
		rec, err := s.store.Load(ctx, userID)
		if err != nil {
			return fmt.Errorf("%w: load %s: %w", ErrStoreUnavailable, userID, err)
		}
		expected := rec.Version
		next, changed := fn(rec.Clone())
		if !changed {
			return nil
		}
		next.UserID = userID
		next.UpdatedAt = s.opts.Now()

		err = s.store.CompareAndSwap(ctx, next, expected)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("%w: write %s: %w", ErrStoreUnavailable, userID, err)
		}
		s.log.Debug("record changed concurrently; retrying", logx.String("user", userID), logx.Int("attempt", attempt+1))
	}
	return fmt.Errorf("%w: %s: gave up after %d conflicting writes", ErrStoreUnavailable, userID, s.opts.CASRetries+1)
}

func (s *Service) evicted(ctx context.Context, userID, endpoint, reason string) {
	masked := push.Mask(endpoint)
	s.audit(ctx, userID, "evict", endpoint, reason)
	s.log.Info("endpoint evicted", logx.String("user", userID), logx.String("endpoint", masked), logx.String("reason", reason))
	s.opts.Bus.Publish(eventbus.Event{
		Type: eventbus.TypeEndpointEvicted,
		Data: Evicted{UserID: userID, Endpoint: masked, Reason: reason},
	})
}

func (s *Service) audit(ctx context.Context, userID, action, endpoint, detail string) {
	err := s.store.AppendAudit(ctx, storage.AuditEntry{
		ID:       uuid.NewString(),
		At:       s.opts.Now(),
		UserID:   userID,
		Action:   action,
		Endpoint: push.Mask(endpoint),
		Detail:   detail,
	})
	if err != nil {
		s.log.Debug("audit append failed", logx.String("user", userID), logx.Err(err))
	}
}

func resolve(rec storage.Record) []string {
	out := make([]string, 0, len(rec.Endpoints)+1)
	for _, e := range rec.Endpoints {
		if e != "" && !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	if rec.LegacyEndpoint != "" && !slices.Contains(out, rec.LegacyEndpoint) {
		out = append(out, rec.LegacyEndpoint)
	}
	return out
}
