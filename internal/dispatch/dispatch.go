// Package dispatch fans one chat event out to every endpoint of the
// recipient and prunes endpoints the provider reports as invalid.
package dispatch

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chatpush/internal/eventbus"
	"chatpush/internal/push"
	logx "chatpush/pkg/logx"
)

var ErrNoRecipient = errors.New("dispatch: recipient id is required")

const DefaultMaxParallel = 16

// Endpoints is the token store as seen by the dispatcher.
type Endpoints interface {
	Snapshot(ctx context.Context, userID string) ([]string, error)
	Evict(ctx context.Context, userID, endpoint string) (bool, error)
}

type Options struct {
	MaxParallel int
	Bus         eventbus.Bus
	Now         func() time.Time
}

// Outcome is the result of one attempt. Endpoint is masked.
type Outcome struct {
	Endpoint string      `json:"endpoint"`
	Status   push.Status `json:"status"`
	Error    string      `json:"error,omitempty"`
	Evicted  bool        `json:"evicted,omitempty"`
}

// Report aggregates every attempt of one dispatch.
type Report struct {
	ID          string        `json:"id"`
	RecipientID string        `json:"recipient_id"`
	Total       int           `json:"total"`
	Delivered   int           `json:"delivered"`
	Invalid     int           `json:"invalid"`
	Transient   int           `json:"transient"`
	Evicted     int           `json:"evicted"`
	NoEndpoints bool          `json:"no_endpoints,omitempty"`
	Outcomes    []Outcome     `json:"outcomes,omitempty"`
	Took        time.Duration `json:"took"`
}

type Dispatcher struct {
	endpoints Endpoints
	provider  push.Provider
	log       logx.Logger
	opts      Options
}

func New(endpoints Endpoints, provider push.Provider, log logx.Logger, opts Options) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{endpoints: endpoints, provider: provider, log: log, opts: opts}
}

// Dispatch delivers ev to all endpoints of the recipient. It returns only
// after every attempt finished. An error means the endpoint set could not
// be read; per-endpoint failures are reported in the Report.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (Report, error) {
	start := d.opts.Now()
	rep := Report{ID: uuid.NewString(), RecipientID: ev.RecipientID}
	if err := ev.Validate(); err != nil {
		return rep, err
	}
	log := d.log.With(logx.String("dispatch", rep.ID), logx.String("recipient", ev.RecipientID))

	endpoints, err := d.endpoints.Snapshot(ctx, ev.RecipientID)
	if err != nil {
		log.Error("endpoint lookup failed", logx.Err(err))
		return rep, err
	}
	if len(endpoints) == 0 {
		rep.NoEndpoints = true
		rep.Took = d.opts.Now().Sub(start)
		log.Info("recipient has no endpoints; nothing sent")
		d.publish(rep)
		return rep, nil
	}

	base := BuildMessage(ev, start)
	outcomes := make([]Outcome, len(endpoints))

	var g errgroup.Group
	g.SetLimit(d.opts.MaxParallel)
	for i, ep := range endpoints {
		g.Go(func() error {
			outcomes[i] = d.attempt(ctx, log, ev.RecipientID, ep, base)
			return nil
		})
	}
	_ = g.Wait()

	rep.Total = len(endpoints)
	rep.Outcomes = outcomes
	for _, o := range outcomes {
		switch o.Status {
		case push.Delivered:
			rep.Delivered++
		case push.InvalidEndpoint:
			rep.Invalid++
		default:
			rep.Transient++
		}
		if o.Evicted {
			rep.Evicted++
		}
	}
	rep.Took = d.opts.Now().Sub(start)

	log.Info("dispatch finished",
		logx.Int("delivered", rep.Delivered),
		logx.Int("total", rep.Total),
		logx.Int("invalid", rep.Invalid),
		logx.Int("transient", rep.Transient),
		logx.Duration("took", rep.Took),
	)
	d.publish(rep)
	return rep, nil
}

func (d *Dispatcher) attempt(ctx context.Context, log logx.Logger, userID, endpoint string, base push.Message) Outcome {
	msg := base
	msg.Endpoint = endpoint
	msg.Data = maps.Clone(base.Data)

	err := d.provider.Send(ctx, msg)
	out := Outcome{Endpoint: push.Mask(endpoint), Status: push.Classify(err)}
	if err != nil {
		out.Error = err.Error()
	}

	switch out.Status {
	case push.InvalidEndpoint:
		removed, eerr := d.endpoints.Evict(ctx, userID, endpoint)
		if eerr != nil {
			log.Warn("evicting invalid endpoint failed", logx.String("endpoint", out.Endpoint), logx.Err(eerr))
			break
		}
		out.Evicted = removed
	case push.TransientFailure:
		log.Warn("delivery failed; endpoint kept", logx.String("endpoint", out.Endpoint), logx.Err(err))
	}
	return out
}

func (d *Dispatcher) publish(rep Report) {
	summary := rep
	summary.Outcomes = nil
	d.opts.Bus.Publish(eventbus.Event{Type: eventbus.TypeDispatched, Data: summary})
}
