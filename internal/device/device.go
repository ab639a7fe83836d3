// Package device is the client-side half of delivery: it turns an incoming
// push into at most one local display and forwards token refreshes to the
// server.
package device

import (
	"context"
	"errors"
	"strings"

	"chatpush/internal/dedup"
	"chatpush/internal/push"
	"chatpush/pkg/httpclient"
	logx "chatpush/pkg/logx"
)

const fallbackTitle = "Nuevo mensaje"

var ErrNoRegistrar = errors.New("device: no registrar configured")

// Incoming is a push as handed over by the platform transport.
type Incoming struct {
	Title string
	Body  string
	Data  map[string]string
}

// DisplayRequest is what the local notification surface renders.
type DisplayRequest struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
}

type Display interface {
	Show(ctx context.Context, req DisplayRequest) error
}

type Registrar interface {
	Register(ctx context.Context, endpoint string) error
}

// Receiver owns the suppressor for one device.
type Receiver struct {
	display   Display
	registrar Registrar
	seen      *dedup.Suppressor
	log       logx.Logger
}

// NewReceiver builds a receiver. A nil suppressor selects the default
// bounds.
func NewReceiver(display Display, registrar Registrar, seen *dedup.Suppressor, log logx.Logger) *Receiver {
	if seen == nil {
		seen = dedup.NewDefault()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Receiver{display: display, registrar: registrar, seen: seen, log: log}
}

// HandleMessage shows msg unless an identical one was shown recently. It
// reports whether a display request was issued.
func (r *Receiver) HandleMessage(ctx context.Context, msg Incoming) (bool, error) {
	sender := msg.Data["senderId"]
	conv := msg.Data["conversationId"]

	fp := dedup.Fingerprint(sender, conv, msg.Body)
	if !r.seen.ShouldDisplay(fp) {
		r.log.Debug("duplicate push suppressed", logx.String("conversation", conv))
		return false, nil
	}

	title := strings.TrimSpace(msg.Title)
	if title == "" {
		title = fallbackTitle
	}
	req := DisplayRequest{Title: title, Body: msg.Body, ConversationID: conv, SenderID: sender}
	if err := r.display.Show(ctx, req); err != nil {
		// Not shown, so a redelivery must not count as a duplicate.
		r.seen.Forget(fp)
		return false, err
	}
	return true, nil
}

// HandleNewToken forwards a refreshed endpoint to the server.
func (r *Receiver) HandleNewToken(ctx context.Context, endpoint string) error {
	if r.registrar == nil {
		return ErrNoRegistrar
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return errors.New("device: empty endpoint")
	}
	if err := r.registrar.Register(ctx, endpoint); err != nil {
		r.log.Warn("endpoint registration failed", logx.String("endpoint", push.Mask(endpoint)), logx.Err(err))
		return err
	}
	r.log.Info("endpoint registered", logx.String("endpoint", push.Mask(endpoint)))
	return nil
}

// RemoteRegistrar registers endpoints through the daemon's HTTP API.
type RemoteRegistrar struct {
	client *httpclient.Client
}

// NewRemoteRegistrar targets baseURL, authenticating with the device's
// bearer token.
func NewRemoteRegistrar(baseURL, bearer string, opts ...httpclient.Option) *RemoteRegistrar {
	opts = append([]httpclient.Option{httpclient.WithStaticBearer(bearer)}, opts...)
	return &RemoteRegistrar{client: httpclient.New(baseURL, opts...)}
}

func (r *RemoteRegistrar) Register(ctx context.Context, endpoint string) error {
	return r.client.PostJSON(ctx, "/v1/devices/token", map[string]string{"endpoint": endpoint}, nil)
}

// Unregister removes the endpoint on sign-out.
func (r *RemoteRegistrar) Unregister(ctx context.Context, endpoint string) error {
	return r.client.DeleteJSON(ctx, "/v1/devices/token", map[string]string{"endpoint": endpoint}, nil)
}
