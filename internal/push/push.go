// Package push defines the messaging-provider boundary: the message shape
// handed to a provider, the provider contract and the outcome taxonomy.
package push

import (
	"context"
	"errors"
)

var (
	// ErrInvalidEndpoint marks a permanent rejection of the endpoint.
	ErrInvalidEndpoint = errors.New("push: invalid endpoint")
	// ErrTimeout marks a provider call that exceeded its deadline.
	ErrTimeout = errors.New("push: provider timeout")
)

// Notification is the user-visible part of a push.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Android carries platform delivery hints.
type Android struct {
	ChannelID string `json:"channel_id,omitempty"`
	Priority  string `json:"priority,omitempty"`
}

// Message is one delivery to one endpoint.
type Message struct {
	Endpoint     string            `json:"endpoint"`
	Notification Notification      `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      Android           `json:"android"`
}

// Provider delivers messages to a single endpoint at a time.
type Provider interface {
	Send(ctx context.Context, msg Message) error
	// Validate checks endpoint liveness without a user-visible delivery.
	Validate(ctx context.Context, endpoint string) error
	Name() string
}

// Status is the outcome of one delivery or validation attempt.
type Status int

const (
	Delivered Status = iota
	InvalidEndpoint
	TransientFailure
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case InvalidEndpoint:
		return "invalid_endpoint"
	case TransientFailure:
		return "transient_failure"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Classify maps a provider error to a Status. Only ErrInvalidEndpoint is
// permanent.
func Classify(err error) Status {
	switch {
	case err == nil:
		return Delivered
	case errors.Is(err, ErrInvalidEndpoint):
		return InvalidEndpoint
	default:
		return TransientFailure
	}
}

// Mask shortens an endpoint to its first 20 runes for logs.
func Mask(endpoint string) string {
	const keep = 20
	n := 0
	for i := range endpoint {
		if n == keep {
			return endpoint[:i] + "..."
		}
		n++
	}
	return endpoint
}
