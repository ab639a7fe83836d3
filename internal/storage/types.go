package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict is returned by CompareAndSwap when the stored version moved.
	ErrConflict = errors.New("storage: version conflict")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values: "memory" (default), "file", "sqlite", "postgres".
type Config struct {
	Driver      string
	Path        string        // file/sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is the durable user record.
//
// Version 0 means the record does not exist yet.
type Record struct {
	UserID         string    `json:"user_id"`
	Endpoints      []string  `json:"endpoints"`
	LegacyEndpoint string    `json:"legacy_endpoint,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
	Version        uint64    `json:"version"`
}

// Clone returns a deep copy so callers can mutate endpoints freely.
func (r Record) Clone() Record {
	cp := r
	cp.Endpoints = append([]string(nil), r.Endpoints...)
	return cp
}

// Empty reports whether the record holds no endpoint at all.
func (r Record) Empty() bool {
	return len(r.Endpoints) == 0 && r.LegacyEndpoint == ""
}

// AuditEntry records a mutation of a user record.
// Endpoint is expected to be masked by the caller.
type AuditEntry struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	UserID   string    `json:"user_id"`
	Action   string    `json:"action"`
	Endpoint string    `json:"endpoint,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Store is the persistence API used by the token service.
type Store interface {
	// Load returns the record for userID. A missing user yields a zero
	// record (Version 0) with UserID set and a nil error.
	Load(ctx context.Context, userID string) (Record, error)
	// CompareAndSwap stores rec with Version expected+1 if the stored
	// version is still expected (0 = insert if absent). Otherwise it
	// returns ErrConflict.
	CompareAndSwap(ctx context.Context, rec Record, expected uint64) error
	// ListUsers returns ids of users holding at least one endpoint.
	ListUsers(ctx context.Context) ([]string, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
