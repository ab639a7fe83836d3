package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "chatpush/pkg/logx"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS user_endpoints (
    user_id         TEXT PRIMARY KEY,
    endpoints       TEXT NOT NULL DEFAULT '[]',
    legacy_endpoint TEXT,
    updated_at      INTEGER NOT NULL,
    version         INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS audit (
    id       TEXT PRIMARY KEY,
    at       INTEGER NOT NULL,
    user_id  TEXT NOT NULL,
    action   TEXT NOT NULL,
    endpoint TEXT,
    detail   TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_user ON audit(user_id, at);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS user_endpoints (
    user_id         TEXT PRIMARY KEY,
    endpoints       TEXT NOT NULL DEFAULT '[]',
    legacy_endpoint TEXT,
    updated_at      BIGINT NOT NULL,
    version         BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS audit (
    id       TEXT PRIMARY KEY,
    at       BIGINT NOT NULL,
    user_id  TEXT NOT NULL,
    action   TEXT NOT NULL,
    endpoint TEXT,
    detail   TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_user ON audit(user_id, at);
`

// sqlStore implements Store on database/sql. The version column carries
// the optimistic-concurrency token.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect dialect
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqlStore{db: db, log: log, dialect: dialectSQLite}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	st := &sqlStore{db: db, log: log, dialect: dialectPostgres}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == dialectPostgres {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// q rewrites '?' placeholders for the active dialect.
func (s *sqlStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Load(ctx context.Context, userID string) (Record, error) {
	var (
		raw     string
		legacy  sql.NullString
		updated int64
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT endpoints, legacy_endpoint, updated_at, version FROM user_endpoints WHERE user_id = ?`),
		userID,
	).Scan(&raw, &legacy, &updated, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{UserID: userID}, nil
	}
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		UserID:         userID,
		LegacyEndpoint: legacy.String,
		UpdatedAt:      time.UnixMilli(updated),
		Version:        uint64(version),
	}
	if err := json.Unmarshal([]byte(raw), &rec.Endpoints); err != nil {
		return Record{}, fmt.Errorf("decode endpoints for %s: %w", userID, err)
	}
	return rec, nil
}

func (s *sqlStore) CompareAndSwap(ctx context.Context, rec Record, expected uint64) error {
	eps := rec.Endpoints
	if eps == nil {
		eps = []string{}
	}
	raw, err := json.Marshal(eps)
	if err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx,
			s.q(`INSERT INTO user_endpoints(user_id, endpoints, legacy_endpoint, updated_at, version)
			 VALUES(?,?,?,?,1)
			 ON CONFLICT(user_id) DO NOTHING`),
			rec.UserID, string(raw), nullStr(rec.LegacyEndpoint), rec.UpdatedAt.UnixMilli(),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			s.q(`UPDATE user_endpoints
			 SET endpoints = ?, legacy_endpoint = ?, updated_at = ?, version = ?
			 WHERE user_id = ? AND version = ?`),
			string(raw), nullStr(rec.LegacyEndpoint), rec.UpdatedAt.UnixMilli(), int64(expected+1),
			rec.UserID, int64(expected),
		)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqlStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM user_endpoints
		 WHERE endpoints <> '[]' OR (legacy_endpoint IS NOT NULL AND legacy_endpoint <> '')
		 ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO audit(id, at, user_id, action, endpoint, detail) VALUES(?,?,?,?,?,?)`),
		e.ID, e.At.UnixMilli(), e.UserID, e.Action, nullStr(e.Endpoint), nullStr(e.Detail),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
