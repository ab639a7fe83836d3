package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "chatpush/pkg/logx"
)

const fileCompactEvery = 500

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.users.snapshot.json  (periodic snapshot)
//   - <prefix>.users.journal.jsonl  (append-only journal of full records)
//
// The journal is periodically compacted into the snapshot. The whole record
// set lives in memory; the files only make it survive restarts.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	records      map[string]Record

	writes int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".users.snapshot.json"
	journalPath := prefix + ".users.journal.jsonl"

	records := map[string]Record{}
	if err := loadSnapshot(snapPath, records); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable; starting from journal", logx.Err(err), logx.String("path", snapPath))
	}
	if err := replayJournal(journalPath, records); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("journal replay stopped early", logx.Err(err), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("users", len(records)))
	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		records:      records,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	// Compact on close so the next start replays nothing.
	errCompact := s.compactLocked()
	err1 := s.auditFile.Close()
	err2 := s.journalFile.Close()
	s.auditFile = nil
	s.journalFile = nil
	return errors.Join(errCompact, err1, err2)
}

func (s *fileStore) Load(ctx context.Context, userID string) (Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return Record{}, ErrClosed
	}
	rec, ok := s.records[userID]
	if !ok {
		return Record{UserID: userID}, nil
	}
	return rec.Clone(), nil
}

func (s *fileStore) CompareAndSwap(ctx context.Context, rec Record, expected uint64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	cur, ok := s.records[rec.UserID]
	if (!ok && expected != 0) || (ok && cur.Version != expected) {
		return ErrConflict
	}
	rec = rec.Clone()
	rec.Version = expected + 1

	// Journal first: a record is only visible once it is durable.
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.records[rec.UserID] = rec

	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ListUsers(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(s.records))
	for id, rec := range s.records {
		if !rec.Empty() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.records); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]Record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Record
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]Record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Torn tail write; later lines are still applied.
			continue
		}
		if r.UserID == "" {
			continue
		}
		if cur, ok := out[r.UserID]; ok && cur.Version > r.Version {
			continue
		}
		out[r.UserID] = r
	}
	return sc.Err()
}
