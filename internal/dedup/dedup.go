// Package dedup suppresses repeated display of the same notification on a
// device. It remembers a bounded number of recent fingerprints; when the
// bound is exceeded the oldest batch is forgotten at once.
package dedup

import (
	"encoding/binary"
	"hash/fnv"
	"strconv"
	"sync"
)

const (
	DefaultCapacity   = 50
	DefaultEvictBatch = 10
)

// Suppressor is safe for concurrent use.
type Suppressor struct {
	mu       sync.Mutex
	capacity int
	batch    int
	order    []string
	seen     map[string]struct{}
}

// New returns a suppressor holding up to capacity fingerprints and
// dropping evictBatch of the earliest-inserted ones on overflow.
func New(capacity, evictBatch int) *Suppressor {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if evictBatch <= 0 || evictBatch > capacity {
		evictBatch = min(DefaultEvictBatch, capacity)
	}
	return &Suppressor{
		capacity: capacity,
		batch:    evictBatch,
		order:    make([]string, 0, capacity+1),
		seen:     make(map[string]struct{}, capacity+1),
	}
}

func NewDefault() *Suppressor { return New(DefaultCapacity, DefaultEvictBatch) }

// ShouldDisplay records fp and reports whether it was unseen. A repeated
// fingerprint does not refresh its position.
func (s *Suppressor) ShouldDisplay(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[fp]; ok {
		return false
	}
	s.seen[fp] = struct{}{}
	s.order = append(s.order, fp)
	if len(s.order) > s.capacity {
		for _, old := range s.order[:s.batch] {
			delete(s.seen, old)
		}
		s.order = append(s.order[:0], s.order[s.batch:]...)
	}
	return true
}

// Forget drops fp so a later delivery of the same notification is shown.
// It reports whether fp was present.
func (s *Suppressor) Forget(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[fp]; !ok {
		return false
	}
	delete(s.seen, fp)
	for i, v := range s.order {
		if v == fp {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func (s *Suppressor) Contains(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[fp]
	return ok
}

// Fingerprint derives a stable key from who sent what where.
func Fingerprint(senderID, conversationID, content string) string {
	ch := fnv.New64a()
	_, _ = ch.Write([]byte(content))

	h := fnv.New64a()
	for _, part := range []string{senderID, conversationID} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], ch.Sum64())
	_, _ = h.Write(sum[:])
	return strconv.FormatUint(h.Sum64(), 16)
}
