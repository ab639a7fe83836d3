package dedup

import (
	"fmt"
	"sync"
	"testing"
)

func TestSuppressesRepeats(t *testing.T) {
	t.Parallel()
	s := NewDefault()
	if !s.ShouldDisplay("a") {
		t.Fatalf("first sighting must display")
	}
	if s.ShouldDisplay("a") {
		t.Fatalf("repeat must be suppressed")
	}
	if s.Len() != 1 {
		t.Fatalf("want 1 entry, got %d", s.Len())
	}
}

func TestForget(t *testing.T) {
	t.Parallel()
	s := NewDefault()
	for _, fp := range []string{"a", "b", "c"} {
		s.ShouldDisplay(fp)
	}
	if !s.Forget("b") {
		t.Fatalf("forget must report a present entry")
	}
	if s.Forget("b") {
		t.Fatalf("second forget must be a no-op")
	}
	if s.Len() != 2 || s.Contains("b") {
		t.Fatalf("want a and c only, len=%d", s.Len())
	}
	if !s.ShouldDisplay("b") {
		t.Fatalf("forgotten fingerprint must display again")
	}
}

func TestEvictionBoundary(t *testing.T) {
	t.Parallel()
	s := NewDefault()
	for i := 1; i <= 50; i++ {
		if !s.ShouldDisplay(fmt.Sprint(i)) {
			t.Fatalf("entry %d should display", i)
		}
	}
	if s.Len() != 50 {
		t.Fatalf("want 50 entries at capacity, got %d", s.Len())
	}

	s.ShouldDisplay("51")
	if s.Len() != 41 {
		t.Fatalf("want 41 entries after overflow, got %d", s.Len())
	}
	for i := 1; i <= 10; i++ {
		if s.Contains(fmt.Sprint(i)) {
			t.Fatalf("entry %d should have been evicted", i)
		}
	}
	if !s.Contains("45") || !s.Contains("11") || !s.Contains("51") {
		t.Fatalf("recent entries must survive eviction")
	}
	if s.ShouldDisplay("45") {
		t.Fatalf("entry 45 must still be suppressed")
	}
	if !s.ShouldDisplay("3") {
		t.Fatalf("evicted entry displays again")
	}
}

func TestCustomBounds(t *testing.T) {
	t.Parallel()
	s := New(3, 2)
	for _, fp := range []string{"a", "b", "c", "d"} {
		s.ShouldDisplay(fp)
	}
	if s.Len() != 2 || !s.Contains("c") || !s.Contains("d") {
		t.Fatalf("unexpected state after overflow: len=%d", s.Len())
	}
}

func TestConcurrentUse(t *testing.T) {
	t.Parallel()
	s := NewDefault()
	var wg sync.WaitGroup
	shown := make(chan bool, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shown <- s.ShouldDisplay("same")
		}()
	}
	wg.Wait()
	close(shown)
	n := 0
	for ok := range shown {
		if ok {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("want exactly one display, got %d", n)
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()
	a := Fingerprint("s1", "c1", "hola")
	if a != Fingerprint("s1", "c1", "hola") {
		t.Fatalf("fingerprint must be deterministic")
	}
	for _, other := range []string{
		Fingerprint("s2", "c1", "hola"),
		Fingerprint("s1", "c2", "hola"),
		Fingerprint("s1", "c1", "adios"),
		Fingerprint("s1c", "1", "hola"),
	} {
		if other == a {
			t.Fatalf("distinct inputs collided")
		}
	}
}
