package position

import (
	"fmt"
	"sync"
	"testing"
)

func TestGetUnknownSessionIsAbsent(t *testing.T) {
	s := NewStore()

	pos := s.Get("never-registered")
	if pos.Valid {
		t.Error("Expected no position for an unknown session")
	}
	if pos.Beat != 0 {
		t.Errorf("Expected zero beat, got %v", pos.Beat)
	}
}

func TestReadYourWrite(t *testing.T) {
	s := NewStore()

	s.Set("a", 0)
	pos := s.Get("a")
	if !pos.Valid {
		t.Fatal("Expected a real zero position to be present")
	}
	if pos.Beat != 0 {
		t.Errorf("Expected beat 0, got %v", pos.Beat)
	}

	s.Set("a", 3.5)
	if got := s.Get("a").Beat; got != 3.5 {
		t.Errorf("Expected beat 3.5, got %v", got)
	}
}

func TestConcurrentWritersOnDistinctKeys(t *testing.T) {
	const sessions, writes = 32, 500
	s := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		id := fmt.Sprintf("s%02d", i)
		wg.Add(2)
		go func(id string, base float64) {
			defer wg.Done()
			for j := 0; j < writes; j++ {
				s.Set(id, base+float64(j))
			}
		}(id, float64(i*10000))
		go func(id string) {
			defer wg.Done()
			for j := 0; j < writes; j++ {
				_ = s.Get(id)
				_ = s.Snapshot()
			}
		}(id)
	}
	wg.Wait()

	if s.Len() != sessions {
		t.Fatalf("Expected %d sessions, got %d", sessions, s.Len())
	}
	for i := 0; i < sessions; i++ {
		id := fmt.Sprintf("s%02d", i)
		want := float64(i*10000 + writes - 1)
		if got := s.Get(id).Beat; got != want {
			t.Errorf("Session %s: expected %v, got %v", id, want, got)
		}
	}
}

func TestRemoveIsScopedAndIdempotent(t *testing.T) {
	s := NewStore()
	s.Set("a", 1)
	s.Set("b", 2)

	s.Remove("missing")
	s.Remove("a")
	s.Remove("a")

	if s.Get("a").Valid {
		t.Error("Expected a to be removed")
	}
	if got := s.Get("b").Beat; got != 2 {
		t.Errorf("Expected b to keep beat 2, got %v", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewStore()
	s.Set("a", 1)

	snap := s.Snapshot()
	snap["a"] = 99
	snap["b"] = 1

	if got := s.Get("a").Beat; got != 1 {
		t.Errorf("Expected beat 1, got %v", got)
	}
	if s.Get("b").Valid {
		t.Error("Expected b to stay absent from the store")
	}
}

func TestClear(t *testing.T) {
	s := NewStore()
	s.Set("a", 1)
	s.Set("b", 2)

	s.Clear()

	if s.Len() != 0 {
		t.Errorf("Expected empty store, got %d entries", s.Len())
	}
	if s.Get("a").Valid {
		t.Error("Expected a to be cleared")
	}
}
