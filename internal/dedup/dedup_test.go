package dedup

import (
	"fmt"
	"sync"
	"testing"
)

func TestFirstSeenFalseThenTrue(t *testing.T) {
	c := New(10)
	if c.Seen("a") {
		t.Error("first Seen must be false")
	}
	if !c.Seen("a") {
		t.Error("second Seen must be true")
	}
}

func TestEvictionFIFO(t *testing.T) {
	c := New(3)
	c.Seen("a")
	c.Seen("b")
	c.Seen("c")
	c.Seen("d") // evicts "a"
	if c.Seen("a") {
		t.Error("evicted entry must read as unseen")
	}
	if !c.Seen("b") || !c.Seen("c") || !c.Seen("d") {
		t.Error("younger entries must survive eviction")
	}
}

func TestEmptyIDNeverSeen(t *testing.T) {
	c := New(3)
	if c.Seen("") || c.Seen("") {
		t.Error("empty id must never be recorded")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}

func TestConcurrentSeen(t *testing.T) {
	c := New(1000)
	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := 0
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if !c.Seen(fmt.Sprintf("ev-%d", i)) {
					mu.Lock()
					firsts++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	if firsts != 100 {
		t.Errorf("each id must be unseen exactly once, got %d firsts", firsts)
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint([]byte(`{"Id":1}`))
	b := Fingerprint([]byte(`{"Id":1}`))
	if a != b {
		t.Error("fingerprint must be deterministic")
	}
	if a == Fingerprint([]byte(`{"Id":2}`)) {
		t.Error("different bodies must not collide trivially")
	}
}
