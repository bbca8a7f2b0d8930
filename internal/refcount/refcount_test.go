package refcount

import (
	"sync"
	"testing"
	"time"
)

func TestCreateFiresOnlyOnFirstConsumer(t *testing.T) {
	var mu sync.Mutex
	creates := 0

	m := New(20*time.Millisecond, func(key string) string {
		mu.Lock()
		creates++
		mu.Unlock()
		return "resource:" + key
	}, func(string, string) {})

	v1 := m.AddConsumer("a")
	v2 := m.AddConsumer("a")
	if v1 != v2 || v1 != "resource:a" {
		t.Fatalf("expected both consumers to see the same resource, got %q and %q", v1, v2)
	}

	mu.Lock()
	got := creates
	mu.Unlock()
	if got != 1 {
		t.Errorf("expected exactly one create call, got %d", got)
	}
}

func TestDisposeFiresAfterDelayWhenLastConsumerLeaves(t *testing.T) {
	disposed := make(chan string, 1)
	m := New(15*time.Millisecond, func(key string) string { return key }, func(key string, _ string) {
		disposed <- key
	})

	m.AddConsumer("a")
	m.RemoveConsumer("a")

	if _, ok := m.Get("a"); !ok {
		t.Error("expected resource to still be present immediately after removal (inside delay window)")
	}

	select {
	case key := <-disposed:
		if key != "a" {
			t.Errorf("disposed wrong key: %q", key)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected dispose to fire within the delay window")
	}

	if _, ok := m.Get("a"); ok {
		t.Error("expected resource to be gone after dispose")
	}
}

func TestReAddingWithinWindowCancelsDisposal(t *testing.T) {
	disposed := make(chan string, 1)
	m := New(30*time.Millisecond, func(key string) string { return key }, func(key string, _ string) {
		disposed <- key
	})

	m.AddConsumer("a")
	m.RemoveConsumer("a")
	time.Sleep(5 * time.Millisecond)
	m.AddConsumer("a") // cancels the pending disposal

	select {
	case <-disposed:
		t.Fatal("expected disposal to be cancelled by re-adding a consumer")
	case <-time.After(60 * time.Millisecond):
	}

	if _, ok := m.Get("a"); !ok {
		t.Error("expected resource to survive a cancelled disposal")
	}
}

func TestRemoveConsumerOnUnknownKeyIsNoop(t *testing.T) {
	m := New(time.Millisecond, func(string) string { return "" }, func(string, string) {})
	m.RemoveConsumer("never-added") // must not panic
}
