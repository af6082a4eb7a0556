package registry

import (
	"sync"
	"testing"
)

type fakeHandle struct {
	mu     sync.Mutex
	closed bool
	apis   []string
}

func (f *fakeHandle) CloseAll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeHandle) HandleAPICall(api string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apis = append(f.apis, api)
	return nil
}

func TestGetOrCreateCreatesOnce(t *testing.T) {
	reg := New()
	var created int
	factory := func(generation uint64) Handle {
		created++
		return &fakeHandle{}
	}

	h1, gen1, wasCreated1 := reg.GetOrCreate("doc-a", factory)
	if !wasCreated1 || gen1 == 0 {
		t.Fatalf("first GetOrCreate: created=%v gen=%d", wasCreated1, gen1)
	}
	h2, gen2, wasCreated2 := reg.GetOrCreate("doc-a", factory)
	if wasCreated2 {
		t.Fatalf("second GetOrCreate should reuse the existing room")
	}
	if h1 != h2 || gen1 != gen2 {
		t.Fatalf("expected the same room/generation back, got %v/%d and %v/%d", h1, gen1, h2, gen2)
	}
	if created != 1 {
		t.Fatalf("factory invoked %d times, want 1", created)
	}
}

func TestGenerationsAreDistinctPerDocument(t *testing.T) {
	reg := New()
	factory := func(generation uint64) Handle { return &fakeHandle{} }

	_, genA, _ := reg.GetOrCreate("doc-a", factory)
	_, genB, _ := reg.GetOrCreate("doc-b", factory)
	if genA == genB {
		t.Fatalf("expected distinct generations for distinct documents, got %d and %d", genA, genB)
	}
}

func TestIsCurrentAndRemove(t *testing.T) {
	reg := New()
	factory := func(generation uint64) Handle { return &fakeHandle{} }

	_, gen, _ := reg.GetOrCreate("doc-a", factory)
	if !reg.IsCurrent("doc-a", gen) {
		t.Fatalf("expected gen %d to be current", gen)
	}
	if reg.IsCurrent("doc-a", gen+1) {
		t.Fatalf("a different generation must not read as current")
	}
	if reg.IsCurrent("doc-missing", 1) {
		t.Fatalf("an unregistered document must never read as current")
	}

	// A stale generation's Remove must not affect the current entry.
	if reg.Remove("doc-a", gen+1) {
		t.Fatalf("Remove with a stale generation must fail")
	}
	if _, ok := reg.Get("doc-a"); !ok {
		t.Fatalf("doc-a should still be registered after a stale Remove")
	}

	if !reg.Remove("doc-a", gen) {
		t.Fatalf("Remove with the current generation should succeed")
	}
	if _, ok := reg.Get("doc-a"); ok {
		t.Fatalf("doc-a should be unregistered after Remove")
	}
	if reg.Generation("doc-a") != 0 {
		t.Fatalf("Generation of an unregistered document must be 0")
	}
}

func TestGetOrCreateConcurrentRaceCreatesOnlyOneRoom(t *testing.T) {
	reg := New()
	var mu sync.Mutex
	created := 0
	factory := func(generation uint64) Handle {
		mu.Lock()
		created++
		mu.Unlock()
		return &fakeHandle{}
	}

	var wg sync.WaitGroup
	results := make([]Handle, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, _, _ := reg.GetOrCreate("shared-doc", factory)
			results[i] = h
		}(i)
	}
	wg.Wait()

	first := results[0]
	for i, h := range results {
		if h != first {
			t.Fatalf("result[%d] got a different room than result[0]", i)
		}
	}
	// The factory may race and build more than one candidate room, but
	// only one may ever win registration.
	if created < 1 {
		t.Fatalf("factory never ran")
	}
}

func TestAllListsRegisteredRooms(t *testing.T) {
	reg := New()
	factory := func(generation uint64) Handle { return &fakeHandle{} }
	reg.GetOrCreate("doc-a", factory)
	reg.GetOrCreate("doc-b", factory)

	all := reg.All()
	if len(all) != 2 {
		t.Fatalf("All() returned %d handles, want 2", len(all))
	}
}
