package crdt

import (
	"bytes"
	"encoding/gob"
	"sync"
)

// awarenessEntry is one client's ephemeral presence/cursor state plus the
// per-client sequence number used to discard stale or duplicate updates.
// Unlike the tree and map CRDTs, awareness has exactly one writer per
// client, so a simple per-client counter (not a full vector clock) is
// enough to order its own updates.
type awarenessEntry struct {
	ClientID string
	Seq      uint64
	State    []byte // nil means the client's state was cleared (disconnected)
}

// Awareness holds ephemeral, non-persisted per-client presence state (spec
// §3, §4.2). It is destroyed together with its owning Document; destruction
// is idempotent.
type Awareness struct {
	mu        sync.Mutex
	states    map[string]awarenessEntry
	observers []func([]byte)
	destroyed bool
}

// NewAwareness creates an empty Awareness object.
func NewAwareness() *Awareness {
	return &Awareness{states: make(map[string]awarenessEntry)}
}

// SetLocalState records clientID's state and broadcasts an encoded update
// carrying just that one entry to observers.
func (a *Awareness) SetLocalState(clientID string, state []byte) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	e := a.states[clientID]
	e.ClientID = clientID
	e.Seq++
	e.State = append([]byte(nil), state...)
	a.states[clientID] = e
	observers := append([]func([]byte){}, a.observers...)
	a.mu.Unlock()

	payload := encodeAwareness([]awarenessEntry{e})
	for _, obs := range observers {
		obs(payload)
	}
}

// Remove clears clientID's state, used when the Connection that controlled
// it closes (spec §3 Connection invariants).
func (a *Awareness) Remove(clientID string) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	e, ok := a.states[clientID]
	if !ok {
		a.mu.Unlock()
		return
	}
	e.Seq++
	e.State = nil
	a.states[clientID] = e
	observers := append([]func([]byte){}, a.observers...)
	a.mu.Unlock()

	payload := encodeAwareness([]awarenessEntry{e})
	for _, obs := range observers {
		obs(payload)
	}
}

// GetStates returns a snapshot of every client's current non-cleared state.
func (a *Awareness) GetStates() map[string][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string][]byte, len(a.states))
	for id, e := range a.states {
		if e.State != nil {
			out[id] = e.State
		}
	}
	return out
}

// OnUpdate registers an observer fired with the encoded awareness update
// whenever local or remote state changes.
func (a *Awareness) OnUpdate(fn func([]byte)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

// ApplyUpdate merges a remote awareness update (decoded entries), applying
// each only if its Seq is newer than what's recorded, and rebroadcasts the
// same bytes to observers so peers converge on the same "most recent wins"
// result regardless of delivery order.
func (a *Awareness) ApplyUpdate(data []byte) error {
	entries, err := decodeAwareness(data)
	if err != nil {
		return err
	}
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	var applied []awarenessEntry
	for _, e := range entries {
		cur, ok := a.states[e.ClientID]
		if ok && cur.Seq >= e.Seq {
			continue
		}
		a.states[e.ClientID] = e
		applied = append(applied, e)
	}
	observers := append([]func([]byte){}, a.observers...)
	a.mu.Unlock()

	if len(applied) == 0 {
		return nil
	}
	payload := encodeAwareness(applied)
	for _, obs := range observers {
		obs(payload)
	}
	return nil
}

// Snapshot encodes every currently-populated client's state as a single
// update, used to prime a newly connected peer (spec §4.6 step 6).
func (a *Awareness) Snapshot() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	var entries []awarenessEntry
	for _, e := range a.states {
		if e.State != nil {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		return nil
	}
	return encodeAwareness(entries)
}

// Destroy detaches all observers. Idempotent.
func (a *Awareness) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyed = true
	a.observers = nil
}

// AwarenessClientIDs decodes an encoded awareness update and returns the
// client IDs it touches, without exposing the entry type itself. The Room
// uses this to learn which awareness client-IDs a Connection controls, so
// they can be removed when that Connection closes (spec.md §3 Connection
// invariants).
func AwarenessClientIDs(data []byte) ([]string, error) {
	entries, err := decodeAwareness(data)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ClientID)
	}
	return ids, nil
}

func encodeAwareness(entries []awarenessEntry) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entries); err != nil {
		panic("crdt: awareness encode: " + err.Error())
	}
	return buf.Bytes()
}

func decodeAwareness(data []byte) ([]awarenessEntry, error) {
	var entries []awarenessEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}
