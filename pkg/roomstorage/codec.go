package roomstorage

import (
	"fmt"
	"strconv"

	"dacollab.dev/pkg/collaberrors"
)

const (
	docKey      = "doc"
	docstoreKey = "docstore"
	chunksKey   = "chunks"
	etagKey     = "etag"

	chunkSize = MaxValueSize
)

// Record is the decoded form of a room's chunked storage record.
type Record struct {
	State []byte
	ETag  string // empty if none was recorded
}

// Write implements the §4.5 write algorithm: delete every existing key for
// this room, then write the state either unchunked (docstore) or chunked
// (chunks + chunk_N) depending on size, always stamping doc and the
// optional etag.
func Write(kv KeyValue, docName string, state []byte, etag string) error {
	existing, err := kv.List()
	if err != nil {
		return err
	}

	b := NewBatch()
	for key := range existing {
		b.Delete(key)
	}
	b.Set(docKey, docName)
	if etag != "" {
		b.Set(etagKey, etag)
	}

	if len(state) <= chunkSize {
		b.Set(docstoreKey, string(state))
		return kv.CommitBatch(b)
	}

	n := (len(state) + chunkSize - 1) / chunkSize
	if n >= MaxChunks {
		return fmt.Errorf("%w: state requires %d chunks, max is %d", collaberrors.ErrStorageTooManyChunks, n, MaxChunks)
	}
	b.Set(chunksKey, strconv.Itoa(n))
	for i := 0; i < n; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(state) {
			end = len(state)
		}
		b.Set(chunkKeyName(i), string(state[start:end]))
	}
	return kv.CommitBatch(b)
}

// Read implements the §4.5 read algorithm. A nil Record with a nil error
// means "absent" (no stored state for this room, or a doc-tag mismatch
// that caused a wipe).
func Read(kv KeyValue, docName string) (*Record, error) {
	existing, err := kv.List()
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, nil
	}
	if existing[docKey] != docName {
		if err := wipe(kv, existing); err != nil {
			return nil, err
		}
		return nil, nil
	}

	rec := &Record{ETag: existing[etagKey]}

	if state, ok := existing[docstoreKey]; ok {
		rec.State = []byte(state)
		return rec, nil
	}

	nStr, ok := existing[chunksKey]
	if !ok {
		return nil, nil
	}
	n, err := strconv.Atoi(nStr)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("roomstorage: invalid chunks value %q", nStr)
	}

	var state []byte
	for i := 0; i < n; i++ {
		chunk, ok := existing[chunkKeyName(i)]
		if !ok {
			return nil, fmt.Errorf("roomstorage: missing chunk %d of %d", i, n)
		}
		// Append one chunk at a time into the growing slice rather than a
		// single append(...) spread over all chunks, per spec.md §4.5, so an
		// adversarial chunk count can't blow the stack through variadic
		// argument expansion.
		state = append(state, []byte(chunk)...)
	}
	rec.State = state
	return rec, nil
}

// Delete wipes every key for this room, used by the 412 write-back cleanup
// path (spec.md §4.4.2).
func Delete(kv KeyValue) error {
	existing, err := kv.List()
	if err != nil {
		return err
	}
	return wipe(kv, existing)
}

func wipe(kv KeyValue, existing map[string]string) error {
	b := NewBatch()
	for key := range existing {
		b.Delete(key)
	}
	return kv.CommitBatch(b)
}

func chunkKeyName(i int) string {
	return "chunk_" + strconv.Itoa(i)
}
