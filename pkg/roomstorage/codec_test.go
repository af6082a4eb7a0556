package roomstorage

import (
	"bytes"
	"errors"
	"testing"

	"dacollab.dev/pkg/collaberrors"
)

type memKV struct {
	data map[string]string
}

func newMemKV() *memKV { return &memKV{data: make(map[string]string)} }

func (m *memKV) Get(key string) (string, error) {
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *memKV) List() (map[string]string, error) {
	out := make(map[string]string, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out, nil
}

func (m *memKV) CommitBatch(b *Batch) error {
	if err := b.validate(); err != nil {
		return err
	}
	for _, k := range b.deletes {
		delete(m.data, k)
	}
	for k, v := range b.sets {
		m.data[k] = v
	}
	return nil
}

func (m *memKV) Close() error { return nil }

func TestWriteReadUnchunkedRoundTrip(t *testing.T) {
	kv := newMemKV()
	state := []byte("small state blob")
	if err := Write(kv, "doc-a", state, "etag-1"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rec, err := Read(kv, "doc-a")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec == nil || !bytes.Equal(rec.State, state) {
		t.Fatalf("want state %q, got %+v", state, rec)
	}
	if rec.ETag != "etag-1" {
		t.Fatalf("want etag-1, got %q", rec.ETag)
	}
	if _, ok := kv.data[chunksKey]; ok {
		t.Fatalf("unchunked write must not set the chunks key")
	}
}

func TestWriteReadChunkedRoundTrip(t *testing.T) {
	kv := newMemKV()
	state := bytes.Repeat([]byte("x"), chunkSize*2+5)
	if err := Write(kv, "doc-b", state, ""); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rec, err := Read(kv, "doc-b")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(rec.State, state) {
		t.Fatalf("chunked round trip mismatch: got %d bytes, want %d", len(rec.State), len(state))
	}
	if _, ok := kv.data[docstoreKey]; ok {
		t.Fatalf("chunked write must not set docstore")
	}
}

func TestWriteExactlyChunkBoundaryIsUnchunked(t *testing.T) {
	kv := newMemKV()
	state := bytes.Repeat([]byte("y"), chunkSize)
	if err := Write(kv, "doc-c", state, ""); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, ok := kv.data[docstoreKey]; !ok {
		t.Fatalf("state exactly at chunkSize should write unchunked")
	}
}

func TestWriteTooManyChunksFails(t *testing.T) {
	kv := newMemKV()
	state := bytes.Repeat([]byte("z"), chunkSize*MaxChunks)
	err := Write(kv, "doc-d", state, "")
	if !errors.Is(err, collaberrors.ErrStorageTooManyChunks) {
		t.Fatalf("want collaberrors.ErrStorageTooManyChunks, got %v", err)
	}
}

func TestReadDocTagMismatchWipesRecord(t *testing.T) {
	kv := newMemKV()
	if err := Write(kv, "doc-e", []byte("state"), "etag"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rec, err := Read(kv, "doc-e-renamed")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec != nil {
		t.Fatalf("want absent on doc-tag mismatch, got %+v", rec)
	}
	if len(kv.data) != 0 {
		t.Fatalf("want the record wiped on doc-tag mismatch, got %v", kv.data)
	}
}

func TestReadAbsentRecordReturnsNil(t *testing.T) {
	kv := newMemKV()
	rec, err := Read(kv, "doc-f")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec != nil {
		t.Fatalf("want nil for an absent record, got %+v", rec)
	}
}

func TestDeleteWipesEveryKey(t *testing.T) {
	kv := newMemKV()
	if err := Write(kv, "doc-g", []byte("state"), "etag"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Delete(kv); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(kv.data) != 0 {
		t.Fatalf("want no keys left after Delete, got %v", kv.data)
	}
}
