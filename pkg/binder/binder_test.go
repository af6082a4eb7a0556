package binder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dacollab.dev/pkg/adminclient"
	"dacollab.dev/pkg/collaberrors"
	"dacollab.dev/pkg/crdt"
	"dacollab.dev/pkg/htmltree"
	"dacollab.dev/pkg/roomstorage"
)

// newTestStorage opens a throwaway on-disk LevelDB-backed KeyValue view,
// the same backend production code uses, scoped to one room.
func newTestStorage(t *testing.T) roomstorage.KeyValue {
	t.Helper()
	backend, err := roomstorage.OpenBackend(t.TempDir())
	if err != nil {
		t.Fatalf("OpenBackend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend.ForRoom("test-room")
}

type fakeAdmin struct {
	mu          sync.Mutex
	getResult   *adminclient.GetResult
	getErr      error
	putResult   *adminclient.PutResult
	putErr      error
	getCalls    int
	putCalls    int
	lastPutBody string
}

func (f *fakeAdmin) Get(ctx context.Context, docURL, credential, ifNoneMatch string) (*adminclient.GetResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	return f.getResult, f.getErr
}

func (f *fakeAdmin) Put(ctx context.Context, docURL string, html []byte, credentials []string) (*adminclient.PutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	f.lastPutBody = string(html)
	return f.putResult, f.putErr
}

func newTestDeps(t *testing.T, admin AdminClient, storage roomstorage.KeyValue) (*Binder, *crdt.SharedDoc) {
	t.Helper()
	doc := crdt.NewSharedDoc(crdt.ActorID("actor-1"))
	removed := false
	deps := Deps{
		DocName:         "/content/test/doc",
		Document:        doc,
		Storage:         storage,
		Admin:           admin,
		StillRegistered: func() bool { return !removed },
		Credentials:     func() ([]string, bool) { return []string{"cred-1"}, false },
		CloseAll:        func(err error) {},
		RemoveFromRoom:  func() { removed = true },
	}
	return New(deps), doc
}

func TestBindSeedsFromAdminWhenStorageEmpty(t *testing.T) {
	admin := &fakeAdmin{getResult: &adminclient.GetResult{
		Body:    []byte("<body><main><div><p>hello</p></div></main></body>"),
		ETag:    `"v1"`,
		Actions: adminclient.ParseActionSet("write=allow"),
	}}
	b, doc := newTestDeps(t, admin, newTestStorage(t))

	readOnly, err := b.Bind(context.Background(), "cred-1")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if readOnly {
		t.Fatal("want writable connection")
	}

	// The transactional rebuild is scheduled ~1s out; give it room to run.
	time.Sleep(1500 * time.Millisecond)

	html, err := htmltree.RenderHTML(doc)
	if err != nil {
		t.Fatalf("RenderHTML: %v", err)
	}
	if html == "" {
		t.Fatal("want rebuilt document content")
	}
}

func TestBindRunsLoadProtocolExactlyOnce(t *testing.T) {
	admin := &fakeAdmin{getResult: &adminclient.GetResult{
		Body: []byte("<body><main><div><p>hi</p></div></main></body>"),
		ETag: `"v1"`,
	}}
	b, _ := newTestDeps(t, admin, newTestStorage(t))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Bind(context.Background(), "cred-1"); err != nil {
				t.Errorf("Bind: %v", err)
			}
		}()
	}
	wg.Wait()

	admin.mu.Lock()
	calls := admin.getCalls
	admin.mu.Unlock()
	if calls != 1 {
		t.Fatalf("want exactly one admin GET across concurrent binds, got %d", calls)
	}
}

func TestBindPropagatesAdminLoadError(t *testing.T) {
	admin := &fakeAdmin{getErr: collaberrors.ErrAdminNotFound}
	b, _ := newTestDeps(t, admin, newTestStorage(t))

	_, err := b.Bind(context.Background(), "cred-1")
	if !errors.Is(err, collaberrors.ErrAdminNotFound) {
		t.Fatalf("want ErrAdminNotFound, got %v", err)
	}

	// A second Bind call must short-circuit to the same cached error
	// without issuing another admin GET.
	if _, err := b.Bind(context.Background(), "cred-2"); !errors.Is(err, collaberrors.ErrAdminNotFound) {
		t.Fatalf("want cached ErrAdminNotFound on second bind, got %v", err)
	}
	if admin.getCalls != 1 {
		t.Fatalf("want one admin GET total, got %d", admin.getCalls)
	}
}

func TestWriteBackSkipsPutWhenAllConnectionsReadOnly(t *testing.T) {
	admin := &fakeAdmin{
		getResult: &adminclient.GetResult{Body: []byte("<body><main><div><p>hi</p></div></main></body>"), ETag: `"v1"`},
		putResult: &adminclient.PutResult{ETag: `"v2"`},
	}
	doc := crdt.NewSharedDoc(crdt.ActorID("actor-1"))
	deps := Deps{
		DocName:         "/content/test/doc",
		Document:        doc,
		Storage:         newTestStorage(t),
		Admin:           admin,
		StillRegistered: func() bool { return true },
		Credentials:     func() ([]string, bool) { return nil, true },
		CloseAll:        func(error) {},
		RemoveFromRoom:  func() {},
	}
	b := New(deps)
	if _, err := b.Bind(context.Background(), "cred-1"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	doc.SetMetadata("title", "changed")
	b.writeback.fireOnce()

	if admin.putCalls != 0 {
		t.Fatalf("want no PUT while all connections are read-only, got %d", admin.putCalls)
	}
}

func TestWriteBackClosesConnectionsOn401(t *testing.T) {
	admin := &fakeAdmin{
		getResult: &adminclient.GetResult{Body: []byte("<body><main><div><p>hi</p></div></main></body>"), ETag: `"v1"`},
		putErr:    collaberrors.ErrAdminAuthRevoked,
	}
	var closedWith error
	doc := crdt.NewSharedDoc(crdt.ActorID("actor-1"))
	deps := Deps{
		DocName:         "/content/test/doc",
		Document:        doc,
		Storage:         newTestStorage(t),
		Admin:           admin,
		StillRegistered: func() bool { return true },
		Credentials:     func() ([]string, bool) { return []string{"cred-1"}, false },
		CloseAll:        func(err error) { closedWith = err },
		RemoveFromRoom:  func() {},
	}
	b := New(deps)
	if _, err := b.Bind(context.Background(), "cred-1"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	doc.SetMetadata("title", "changed")
	b.writeback.fireOnce()

	if !errors.Is(closedWith, collaberrors.ErrAdminAuthRevoked) {
		t.Fatalf("want connections closed with ErrAdminAuthRevoked, got %v", closedWith)
	}
}

func TestWriteBackWipesStorageAndRemovesRoomOn412(t *testing.T) {
	admin := &fakeAdmin{
		getResult: &adminclient.GetResult{Body: []byte("<body><main><div><p>hi</p></div></main></body>"), ETag: `"v1"`},
		putErr:    collaberrors.ErrAdminConflict,
	}
	storage := newTestStorage(t)
	var removed bool
	doc := crdt.NewSharedDoc(crdt.ActorID("actor-1"))
	deps := Deps{
		DocName:         "/content/test/doc",
		Document:        doc,
		Storage:         storage,
		Admin:           admin,
		StillRegistered: func() bool { return true },
		Credentials:     func() ([]string, bool) { return []string{"cred-1"}, false },
		CloseAll:        func(error) {},
		RemoveFromRoom:  func() { removed = true },
	}
	b := New(deps)
	if _, err := b.Bind(context.Background(), "cred-1"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	doc.SetMetadata("title", "changed")
	b.writeback.fireOnce()

	if !removed {
		t.Fatal("want room removed from registry on 412")
	}
	errs := doc.Errors()
	if errs["message"] == "" {
		t.Fatal("want conflict recorded in the document's error map")
	}
}

func TestDurableSnapshotWrittenSynchronouslyOnUpdate(t *testing.T) {
	admin := &fakeAdmin{getResult: &adminclient.GetResult{Body: []byte("<body><main><div><p>hi</p></div></main></body>"), ETag: `"v1"`}}
	storage := newTestStorage(t)
	b, doc := newTestDeps(t, admin, storage)
	if _, err := b.Bind(context.Background(), "cred-1"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	doc.SetMetadata("title", "changed")

	rec, err := roomstorage.Read(storage, "/content/test/doc")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec == nil || len(rec.State) == 0 {
		t.Fatal("want a durable snapshot written synchronously after the update observer fires")
	}
}
