// Package binder implements the Persistence Binder (spec.md §4.4): it
// loads a Document from durable storage and/or the admin service exactly
// once per Room lifetime, then installs the write-back observers that keep
// durable storage and the admin service in sync with subsequent edits.
//
// Every dependency a Room would otherwise reach into directly is passed in
// as an explicit field or callback at construction, following spec.md's
// Design Notes §9 guidance to replace ad hoc persistence hooks with an
// interface substitutable by tests.
package binder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"go4.org/syncutil/singleflight"

	"dacollab.dev/pkg/adminclient"
	"dacollab.dev/pkg/collaberrors"
	"dacollab.dev/pkg/crdt"
	"dacollab.dev/pkg/htmltree"
	"dacollab.dev/pkg/roomstorage"
)

// AdminClient is the subset of *adminclient.Client the Binder needs; tests
// substitute a fake.
type AdminClient interface {
	Get(ctx context.Context, docURL, credential, ifNoneMatch string) (*adminclient.GetResult, error)
	Put(ctx context.Context, docURL string, html []byte, credentials []string) (*adminclient.PutResult, error)
}

var _ AdminClient = (*adminclient.Client)(nil)

// Deps are the Room-owned collaborators the Binder needs. StillRegistered
// must report whether this Binder's Room is still the Registry's current
// owner of DocName; it is re-checked on every suspension resume (spec.md
// §5, and Open Question decision #2 in DESIGN.md).
type Deps struct {
	DocName  string
	Document *crdt.SharedDoc
	Storage  roomstorage.KeyValue
	Admin    AdminClient

	StillRegistered func() bool
	Credentials     func() (creds []string, allReadOnly bool)
	CloseAll        func(err error)
	RemoveFromRoom  func()

	// ReturnStackTraces governs whether recordError attaches a captured
	// stack to the CRDT error map (spec.md §9 Open Question #1). The
	// Binder never decides this itself.
	ReturnStackTraces bool

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Binder loads one Document and keeps it durable. One Binder per Room.
type Binder struct {
	deps Deps

	group singleflight.Group

	mu         sync.Mutex
	loaded     bool
	loadErr    error
	readOnly   bool
	currentTag string
	lastHTML   string

	writeback *debouncer
}

// New constructs a Binder for one Room. It does not start the load
// protocol; call Bind for that.
func New(deps Deps) *Binder {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	b := &Binder{deps: deps}
	b.writeback = newDebouncer(2*time.Second, 10*time.Second, b.runAdminWriteBack)
	return b
}

// Bind runs the Load Protocol exactly once for this Binder's Room
// (subsequent calls, including concurrent ones, await the same result) and
// reports whether credential's connection should be treated as read-only.
//
// The action set used to decide read-only status is captured from the
// single admin-service response this Binder's Load Protocol makes; every
// connecting client shares that determination (spec.md §4.4.1 only
// specifies a per-load action-set extraction, not a per-connection one,
// since authorization policy beyond credential forwarding is explicitly
// out of scope — see DESIGN.md).
func (b *Binder) Bind(ctx context.Context, credential string) (readOnly bool, err error) {
	b.mu.Lock()
	if b.loaded {
		readOnly, err = b.readOnly, b.loadErr
		b.mu.Unlock()
		return readOnly, err
	}
	b.mu.Unlock()

	_, loadErr := b.group.Do("load", func() (interface{}, error) {
		err := b.runLoadProtocol(ctx, credential)
		b.mu.Lock()
		b.loaded = true
		b.loadErr = err
		b.mu.Unlock()
		if err == nil {
			b.deps.Document.OnUpdate(b.onUpdate)
		}
		return nil, err
	})

	b.mu.Lock()
	readOnly = b.readOnly
	b.mu.Unlock()
	return readOnly, loadErr
}

// runLoadProtocol implements spec.md §4.4.1.
func (b *Binder) runLoadProtocol(ctx context.Context, credential string) error {
	rec, err := roomstorage.Read(b.deps.Storage, b.deps.DocName)
	if err != nil {
		log.Printf("binder: storage read error for %s, treating as absent: %v", b.deps.DocName, err)
		rec = nil
	}

	ifNoneMatch := ""
	if rec != nil {
		ifNoneMatch = rec.ETag
	}

	res, err := b.deps.Admin.Get(ctx, b.deps.DocName, credential, ifNoneMatch)
	if err != nil {
		return err
	}

	restored := false

	if res.NotModified {
		if rec != nil && len(rec.State) > 0 {
			if err := b.deps.Document.ApplyUpdate(rec.State, "storage"); err != nil {
				return fmt.Errorf("binder: applying stored state: %w", err)
			}
			b.mu.Lock()
			b.currentTag = rec.ETag
			b.mu.Unlock()
			restored = true
		}
	} else {
		b.mu.Lock()
		b.readOnly = res.Actions.ReadOnly()
		b.currentTag = res.ETag
		b.lastHTML = string(res.Body)
		b.mu.Unlock()

		if rec != nil && len(rec.State) > 0 {
			if err := b.deps.Document.ApplyUpdate(rec.State, "storage"); err == nil {
				rendered, rerr := htmltree.RenderHTML(b.deps.Document)
				if rerr == nil && rendered == string(res.Body) {
					restored = true
				} else {
					b.deps.Document.Clear()
				}
			}
		}

		if !restored {
			b.scheduleTransactionalRebuild(string(res.Body))
		}
	}

	return nil
}

// scheduleTransactionalRebuild delays ~1s (spec.md §4.4.1 step 4) so the
// first client's sync handshake can complete before the rebuild broadcasts
// a wholesale replacement.
func (b *Binder) scheduleTransactionalRebuild(html string) {
	time.AfterFunc(time.Second, func() {
		if !b.deps.StillRegistered() {
			return
		}
		if err := htmltree.ApplyHTML(b.deps.Document, html); err != nil {
			log.Printf("binder: transactional rebuild failed for %s: %v", b.deps.DocName, err)
		}
	})
}

// onUpdate is installed on the Document once loading succeeds. It runs
// both write-back observers (spec.md §4.4.2): the durable snapshot
// observer synchronously, the admin write-back observer through the
// debouncer.
func (b *Binder) onUpdate(update []byte, origin string) {
	if !b.deps.StillRegistered() {
		return
	}
	b.runDurableSnapshot()
	b.writeback.trigger()
}

func (b *Binder) runDurableSnapshot() {
	state := b.deps.Document.EncodeStateAsUpdate()
	b.mu.Lock()
	etag := b.currentTag
	b.mu.Unlock()
	if err := roomstorage.Write(b.deps.Storage, b.deps.DocName, state, etag); err != nil {
		log.Printf("binder: durable snapshot write failed for %s: %v", b.deps.DocName, err)
	}
}

// runAdminWriteBack implements spec.md §4.4.2 step 2.
func (b *Binder) runAdminWriteBack() {
	if !b.deps.StillRegistered() {
		return
	}

	html, err := htmltree.RenderHTML(b.deps.Document)
	if err != nil {
		log.Printf("binder: rendering HTML failed for %s: %v", b.deps.DocName, err)
		return
	}

	b.mu.Lock()
	unchanged := html == b.lastHTML
	b.mu.Unlock()
	if unchanged {
		return
	}

	creds, allReadOnly := b.deps.Credentials()
	if allReadOnly {
		return
	}

	ctx := context.Background()
	res, err := b.deps.Admin.Put(ctx, b.deps.DocName, []byte(html), creds)
	switch {
	case err == nil:
		b.mu.Lock()
		b.lastHTML = html
		b.currentTag = res.ETag
		b.mu.Unlock()

	case errIsAuthRevoked(err):
		b.deps.CloseAll(err)

	case errIsConflict(err):
		if derr := roomstorage.Delete(b.deps.Storage); derr != nil {
			log.Printf("binder: storage delete failed for %s after 412: %v", b.deps.DocName, derr)
		}
		b.recordError(fmt.Sprintf("admin write-back failed for %s: %v", b.deps.DocName, err))
		b.deps.CloseAll(err)
		b.deps.RemoveFromRoom()

	default:
		b.recordError(fmt.Sprintf("admin write-back failed for %s: %v", b.deps.DocName, err))
	}
}

func (b *Binder) recordError(message string) {
	b.deps.Document.SetError("timestamp", b.deps.Now().UTC().Format(time.RFC3339))
	b.deps.Document.SetError("message", message)
	if b.deps.ReturnStackTraces {
		b.deps.Document.SetError("stack", string(debug.Stack()))
	} else {
		b.deps.Document.ClearError("stack")
	}
}

func errIsAuthRevoked(err error) bool {
	return errors.Is(err, collaberrors.ErrAdminAuthRevoked)
}

func errIsConflict(err error) bool {
	return errors.Is(err, collaberrors.ErrAdminConflict)
}
