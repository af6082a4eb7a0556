package roomstorage

import (
	"fmt"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Backend is a single on-disk LevelDB database shared across every room on
// this process, namespaced per room by key prefix. This generalizes the
// teacher's one-database-per-index model (pkg/sorted/leveldb.kvis) to a
// single database holding many small per-room records, which avoids
// opening hundreds of on-disk files for a server hosting many documents.
type Backend struct {
	db *leveldb.DB

	writeOpts *opt.WriteOptions
	readOpts  *opt.ReadOptions
}

// OpenBackend opens (creating if absent) the on-disk LevelDB database at
// path.
func OpenBackend(path string) (*Backend, error) {
	opts := &opt.Options{
		Filter: filter.NewBloomFilter(10),
	}
	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("roomstorage: open %s: %w", path, err)
	}
	return &Backend{
		db:        db,
		writeOpts: &opt.WriteOptions{Sync: false},
		readOpts:  &opt.ReadOptions{},
	}, nil
}

// Close closes the underlying database. Closing affects every room's
// KeyValue view obtained from this Backend.
func (b *Backend) Close() error {
	return b.db.Close()
}

// ForRoom returns a KeyValue view scoped to the given room (document)
// name's key namespace.
func (b *Backend) ForRoom(name string) KeyValue {
	return &roomView{backend: b, prefix: roomPrefix(name)}
}

func roomPrefix(name string) string {
	return "room\x00" + name + "\x00"
}

type roomView struct {
	backend *Backend
	prefix  string
	mu      sync.Mutex
}

func (v *roomView) fullKey(key string) string {
	return v.prefix + key
}

func (v *roomView) Get(key string) (string, error) {
	val, err := v.backend.db.Get([]byte(v.fullKey(key)), v.backend.readOpts)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return "", ErrNotFound
		}
		return "", err
	}
	return string(val), nil
}

func (v *roomView) List() (map[string]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make(map[string]string)
	rng := util.BytesPrefix([]byte(v.prefix))
	it := v.backend.db.NewIterator(rng, v.backend.readOpts)
	defer it.Release()
	for it.Next() {
		key := strings.TrimPrefix(string(it.Key()), v.prefix)
		val := make([]byte, len(it.Value()))
		copy(val, it.Value())
		out[key] = string(val)
	}
	return out, it.Error()
}

func (v *roomView) CommitBatch(b *Batch) error {
	if err := b.validate(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	lb := new(leveldb.Batch)
	for _, key := range b.deletes {
		lb.Delete([]byte(v.fullKey(key)))
	}
	for key, val := range b.sets {
		lb.Put([]byte(v.fullKey(key)), []byte(val))
	}
	return v.backend.db.Write(lb, v.backend.writeOpts)
}

func (v *roomView) Close() error {
	// The backing database is shared across rooms; individual room views
	// have nothing of their own to release.
	return nil
}
