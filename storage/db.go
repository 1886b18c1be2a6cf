package storage

import (
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("storage: key not found")

// IsNotFound reports whether the error means the key was absent rather than
// the store failing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Database is the durable string-keyed byte store the ban subsystem persists
// through. Implementations must survive process restarts; nothing here
// promises survival across an app uninstall, which is why device identity is
// derived rather than stored.
type Database interface {
	Get(key []byte) ([]byte, error)
	Put(key []byte, value []byte) error
	Delete(key []byte) error

	// NewBatch returns a write batch applied atomically by Write. Multi-record
	// mutations (a ban plus its device record plus the sync overlay) go
	// through a single batch so a crash cannot leave them half-applied.
	NewBatch() Batch

	// Iterate walks every key with the given prefix. Returning an error from
	// fn stops the walk and propagates the error.
	Iterate(prefix []byte, fn func(key, value []byte) error) error

	Close() error
}

// Batch collects writes for a single atomic commit.
type Batch interface {
	Put(key []byte, value []byte)
	Delete(key []byte)
	Write() error
	Len() int
}

// --- In-memory store (tests and ephemeral runs) ---

type MemDB struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, errors.New("storage: memdb closed")
	}
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return errors.New("storage: memdb closed")
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	db.data[string(key)] = stored
	return nil
}

func (db *MemDB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.data, string(key))
	return nil
}

func (db *MemDB) NewBatch() Batch {
	return &memBatch{db: db}
}

func (db *MemDB) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	db.mu.RLock()
	snapshot := make(map[string][]byte, len(db.data))
	for k, v := range db.data {
		snapshot[k] = v
	}
	db.mu.RUnlock()

	p := string(prefix)
	for k, v := range snapshot {
		if len(k) < len(p) || k[:len(p)] != p {
			continue
		}
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (db *MemDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return nil
}

type memOp struct {
	key    string
	value  []byte
	delete bool
}

type memBatch struct {
	db  *MemDB
	ops []memOp
}

func (b *memBatch) Put(key []byte, value []byte) {
	stored := make([]byte, len(value))
	copy(stored, value)
	b.ops = append(b.ops, memOp{key: string(key), value: stored})
}

func (b *memBatch) Delete(key []byte) {
	b.ops = append(b.ops, memOp{key: string(key), delete: true})
}

func (b *memBatch) Len() int { return len(b.ops) }

func (b *memBatch) Write() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	if b.db.closed {
		return errors.New("storage: memdb closed")
	}
	for _, op := range b.ops {
		if op.delete {
			delete(b.db.data, op.key)
			continue
		}
		b.db.data[op.key] = op.value
	}
	return nil
}

// --- LevelDB store ---

// LevelDB is the persistent implementation used by the daemon.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

func (ldb *LevelDB) Delete(key []byte) error {
	return ldb.db.Delete(key, nil)
}

func (ldb *LevelDB) NewBatch() Batch {
	return &levelBatch{db: ldb.db, batch: new(leveldb.Batch)}
}

func (ldb *LevelDB) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	iter := ldb.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (ldb *LevelDB) Close() error {
	return ldb.db.Close()
}

type levelBatch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
}

func (b *levelBatch) Put(key []byte, value []byte) {
	b.batch.Put(key, value)
}

func (b *levelBatch) Delete(key []byte) {
	b.batch.Delete(key)
}

func (b *levelBatch) Len() int { return b.batch.Len() }

func (b *levelBatch) Write() error {
	return b.db.Write(b.batch, nil)
}
