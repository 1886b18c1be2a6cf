package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelDBRoundTripAndNotFound(t *testing.T) {
	dir := t.TempDir()
	db, err := NewLevelDB(filepath.Join(dir, "bans.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Get([]byte("ban:missing"))
	require.True(t, IsNotFound(err))

	require.NoError(t, db.Put([]byte("ban:peerA"), []byte(`{"v":2}`)))
	got, err := db.Get([]byte("ban:peerA"))
	require.NoError(t, err)
	require.Equal(t, []byte(`{"v":2}`), got)

	require.NoError(t, db.Delete([]byte("ban:peerA")))
	_, err = db.Get([]byte("ban:peerA"))
	require.True(t, IsNotFound(err))
}

func TestLevelDBBatchIsAtomicUnit(t *testing.T) {
	dir := t.TempDir()
	db, err := NewLevelDB(filepath.Join(dir, "bans.db"))
	require.NoError(t, err)
	defer db.Close()

	batch := db.NewBatch()
	batch.Put([]byte("ban:peerA"), []byte("a"))
	batch.Put([]byte("device:dev1"), []byte("b"))
	batch.Delete([]byte("ban:stale"))
	require.Equal(t, 3, batch.Len())

	// Nothing is visible before Write.
	_, err = db.Get([]byte("ban:peerA"))
	require.True(t, IsNotFound(err))

	require.NoError(t, batch.Write())
	got, err := db.Get([]byte("device:dev1"))
	require.NoError(t, err)
	require.Equal(t, []byte("b"), got)
}

func TestIteratePrefixScopesKeys(t *testing.T) {
	for name, db := range map[string]Database{
		"mem":   NewMemDB(),
		"level": newTempLevelDB(t),
	} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Put([]byte("ban:peerA"), []byte("a")))
			require.NoError(t, db.Put([]byte("ban:peerB"), []byte("b")))
			require.NoError(t, db.Put([]byte("device:dev1"), []byte("c")))

			seen := map[string]string{}
			err := db.Iterate([]byte("ban:"), func(key, value []byte) error {
				seen[string(key)] = string(value)
				return nil
			})
			require.NoError(t, err)
			require.Equal(t, map[string]string{"ban:peerA": "a", "ban:peerB": "b"}, seen)
		})
	}
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	value := []byte("mutable")
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 'X'

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("mutable"), got)
}

func newTempLevelDB(t *testing.T) *LevelDB {
	t.Helper()
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
