package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CommitThenLoad(t *testing.T) {
	s := New(t.TempDir())

	ok, err := s.Has("h1")
	require.NoError(t, err)
	assert.False(t, ok)

	src := filepath.Join(t.TempDir(), "payload.txt")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))

	txn, err := s.Begin("h1")
	require.NoError(t, err)
	rel, err := txn.Stage(src, false, "abc")
	require.NoError(t, err)
	assert.Equal(t, "entries/f-abc", rel)

	// Nothing is visible before commit.
	ok, err = s.Has("h1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, txn.Commit([]byte(`{"k":1}`)))

	ok, err = s.Has("h1")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := s.Load("h1")
	require.NoError(t, err)
	assert.Equal(t, `{"k":1}`, string(rec.Output))
	assert.Equal(t, txn.FinalRoot(), rec.Root)

	payload, err := os.ReadFile(filepath.Join(rec.Root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	assert.Equal(t, "data", string(payload))
}

func TestStore_StageDirectoryAndDedup(t *testing.T) {
	s := New(t.TempDir())
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a"), []byte("a"), 0o644))

	txn, err := s.Begin("h2")
	require.NoError(t, err)
	rel1, err := txn.Stage(src, true, "d1")
	require.NoError(t, err)
	rel2, err := txn.Stage(src, true, "d1")
	require.NoError(t, err)
	assert.Equal(t, rel1, rel2)
	assert.Equal(t, "entries/d-d1", rel1)
	require.NoError(t, txn.Commit([]byte(`{}`)))

	got, err := os.ReadFile(filepath.Join(s.EntryPath("h2"), "entries", "d-d1", "a"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(got))
}

func TestStore_AbortLeavesNoTrace(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	txn, err := s.Begin("h3")
	require.NoError(t, err)
	require.NoError(t, txn.Abort())
	require.NoError(t, txn.Abort())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = txn.Stage(dir, true, "x")
	assert.Error(t, err)
}

func TestStore_CommitReplacesExisting(t *testing.T) {
	s := New(t.TempDir())
	for _, out := range []string{`{"v":1}`, `{"v":2}`} {
		txn, err := s.Begin("h4")
		require.NoError(t, err)
		require.NoError(t, txn.Commit([]byte(out)))
	}
	rec, err := s.Load("h4")
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(rec.Output))
}

func TestStore_LoadMissing(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Load("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_ListRemoveClean(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	for _, h := range []string{"bb", "aa", "cc"} {
		txn, err := s.Begin(h)
		require.NoError(t, err)
		require.NoError(t, txn.Commit([]byte(`{}`)))
	}
	// Noise that must not be listed.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ReusableDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ReusableDir, "r"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "aa.lock"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bb.lock"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ReusableDir, "r.lock"), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".tmp-dd-1"), 0o755))

	infos, err := s.List()
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, []string{"aa", "bb", "cc"}, []string{infos[0].Hash, infos[1].Hash, infos[2].Hash})
	assert.Equal(t, int64(2), infos[0].Size)

	require.NoError(t, s.Remove("bb"))
	infos, err = s.List()
	require.NoError(t, err)
	assert.Len(t, infos, 2)
	assert.FileExists(t, filepath.Join(dir, "bb.lock"), "a held lock file must not be unlinked")

	assert.Error(t, s.Remove("../escape"))
	assert.Error(t, s.Remove(ReusableDir))

	n, err := s.Clean(false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	infos, err = s.List()
	require.NoError(t, err)
	assert.Empty(t, infos)

	_, err = os.Stat(filepath.Join(dir, ReusableDir, "r"))
	assert.NoError(t, err, "reusable files survive a non-full clean")

	_, err = s.Clean(true)
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dir, ReusableDir, "r"))
	assert.FileExists(t, filepath.Join(dir, ReusableDir, "r.lock"))
	assert.FileExists(t, filepath.Join(dir, "aa.lock"))
	assert.FileExists(t, filepath.Join(dir, "bb.lock"))
}

func TestStore_ListMissingDir(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "absent"))
	infos, err := s.List()
	require.NoError(t, err)
	assert.Nil(t, infos)
}
