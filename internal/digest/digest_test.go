package digest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFile_MatchesMD5OfContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	got, err := File(path)
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", got)
	assert.Equal(t, got, Bytes([]byte("hello")))
}

func TestFile_LargerThanChunk(t *testing.T) {
	data := make([]byte, chunkSize*3+17)
	for i := range data {
		data[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	got, err := File(path)
	require.NoError(t, err)
	assert.Equal(t, Bytes(data), got)
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestDir_StableAcrossCreationOrder(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()
	writeTree(t, a, map[string]string{"x/1.txt": "one", "y.txt": "two"})
	writeTree(t, b, map[string]string{"y.txt": "two", "x/1.txt": "one"})

	da, err := Dir(a)
	require.NoError(t, err)
	db, err := Dir(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)
}

func TestDir_ChangesWithContentAndNames(t *testing.T) {
	base := t.TempDir()
	writeTree(t, base, map[string]string{"a.txt": "ab", "b.txt": "c"})
	d0, err := Dir(base)
	require.NoError(t, err)

	shifted := t.TempDir()
	writeTree(t, shifted, map[string]string{"a.txt": "a", "b.txt": "bc"})
	d1, err := Dir(shifted)
	require.NoError(t, err)
	assert.NotEqual(t, d0, d1, "moving bytes between files must change the digest")

	renamed := t.TempDir()
	writeTree(t, renamed, map[string]string{"a.txt": "ab", "c.txt": "c"})
	d2, err := Dir(renamed)
	require.NoError(t, err)
	assert.NotEqual(t, d0, d2, "renaming a file must change the digest")
}

func TestPath_Dispatches(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"f": "content"})

	fd, err := Path(filepath.Join(dir, "f"))
	require.NoError(t, err)
	assert.Equal(t, Bytes([]byte("content")), fd)

	dd, err := Path(dir)
	require.NoError(t, err)
	expected, err := Dir(dir)
	require.NoError(t, err)
	assert.Equal(t, expected, dd)

	_, err = Path(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestStrings_LengthPrefixed(t *testing.T) {
	assert.NotEqual(t, Strings("ab", "c"), Strings("a", "bc"))
	assert.Equal(t, Strings("a", "b"), Strings("a", "b"))
}
