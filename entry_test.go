package lazypp

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNewFile_Defaults(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	writeFile(t, src, "hello")

	f, err := NewFile(src)
	require.NoError(t, err)
	assert.Equal(t, src, f.Source())
	assert.Equal(t, src, f.Path())
	assert.False(t, f.Copied())

	d, err := f.Digest()
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", d)
}

func TestNewFile_DestImpliesCopy(t *testing.T) {
	f, err := NewFile("a.txt", WithDest("inputs/a.txt"))
	require.NoError(t, err)
	assert.True(t, f.Copied())
	assert.Equal(t, filepath.Join("inputs", "a.txt"), f.Path())
	assert.True(t, filepath.IsAbs(f.Source()))
}

func TestNewFile_OutsideBase(t *testing.T) {
	for _, dest := range []string{"../x", "a/../../x", "./.."} {
		_, err := NewFile("a.txt", WithDest(dest))
		assert.True(t, errors.Is(err, ErrOutsideBase), dest)
	}
	_, err := NewFile("a.txt", WithDest("./a/../b"))
	assert.NoError(t, err)

	_, err = NewFile("/abs/a.txt", WithCopy())
	assert.True(t, errors.Is(err, ErrOutsideBase), "absolute destinations cannot be copied")

	_, err = NewFile("/abs/a.txt")
	assert.NoError(t, err)
}

func TestEntry_CopyTo(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.txt")
	writeFile(t, src, "one")
	f := MustFile(src, WithDest("sub/a.txt"))

	work := t.TempDir()
	require.NoError(t, f.CopyTo(work, false))
	got, err := os.ReadFile(filepath.Join(work, "sub", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))

	err = f.CopyTo(work, false)
	assert.True(t, errors.Is(err, ErrExists))

	writeFile(t, src, "two")
	require.NoError(t, f.CopyTo(work, true))
	got, err = os.ReadFile(filepath.Join(work, "sub", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
}

func TestDirectory_CopyAndDigest(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "x", "1.txt"), "1")
	writeFile(t, filepath.Join(src, "2.txt"), "2")

	d := MustDirectory(src, WithDest("tree"))
	before, err := d.Digest()
	require.NoError(t, err)

	work := t.TempDir()
	require.NoError(t, d.CopyTo(work, false))
	assert.FileExists(t, filepath.Join(work, "tree", "x", "1.txt"))
	assert.FileExists(t, filepath.Join(work, "tree", "2.txt"))

	writeFile(t, filepath.Join(src, "2.txt"), "changed")
	after, err := d.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestEntry_JSON(t *testing.T) {
	f := MustFile("/data/a.txt")
	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"$lazypp":"file","dest":"/data/a.txt","src":"/data/a.txt"}`, string(data))

	var back File
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, f.Source(), back.Source())
	assert.Equal(t, f.Path(), back.Path())

	var dir Directory
	assert.Error(t, json.Unmarshal(data, &dir), "file JSON must not decode as a directory")
}

func TestEntry_Bind(t *testing.T) {
	var f File
	require.NoError(t, json.Unmarshal([]byte(`{"$lazypp":"file","dest":"out.txt","src":"entries/f-abc"}`), &f))
	f.bind("/cache/h")
	assert.Equal(t, filepath.Join("/cache/h", "entries", "f-abc"), f.Source())

	f.bind("/elsewhere")
	assert.Equal(t, filepath.Join("/cache/h", "entries", "f-abc"), f.Source(), "bind is idempotent")
}
