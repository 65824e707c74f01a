package lazypp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReusable_ProduceThenReuse(t *testing.T) {
	cache := t.TempDir()
	r := NewReusableFile("model.bin", cache)

	lease, err := r.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.False(t, lease.Exists())
	assert.True(t, lease.Owned())
	require.NoError(t, os.WriteFile(lease.Path(), []byte("3"), 0o644))
	require.NoError(t, lease.Close())
	require.NoError(t, lease.Close(), "close is idempotent")

	h, err := r.Hash()
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(cache, "reusable_files", h))

	second, err := NewReusableFile("model.bin", cache).Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.True(t, second.Exists())
	assert.False(t, second.Owned())
	assert.Equal(t, "3", readString(t, second.Path()))
	require.NoError(t, second.Close())
}

func TestReusable_MissingFileReleasesLock(t *testing.T) {
	cache := t.TempDir()
	r := NewReusableFile("x", cache)

	lease, err := r.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	err = lease.Close()
	assert.True(t, errors.Is(err, ErrReusableMissing))

	again, err := r.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.True(t, again.Owned(), "nothing was stored, so the next lease produces it")
	require.NoError(t, os.WriteFile(again.Path(), []byte("ok"), 0o644))
	require.NoError(t, again.Close())
}

func TestReusable_MutableWritesBack(t *testing.T) {
	cache := t.TempDir()
	r := NewReusableFile("counter", cache, WithCopyMode(), WithMutable())

	first, err := r.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(first.Path(), []byte("1"), 0o644))
	require.NoError(t, first.Close())

	second, err := r.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.True(t, second.Exists())
	require.NoError(t, os.WriteFile(second.Path(), []byte("2"), 0o644))
	require.NoError(t, second.Close())

	third, err := r.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "2", readString(t, third.Path()))
}

func TestReusable_ImmutableCopyIsNotWrittenBack(t *testing.T) {
	cache := t.TempDir()
	r := NewReusableFile("frozen", cache, WithCopyMode())

	first, err := r.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(first.Path(), []byte("1"), 0o644))
	require.NoError(t, first.Close())

	second, err := r.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(second.Path(), []byte("2"), 0o644))
	require.NoError(t, second.Close())

	third, err := r.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "1", readString(t, third.Path()))
}

func TestReusable_HashDependsOnDependents(t *testing.T) {
	cache := t.TempDir()
	up1 := New("up", noop[int], 1)
	up2 := New("up", noop[int], 2)

	plain, err := NewReusableFile("f", cache).Hash()
	require.NoError(t, err)
	h1, err := NewReusableFile("f", cache, WithDependents(up1)).Hash()
	require.NoError(t, err)
	h2, err := NewReusableFile("f", cache, WithDependents(up2)).Hash()
	require.NoError(t, err)

	assert.Len(t, plain, 16)
	assert.NotEqual(t, plain, h1)
	assert.NotEqual(t, h1, h2)
}

func TestReusable_InTaskInput(t *testing.T) {
	cache := t.TempDir()
	type busyInput struct {
		File  *ReusableFile
		Adder int
	}
	var produced int
	body := func(ctx context.Context, c *Context, in busyInput) (int, error) {
		lease, err := c.Reusable(ctx, in.File)
		if err != nil {
			return 0, err
		}
		defer lease.Close()
		if !lease.Exists() {
			produced++
			if err := os.WriteFile(lease.Path(), []byte("3"), 0o644); err != nil {
				return 0, err
			}
			return 3 + in.Adder, nil
		}
		b, err := os.ReadFile(lease.Path())
		if err != nil {
			return 0, err
		}
		return int(b[0]-'0') + in.Adder, nil
	}

	shared := NewReusableFile("some_file.txt", cache)
	var got []int
	for i := 0; i < 3; i++ {
		out, err := New("busy", body, busyInput{File: shared, Adder: i}, WithCacheDir(cache)).Result(context.Background())
		require.NoError(t, err)
		got = append(got, out)
	}
	assert.Equal(t, []int{3, 4, 5}, got)
	assert.Equal(t, 1, produced)
}
