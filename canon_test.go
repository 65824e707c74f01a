package lazypp

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop[I any](ctx context.Context, c *Context, in I) (int, error) { return 0, nil }

func hashOf[I any](t *testing.T, name string, in I, opts ...Option) string {
	t.Helper()
	h, err := New(name, noop[I], in, opts...).Hash()
	require.NoError(t, err)
	return h
}

func TestHash_MapOrderIndependent(t *testing.T) {
	a := map[string]int{"x": 1, "y": 2, "z": 3}
	b := map[string]int{"z": 3, "y": 2, "x": 1}
	assert.Equal(t, hashOf(t, "t", a), hashOf(t, "t", b))
	assert.Len(t, hashOf(t, "t", a), 32)
}

func TestHash_IdentityComponents(t *testing.T) {
	base := hashOf(t, "t", 1)
	assert.NotEqual(t, base, hashOf(t, "u", 1), "name")
	assert.NotEqual(t, base, hashOf(t, "t", 2), "input")
	assert.NotEqual(t, base, hashOf(t, "t", 1, WithVersion("2")), "version")
	assert.Equal(t, base, hashOf(t, "t", 1, WithCacheDir(t.TempDir())), "cache dir is not identity")
}

type valueNode struct{}

func (*valueNode) Name() string                         { return "v" }
func (*valueNode) Hash() (string, error)                { return "h", nil }
func (*valueNode) resolve(context.Context) (any, error) { return nil, nil }

type tagged struct {
	A      int    `json:"a"`
	B      string `json:"-"`
	hidden int
}

func TestCanonicalize_Structs(t *testing.T) {
	tree, err := canonicalize(reflect.ValueOf(tagged{A: 1, B: "skip", hidden: 3}))
	require.NoError(t, err)
	data, err := canonicalJSON(tree)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}

func TestCanonicalize_Rejects(t *testing.T) {
	cases := map[string]any{
		"chan":        make(chan int),
		"func":        func() {},
		"complex":     complex(1, 2),
		"nan":         math.NaN(),
		"struct key":  map[struct{ X int }]int{{1}: 1},
		"node by val": valueNode{},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New("t", noop[any], in).Hash()
			assert.True(t, errors.Is(err, ErrInvalidInput), "%v", err)
		})
	}
}

func TestHash_FilesByContent(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "in.txt")
	writeFile(t, p, "v1")
	h1 := hashOf(t, "t", MustFile(p))

	// Hash is memoized per task, so compare fresh tasks.
	writeFile(t, p, "v1")
	assert.Equal(t, h1, hashOf(t, "t", MustFile(p)))

	writeFile(t, p, "v2")
	assert.NotEqual(t, h1, hashOf(t, "t", MustFile(p)))

	assert.NotEqual(t, h1, hashOf(t, "t", MustFile(p, WithDest("other.txt"))))
}

func TestHash_AbsolutePathIsNotIdentity(t *testing.T) {
	a := filepath.Join(t.TempDir(), "in.txt")
	b := filepath.Join(t.TempDir(), "in.txt")
	writeFile(t, a, "same")
	writeFile(t, b, "same")
	assert.Equal(t, hashOf(t, "t", MustFile(a)), hashOf(t, "t", MustFile(b)))

	tree, err := canonicalize(reflect.ValueOf(MustFile(a)))
	require.NoError(t, err)
	assert.NotContains(t, tree, "dest")
}

func TestHash_UserKeysDoNotForgePlaceholders(t *testing.T) {
	up := New("up", noop[int], 1)
	h, err := up.Hash()
	require.NoError(t, err)

	type in struct{ Up Node }
	forged := map[string]any{"Up": map[string]string{"$task": h}}
	assert.NotEqual(t, hashOf(t, "down", in{up}), hashOf(t, "down", forged))

	tree, err := canonicalize(reflect.ValueOf(map[string]int{"$entry": 1, "$$x": 2, "y": 3}))
	require.NoError(t, err)
	data, err := canonicalJSON(tree)
	require.NoError(t, err)
	assert.Equal(t, `{"$$$x":2,"$$entry":1,"y":3}`, string(data))

	type taggedRef struct {
		Ref string `json:"$ref"`
	}
	tree, err = canonicalize(reflect.ValueOf(taggedRef{Ref: "r"}))
	require.NoError(t, err)
	data, err = canonicalJSON(tree)
	require.NoError(t, err)
	assert.Equal(t, `{"$$ref":"r"}`, string(data))
}

func TestHash_MissingFile(t *testing.T) {
	_, err := New("t", noop[*File], MustFile(filepath.Join(t.TempDir(), "nope"))).Hash()
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestHash_DependsOnTaskAndRef(t *testing.T) {
	up1 := New("up", noop[int], 1)
	up2 := New("up", noop[int], 2)

	type in struct{ Up Node }
	assert.NotEqual(t, hashOf(t, "down", in{up1}), hashOf(t, "down", in{up2}))

	r1 := Field(up1, "a", func(int) int { return 0 })
	r2 := Field(up1, "b", func(int) int { return 0 })
	assert.NotEqual(t, hashOf(t, "down", in{r1}), hashOf(t, "down", in{r2}))

	rh1, err := r1.Hash()
	require.NoError(t, err)
	rh2, err := r2.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, rh1, rh2)
	assert.Equal(t, "up.a", r1.Name())
}

func TestCanonicalize_Cycle(t *testing.T) {
	type node struct{ Next *node }
	n := &node{}
	n.Next = n
	_, err := New("t", noop[*node], n).Hash()
	assert.True(t, errors.Is(err, ErrInvalidInput))
}
