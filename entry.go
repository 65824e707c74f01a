package lazypp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gen740/lazypp/internal/digest"
	"github.com/gen740/lazypp/internal/fsutil"
)

// entryMarker is the JSON key that identifies a serialized entry.
const entryMarker = "$lazypp"

type entryKind string

const (
	kindFile entryKind = "file"
	kindDir  entryKind = "dir"
)

// entry is the state shared by File and Directory.
type entry struct {
	kind entryKind
	src  string
	dest string
	copy bool
}

// EntryOption configures a File or Directory.
type EntryOption func(*entry)

// WithCopy copies the entry into the work directory of any task that takes
// it as input.
func WithCopy() EntryOption {
	return func(e *entry) { e.copy = true }
}

// WithDest places the entry at dest inside consuming work directories.
// It implies WithCopy.
func WithDest(dest string) EntryOption {
	return func(e *entry) {
		e.dest = dest
		e.copy = true
	}
}

func newEntry(kind entryKind, path string, opts []EntryOption) (entry, error) {
	src, err := filepath.Abs(path)
	if err != nil {
		return entry{}, err
	}
	e := entry{kind: kind, src: src, dest: path}
	for _, opt := range opts {
		opt(&e)
	}
	e.dest = filepath.Clean(e.dest)
	if filepath.IsAbs(e.dest) {
		if e.copy {
			return entry{}, fmt.Errorf("%w: absolute destination %s cannot be copied", ErrOutsideBase, e.dest)
		}
	} else if fsutil.OutsideBase(e.dest) {
		return entry{}, fmt.Errorf("%w: %s", ErrOutsideBase, e.dest)
	}
	return e, nil
}

// Path returns the location of the entry relative to a work directory.
func (e *entry) Path() string { return e.dest }

// Source returns the absolute location of the entry's content. Entries
// loaded from the cache point into the cache.
func (e *entry) Source() string { return e.src }

// Copied reports whether the entry is copied into consuming work dirs.
func (e *entry) Copied() bool { return e.copy }

// Digest returns the md5 hex digest of the entry's content.
func (e *entry) Digest() (string, error) {
	var (
		d   string
		err error
	)
	if e.kind == kindDir {
		d, err = digest.Dir(e.src)
	} else {
		d, err = digest.File(e.src)
	}
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", e.src, err)
	}
	return d, nil
}

// CopyTo copies the content to dir/Path(). An existing target is replaced
// only when overwrite is set.
func (e *entry) CopyTo(dir string, overwrite bool) error {
	if filepath.IsAbs(e.dest) {
		return fmt.Errorf("%w: absolute destination %s", ErrOutsideBase, e.dest)
	}
	target := filepath.Join(dir, e.dest)
	exists, err := fsutil.Exists(target)
	if err != nil {
		return err
	}
	if exists {
		if !overwrite {
			return fmt.Errorf("%w: %s", ErrExists, target)
		}
		if err := os.RemoveAll(target); err != nil {
			return err
		}
	}
	if e.kind == kindDir {
		return fsutil.CopyTree(e.src, target)
	}
	return fsutil.CopyFile(e.src, target)
}

// bind resolves a cache-relative source against root.
func (e *entry) bind(root string) {
	if !filepath.IsAbs(e.src) {
		e.src = filepath.Join(root, filepath.FromSlash(e.src))
	}
}

type entryJSON struct {
	Kind entryKind `json:"$lazypp"`
	Dest string    `json:"dest"`
	Src  string    `json:"src"`
	Copy bool      `json:"copy,omitempty"`
}

func (e entry) marshal() ([]byte, error) {
	return json.Marshal(entryJSON{Kind: e.kind, Dest: filepath.ToSlash(e.dest), Src: e.src, Copy: e.copy})
}

func (e *entry) unmarshal(data []byte, want entryKind) error {
	var raw entryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Kind != want {
		return fmt.Errorf("expected %s entry, got %q", want, raw.Kind)
	}
	*e = entry{kind: want, src: raw.Src, dest: filepath.FromSlash(raw.Dest), copy: raw.Copy}
	return nil
}

func (e *entry) describe(name string) string {
	return fmt.Sprintf("<%s: %s -> %s>", name, e.src, e.dest)
}

// File is a single file used as task input or output.
type File struct {
	entry
}

// NewFile creates a File for path. Relative paths resolve against the
// process working directory; inside a task body use Context.File.
func NewFile(path string, opts ...EntryOption) (*File, error) {
	e, err := newEntry(kindFile, path, opts)
	if err != nil {
		return nil, err
	}
	return &File{entry: e}, nil
}

// MustFile is like NewFile but panics on error.
func MustFile(path string, opts ...EntryOption) *File {
	f, err := NewFile(path, opts...)
	if err != nil {
		panic(err)
	}
	return f
}

func (f File) MarshalJSON() ([]byte, error) { return f.entry.marshal() }

func (f *File) UnmarshalJSON(data []byte) error { return f.entry.unmarshal(data, kindFile) }

func (f *File) String() string { return f.describe("File") }

// Directory is a directory tree used as task input or output.
type Directory struct {
	entry
}

// NewDirectory creates a Directory for path.
func NewDirectory(path string, opts ...EntryOption) (*Directory, error) {
	e, err := newEntry(kindDir, path, opts)
	if err != nil {
		return nil, err
	}
	return &Directory{entry: e}, nil
}

// MustDirectory is like NewDirectory but panics on error.
func MustDirectory(path string, opts ...EntryOption) *Directory {
	d, err := NewDirectory(path, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Directory) MarshalJSON() ([]byte, error) { return d.entry.marshal() }

func (d *Directory) UnmarshalJSON(data []byte) error { return d.entry.unmarshal(data, kindDir) }

func (d *Directory) String() string { return d.describe("Directory") }
