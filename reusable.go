package lazypp

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/gen740/lazypp/internal/fsutil"
	"github.com/gen740/lazypp/internal/lock"
	"github.com/gen740/lazypp/internal/store"
)

// ReusableFile is an intermediate file worth keeping between runs. The
// first task to open it produces it; later opens receive the stored copy.
// Its identity is its id and the hashes of the tasks it depends on.
type ReusableFile struct {
	id         string
	dir        string
	dependents []Node
	copy       bool
	mutable    bool
	locker     lock.Locker
	metrics    *Metrics
}

// ReusableOption configures a ReusableFile.
type ReusableOption func(*ReusableFile)

// WithDependents makes the file's identity depend on nodes.
func WithDependents(nodes ...Node) ReusableOption {
	return func(r *ReusableFile) { r.dependents = append(r.dependents, nodes...) }
}

// WithCopyMode copies the stored file instead of hard linking it.
func WithCopyMode() ReusableOption {
	return func(r *ReusableFile) { r.copy = true }
}

// WithMutable writes the file back to the store when a lease that did not
// produce it is closed.
func WithMutable() ReusableOption {
	return func(r *ReusableFile) { r.mutable = true }
}

// WithReusableMetrics records hits and misses in m.
func WithReusableMetrics(m *Metrics) ReusableOption {
	return func(r *ReusableFile) { r.metrics = m }
}

// NewReusableFile declares a reusable file stored under
// {cacheDir}/reusable_files.
func NewReusableFile(id, cacheDir string, opts ...ReusableOption) *ReusableFile {
	dir := filepath.Join(cacheDir, store.ReusableDir)
	r := &ReusableFile{id: id, dir: dir, locker: lock.NewFileLocker(dir)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the id the file was declared with.
func (r *ReusableFile) ID() string { return r.id }

// Hash returns the xxhash64 hex digest of the id and dependent hashes.
func (r *ReusableFile) Hash() (string, error) {
	h := xxhash.New()
	_, _ = h.WriteString(r.id)
	for _, n := range r.dependents {
		dh, err := n.Hash()
		if err != nil {
			return "", fmt.Errorf("reusable file %s: %w", r.id, err)
		}
		_, _ = h.WriteString(dh)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// Open makes the file available at dir/Hash(). When the store already has
// it, the lease is ready to read. Otherwise the lease holds the file's
// lock and the caller must create the file at Lease.Path before Close.
func (r *ReusableFile) Open(ctx context.Context, dir string) (*Lease, error) {
	h, err := r.Hash()
	if err != nil {
		return nil, err
	}
	l := &Lease{r: r, path: filepath.Join(dir, h), stored: filepath.Join(r.dir, h)}

	ok, err := l.place()
	if err != nil {
		return nil, err
	}
	if ok {
		r.metrics.ReusableHit()
		return l, nil
	}

	unlock, err := r.locker.Lock(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("locking reusable file %s: %w", r.id, err)
	}
	// Another holder may have produced it while we waited.
	ok, err = l.place()
	if err != nil || ok {
		if uerr := unlock(); err == nil {
			err = uerr
		}
		if err != nil {
			return nil, err
		}
		r.metrics.ReusableHit()
		return l, nil
	}
	r.metrics.ReusableMiss()
	l.unlock = unlock
	return l, nil
}

// Lease is one use of a ReusableFile. It is not safe for concurrent use.
type Lease struct {
	r      *ReusableFile
	path   string
	stored string
	exists bool
	unlock lock.Unlock
	closed bool
}

// Path returns the location of the file for this use.
func (l *Lease) Path() string { return l.path }

// Exists reports whether the file was served from the store.
func (l *Lease) Exists() bool { return l.exists }

// Owned reports whether this lease must produce the file.
func (l *Lease) Owned() bool { return l.unlock != nil }

func (l *Lease) place() (bool, error) {
	ok, err := fsutil.Exists(l.stored)
	if err != nil || !ok {
		return false, err
	}
	if err := fsutil.Place(l.stored, l.path, l.r.copy); err != nil {
		return false, fmt.Errorf("placing reusable file %s: %w", l.r.id, err)
	}
	l.exists = true
	return true, nil
}

// Close stores the file when this lease produced it, or writes it back
// when the file is mutable, and releases the file's lock.
func (l *Lease) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true

	if l.unlock != nil {
		err := l.store()
		if uerr := l.unlock(); err == nil {
			err = uerr
		}
		return err
	}
	if !l.r.mutable {
		return nil
	}
	h := filepath.Base(l.stored)
	unlock, err := l.r.locker.Lock(context.Background(), h)
	if err != nil {
		return err
	}
	err = l.store()
	if uerr := unlock(); err == nil {
		err = uerr
	}
	return err
}

func (l *Lease) store() error {
	ok, err := fsutil.Exists(l.path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrReusableMissing, l.path)
	}
	if err := fsutil.CopyFile(l.path, l.stored); err != nil {
		return fmt.Errorf("storing reusable file %s: %w", l.r.id, err)
	}
	return nil
}
