// Package store implements the on-disk output cache for task results.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gen740/lazypp/internal/fsutil"
)

// ErrNotFound is returned by Load when no entry exists for a hash.
var ErrNotFound = errors.New("cache entry not found")

const (
	outputFile = "output.json"
	entriesDir = "entries"
	tmpPrefix  = ".tmp-"

	// ReusableDir is the cache subdirectory owned by reusable files. It is
	// never listed or cleaned as a task entry.
	ReusableDir = "reusable_files"
)

// Store is a filesystem cache keyed by task hash.
//
// Structure:
//
//	{Dir}/
//	  {hash}/
//	    output.json          serialized task output
//	    entries/
//	      f-{digest}         cached file payloads
//	      d-{digest}/        cached directory payloads
//	  {hash}.lock            cross-process lock (owned by the lock package)
type Store struct {
	Dir string
}

// New creates a Store rooted at dir.
func New(dir string) *Store {
	return &Store{Dir: dir}
}

// Record is a committed cache entry.
type Record struct {
	Hash string

	// Root is the absolute entry directory. Relative blob paths in Output
	// resolve against it.
	Root string

	// Output is the raw output.json content.
	Output []byte
}

// Info summarizes an entry for listing.
type Info struct {
	Hash    string
	Size    int64
	ModTime time.Time
}

// EntryPath returns the directory of the entry for hash.
func (s *Store) EntryPath(hash string) string {
	return filepath.Join(s.Dir, hash)
}

// Has reports whether a committed entry exists for hash.
func (s *Store) Has(hash string) (bool, error) {
	ok, err := fsutil.Exists(filepath.Join(s.EntryPath(hash), outputFile))
	if err != nil {
		return false, fmt.Errorf("checking cache entry: %w", err)
	}
	return ok, nil
}

// Load reads the committed entry for hash.
func (s *Store) Load(hash string) (*Record, error) {
	root := s.EntryPath(hash)
	data, err := os.ReadFile(filepath.Join(root, outputFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("reading cache entry: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Record{Hash: hash, Root: abs, Output: data}, nil
}

// Begin opens a transaction that stages a new entry for hash. Nothing is
// visible under the canonical entry path until Commit.
func (s *Store) Begin(hash string) (*Txn, error) {
	if hash == "" || strings.ContainsAny(hash, `/\`) {
		return nil, fmt.Errorf("invalid cache hash %q", hash)
	}
	// Ensure the parent exists so the temp dir lives on the same filesystem.
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	tmp, err := os.MkdirTemp(s.Dir, tmpPrefix+hash+"-")
	if err != nil {
		return nil, fmt.Errorf("creating temp cache entry dir: %w", err)
	}
	final, err := filepath.Abs(s.EntryPath(hash))
	if err != nil {
		_ = os.RemoveAll(tmp)
		return nil, err
	}
	return &Txn{store: s, hash: hash, tmp: tmp, final: final, staged: make(map[string]struct{})}, nil
}

// Txn is an uncommitted cache entry. It is not safe for concurrent use.
type Txn struct {
	store  *Store
	hash   string
	tmp    string
	final  string
	staged map[string]struct{}
	done   bool
}

// FinalRoot returns the absolute path the entry will occupy once committed.
func (t *Txn) FinalRoot() string { return t.final }

// Stage copies the file or directory at src into the entry's payload area
// under its content digest. It returns the slash-separated path of the
// payload relative to the entry root. Staging the same payload twice is a
// no-op.
func (t *Txn) Stage(src string, isDir bool, digest string) (string, error) {
	if t.done {
		return "", errors.New("transaction already finished")
	}
	name := "f-" + digest
	if isDir {
		name = "d-" + digest
	}
	rel := entriesDir + "/" + name
	if _, ok := t.staged[rel]; ok {
		return rel, nil
	}

	dst := filepath.Join(t.tmp, entriesDir, name)
	var err error
	if isDir {
		err = fsutil.CopyTree(src, dst)
	} else {
		err = fsutil.CopyFile(src, dst)
	}
	if err != nil {
		return "", fmt.Errorf("staging %s: %w", src, err)
	}
	t.staged[rel] = struct{}{}
	return rel, nil
}

// Commit writes output and moves the staged entry into place.
func (t *Txn) Commit(output []byte) error {
	if t.done {
		return errors.New("transaction already finished")
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(t.tmp, outputFile), output, 0o644); err != nil {
		return fmt.Errorf("writing cache output: %w", err)
	}

	// A crash between remove and rename yields a cache miss, not corruption.
	_ = os.RemoveAll(t.final)
	if err := os.Rename(t.tmp, t.final); err != nil {
		return fmt.Errorf("committing cache entry: %w", err)
	}
	t.done = true
	return nil
}

// Abort discards the staged entry. It is safe to call after Commit.
func (t *Txn) Abort() error {
	if t.done {
		return nil
	}
	t.done = true
	return os.RemoveAll(t.tmp)
}

// Remove deletes the entry for hash. Removing a missing entry is not an
// error. The lock file is kept, since another process may hold it.
func (s *Store) Remove(hash string) error {
	if hash == "" || strings.ContainsAny(hash, `/\`) || hash == ReusableDir {
		return fmt.Errorf("invalid cache hash %q", hash)
	}
	if err := os.RemoveAll(s.EntryPath(hash)); err != nil {
		return fmt.Errorf("removing cache entry %s: %w", hash, err)
	}
	return nil
}

// List returns all committed entries sorted by hash.
func (s *Store) List() ([]Info, error) {
	dirents, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Info
	for _, d := range dirents {
		name := d.Name()
		if !d.IsDir() || strings.HasPrefix(name, ".") || name == ReusableDir {
			continue
		}
		info, err := os.Stat(filepath.Join(s.Dir, name, outputFile))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		size, err := fsutil.Size(filepath.Join(s.Dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, Info{Hash: name, Size: size, ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, nil
}

// Clean removes every task entry and abandoned transaction. Reusable files
// are kept unless all is set. Lock files are never removed.
func (s *Store) Clean(all bool) (int, error) {
	dirents, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, d := range dirents {
		name := d.Name()
		if isLockFile(d) {
			continue
		}
		if name == ReusableDir {
			if all {
				if err := removeExceptLocks(filepath.Join(s.Dir, name)); err != nil {
					return removed, err
				}
			}
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.Dir, name)); err != nil {
			return removed, fmt.Errorf("removing %s: %w", name, err)
		}
		if d.IsDir() && !strings.HasPrefix(name, ".") {
			removed++
		}
	}
	return removed, nil
}

// A lock file is reopened by path, so deleting one that is held would let a
// second locker flock a fresh inode.
func isLockFile(d os.DirEntry) bool {
	return !d.IsDir() && strings.HasSuffix(d.Name(), ".lock")
}

func removeExceptLocks(dir string) error {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, d := range dirents {
		if isLockFile(d) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, d.Name())); err != nil {
			return fmt.Errorf("removing %s: %w", d.Name(), err)
		}
	}
	return nil
}
