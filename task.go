package lazypp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gen740/lazypp/internal/digest"
	"github.com/gen740/lazypp/internal/fsutil"
	"github.com/gen740/lazypp/internal/lock"
	"github.com/gen740/lazypp/internal/logging"
	"github.com/gen740/lazypp/internal/store"
)

// Node is a lazily evaluated value that can appear in a task input: a
// *Task or a *Ref.
type Node interface {
	Name() string
	Hash() (string, error)
	resolve(ctx context.Context) (any, error)
}

// Func is a task body. It runs in the work directory exposed by c and
// must not depend on the process working directory.
type Func[I, O any] func(ctx context.Context, c *Context, in I) (O, error)

// inflight serializes evaluations of one hash within the process, across
// distinct Task values.
var inflight lock.Keyed

// Task is a lazily evaluated, cached computation of O from I.
//
// O must round-trip through encoding/json. Files and directories in O
// must be *File and *Directory values (or File and Directory fields of
// structs), not hidden behind interface types.
type Task[I, O any] struct {
	name  string
	fn    Func[I, O]
	input I
	cfg   settings

	hashOnce sync.Once
	hash     string
	canon    []byte
	hashErr  error

	mu     sync.Mutex
	done   bool
	output O
	err    error
}

// New declares a task. Nothing runs until Result is called.
func New[I, O any](name string, fn Func[I, O], input I, opts ...Option) *Task[I, O] {
	return &Task[I, O]{name: name, fn: fn, input: input, cfg: newSettings(opts)}
}

// Name returns the task name.
func (t *Task[I, O]) Name() string { return t.name }

// Input returns the task input.
func (t *Task[I, O]) Input() I { return t.input }

// Hash returns the task identity: the md5 hex digest of its name, version
// and canonical input. It is computed once.
func (t *Task[I, O]) Hash() (string, error) {
	t.hashOnce.Do(func() {
		tree, err := canonicalize(reflect.ValueOf(&t.input).Elem())
		if err != nil {
			t.hashErr = fmt.Errorf("task %s: %w", t.name, err)
			return
		}
		canon, err := canonicalJSON(map[string]any{
			"__lazypp_task__": digest.Bytes([]byte(t.name + "\x00" + t.cfg.version)),
			"input":           tree,
		})
		if err != nil {
			t.hashErr = fmt.Errorf("task %s: %w: %v", t.name, ErrInvalidInput, err)
			return
		}
		t.canon = canon
		t.hash = digest.Bytes(canon)
	})
	return t.hash, t.hashErr
}

// Result returns the task output, running the body only when no cached
// output exists. Concurrent callers for the same hash share one
// evaluation.
func (t *Task[I, O]) Result(ctx context.Context) (O, error) {
	var zero O
	h, err := t.Hash()
	if err != nil {
		return zero, err
	}

	unlock, err := inflight.Lock(ctx, h)
	if err != nil {
		return zero, err
	}
	defer unlock()

	t.mu.Lock()
	if t.done {
		out, err := t.output, t.err
		t.mu.Unlock()
		return out, err
	}
	t.mu.Unlock()

	out, err := t.evaluate(ctx, h)

	// Cancellation is not an outcome of the task itself.
	if err != nil && ctx.Err() != nil {
		return zero, err
	}
	t.mu.Lock()
	t.done, t.output, t.err = true, out, err
	t.mu.Unlock()
	return out, err
}

// Cached returns the stored output without running anything. It returns
// ErrNotCached when there is none.
func (t *Task[I, O]) Cached() (O, error) {
	var zero O
	h, err := t.Hash()
	if err != nil {
		return zero, err
	}
	out, ok, err := t.load(store.New(t.cfg.cacheDir), h)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, fmt.Errorf("%w: %s (%s)", ErrNotCached, t.name, shortHash(h))
	}
	return out, nil
}

func (t *Task[I, O]) resolve(ctx context.Context) (any, error) {
	return t.Result(ctx)
}

func (t *Task[I, O]) logger(ctx context.Context) *slog.Logger {
	if t.cfg.logger != nil {
		return t.cfg.logger
	}
	return logging.FromContext(ctx)
}

func (t *Task[I, O]) locker() lock.Locker {
	if t.cfg.locker != nil {
		return t.cfg.locker
	}
	return lock.NewFileLocker(t.cfg.cacheDir)
}

func (t *Task[I, O]) evaluate(ctx context.Context, h string) (O, error) {
	var zero O
	log := t.logger(ctx).With("task", t.name, "hash", h)
	st := store.New(t.cfg.cacheDir)

	unlock, err := t.locker().Lock(ctx, h)
	if err != nil {
		return zero, fmt.Errorf("locking task %s: %w", t.name, err)
	}
	defer func() {
		if err := unlock(); err != nil {
			log.Warn("releasing task lock", "error", err)
		}
	}()

	out, ok, err := t.load(st, h)
	if err != nil {
		log.Warn("ignoring unreadable cache entry", "error", err)
	} else if ok {
		log.Info("cache found, skipping")
		t.cfg.metrics.TaskCached()
		t.emit(Event{Kind: EventCached, Task: t.name, Hash: h})
		return out, nil
	}

	if t.cfg.showInput {
		log.Info("task input", "input", string(t.canon))
	}

	dir, persistent, err := t.workDir()
	if err != nil {
		return zero, t.failed(log, Event{Task: t.name, Hash: h, Err: err})
	}
	if !persistent {
		defer os.RemoveAll(dir)
	}

	if err := t.setup(ctx, dir, persistent); err != nil {
		return zero, t.failed(log, Event{Task: t.name, Hash: h, Err: err})
	}

	start := time.Now()
	out, attempts, err := t.run(ctx, dir, h, log)
	if err != nil {
		return zero, t.failed(log, Event{Task: t.name, Hash: h, Attempts: attempts, Duration: time.Since(start), Err: err})
	}
	elapsed := time.Since(start)

	cached, raw, err := t.commit(st, h, dir, out)
	if err != nil {
		return zero, t.failed(log, Event{Task: t.name, Hash: h, Attempts: attempts, Duration: elapsed, Err: err})
	}

	log.Info("task finished", "duration", elapsed)
	if t.cfg.showOutput {
		log.Info("task output", "output", string(raw))
	}
	t.cfg.metrics.TaskExecuted(t.name, elapsed)
	t.emit(Event{Kind: EventExecuted, Task: t.name, Hash: h, Attempts: attempts, Duration: elapsed})
	return cached, nil
}

func (t *Task[I, O]) failed(log *slog.Logger, ev Event) error {
	ev.Kind = EventFailed
	var depErr *DependencyError
	if errors.As(ev.Err, &depErr) {
		log.Debug("dependency failed", "error", ev.Err)
	} else {
		log.Error("task failed", "error", ev.Err)
	}
	t.cfg.metrics.TaskFailed()
	t.emit(ev)
	return ev.Err
}

func (t *Task[I, O]) emit(ev Event) {
	if t.cfg.observer != nil {
		t.cfg.observer(ev)
	}
}

// workDir returns the directory the body runs in. A configured directory
// is persistent; otherwise a fresh temporary one is created.
func (t *Task[I, O]) workDir() (string, bool, error) {
	if t.cfg.workDir != "" {
		dir, err := filepath.Abs(t.cfg.workDir)
		if err != nil {
			return "", false, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", false, fmt.Errorf("creating work dir: %w", err)
		}
		return dir, true, nil
	}
	dir, err := os.MkdirTemp("", "lazypp-")
	if err != nil {
		return "", false, fmt.Errorf("creating work dir: %w", err)
	}
	return dir, false, nil
}

// setup copies input entries marked for copying into dir, resolves every
// dependency, and places the entries of their results into dir. Entries
// that are already there are replaced only in a persistent dir.
func (t *Task[I, O]) setup(ctx context.Context, dir string, overwrite bool) error {
	type placedKey struct{ dest, src string }
	placed := make(map[placedKey]bool)

	inputs, err := entriesOf(&t.input)
	if err != nil {
		return err
	}
	for _, e := range inputs {
		if !e.copy {
			continue
		}
		if err := e.CopyTo(dir, overwrite); err != nil {
			return fmt.Errorf("copying input %s: %w", e.dest, err)
		}
		placed[placedKey{e.dest, e.src}] = true
	}

	nodes, err := nodesOf(&t.input)
	if err != nil {
		return err
	}
	values := make([]any, len(nodes))

	// Siblings are not cancelled when one fails, so their outputs still reach the cache.
	var g errgroup.Group
	for i, n := range nodes {
		g.Go(func() error {
			v, err := n.resolve(ctx)
			if err != nil {
				h, _ := n.Hash()
				return &DependencyError{Task: n.Name(), Hash: h, Err: err}
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, v := range values {
		entries, err := entriesOf(v)
		if err != nil {
			return err
		}
		for _, e := range entries {
			k := placedKey{e.dest, e.src}
			if filepath.IsAbs(e.dest) || placed[k] {
				continue
			}
			if err := e.CopyTo(dir, overwrite); err != nil {
				return fmt.Errorf("placing dependency output %s: %w", e.dest, err)
			}
			placed[k] = true
		}
	}
	return nil
}

// run calls the body inside a pool slot, retrying on RetryError.
func (t *Task[I, O]) run(ctx context.Context, dir, h string, log *slog.Logger) (O, int, error) {
	var zero O
	for attempt := 1; ; attempt++ {
		c := &Context{dir: dir, name: t.name, hash: h, attempt: attempt, logger: log}
		log.Info("running task", "attempt", attempt)

		var out O
		err := t.cfg.pool.Do(ctx, func() error {
			var err error
			out, err = t.fn(ctx, c, t.input)
			return err
		})
		if err == nil {
			return out, attempt, nil
		}

		var retry *RetryError
		if !errors.As(err, &retry) || attempt > t.cfg.retries {
			return zero, attempt, err
		}
		log.Warn("retrying task", "attempt", attempt, "error", err)
		if t.cfg.backoff > 0 {
			timer := time.NewTimer(t.cfg.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, attempt, ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// commit stages the payload of every entry in out and writes the entry.
// The returned value is decoded from the stored form, so its entries point
// into the cache.
func (t *Task[I, O]) commit(st *store.Store, h, dir string, out O) (O, []byte, error) {
	var zero O
	raw, err := json.Marshal(out)
	if err != nil {
		return zero, nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if err := checkReserved(reflect.ValueOf(out), "output", make(map[uintptr]bool)); err != nil {
		return zero, nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return zero, nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	txn, err := st.Begin(h)
	if err != nil {
		return zero, nil, err
	}
	defer txn.Abort()

	if err := stageTree(tree, dir, txn); err != nil {
		return zero, nil, err
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return zero, nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if err := txn.Commit(data); err != nil {
		return zero, nil, err
	}
	cached, err := decodeOutput[O](txn.FinalRoot(), data)
	return cached, data, err
}

func (t *Task[I, O]) load(st *store.Store, h string) (O, bool, error) {
	var zero O
	rec, err := st.Load(h)
	if errors.Is(err, store.ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	out, err := decodeOutput[O](rec.Root, rec.Output)
	if err != nil {
		return zero, false, err
	}
	return out, true, nil
}

func decodeOutput[O any](root string, data []byte) (O, error) {
	var out O
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: decoding cached output: %v", ErrInvalidOutput, err)
	}
	err := walk(reflect.ValueOf(&out), visitor{entry: func(e *entry) error {
		e.bind(root)
		return nil
	}})
	return out, err
}

// stageTree replaces the source of every serialized entry in node with the
// path of its staged payload.
func stageTree(node any, dir string, txn *store.Txn) error {
	switch n := node.(type) {
	case map[string]any:
		if kind, ok := n[entryMarker].(string); ok && (kind == string(kindFile) || kind == string(kindDir)) {
			return stageEntry(n, entryKind(kind), dir, txn)
		}
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := stageTree(n[k], dir, txn); err != nil {
				return err
			}
		}
	case []any:
		for _, v := range n {
			if err := stageTree(v, dir, txn); err != nil {
				return err
			}
		}
	}
	return nil
}

func stageEntry(n map[string]any, kind entryKind, dir string, txn *store.Txn) error {
	dest, _ := n["dest"].(string)
	src, _ := n["src"].(string)
	dest = filepath.FromSlash(dest)

	// The work dir copy wins over the recorded source.
	var candidates []string
	if filepath.IsAbs(dest) {
		candidates = append(candidates, dest)
	} else {
		candidates = append(candidates, filepath.Join(dir, dest))
	}
	// The work dir is removed after the run, so a dest inside it is kept
	// relative to it.
	if filepath.IsAbs(dest) {
		if rel, err := filepath.Rel(dir, dest); err == nil && !fsutil.OutsideBase(rel) {
			n["dest"] = filepath.ToSlash(rel)
		}
	}
	if src != "" {
		candidates = append(candidates, src)
	}

	var path string
	var info os.FileInfo
	for _, c := range candidates {
		fi, err := os.Stat(c)
		if err == nil {
			path, info = c, fi
			break
		}
		if !os.IsNotExist(err) {
			return err
		}
	}
	if path == "" {
		return fmt.Errorf("%w: %s %s does not exist", ErrInvalidOutput, kind, dest)
	}
	if info.IsDir() != (kind == kindDir) {
		return fmt.Errorf("%w: %s is declared as %s", ErrInvalidOutput, path, kind)
	}

	d, err := digest.Path(path)
	if err != nil {
		return err
	}
	rel, err := txn.Stage(path, kind == kindDir, d)
	if err != nil {
		return err
	}
	n["src"] = rel
	return nil
}
