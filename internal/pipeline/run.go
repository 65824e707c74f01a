package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gen740/lazypp"
	"github.com/gen740/lazypp/internal/logging"
	"github.com/gen740/lazypp/internal/trace"
)

// ErrFailed is returned by Run when at least one step failed.
var ErrFailed = errors.New("pipeline failed")

// Options configures a run.
type Options struct {
	// CacheDir overrides the pipeline's cache_dir. If both are empty
	// lazypp.DefaultCacheDir under the pipeline directory is used.
	CacheDir string

	// Jobs bounds how many commands run at once. Zero means unbounded.
	Jobs int

	// Targets are the steps to produce. Empty means every sink.
	Targets []string

	// OutputDir, when set, receives a copy of every produced output.
	OutputDir string

	Locker  lazypp.Locker
	Logger  *slog.Logger
	Metrics *lazypp.Metrics

	// Output receives command output, one prefixed line at a time.
	Output io.Writer

	// Sink, when set, also receives every trace event.
	Sink trace.Sink
}

// Result describes a finished run.
type Result struct {
	Trace trace.ExecutionTrace

	// Failed lists the steps whose own command failed, sorted.
	Failed []string

	// Outputs holds the output of every step that was executed or
	// restored from the cache.
	Outputs map[string]ShellOutput
}

// Plan maps the steps needed for targets to tasks, in topological order.
func (p *Pipeline) Plan(targets []string, opts ...lazypp.Option) ([]string, map[string]*StepTask, error) {
	return p.plan(targets, nil, opts)
}

func (p *Pipeline) plan(targets []string, stream *lineWriter, opts []lazypp.Option) ([]string, map[string]*StepTask, error) {
	if len(targets) == 0 {
		targets = p.Graph.Sinks()
	}
	order, err := p.Graph.Closure(targets...)
	if err != nil {
		return nil, nil, err
	}

	tasks := make(map[string]*StepTask, len(order))
	for _, name := range order {
		st, _ := p.Spec.Step(name)
		files, dirs, err := resolveInputs(p.Dir, st.Inputs)
		if err != nil {
			return nil, nil, fmt.Errorf("step %q: %w", name, err)
		}
		needs := make([]lazypp.Node, 0, len(st.Needs))
		for _, n := range st.Needs {
			needs = append(needs, tasks[n])
		}
		in := ShellInput{
			Run:         st.Run,
			Env:         st.Env,
			InheritPath: st.InheritPath,
			Files:       files,
			Dirs:        dirs,
			Outputs:     st.Outputs,
			Needs:       needs,
		}
		delay, _ := st.Delay()
		stepOpts := append([]lazypp.Option{
			lazypp.WithVersion(st.Version),
			lazypp.WithRetries(st.Retries, delay),
		}, opts...)
		tasks[name] = lazypp.New(name, shellBody(stream, st.Retries), in, stepOpts...)
	}
	return order, tasks, nil
}

// Run evaluates the targets. Steps fail independently: a failed step
// skips its dependents but not unrelated steps. The returned error wraps
// ErrFailed when any step failed.
func Run(ctx context.Context, p *Pipeline, o Options) (*Result, error) {
	log := o.Logger
	if log == nil {
		log = logging.FromContext(ctx)
	}
	cacheDir := o.CacheDir
	if cacheDir == "" {
		cacheDir = p.CacheDir()
	}
	if cacheDir == "" {
		cacheDir = filepath.Join(p.Dir, lazypp.DefaultCacheDir)
	}

	rec := &recorder{events: map[string]lazypp.Event{}}
	opts := []lazypp.Option{
		lazypp.WithCacheDir(cacheDir),
		lazypp.WithLogger(log),
		lazypp.WithObserver(rec.observe),
	}
	if o.Jobs > 0 {
		opts = append(opts, lazypp.WithPool(lazypp.NewPool(o.Jobs)))
	}
	if o.Locker != nil {
		opts = append(opts, lazypp.WithLocker(o.Locker))
	}
	if o.Metrics != nil {
		opts = append(opts, lazypp.WithMetrics(o.Metrics))
	}

	targets := o.Targets
	if len(targets) == 0 {
		targets = p.Graph.Sinks()
	}
	order, tasks, err := p.plan(targets, newLineWriter(o.Output), opts)
	if err != nil {
		return nil, err
	}
	log.Info("running pipeline", "name", p.Spec.Name, "targets", strings.Join(targets, ","), "steps", len(order), "cache", cacheDir)

	// Unrelated targets keep going when one fails.
	var g errgroup.Group
	targetErrs := make([]error, len(targets))
	for i, name := range targets {
		t := tasks[name]
		g.Go(func() error {
			_, targetErrs[i] = t.Result(ctx)
			return targetErrs[i]
		})
	}
	_ = g.Wait()

	for i, name := range targets {
		if _, seen := rec.get(name); !seen && targetErrs[i] != nil {
			h, _ := tasks[name].Hash()
			rec.observe(lazypp.Event{Kind: lazypp.EventFailed, Task: name, Hash: h, Err: targetErrs[i]})
		}
	}

	// Memoized results must be readable even after ctx is done.
	memo := context.WithoutCancel(ctx)
	res := &Result{Outputs: map[string]ShellOutput{}}
	events := trace.NewRecorder()
	for _, name := range order {
		ev, seen := rec.get(name)
		if !seen {
			continue
		}
		te := trace.TraceEvent{TaskID: name, TaskHash: ev.Hash}
		switch ev.Kind {
		case lazypp.EventCached, lazypp.EventExecuted:
			te.Kind = trace.EventTaskCached
			if ev.Kind == lazypp.EventExecuted {
				te.Kind = trace.EventTaskExecuted
			}
			out, err := tasks[name].Result(memo)
			if err != nil {
				return res, err
			}
			res.Outputs[name] = out
			te.Artifacts = out.Paths()
		case lazypp.EventFailed:
			te.Kind, te.Reason, te.CauseTaskID = classify(ev.Err)
			if te.Kind == trace.EventTaskFailed {
				res.Failed = append(res.Failed, name)
			}
		}
		trace.SafeRecord(events, te)
		trace.SafeRecord(o.Sink, te)
	}
	res.Trace = events.Trace(p.Graph.Hash().String())
	sort.Strings(res.Failed)

	if o.OutputDir != "" {
		if err := exportOutputs(order, res.Outputs, o.OutputDir); err != nil {
			return res, err
		}
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if len(res.Failed) > 0 {
		return res, fmt.Errorf("%w: %s", ErrFailed, strings.Join(res.Failed, ", "))
	}
	return res, nil
}

func classify(err error) (trace.TraceEventKind, string, string) {
	var dep *lazypp.DependencyError
	switch {
	case errors.As(err, &dep):
		return trace.EventTaskSkipped, trace.ReasonUpstreamFailed, dep.Root().Task
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return trace.EventTaskFailed, trace.ReasonCanceled, ""
	case errors.Is(err, lazypp.ErrInvalidInput):
		return trace.EventTaskFailed, trace.ReasonInvalidInput, ""
	default:
		return trace.EventTaskFailed, trace.ReasonCommandFailed, ""
	}
}

// exportOutputs copies outputs in topological order, so a later step
// overwrites an earlier one declaring the same path.
func exportOutputs(order []string, outputs map[string]ShellOutput, dir string) error {
	for _, name := range order {
		out, ok := outputs[name]
		if !ok {
			continue
		}
		for _, f := range out.Files {
			if err := f.CopyTo(dir, true); err != nil {
				return fmt.Errorf("exporting %s of %s: %w", f.Path(), name, err)
			}
		}
		for _, d := range out.Dirs {
			if err := d.CopyTo(dir, true); err != nil {
				return fmt.Errorf("exporting %s of %s: %w", d.Path(), name, err)
			}
		}
	}
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events map[string]lazypp.Event
}

func (r *recorder) observe(ev lazypp.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[ev.Task] = ev
}

func (r *recorder) get(name string) (lazypp.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[name]
	return ev, ok
}
