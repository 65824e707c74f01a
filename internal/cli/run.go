package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"time"

	backend "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/gen740/lazypp"
	"github.com/gen740/lazypp/internal/config"
	"github.com/gen740/lazypp/internal/dag"
	"github.com/gen740/lazypp/internal/fsutil"
	"github.com/gen740/lazypp/internal/lock"
	"github.com/gen740/lazypp/internal/pipeline"
	"github.com/gen740/lazypp/internal/trace"
)

type runFlags struct {
	file        string
	targets     []string
	jobs        int
	tracePath   string
	outputDir   string
	metricsAddr string
	quiet       bool
}

func newRunCommand(a *app) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [-f FILE] [--target T]...",
		Short: "Run a pipeline",
		Long: `Run the steps needed for the targets (default: every step nothing else
depends on). Exit status is 1 when any step fails.

Examples:
  lazypp run -f pipeline.yaml
  lazypp run -f build.hcl --target test --jobs 4 --trace trace.json`,
		Args: checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd.Context(), a, f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&f.file, "file", "f", "lazypp.yaml", "pipeline file (.yaml, .yml, .json, .jsonc or .hcl)")
	cmd.Flags().StringSliceVarP(&f.targets, "target", "t", nil, "step to produce (repeatable)")
	cmd.Flags().IntVarP(&f.jobs, "jobs", "j", 0, "commands to run at once (default from config)")
	cmd.Flags().StringVar(&f.tracePath, "trace", "", "write the canonical execution trace to this path")
	cmd.Flags().StringVar(&f.outputDir, "output-dir", "", "copy produced outputs into this directory")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "do not stream command output")
	return cmd
}

func runPipeline(ctx context.Context, a *app, f *runFlags, stdout io.Writer) error {
	if f.jobs < 0 {
		return invalidInvocationf("--jobs must not be negative")
	}
	p, err := pipeline.Load(ctx, f.file)
	if err != nil {
		return withCode(ExitConfigError, "load pipeline", err)
	}

	jobs := f.jobs
	if jobs == 0 {
		jobs = a.cfg.Jobs
	}
	opts := pipeline.Options{
		CacheDir:  cacheDirFor(a, p),
		Jobs:      jobs,
		Targets:   f.targets,
		OutputDir: f.outputDir,
		Logger:    a.logger,
		Metrics:   lazypp.NewMetrics(),
	}
	if !f.quiet {
		opts.Output = stdout
	}

	locker, closeLocker, err := newLocker(ctx, a.cfg.Lock)
	if err != nil {
		return err
	}
	defer closeLocker()
	opts.Locker = locker

	addr := f.metricsAddr
	if addr == "" {
		addr = a.cfg.Metrics.Addr
	}
	if addr != "" {
		stop, err := serveMetrics(addr, opts.Metrics, a)
		if err != nil {
			return withCode(ExitConfigError, "metrics", err)
		}
		defer stop()
	}

	res, runErr := pipeline.Run(ctx, p, opts)
	if res == nil {
		if errors.Is(runErr, dag.ErrUnknownTask) {
			return withCode(ExitInvalidInvocation, "", runErr)
		}
		return withCode(ExitConfigError, "plan pipeline", runErr)
	}

	if f.tracePath != "" {
		if err := writeTrace(f.tracePath, res.Trace); err != nil {
			return withCode(ExitInternalError, "write trace", err)
		}
	}
	a.logger.Info("pipeline finished",
		"executed", res.Trace.Count(trace.EventTaskExecuted),
		"cached", res.Trace.Count(trace.EventTaskCached),
		"failed", res.Trace.Count(trace.EventTaskFailed),
		"skipped", res.Trace.Count(trace.EventTaskSkipped),
	)

	switch {
	case runErr == nil:
		return nil
	case errors.Is(runErr, pipeline.ErrFailed), errors.Is(runErr, context.Canceled):
		return withCode(ExitPipelineFailure, "", runErr)
	default:
		return withCode(ExitInternalError, "", runErr)
	}
}

// cacheDirFor picks --cache-dir, then the pipeline's cache_dir, then the
// configured directory.
func cacheDirFor(a *app, p *pipeline.Pipeline) string {
	if a.flags.cacheDir != "" {
		return a.flags.cacheDir
	}
	if dir := p.CacheDir(); dir != "" {
		return dir
	}
	return a.cfg.CacheDir
}

// newLocker returns nil for the file backend, which lazypp uses by
// default.
func newLocker(ctx context.Context, cfg config.Lock) (lazypp.Locker, func(), error) {
	switch cfg.Backend {
	case config.LockNone:
		return lock.Nop{}, func() {}, nil
	case config.LockRedis:
		ttl, err := cfg.TTLDuration()
		if err != nil {
			return nil, nil, withCode(ExitConfigError, "lock ttl", err)
		}
		client := backend.NewClient(&backend.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, withCode(ExitInternalError, "connect to redis "+cfg.RedisAddr, err)
		}
		return lazypp.NewRedisLocker(client, cfg.Prefix, ttl), func() { _ = client.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

func serveMetrics(addr string, m *lazypp.Metrics, a *app) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func writeTrace(path string, tr trace.ExecutionTrace) error {
	b, err := tr.CanonicalJSON()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(abs, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("%s: %w", abs, err)
	}
	return nil
}
