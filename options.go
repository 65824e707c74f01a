package lazypp

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gen740/lazypp/internal/lock"
	"github.com/gen740/lazypp/internal/metrics"
)

// DefaultCacheDir is used when no cache directory is configured.
var DefaultCacheDir = filepath.Join(".lazypp", "cache")

type settings struct {
	cacheDir   string
	workDir    string
	version    string
	pool       *Pool
	locker     lock.Locker
	logger     *slog.Logger
	metrics    *metrics.Metrics
	retries    int
	backoff    time.Duration
	showInput  bool
	showOutput bool
	observer   func(Event)
}

// Option configures a Task.
type Option func(*settings)

// WithCacheDir sets the cache root.
func WithCacheDir(dir string) Option {
	return func(s *settings) { s.cacheDir = dir }
}

// WithWorkDir runs the body in dir and keeps it afterwards. By default a
// temporary directory is created and removed after the run.
func WithWorkDir(dir string) Option {
	return func(s *settings) { s.workDir = dir }
}

// WithVersion is part of the task identity. Change it whenever the body
// changes in a way that invalidates cached outputs.
func WithVersion(v string) Option {
	return func(s *settings) { s.version = v }
}

// WithPool bounds how many bodies run at once. Tasks sharing a pool share
// its limit.
func WithPool(p *Pool) Option {
	return func(s *settings) { s.pool = p }
}

// WithLocker replaces the cross-process lock. The default is a FileLocker
// in the cache directory.
func WithLocker(l Locker) Option {
	return func(s *settings) { s.locker = l }
}

// WithLogger sets the logger. The default is the logger carried by the
// context passed to Result, or slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithMetrics records evaluations in m.
func WithMetrics(m *Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithRetries re-runs the body up to n more times when it returns a
// RetryError, sleeping backoff between attempts.
func WithRetries(n int, backoff time.Duration) Option {
	return func(s *settings) {
		s.retries = n
		s.backoff = backoff
	}
}

// WithShowInput logs the canonical input before the body runs.
func WithShowInput() Option {
	return func(s *settings) { s.showInput = true }
}

// WithShowOutput logs the cached output after the body runs.
func WithShowOutput() Option {
	return func(s *settings) { s.showOutput = true }
}

// WithObserver calls fn for every cache hit, execution and failure. fn may
// be called from many goroutines.
func WithObserver(fn func(Event)) Option {
	return func(s *settings) { s.observer = fn }
}

func newSettings(opts []Option) settings {
	s := settings{cacheDir: DefaultCacheDir}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
