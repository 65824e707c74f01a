package lazypp

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gen740/lazypp/internal/shell"
)

// Entry is a File or a Directory.
type Entry interface {
	Path() string
	Source() string
	Digest() (string, error)
}

// Context is handed to a task body. It exposes the work directory and
// per-run details.
type Context struct {
	dir     string
	name    string
	hash    string
	attempt int
	logger  *slog.Logger
}

// Dir returns the absolute work directory.
func (c *Context) Dir() string { return c.dir }

// Path joins elem onto the work directory.
func (c *Context) Path(elem ...string) string {
	return filepath.Join(append([]string{c.dir}, elem...)...)
}

// Locate returns where e can be read from: its copy at Path when it
// exists, else its source.
func (c *Context) Locate(e Entry) string {
	p := e.Path()
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.dir, p)
	}
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return e.Source()
}

// File declares an output file at rel inside the work directory.
func (c *Context) File(rel string, opts ...EntryOption) (*File, error) {
	return NewFile(c.Path(rel), append([]EntryOption{atDest(rel)}, opts...)...)
}

// Directory declares an output directory at rel inside the work directory.
func (c *Context) Directory(rel string, opts ...EntryOption) (*Directory, error) {
	return NewDirectory(c.Path(rel), append([]EntryOption{atDest(rel)}, opts...)...)
}

// atDest sets the destination without marking the entry for copying.
func atDest(rel string) EntryOption {
	return func(e *entry) { e.dest = rel }
}

// Reusable opens r in the work directory.
func (c *Context) Reusable(ctx context.Context, r *ReusableFile) (*Lease, error) {
	return r.Open(ctx, c.dir)
}

// Sh runs script with "sh -c" in the work directory, with the process
// environment plus env. It returns stdout. A non-zero exit yields an
// *ExitError.
func (c *Context) Sh(ctx context.Context, script string, env map[string]string) (string, error) {
	res, err := shell.Run(ctx, shell.Command{
		Run:        script,
		Dir:        c.dir,
		Env:        env,
		InheritEnv: true,
	})
	if err != nil {
		return "", err
	}
	return string(res.Stdout), res.Err()
}

// Logger returns the task logger, tagged with the task name and hash.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Name returns the task name.
func (c *Context) Name() string { return c.name }

// Hash returns the task hash.
func (c *Context) Hash() string { return c.hash }

// Attempt returns the 1-based attempt number.
func (c *Context) Attempt() int { return c.attempt }
