package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/gen740/lazypp"
	"github.com/gen740/lazypp/internal/shell"
)

// ShellInput is the input of a step task. Its canonical form is the step
// identity.
type ShellInput struct {
	Run         string              `json:"run"`
	Env         map[string]string   `json:"env,omitempty"`
	InheritPath bool                `json:"inherit_path,omitempty"`
	Files       []*lazypp.File      `json:"files,omitempty"`
	Dirs        []*lazypp.Directory `json:"dirs,omitempty"`
	Outputs     []string            `json:"outputs,omitempty"`
	Needs       []lazypp.Node       `json:"needs,omitempty"`
}

// ShellOutput is the cached result of a step.
type ShellOutput struct {
	Stdout string              `json:"stdout"`
	Stderr string              `json:"stderr"`
	Files  []*lazypp.File      `json:"files,omitempty"`
	Dirs   []*lazypp.Directory `json:"dirs,omitempty"`
}

// Entries returns the output files and directories.
func (o ShellOutput) Entries() []lazypp.Entry {
	out := make([]lazypp.Entry, 0, len(o.Files)+len(o.Dirs))
	for _, f := range o.Files {
		out = append(out, f)
	}
	for _, d := range o.Dirs {
		out = append(out, d)
	}
	return out
}

// Paths returns the work-directory paths of the output entries, sorted.
func (o ShellOutput) Paths() []string {
	var paths []string
	for _, e := range o.Entries() {
		paths = append(paths, filepath.ToSlash(e.Path()))
	}
	sort.Strings(paths)
	return paths
}

// StepTask is the task a step is evaluated as.
type StepTask = lazypp.Task[ShellInput, ShellOutput]

// resolveInputs expands the step inputs against base. Literal paths must
// exist. Globs must match at least one file. Results are sorted and
// deduplicated.
func resolveInputs(base string, patterns []string) ([]*lazypp.File, []*lazypp.Directory, error) {
	files := map[string]bool{}
	dirs := map[string]bool{}
	fsys := os.DirFS(base)

	for _, pattern := range patterns {
		pattern = filepath.ToSlash(filepath.Clean(pattern))
		if !doublestar.ValidatePattern(pattern) {
			return nil, nil, fmt.Errorf("invalid input pattern %q", pattern)
		}
		if !hasMeta(pattern) {
			info, err := fs.Stat(fsys, pattern)
			if err != nil {
				return nil, nil, fmt.Errorf("input %q: %w", pattern, err)
			}
			if info.IsDir() {
				dirs[pattern] = true
			} else {
				files[pattern] = true
			}
			continue
		}
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, nil, fmt.Errorf("input %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, nil, fmt.Errorf("input %q matched no files", pattern)
		}
		for _, m := range matches {
			files[m] = true
		}
	}

	var outFiles []*lazypp.File
	for _, rel := range sortedSet(files) {
		f, err := lazypp.NewFile(filepath.Join(base, filepath.FromSlash(rel)), lazypp.WithDest(rel))
		if err != nil {
			return nil, nil, err
		}
		outFiles = append(outFiles, f)
	}
	var outDirs []*lazypp.Directory
	for _, rel := range sortedSet(dirs) {
		d, err := lazypp.NewDirectory(filepath.Join(base, filepath.FromSlash(rel)), lazypp.WithDest(rel))
		if err != nil {
			return nil, nil, err
		}
		outDirs = append(outDirs, d)
	}
	return outFiles, outDirs, nil
}

func hasMeta(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[', '{', '\\':
			return true
		}
	}
	return false
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// shellBody runs the command and collects the declared outputs. A
// non-zero exit fails the step; with retries configured it is retried.
func shellBody(stream *lineWriter, retries int) lazypp.Func[ShellInput, ShellOutput] {
	return func(ctx context.Context, c *lazypp.Context, in ShellInput) (ShellOutput, error) {
		stdout := stream.prefixed("[" + c.Name() + "] ")
		stderr := stream.prefixed("[" + c.Name() + "] ")
		defer stdout.Flush()
		defer stderr.Flush()

		res, err := shell.Run(ctx, shell.Command{
			Run:         in.Run,
			Dir:         c.Dir(),
			Env:         in.Env,
			InheritPath: in.InheritPath,
			Stdout:      asWriter(stdout),
			Stderr:      asWriter(stderr),
		})
		if err != nil {
			return ShellOutput{}, err
		}
		if err := res.Err(); err != nil {
			if retries > 0 {
				return ShellOutput{}, lazypp.Retry(err)
			}
			return ShellOutput{}, err
		}

		out := ShellOutput{Stdout: string(res.Stdout), Stderr: string(res.Stderr)}
		for _, rel := range in.Outputs {
			info, err := os.Stat(c.Path(rel))
			if err != nil {
				return ShellOutput{}, fmt.Errorf("declared output %q: %w", rel, err)
			}
			if info.IsDir() {
				d, err := c.Directory(rel)
				if err != nil {
					return ShellOutput{}, err
				}
				out.Dirs = append(out.Dirs, d)
				continue
			}
			f, err := c.File(rel)
			if err != nil {
				return ShellOutput{}, err
			}
			out.Files = append(out.Files, f)
		}
		return out, nil
	}
}
