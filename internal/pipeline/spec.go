// Package pipeline runs declarative shell pipelines on top of lazypp.
// Every step becomes a task whose identity covers its command, its
// environment, the content of its inputs and the identity of the steps
// it needs, so unchanged steps are served from the cache.
package pipeline

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/gen740/lazypp/internal/dag"
	"github.com/gen740/lazypp/internal/digest"
	"github.com/gen740/lazypp/internal/fsutil"
)

// Spec is a pipeline file.
type Spec struct {
	Name     string `mapstructure:"name" hcl:"name,optional"`
	CacheDir string `mapstructure:"cache_dir" hcl:"cache_dir,optional"`
	Tasks    []Step `mapstructure:"tasks" hcl:"task,block"`
}

// Step is one shell command with its declared inputs and outputs.
type Step struct {
	Name string `mapstructure:"name" hcl:"name,label"`
	Run  string `mapstructure:"run" hcl:"run"`

	// Env is the complete environment of the command.
	Env map[string]string `mapstructure:"env" hcl:"env,optional"`

	// InheritPath adds the host PATH to Env.
	InheritPath bool `mapstructure:"inherit_path" hcl:"inherit_path,optional"`

	// Inputs are paths or doublestar globs relative to the pipeline file.
	Inputs []string `mapstructure:"inputs" hcl:"inputs,optional"`

	// Outputs are paths the command creates in its work directory.
	Outputs []string `mapstructure:"outputs" hcl:"outputs,optional"`

	Needs   []string `mapstructure:"needs" hcl:"needs,optional"`
	Version string   `mapstructure:"version" hcl:"version,optional"`

	Retries    int    `mapstructure:"retries" hcl:"retries,optional"`
	RetryDelay string `mapstructure:"retry_delay" hcl:"retry_delay,optional"`
}

// Delay parses RetryDelay. Empty means no delay.
func (s Step) Delay() (time.Duration, error) {
	if s.RetryDelay == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.RetryDelay)
	if err != nil {
		return 0, fmt.Errorf("step %q: retry_delay: %w", s.Name, err)
	}
	return d, nil
}

// definition digests everything that describes the step itself. Input
// content is not read here; it belongs to the task hash.
func (s Step) definition() string {
	parts := []string{s.Name, s.Run, s.Version, fmt.Sprint(s.InheritPath)}
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, "env:"+k+"="+s.Env[k])
	}
	for _, in := range s.Inputs {
		parts = append(parts, "in:"+in)
	}
	for _, out := range s.Outputs {
		parts = append(parts, "out:"+out)
	}
	return digest.Strings(parts...)
}

func (s Step) validate() error {
	if s.Run == "" {
		return fmt.Errorf("step %q: run is required", s.Name)
	}
	if s.Retries < 0 {
		return fmt.Errorf("step %q: retries must not be negative", s.Name)
	}
	if _, err := s.Delay(); err != nil {
		return err
	}
	for _, out := range s.Outputs {
		if out == "" || filepath.IsAbs(out) || fsutil.OutsideBase(out) {
			return fmt.Errorf("step %q: output %q must stay inside the work directory", s.Name, out)
		}
	}
	for _, in := range s.Inputs {
		if in == "" || filepath.IsAbs(in) || fsutil.OutsideBase(in) {
			return fmt.Errorf("step %q: input %q must be relative to the pipeline file", s.Name, in)
		}
	}
	return nil
}

// Graph validates the steps and builds their dependency graph.
func (s *Spec) Graph() (*dag.TaskGraph, error) {
	vertices := make([]dag.Vertex, 0, len(s.Tasks))
	var edges []dag.Edge
	for _, st := range s.Tasks {
		if err := st.validate(); err != nil {
			return nil, err
		}
		vertices = append(vertices, dag.Vertex{Name: st.Name, Definition: st.definition()})
		for _, need := range st.Needs {
			edges = append(edges, dag.Edge{From: need, To: st.Name})
		}
	}
	return dag.NewTaskGraph(vertices, edges)
}

// Step returns the step named name.
func (s *Spec) Step(name string) (Step, bool) {
	for _, st := range s.Tasks {
		if st.Name == name {
			return st, true
		}
	}
	return Step{}, false
}
