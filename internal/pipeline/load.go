package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/mitchellh/mapstructure"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/gen740/lazypp/internal/dag"
	"github.com/gen740/lazypp/internal/logging"
)

// ErrUnsupportedFormat is returned for pipeline files with an unknown
// extension.
var ErrUnsupportedFormat = errors.New("unsupported pipeline format")

// Pipeline is a loaded and validated pipeline file.
type Pipeline struct {
	Spec Spec

	// Dir is the absolute directory of the pipeline file. Inputs and a
	// relative cache_dir are resolved against it.
	Dir string

	Graph *dag.TaskGraph
}

// Load reads, decodes and validates the pipeline at path. The format is
// chosen by extension: .yaml/.yml, .json/.jsonc or .hcl.
func Load(ctx context.Context, path string) (*Pipeline, error) {
	logger := logging.FromContext(ctx)
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}

	spec, err := Decode(filepath.Ext(abs), abs, data)
	if err != nil {
		return nil, err
	}
	g, err := spec.Graph()
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", path, err)
	}
	logger.Debug("pipeline loaded", "path", abs, "steps", g.Len(), "graph", g.Hash())
	return &Pipeline{Spec: *spec, Dir: filepath.Dir(abs), Graph: g}, nil
}

// Decode parses data in the format named by ext. filename is used in HCL
// diagnostics.
func Decode(ext, filename string, data []byte) (*Spec, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse pipeline yaml: %w", err)
		}
		return decodeMap(raw)
	case ".json", ".jsonc":
		var raw map[string]any
		if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
			return nil, fmt.Errorf("parse pipeline json: %w", err)
		}
		return decodeMap(raw)
	case ".hcl":
		return decodeHCL(filename, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// decodeMap rejects unknown keys so a typo never silently changes a step.
// Scalars are converted weakly, so env values such as 1 or true decode
// as strings.
func decodeMap(raw map[string]any) (*Spec, error) {
	var spec Spec
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &spec,
		TagName:          "mapstructure",
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	return &spec, nil
}

func decodeHCL(filename string, data []byte) (*Spec, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse pipeline hcl: %s", diags.Error())
	}
	var spec Spec
	if diags := gohcl.DecodeBody(file.Body, nil, &spec); diags.HasErrors() {
		return nil, fmt.Errorf("decode pipeline hcl: %s", diags.Error())
	}
	return &spec, nil
}

// CacheDir returns the cache directory declared by the pipeline, resolved
// against its directory, or "" when it declares none.
func (p *Pipeline) CacheDir() string {
	if p.Spec.CacheDir == "" {
		return ""
	}
	if filepath.IsAbs(p.Spec.CacheDir) {
		return p.Spec.CacheDir
	}
	return filepath.Join(p.Dir, p.Spec.CacheDir)
}
