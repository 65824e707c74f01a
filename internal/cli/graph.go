package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gen740/lazypp/internal/pipeline"
)

type graphFlags struct {
	file   string
	format string
}

func newGraphCommand(a *app) *cobra.Command {
	f := &graphFlags{}
	cmd := &cobra.Command{
		Use:   "graph [-f FILE]",
		Short: "Show the step graph with task hashes",
		Args:  checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGraph(cmd.Context(), a, f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&f.file, "file", "f", "lazypp.yaml", "pipeline file")
	cmd.Flags().StringVar(&f.format, "format", "text", "output format: text, json or mermaid")
	return cmd
}

type graphStep struct {
	Name  string   `json:"name"`
	Hash  string   `json:"hash"`
	Depth int      `json:"depth"`
	Needs []string `json:"needs"`
}

type graphDoc struct {
	Name  string      `json:"name,omitempty"`
	Graph string      `json:"graph"`
	Steps []graphStep `json:"steps"`
}

func runGraph(ctx context.Context, a *app, f *graphFlags, w io.Writer) error {
	switch f.format {
	case "text", "json", "mermaid":
	default:
		return invalidInvocationf("--format %q (want text, json or mermaid)", f.format)
	}
	p, err := pipeline.Load(ctx, f.file)
	if err != nil {
		return withCode(ExitConfigError, "load pipeline", err)
	}
	if f.format == "mermaid" {
		return writeString(w, p.Graph.Mermaid())
	}

	all := p.Graph.TopologicalOrder()
	_, tasks, err := p.Plan(all)
	if err != nil {
		return withCode(ExitConfigError, "plan pipeline", err)
	}
	doc := graphDoc{Name: p.Spec.Name, Graph: p.Graph.Hash().String()}
	for _, name := range all {
		h, err := tasks[name].Hash()
		if err != nil {
			return withCode(ExitConfigError, "hash "+name, err)
		}
		depth, _ := p.Graph.Depth(name)
		needs, _ := p.Graph.Dependencies(name)
		if needs == nil {
			needs = []string{}
		}
		doc.Steps = append(doc.Steps, graphStep{Name: name, Hash: h, Depth: depth, Needs: needs})
	}

	if f.format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "STEP\tDEPTH\tHASH\tNEEDS\n")
	for _, s := range doc.Steps {
		needs := strings.Join(s.Needs, ",")
		if needs == "" {
			needs = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.Name, s.Depth, s.Hash, needs)
	}
	return tw.Flush()
}
