package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gen740/lazypp/internal/store"
)

func newCacheCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the output cache",
		Args:  checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "ls",
			Short: "List cached task outputs",
			Args:  checkArgs(cobra.NoArgs),
			RunE: func(cmd *cobra.Command, _ []string) error {
				return listCache(store.New(a.cfg.CacheDir), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "show HASH",
			Short: "Print the stored output of a task",
			Args:  checkArgs(cobra.ExactArgs(1)),
			RunE: func(cmd *cobra.Command, args []string) error {
				rec, err := store.New(a.cfg.CacheDir).Load(args[0])
				if err != nil {
					return withCode(ExitInvalidInvocation, "", err)
				}
				return writeString(cmd.OutOrStdout(), string(rec.Output)+"\n")
			},
		},
		&cobra.Command{
			Use:   "rm HASH...",
			Short: "Remove cached task outputs",
			Args:  checkArgs(cobra.MinimumNArgs(1)),
			RunE: func(cmd *cobra.Command, args []string) error {
				st := store.New(a.cfg.CacheDir)
				for _, h := range args {
					if err := st.Remove(h); err != nil {
						return withCode(ExitInvalidInvocation, "", err)
					}
					a.logger.Info("removed cache entry", "hash", h)
				}
				return nil
			},
		},
		newCacheCleanCommand(a),
	)
	return cmd
}

func newCacheCleanCommand(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove every cached task output",
		Args:  checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := store.New(a.cfg.CacheDir).Clean(all)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
			return err
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "also remove reusable files")
	return cmd
}

func listCache(st *store.Store, w io.Writer) error {
	infos, err := st.List()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "HASH\tSIZE\tMODIFIED\n")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", info.Hash, info.Size, info.ModTime.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
