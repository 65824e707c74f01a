// Package cli implements the lazypp command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gen740/lazypp/internal/config"
	"github.com/gen740/lazypp/internal/logging"
)

// Set at build time via ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

type globalFlags struct {
	config    string
	logLevel  string
	logFormat string
	cacheDir  string
}

// app is what the root command resolves before any subcommand runs.
type app struct {
	flags  globalFlags
	cfg    config.Config
	logger *slog.Logger
}

// NewRootCommand builds the lazypp command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "lazypp",
		Short: "Run cached, content-addressed shell pipelines",
		Long: `lazypp runs pipelines of shell steps. A step runs only when its command,
environment, input files or upstream steps changed; otherwise its outputs
are restored from the cache.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       versionString(),
		Args:          checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocationf("%v", err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.config, "config", "", "config file (.yaml, .yml or .toml)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&a.flags.logFormat, "log-format", "", "log format: text or json")
	pf.StringVar(&a.flags.cacheDir, "cache-dir", "", "cache directory")

	root.AddCommand(newRunCommand(a))
	root.AddCommand(newGraphCommand(a))
	root.AddCommand(newCacheCommand(a))
	root.AddCommand(newVersionCommand())
	return root
}

// setup loads config, applies global flags over it and installs the
// logger in the command context.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.flags.config)
	if err != nil {
		return withCode(ExitConfigError, "", err)
	}
	if a.flags.cacheDir != "" {
		cfg.CacheDir = a.flags.cacheDir
	}
	if a.flags.logLevel != "" {
		cfg.Log.Level = a.flags.logLevel
	}
	if a.flags.logFormat != "" {
		cfg.Log.Format = a.flags.logFormat
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return invalidInvocationf("--log-level: %v", err)
	}
	logger, err := logging.New(level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return invalidInvocationf("--log-format: %v", err)
	}

	a.cfg, a.logger = cfg, logger
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(logging.WithLogger(ctx, logger))
	return nil
}

// Execute runs root and returns the exit code, printing any error to the
// command's error stream.
func Execute(ctx context.Context, root *cobra.Command) int {
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
	}
	return ExitCode(err)
}

// checkArgs maps positional argument errors onto ExitInvalidInvocation.
func checkArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return invalidInvocationf("%v", err)
		}
		return nil
	}
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "lazypp %s\n", versionString())
			return err
		},
	}
}

func writeString(w io.Writer, s string) error {
	_, err := io.WriteString(w, s)
	return err
}
