// Package shell runs task commands with an isolated environment.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
)

// Command describes one process invocation.
type Command struct {
	// Run is interpreted by "sh -c". Exactly one of Run and Args is set.
	Run string

	// Args is an argv vector executed directly.
	Args []string

	// Dir is the working directory.
	Dir string

	// Env is the complete set of variables the process sees, unless
	// InheritPath or InheritEnv widen it.
	Env map[string]string

	// InheritPath adds the host PATH when Env does not set one.
	InheritPath bool

	// InheritEnv passes the whole host environment, with Env layered on top.
	InheritEnv bool

	// Stdout and Stderr, when set, receive output as it is produced. It is
	// captured in the Result either way.
	Stdout io.Writer
	Stderr io.Writer
}

// Result contains the outcome of a finished process.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// ExitError reports a process that exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command exited with status %d", e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

// Err returns an *ExitError when the process exited non-zero.
func (r *Result) Err() error {
	if r == nil || r.ExitCode == 0 {
		return nil
	}
	return &ExitError{Code: r.ExitCode, Stderr: string(r.Stderr)}
}

// Run starts c and waits for it. A non-zero exit is reported in
// Result.ExitCode, not as an error. Cancelling ctx kills the whole process
// group.
func Run(ctx context.Context, c Command) (*Result, error) {
	var cmd *exec.Cmd
	switch {
	case c.Run != "" && len(c.Args) > 0:
		return nil, errors.New("command has both run and args")
	case c.Run != "":
		cmd = exec.Command("sh", "-c", c.Run)
	case len(c.Args) > 0:
		cmd = exec.Command(c.Args[0], c.Args[1:]...)
	default:
		return nil, errors.New("command is empty")
	}

	cmd.Dir = c.Dir
	cmd.Env = BuildEnv(c.Env, c.InheritPath, c.InheritEnv)

	// Own process group so cancellation reaches grandchildren.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = tee(&stdout, c.Stdout)
	cmd.Stderr = tee(&stderr, c.Stderr)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
	}, nil
}

// BuildEnv constructs the process environment as sorted KEY=VALUE pairs.
// It starts empty unless inheritEnv is set.
func BuildEnv(env map[string]string, inheritPath, inheritEnv bool) []string {
	merged := make(map[string]string, len(env)+1)
	if inheritEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				merged[k] = v
			}
		}
	} else if inheritPath {
		if p, ok := os.LookupEnv("PATH"); ok {
			merged["PATH"] = p
		}
	}
	for k, v := range env {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func tee(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
