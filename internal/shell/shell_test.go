package shell

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRun_UndeclaredEnvVarsInvisible(t *testing.T) {
	t.Setenv("SECRET_HOST_VAR", "should_not_see_this")

	res, err := Run(context.Background(), Command{
		Run: `echo "VAR=${SECRET_HOST_VAR:-unset}"`,
		Dir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "VAR=unset" {
		t.Fatalf("expected VAR=unset, got %q", got)
	}
}

func TestRun_DeclaredEnvVisible(t *testing.T) {
	res, err := Run(context.Background(), Command{
		Run: `echo "FOO=$FOO BAR=$BAR"`,
		Env: map[string]string{"FOO": "hello", "BAR": "world"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "FOO=hello BAR=world" {
		t.Fatalf("unexpected stdout %q", got)
	}
}

func TestRun_InheritPathAndEnv(t *testing.T) {
	t.Setenv("SECRET_HOST_VAR", "visible")

	env := BuildEnv(nil, true, false)
	if len(env) != 1 || !strings.HasPrefix(env[0], "PATH=") {
		t.Fatalf("expected only PATH, got %v", env)
	}

	res, err := Run(context.Background(), Command{
		Run:        `echo "$SECRET_HOST_VAR"`,
		InheritEnv: true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "visible" {
		t.Fatalf("expected inherited var, got %q", got)
	}
}

func TestBuildEnv_SortedAndOverrides(t *testing.T) {
	t.Setenv("PATH", "/host/bin")
	got := BuildEnv(map[string]string{"Z": "1", "A": "2", "PATH": "/mine"}, true, false)
	want := []string{"A=2", "PATH=/mine", "Z=1"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRun_WorkingDirAndExitCode(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := Run(context.Background(), Command{
		Run: "test -f marker && echo found >&2 && exit 3",
		Dir: dir,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d", res.ExitCode)
	}

	var exitErr *ExitError
	if !errors.As(res.Err(), &exitErr) || exitErr.Code != 3 {
		t.Fatalf("expected ExitError with code 3, got %v", res.Err())
	}
	if !strings.Contains(exitErr.Error(), "found") {
		t.Fatalf("expected stderr tail in error, got %q", exitErr.Error())
	}
}

func TestRun_StreamsOutput(t *testing.T) {
	var out, errOut bytes.Buffer
	res, err := Run(context.Background(), Command{
		Args:   []string{"sh", "-c", "echo out; echo err >&2"},
		Env:    map[string]string{},
		Stdout: &out,
		Stderr: &errOut,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.String() != "out\n" || errOut.String() != "err\n" {
		t.Fatalf("streamed %q / %q", out.String(), errOut.String())
	}
	if string(res.Stdout) != "out\n" || string(res.Stderr) != "err\n" {
		t.Fatalf("captured %q / %q", res.Stdout, res.Stderr)
	}
}

func TestRun_CancelKillsProcessGroup(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Run(ctx, Command{Run: "sleep 10 & sleep 10; wait", InheritPath: true})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("process group was not killed promptly")
	}
}

func TestRun_RejectsAmbiguousCommand(t *testing.T) {
	if _, err := Run(context.Background(), Command{}); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := Run(context.Background(), Command{Run: "true", Args: []string{"true"}}); err == nil {
		t.Fatal("expected error for run + args")
	}
}
