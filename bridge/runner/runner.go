// Package runner executes target program invocations: one child
// process per request, admission-gated, with full stdin/stdout/stderr
// capture.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clibridge/clibridge/internal/admission"
)

// Program is the executable expected to sit beside the bridge binary
// when no override path is configured.
const Program = "clibridge-cli"

// DefaultPathEnvVar is the environment variable consulted for the
// target executable path when no override flag is given.
const DefaultPathEnvVar = "CLIBRIDGE_CLI_BIN"

// Request describes one invocation of the target program.
type Request struct {
	Args  []string
	Env   map[string]string
	Cwd   string
	Stdin []byte
}

// Result is the fully captured outcome of one invocation.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Resolver locates the target executable. Precedence: OverridePath,
// then the environment variable named by PathEnvVar, then Program in
// the directory of the bridge's own executable.
type Resolver struct {
	OverridePath string
	PathEnvVar   string
}

func (r Resolver) Resolve() (string, error) {
	if r.OverridePath != "" {
		return r.OverridePath, nil
	}
	envVar := r.PathEnvVar
	if envVar == "" {
		envVar = DefaultPathEnvVar
	}
	if path := os.Getenv(envVar); path != "" {
		return path, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("determining current executable: %w", err)
	}
	return filepath.Join(filepath.Dir(exe), Program), nil
}

// Runner runs target program invocations.
type Runner struct {
	Log      *zap.SugaredLogger
	Gate     *admission.Gate
	Resolver Resolver
}

// Run spawns the target with the request's arguments, environment
// overrides, and working directory, feeds it the stdin payload, and
// returns once the process has exited and both output streams are
// fully drained. The context only bounds the admission wait; a spawned
// child is never killed, not even during server shutdown.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	permit, err := r.Gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	path, err := r.Resolver.Resolve()
	if err != nil {
		return nil, err
	}

	log := r.Log.With("invocation", uuid.New().String())

	cmd := exec.Command(path, req.Args...)
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	// Parent-owned pipes for the output streams, so that waiting for
	// the process can run concurrently with the drains without the
	// runtime closing the read ends underneath them.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	log.Debugw("spawning process", "path", path, "args", req.Args, "cwd", req.Cwd)
	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("spawning %s: %w", path, err)
	}

	// The child holds its own copies of the write ends; drop ours so
	// the drains observe EOF once the child exits.
	stdoutW.Close()
	stderrW.Close()
	defer stdoutR.Close()
	defer stderrR.Close()

	// Deliver the full payload, then close so the child sees
	// end-of-input before the drains start.
	if _, err := stdin.Write(req.Stdin); err != nil {
		stdin.Close()
		go reap(cmd)
		return nil, fmt.Errorf("writing stdin: %w", err)
	}
	if err := stdin.Close(); err != nil {
		go reap(cmd)
		return nil, fmt.Errorf("closing stdin: %w", err)
	}

	// Drain both streams and wait concurrently; draining one stream
	// sequentially can deadlock when the child blocks writing the
	// other. The group joins all three before returning the first
	// error, so nothing is left holding a pipe.
	var stdout, stderr []byte
	var eg errgroup.Group
	eg.Go(func() error {
		var err error
		stdout, err = io.ReadAll(stdoutR)
		if err != nil {
			return fmt.Errorf("reading stdout: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		var err error
		stderr, err = io.ReadAll(stderrR)
		if err != nil {
			return fmt.Errorf("reading stderr: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return fmt.Errorf("waiting for process: %w", err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	code := exitCode(cmd.ProcessState)
	log.Debugw("process exited", "code", code, "stdout_bytes", len(stdout), "stderr_bytes", len(stderr))
	return &Result{ExitCode: code, Stdout: stdout, Stderr: stderr}, nil
}

// reap collects the exit status of a child abandoned by an aborted
// invocation so it does not linger as a zombie.
func reap(cmd *exec.Cmd) {
	_ = cmd.Wait()
}

// exitCode maps a wait status to the wire exit code: the process's own
// status on normal termination, 128+signal when signal-terminated, -1
// when neither is determinable.
func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if code := state.ExitCode(); code >= 0 {
		return code
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return -1
}
