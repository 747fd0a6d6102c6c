package bridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

// startServer runs a bridge over a fresh socket with sh as the target,
// waits until it accepts, and tears it down with the test.
func startServer(t *testing.T, opts ...Option) (*Server, *Client) {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "bridge.sock")
	opts = append([]Option{
		WithSocketPath(socketPath),
		WithCLIPath("sh"),
	}, opts...)

	server, err := NewServer(opts...)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- server.Run(context.Background()) }()
	t.Cleanup(func() {
		server.Shutdown()
		require.NoError(t, <-runErr)
	})

	client := NewClient(log, socketPath)
	require.NoError(t, client.WaitForServer(contextWithTimeout(t, 10*time.Second)))
	return server, client
}

func contextWithTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestInvoke(t *testing.T) {
	_, client := startServer(t)

	cases := []struct {
		name      string
		script    string
		env       map[string]string
		stdin     []byte
		expCode   int
		expStdout string
		expStderr string
	}{
		{
			name:      "happy case",
			script:    "echo hello",
			expStdout: "hello\n",
		},
		{
			name:    "exit code 3",
			script:  "exit 3",
			expCode: 3,
		},
		{
			name:      "stderr comes back separately",
			script:    "printf foo; printf bar 1>&2",
			expStdout: "foo",
			expStderr: "bar",
		},
		{
			name:      "stdin round-trips",
			script:    "cat",
			stdin:     []byte("foo"),
			expStdout: "foo",
		},
		{
			name:      "env override is visible to the child",
			script:    `printf "$GREETING"`,
			env:       map[string]string{"GREETING": "hi"},
			expStdout: "hi",
		},
		{
			name:    "signal 9 maps to 137",
			script:  "kill -KILL $$",
			expCode: 137,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp, err := client.Invoke(context.Background(), InvokeRequest{
				Args:  []string{"-c", c.script},
				Env:   c.env,
				Stdin: c.stdin,
			})
			require.NoError(t, err)
			assert.Equal(t, c.expCode, resp.ExitCode)
			assert.Equal(t, c.expStdout, string(resp.Stdout))
			assert.Equal(t, c.expStderr, string(resp.Stderr))
		})
	}
}

func TestInvokeBinaryBytes(t *testing.T) {
	_, client := startServer(t)

	stdin := make([]byte, 1024)
	for i := range stdin {
		stdin[i] = byte(i % 256)
	}

	resp, err := client.Invoke(context.Background(), InvokeRequest{
		Args:  []string{"-c", "cat"},
		Stdin: stdin,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.ExitCode)
	assert.Equal(t, stdin, resp.Stdout)
}

func TestInvokeWorkingDirectory(t *testing.T) {
	_, client := startServer(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), []byte("here"), 0o644))

	resp, err := client.Invoke(context.Background(), InvokeRequest{
		Args: []string{"-c", "cat marker"},
		Cwd:  dir,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.ExitCode)
	assert.Equal(t, "here", string(resp.Stdout))
}

func TestInvokeMissingExecutable(t *testing.T) {
	_, client := startServer(t, WithCLIPath("/nonexistent/clibridge-cli"))

	_, err := client.Invoke(context.Background(), InvokeRequest{Args: []string{"--help"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/nonexistent/clibridge-cli")
}

func TestConcurrencyLimitSerializes(t *testing.T) {
	_, client := startServer(t, WithConcurrencyLimit(1))

	const sleep = 300 * time.Millisecond

	start := time.Now()
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := client.Invoke(context.Background(), InvokeRequest{
				Args: []string{"-c", "sleep 0.3"},
			})
			errs <- err
		}()
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	// With one slot the second child cannot start until the first's
	// slot is released, so the wall time covers both sleeps.
	assert.GreaterOrEqual(t, time.Since(start), 2*sleep)
}

func TestSocketLifecycle(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "bridge.sock")

	// A stale file at the path is replaced silently.
	require.NoError(t, os.WriteFile(socketPath, nil, 0o644))

	server, err := NewServer(WithSocketPath(socketPath), WithCLIPath("sh"))
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- server.Run(context.Background()) }()

	client := NewClient(log, socketPath)
	require.NoError(t, client.WaitForServer(contextWithTimeout(t, 10*time.Second)))

	fi, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, fi.Mode().Type())

	server.Shutdown()
	require.NoError(t, <-runErr)

	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestShutdownIsIdempotent(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "bridge.sock")

	server, err := NewServer(WithSocketPath(socketPath), WithCLIPath("sh"))
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- server.Run(context.Background()) }()

	client := NewClient(log, socketPath)
	require.NoError(t, client.WaitForServer(contextWithTimeout(t, 10*time.Second)))

	server.Shutdown()
	server.Shutdown()
	require.NoError(t, <-runErr)

	// Shutting down again after Run has returned is still a no-op.
	server.Shutdown()
}

func TestShutdownDrainsInflightInvocations(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "bridge.sock")

	server, err := NewServer(WithSocketPath(socketPath), WithCLIPath("sh"))
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- server.Run(context.Background()) }()

	client := NewClient(log, socketPath)
	require.NoError(t, client.WaitForServer(contextWithTimeout(t, 10*time.Second)))

	invokeDone := make(chan *InvokeResponse, 1)
	go func() {
		resp, err := client.Invoke(context.Background(), InvokeRequest{
			Args: []string{"-c", "sleep 0.3; echo drained"},
		})
		require.NoError(t, err)
		invokeDone <- resp
	}()

	// Give the invocation time to reach the child before shutting down.
	time.Sleep(100 * time.Millisecond)
	server.Shutdown()

	resp := <-invokeDone
	assert.Equal(t, 0, resp.ExitCode)
	assert.Equal(t, "drained\n", string(resp.Stdout))

	require.NoError(t, <-runErr)
}

func TestInvokeNegativeConcurrencyLimitRejected(t *testing.T) {
	_, err := NewServer(WithConcurrencyLimit(-1))
	require.Error(t, err)
}
