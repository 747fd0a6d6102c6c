package bridge

// InvokeRequest is the wire form of one target program invocation.
// Env entries are merged onto the bridge's own environment; unset keys
// inherit. An empty Cwd inherits the bridge's working directory, and
// an empty Stdin means the child sees immediate end-of-input.
type InvokeRequest struct {
	Args  []string          `json:"args"`
	Env   map[string]string `json:"env,omitempty"`
	Cwd   string            `json:"cwd,omitempty"`
	Stdin []byte            `json:"stdin,omitempty"`
}

// InvokeResponse carries the fully captured outcome. ExitCode is the
// process's own status, 128+signal for signal termination, or -1 when
// neither could be determined (indistinguishable from a program that
// really exited with -1).
type InvokeResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   []byte `json:"stdout,omitempty"`
	Stderr   []byte `json:"stderr,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status string `json:"status"`
}
