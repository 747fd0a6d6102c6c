// Package socket owns the lifetime of the listening unix socket file:
// it clears stale files left by prior runs before binding and removes
// the file exactly once on shutdown.
package socket

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// Listen binds a unix domain socket at path, creating missing parent
// directories and replacing any stale file left at the path by a
// previous run. The returned Cleanup removes the socket file.
func Listen(path string) (net.Listener, *Cleanup, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating parent directory for %s: %w", path, err)
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, nil, fmt.Errorf("binding unix socket %s: %w", path, err)
	}
	return lis, &Cleanup{path: path}, nil
}

// Cleanup removes the socket file when closed. Close is idempotent,
// and a file already gone at removal time is not an error.
type Cleanup struct {
	path string
	once sync.Once
}

func (c *Cleanup) Close() error {
	c.once.Do(func() {
		_ = os.Remove(c.path)
	})
	return nil
}
