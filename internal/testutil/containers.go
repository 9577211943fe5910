// Package testutil starts the database containers that backend tests run
// against. Each container is started at most once per test binary.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

// startTimeout bounds image pull plus startup; CI runners can be slow.
const startTimeout = 3 * time.Minute

// SkipIfShort skips container-backed tests under -short.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
}

// shared is a lazily started container whose connection string is reused
// by every test of the binary.
type shared struct {
	name string
	once sync.Once
	conn string
	err  error
}

// get starts the container on first use. The test is skipped when the
// container cannot be started, e.g. because no Docker daemon is reachable.
func (s *shared) get(t *testing.T, start func(ctx context.Context) (testcontainers.Container, string, error)) string {
	t.Helper()
	SkipIfShort(t)

	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()

		c, conn, err := start(ctx)
		if err != nil {
			_ = testcontainers.TerminateContainer(c)
			s.err = err
			return
		}
		s.conn = conn
	})

	if s.err != nil {
		t.Skipf("%s container unavailable: %v", s.name, s.err)
	}
	return s.conn
}
