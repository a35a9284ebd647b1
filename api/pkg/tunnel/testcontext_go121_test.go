package tunnel

import (
	"context"
	"testing"
)

// testContext substitutes for t.Context (Go 1.24+) on older toolchains:
// the context is canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
