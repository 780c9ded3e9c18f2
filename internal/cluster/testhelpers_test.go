package cluster

import (
	"context"
	"time"
)

// newTestContext returns a context bounded generously enough that a hung
// background goroutine fails the test via its own timeout rather than
// running forever.
func newTestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
