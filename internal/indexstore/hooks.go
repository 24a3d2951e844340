package indexstore

import (
	"context"
	"time"

	"github.com/dlt-tools/dltbroker/internal/dltlog"
)

// hooks satisfies sqlhooks.Hooks, logging slow index queries. Grounded on
// the teacher's internal/repository.Hooks.
type hooks struct{}

func (h *hooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	return context.WithValue(ctx, beginKey{}, time.Now()), nil
}

func (h *hooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	begin, _ := ctx.Value(beginKey{}).(time.Time)
	if d := time.Since(begin); d > slowQueryThreshold {
		dltlog.Warnf("indexstore: slow query (%s): %s", d, query)
	}
	return ctx, nil
}

type beginKey struct{}

const slowQueryThreshold = 50 * time.Millisecond
