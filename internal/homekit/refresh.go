package homekit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// refreshKey is the single singleflight key: there is only one graph.
const refreshKey = "graph"

// Refresher reconciles the cache with the native graph.
//
// Concurrent Refresh calls share one native fetch and one applied diff.
// A failed fetch leaves the published snapshot untouched. Listeners of
// characteristics the new graph no longer contains are unsubscribed.
type Refresher struct {
	native  Native
	cache   *Cache
	mut     *mutator
	disp    *Dispatcher
	subs    *Subscriptions
	timeout time.Duration
	logger  Logger
	group   singleflight.Group
}

// Refresh fetches the full graph, diffs it against the current snapshot and
// applies the diff in one step. It returns the applied diff; a refresh with
// no native change returns an empty diff and publishes no events.
//
// The shared fetch is bounded by the refresh timeout, not by ctx, so one
// caller giving up does not fail the others.
func (r *Refresher) Refresh(ctx context.Context) (Diff, error) {
	ch := r.group.DoChan(refreshKey, func() (any, error) {
		return r.fetchAndApply(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Diff{}, res.Err
		}
		d, ok := res.Val.(Diff)
		if !ok {
			return Diff{}, fmt.Errorf("refresh: unexpected result type %T", res.Val)
		}
		return d, nil
	case <-ctx.Done():
		return Diff{}, ctx.Err()
	}
}

func (r *Refresher) fetchAndApply(ctx context.Context) (Diff, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	graph, err := r.native.FetchGraph(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Diff{}, fmt.Errorf("%w: fetching accessory graph after %v", ErrTimeout, r.timeout)
		}
		return Diff{}, fmt.Errorf("fetching accessory graph: %w", asNativeError("fetch_graph", err))
	}

	next, err := buildSnapshot(graph)
	if err != nil {
		return Diff{}, fmt.Errorf("%w: %w", ErrNativeError, err)
	}

	var applied Diff
	err = r.mut.submitWait(func() {
		applied = computeDiff(r.cache.Snapshot(), next)
		r.disp.publish(r.cache.applyDiff(applied)...)
	})
	if err != nil {
		return Diff{}, err
	}

	if r.subs != nil {
		for _, ref := range r.subs.dropMissing(r.cache.Snapshot()) {
			r.logger.Info("subscription dropped, characteristic removed", "characteristic", ref.String())
		}
	}

	r.logger.Debug("accessory graph refreshed",
		"changes", applied.Size(),
		"accessories", len(next.accessories),
		"duration", time.Since(start))

	return applied, nil
}
