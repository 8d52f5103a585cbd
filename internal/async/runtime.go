package async

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Runtime executes scheduled work items with concurrency limiting and
// timeouts. The same type backs discovery's per-project fan-out, the graph
// selector's worker pool (concurrency 16), and the dispatch planner's
// stride (concurrency 3, or 1 under --sequential) — only Concurrency and
// Resolvers differ per call site.
type Runtime struct {
	// Concurrency is the max number of concurrent resolver calls. Default 4.
	Concurrency int

	// Timeout is the global wall-clock budget for the run. Zero means no
	// global deadline.
	Timeout time.Duration

	// Resolvers routes WorkItem.ResolverID to an implementation. Each
	// Runtime carries its own map rather than a shared global registry, so
	// concurrent invocations never cross-contaminate.
	Resolvers map[string]Resolver
}

// dedupeKey identifies a unique resolution unit.
type dedupeKey struct {
	resolverID string
	key        string
}

// pendingGroup collects handlers sharing the same dedupeKey.
type pendingGroup struct {
	item     WorkItem // representative item (for the resolver call)
	handlers []ResultHandler
	items    []WorkItem // every original item sharing this key
}

// resolveResult stores a cached resolution outcome.
type resolveResult struct {
	value any
	err   error
}

// Run executes items under the configured concurrency and timeout.
func (rt *Runtime) Run(ctx context.Context, items []WorkItem) *RunResult {
	if len(items) == 0 {
		return &RunResult{}
	}

	concurrency := rt.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	// Apply global timeout.
	if rt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.Timeout)
		defer cancel()
	}

	// Deduplicate items by (ResolverID, Key).
	groups, orderedKeys := deduplicate(items)

	// In-run cache: stores resolution results keyed by dedupeKey.
	cache := make(map[dedupeKey]*resolveResult)
	var cacheMu sync.Mutex

	// Collect results.
	var (
		allResults   []any
		allSkipped   []Skipped
		allCompleted []Completed
		resultMu     sync.Mutex
	)

	// Semaphore channel for concurrency limiting.
	sem := make(chan struct{}, concurrency)

	var wg sync.WaitGroup
	for _, dk := range orderedKeys {
		group := groups[dk]

		wg.Add(1)
		go func(dk dedupeKey, group *pendingGroup) {
			defer wg.Done()

			// Acquire semaphore (respects context cancellation).
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				reason := SkipCanceled
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					reason = SkipTimeout
				}
				resultMu.Lock()
				for _, it := range group.items {
					allSkipped = append(allSkipped, Skipped{
						Item:   it,
						Reason: reason,
						Err:    ctx.Err(),
					})
				}
				resultMu.Unlock()
				return
			}

			// Check cache first.
			cacheMu.Lock()
			cached, hasCached := cache[dk]
			cacheMu.Unlock()

			var result *resolveResult
			if hasCached {
				result = cached
			} else {
				result = rt.resolve(ctx, group.item)
				cacheMu.Lock()
				cache[dk] = result
				cacheMu.Unlock()
			}

			// Process result.
			if result.err != nil {
				reason := classifyError(result.err)
				resultMu.Lock()
				for _, it := range group.items {
					allSkipped = append(allSkipped, Skipped{
						Item:   it,
						Reason: reason,
						Err:    result.err,
					})
				}
				resultMu.Unlock()
				return
			}

			// Fan out resolved result to all handlers sharing this key.
			// Handlers run outside the lock to avoid serializing callbacks.
			res, completed := fanOut(group, result.value)
			resultMu.Lock()
			allResults = append(allResults, res...)
			allCompleted = append(allCompleted, completed...)
			resultMu.Unlock()
		}(dk, group)
	}

	wg.Wait()

	return &RunResult{
		Results:   allResults,
		Skipped:   allSkipped,
		Completed: allCompleted,
	}
}

// deduplicate groups items by (ResolverID, Key). When multiple items share
// a key, the representative item uses the longest timeout so no handler's
// budget is cut short by a sibling's shorter one.
func deduplicate(items []WorkItem) (map[dedupeKey]*pendingGroup, []dedupeKey) {
	groups := make(map[dedupeKey]*pendingGroup)
	var orderedKeys []dedupeKey

	for _, it := range items {
		dk := dedupeKey{resolverID: it.ResolverID, key: it.Key}
		if g, ok := groups[dk]; ok {
			g.handlers = append(g.handlers, it.Handler)
			g.items = append(g.items, it)
			if it.Timeout > g.item.Timeout {
				g.item.Timeout = it.Timeout
			}
		} else {
			groups[dk] = &pendingGroup{
				item:     it,
				handlers: []ResultHandler{it.Handler},
				items:    []WorkItem{it},
			}
			orderedKeys = append(orderedKeys, dk)
		}
	}
	return groups, orderedKeys
}

// fanOut invokes each handler with the resolved value and marks a
// Completed entry for every handler that accepted it (returned non-nil).
func fanOut(group *pendingGroup, value any) ([]any, []Completed) {
	var results []any
	var completed []Completed
	for i, handler := range group.handlers {
		out := handler.OnSuccess(value)
		if out == nil {
			continue // handler couldn't use this value; don't mark as completed
		}
		it := group.items[i]
		completed = append(completed, Completed{Subject: it.Subject, Key: it.Key})
		results = append(results, out...)
	}
	return results, completed
}

// resolve performs a single resolution with per-item timeout.
func (rt *Runtime) resolve(ctx context.Context, item WorkItem) *resolveResult {
	resolver := rt.Resolvers[item.ResolverID]
	if resolver == nil {
		return &resolveResult{err: errors.New("async: unknown resolver: " + item.ResolverID)}
	}

	// Apply per-item timeout (bounded by the global deadline).
	if item.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, item.Timeout)
		defer cancel()
	}

	value, err := resolver.Resolve(ctx, item.Data)
	return &resolveResult{value: value, err: err}
}

// classifyError maps resolver errors to skip reasons.
func classifyError(err error) SkipReason {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SkipTimeout
	}
	return SkipResolverErr
}
