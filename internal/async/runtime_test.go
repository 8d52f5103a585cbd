package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type mockResolver struct {
	id        string
	fn        func(ctx context.Context, data any) (any, error)
	callCount atomic.Int32
}

func (r *mockResolver) ID() string { return r.id }

func (r *mockResolver) Resolve(ctx context.Context, data any) (any, error) {
	r.callCount.Add(1)
	return r.fn(ctx, data)
}

type mockHandler struct {
	onSuccess func(resolved any) []any
}

func (h *mockHandler) OnSuccess(resolved any) []any {
	if h.onSuccess != nil {
		return h.onSuccess(resolved)
	}
	return nil
}

func newTestRuntime(r *mockResolver, concurrency int, timeout time.Duration) *Runtime {
	return &Runtime{
		Concurrency: concurrency,
		Timeout:     timeout,
		Resolvers:   map[string]Resolver{r.ID(): r},
	}
}

func TestRuntime_EmptyItems(t *testing.T) {
	t.Parallel()
	rt := &Runtime{Concurrency: 4, Timeout: 5 * time.Second}
	result := rt.Run(context.Background(), nil)

	if len(result.Results) != 0 {
		t.Errorf("expected 0 results, got %d", len(result.Results))
	}
	if len(result.Skipped) != 0 {
		t.Errorf("expected 0 skipped, got %d", len(result.Skipped))
	}
	if len(result.Completed) != 0 {
		t.Errorf("expected 0 completed, got %d", len(result.Completed))
	}
}

func TestRuntime_SingleItem(t *testing.T) {
	t.Parallel()
	resolver := &mockResolver{
		id: "test",
		fn: func(_ context.Context, data any) (any, error) {
			s, ok := data.(string)
			if !ok {
				return nil, errors.New("expected string data")
			}
			return "resolved:" + s, nil
		},
	}
	rt := newTestRuntime(resolver, 4, 5*time.Second)

	var handlerCalled bool
	items := []WorkItem{{
		Key:        "key1",
		ResolverID: "test",
		Data:       "input1",
		Subject:    "subject1",
		Handler: &mockHandler{
			onSuccess: func(resolved any) []any {
				handlerCalled = true
				if resolved != "resolved:input1" {
					t.Errorf("expected resolved:input1, got %v", resolved)
				}
				return []any{"result1"}
			},
		},
	}}

	result := rt.Run(context.Background(), items)

	if !handlerCalled {
		t.Error("handler was not called")
	}
	if len(result.Results) != 1 || result.Results[0] != "result1" {
		t.Fatalf("expected [result1], got %v", result.Results)
	}
	if len(result.Skipped) != 0 {
		t.Errorf("expected 0 skipped, got %d", len(result.Skipped))
	}
	if len(result.Completed) != 1 || result.Completed[0].Subject != "subject1" {
		t.Fatalf("expected one completed entry for subject1, got %v", result.Completed)
	}
}

func TestRuntime_Deduplication(t *testing.T) {
	t.Parallel()
	resolver := &mockResolver{
		id: "test",
		fn: func(_ context.Context, _ any) (any, error) {
			return "resolved", nil
		},
	}
	rt := newTestRuntime(resolver, 4, 5*time.Second)

	var handler1Called, handler2Called atomic.Bool
	items := []WorkItem{
		{
			Key:        "same-key",
			ResolverID: "test",
			Data:       "data",
			Handler: &mockHandler{
				onSuccess: func(_ any) []any {
					handler1Called.Store(true)
					return []any{"v1"}
				},
			},
		},
		{
			Key:        "same-key",
			ResolverID: "test",
			Data:       "data",
			Handler: &mockHandler{
				onSuccess: func(_ any) []any {
					handler2Called.Store(true)
					return []any{"v2"}
				},
			},
		},
	}

	result := rt.Run(context.Background(), items)

	if !handler1Called.Load() || !handler2Called.Load() {
		t.Error("both handlers should have been called")
	}
	if resolver.callCount.Load() != 1 {
		t.Errorf("expected resolver called once, got %d", resolver.callCount.Load())
	}
	if len(result.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(result.Results))
	}
}

func TestRuntime_DifferentKeysCallResolverSeparately(t *testing.T) {
	t.Parallel()
	resolver := &mockResolver{
		id: "test",
		fn: func(_ context.Context, _ any) (any, error) {
			return "resolved", nil
		},
	}
	rt := newTestRuntime(resolver, 4, 5*time.Second)

	items := []WorkItem{
		{Key: "key-1", ResolverID: "test", Data: "data1", Handler: &mockHandler{onSuccess: func(_ any) []any { return nil }}},
		{Key: "key-2", ResolverID: "test", Data: "data2", Handler: &mockHandler{onSuccess: func(_ any) []any { return nil }}},
	}

	rt.Run(context.Background(), items)

	if resolver.callCount.Load() != 2 {
		t.Errorf("expected resolver called twice, got %d", resolver.callCount.Load())
	}
}

func TestRuntime_HandlerReturningNilIsNotCompleted(t *testing.T) {
	t.Parallel()
	resolver := &mockResolver{
		id: "test",
		fn: func(_ context.Context, _ any) (any, error) {
			return "resolved", nil
		},
	}
	rt := newTestRuntime(resolver, 4, 5*time.Second)

	items := []WorkItem{{
		Key:        "key1",
		ResolverID: "test",
		Data:       "data",
		Handler:    &mockHandler{onSuccess: func(_ any) []any { return nil }},
	}}

	result := rt.Run(context.Background(), items)
	if len(result.Completed) != 0 {
		t.Errorf("expected 0 completed when handler returns nil, got %d", len(result.Completed))
	}
	if len(result.Results) != 0 {
		t.Errorf("expected 0 results, got %d", len(result.Results))
	}
}

func TestRuntime_GlobalTimeout(t *testing.T) {
	t.Parallel()
	resolver := &mockResolver{
		id: "test",
		fn: func(ctx context.Context, _ any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	rt := newTestRuntime(resolver, 1, 50*time.Millisecond)

	items := []WorkItem{
		{Key: "key1", ResolverID: "test", Data: "data", Handler: &mockHandler{}},
		{Key: "key2", ResolverID: "test", Data: "data2", Handler: &mockHandler{}},
	}

	result := rt.Run(context.Background(), items)

	if len(result.Results) != 0 {
		t.Errorf("expected 0 results, got %d", len(result.Results))
	}
	if len(result.Skipped) != 2 {
		t.Fatalf("expected 2 skipped, got %d", len(result.Skipped))
	}
	for _, s := range result.Skipped {
		if s.Reason != SkipTimeout {
			t.Errorf("expected skip reason %q, got %q", SkipTimeout, s.Reason)
		}
	}
}

func TestRuntime_PerItemTimeout(t *testing.T) {
	t.Parallel()
	resolver := &mockResolver{
		id: "test",
		fn: func(ctx context.Context, _ any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	rt := newTestRuntime(resolver, 4, 10*time.Second)

	items := []WorkItem{{
		Key:        "key1",
		ResolverID: "test",
		Data:       "data",
		Timeout:    50 * time.Millisecond,
		Handler:    &mockHandler{},
	}}

	result := rt.Run(context.Background(), items)

	if len(result.Skipped) != 1 {
		t.Fatalf("expected 1 skipped, got %d", len(result.Skipped))
	}
	if result.Skipped[0].Reason != SkipTimeout {
		t.Errorf("expected skip reason %q, got %q", SkipTimeout, result.Skipped[0].Reason)
	}
}

func TestRuntime_ResolverErrorSkipsAllSharingHandlers(t *testing.T) {
	t.Parallel()
	resolver := &mockResolver{
		id: "test",
		fn: func(_ context.Context, _ any) (any, error) {
			return nil, errors.New("boom")
		},
	}
	rt := newTestRuntime(resolver, 4, 5*time.Second)

	items := []WorkItem{
		{Key: "same-key", ResolverID: "test", Data: "data", Handler: &mockHandler{
			onSuccess: func(_ any) []any { t.Error("should not be called"); return nil },
		}},
		{Key: "same-key", ResolverID: "test", Data: "data", Handler: &mockHandler{
			onSuccess: func(_ any) []any { t.Error("should not be called"); return nil },
		}},
	}

	result := rt.Run(context.Background(), items)

	if len(result.Results) != 0 {
		t.Errorf("expected 0 results, got %d", len(result.Results))
	}
	if len(result.Skipped) != 2 {
		t.Fatalf("expected 2 skipped, got %d", len(result.Skipped))
	}
	for _, s := range result.Skipped {
		if s.Reason != SkipResolverErr {
			t.Errorf("expected skip reason %q, got %q", SkipResolverErr, s.Reason)
		}
	}
}

func TestRuntime_UnknownResolverIsSkipped(t *testing.T) {
	t.Parallel()
	rt := &Runtime{Concurrency: 4, Timeout: 5 * time.Second, Resolvers: map[string]Resolver{}}

	items := []WorkItem{{Key: "key1", ResolverID: "nonexistent", Data: "data", Handler: &mockHandler{}}}

	result := rt.Run(context.Background(), items)

	if len(result.Skipped) != 1 {
		t.Fatalf("expected 1 skipped, got %d", len(result.Skipped))
	}
	if result.Skipped[0].Reason != SkipResolverErr {
		t.Errorf("expected reason %q, got %q", SkipResolverErr, result.Skipped[0].Reason)
	}
}

func TestRuntime_ConcurrencyLimit(t *testing.T) {
	t.Parallel()

	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32

	resolver := &mockResolver{
		id: "test",
		fn: func(_ context.Context, _ any) (any, error) {
			cur := concurrent.Add(1)
			for {
				old := maxConcurrent.Load()
				if cur <= old || maxConcurrent.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			concurrent.Add(-1)
			return "ok", nil
		},
	}

	const limit = 2
	rt := newTestRuntime(resolver, limit, 10*time.Second)

	items := make([]WorkItem, 0, 6)
	for i := range 6 {
		items = append(items, WorkItem{
			Key:        string(rune('a' + i)),
			ResolverID: "test",
			Data:       "data",
			Handler:    &mockHandler{},
		})
	}

	rt.Run(context.Background(), items)

	if maxConcurrent.Load() > int32(limit) {
		t.Errorf("max concurrent = %d, should not exceed %d", maxConcurrent.Load(), limit)
	}
}

func TestRuntime_DefaultConcurrency(t *testing.T) {
	t.Parallel()
	resolver := &mockResolver{
		id: "test",
		fn: func(_ context.Context, _ any) (any, error) {
			return "ok", nil
		},
	}
	rt := newTestRuntime(resolver, 0, 5*time.Second)

	items := []WorkItem{{Key: "key1", ResolverID: "test", Data: "data", Handler: &mockHandler{}}}

	result := rt.Run(context.Background(), items)
	if len(result.Skipped) != 0 {
		t.Errorf("expected 0 skipped, got %d", len(result.Skipped))
	}
}

func TestResolverFunc_AdaptsPlainFunction(t *testing.T) {
	t.Parallel()
	r := ResolverFunc{
		IDValue: "fn-resolver",
		Func: func(_ context.Context, data any) (any, error) {
			return data, nil
		},
	}

	if r.ID() != "fn-resolver" {
		t.Errorf("expected fn-resolver, got %s", r.ID())
	}
	got, err := r.Resolve(context.Background(), "payload")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "payload" {
		t.Errorf("expected payload, got %v", got)
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantReason SkipReason
	}{
		{"context deadline exceeded", context.DeadlineExceeded, SkipTimeout},
		{"context canceled", context.Canceled, SkipTimeout},
		{"generic error", errors.New("something went wrong"), SkipResolverErr},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := classifyError(tc.err)
			if got != tc.wantReason {
				t.Errorf("classifyError(%v) = %q, want %q", tc.err, got, tc.wantReason)
			}
		})
	}
}
