package ownership

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wharflab/headlamp/internal/runnerkind"
	"github.com/wharflab/headlamp/internal/selection"
)

func TestFilterForProject_IntersectsInterrogationResult(t *testing.T) {
	t.Parallel()

	f := &Filter{Interrogator: func(ctx context.Context, proj selection.Project, desc runnerkind.Descriptor, candidates []string) ([]string, error) {
		return []string{"/repo/src/a.test.ts"}, nil
	}}

	owned := f.FilterForProject(context.Background(), selection.Project{}, runnerkind.Descriptor{}, []string{"/repo/src/a.test.ts", "/repo/src/b.test.ts"})
	require.Equal(t, []string{"/repo/src/a.test.ts"}, owned)
}

func TestFilterForProject_FallsBackOnInterrogationError(t *testing.T) {
	t.Parallel()

	f := &Filter{Interrogator: func(ctx context.Context, proj selection.Project, desc runnerkind.Descriptor, candidates []string) ([]string, error) {
		return nil, errors.New("boom")
	}}

	desc := runnerkind.Descriptor{TestMatch: []string{"**/*.test.ts"}, RootDir: "/repo"}
	owned := f.FilterForProject(context.Background(), selection.Project{WorkingDir: "/repo"}, desc, []string{"/repo/src/a.test.ts", "/repo/src/b.go"})

	require.Equal(t, []string{"/repo/src/a.test.ts"}, owned)
}

func TestFilterForProject_EmptyIntersectionFallsBack(t *testing.T) {
	t.Parallel()

	f := &Filter{Interrogator: func(ctx context.Context, proj selection.Project, desc runnerkind.Descriptor, candidates []string) ([]string, error) {
		return nil, nil // runner claims nothing — suspicious, should trigger offline recovery
	}}

	desc := runnerkind.Descriptor{TestMatch: []string{"**/*.test.ts"}, RootDir: "/repo"}
	owned := f.FilterForProject(context.Background(), selection.Project{WorkingDir: "/repo"}, desc, []string{"/repo/src/a.test.ts"})

	require.Equal(t, []string{"/repo/src/a.test.ts"}, owned)
}

func TestFilterForProject_NoCandidatesReturnsNil(t *testing.T) {
	t.Parallel()

	f := New(nil)
	owned := f.FilterForProject(context.Background(), selection.Project{}, runnerkind.Descriptor{}, nil)
	require.Nil(t, owned)
}
