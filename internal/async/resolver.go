package async

import "context"

// Resolver fulfills scheduled work items for one ResolverID.
type Resolver interface {
	// ID returns this resolver's registry key.
	ID() string

	// Resolve performs the (possibly slow) operation. data is the
	// resolver-specific input carried on WorkItem.Data.
	Resolve(ctx context.Context, data any) (any, error)
}

// ResolverFunc adapts a plain function to the Resolver interface.
type ResolverFunc struct {
	IDValue string
	Func    func(ctx context.Context, data any) (any, error)
}

func (f ResolverFunc) ID() string { return f.IDValue }

func (f ResolverFunc) Resolve(ctx context.Context, data any) (any, error) {
	return f.Func(ctx, data)
}
