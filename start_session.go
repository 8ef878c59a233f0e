package mgo

import "context"

// StartSession checks out a new explicit Session from the given registry
// against a server matching kind. The caller owns ending it via EndSession.
func StartSession(ctx context.Context, registry *Registry, top Topology, kind Kind, opts SessionOptions) (*Session, error) {
	if registry == nil {
		registry = defaultRegistry()
	}
	opts.Session = nil // explicit sessions never reuse an existing handle
	return registry.Checkout(ctx, top, kind, false, opts)
}

// StartImplicitSession reuses opts.Session if present (the caller already
// has a session in scope for this operation); otherwise it checks out a new
// implicit session that the caller must end with EndImplicitSession once
// the single operation it wraps completes.
func StartImplicitSession(ctx context.Context, registry *Registry, top Topology, kind Kind, opts SessionOptions) (*Session, error) {
	if opts.Session != nil {
		return opts.Session, nil
	}
	if registry == nil {
		registry = defaultRegistry()
	}
	return registry.Checkout(ctx, top, kind, true, opts)
}
