package device

import (
	"context"
	"fmt"
)

// Router sends each source to the provider that owns it.
type Router struct {
	routes   map[Source]Provider
	fallback Provider
}

func NewRouter(fallback Provider) *Router {
	return &Router{routes: make(map[Source]Provider), fallback: fallback}
}

// Route assigns a provider to a source, replacing any earlier assignment.
func (r *Router) Route(source Source, p Provider) *Router {
	r.routes[source] = p
	return r
}

func (r *Router) provider(source Source) (Provider, error) {
	if p, ok := r.routes[source]; ok {
		return p, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: no provider for %s", ErrDeviceNotFound, source)
}

func (r *Router) Permission(ctx context.Context, source Source) (PermissionState, error) {
	p, err := r.provider(source)
	if err != nil {
		return PermissionDenied, err
	}
	return p.Permission(ctx, source)
}

func (r *Router) ResolveHandle(ctx context.Context, source Source) (string, error) {
	p, err := r.provider(source)
	if err != nil {
		return "", err
	}
	return p.ResolveHandle(ctx, source)
}

func (r *Router) Acquire(ctx context.Context, req Request) (*Stream, error) {
	p, err := r.provider(req.Source)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx, req)
}
