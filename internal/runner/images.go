package runner

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/splax/depwatch/pkg/async"
)

// ImageResolver pins an image reference to a content digest.
type ImageResolver interface {
	Resolve(ctx context.Context, image string) (string, error)
}

// RegistryResolver resolves digests with a registry HEAD request, without
// pulling the image. Suitable for the kubernetes backend, where the node
// pulls the image itself.
type RegistryResolver struct{}

// Resolve returns the image pinned by digest.
func (RegistryResolver) Resolve(ctx context.Context, image string) (string, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return "", fmt.Errorf("parse image reference: %w", err)
	}
	desc, err := remote.Head(ref, remote.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("resolve image digest: %w", err)
	}
	return fmt.Sprintf("%s@%s", ref.Context().Name(), desc.Digest.String()), nil
}

// CachedResolver deduplicates digest lookups per image reference. Failed
// lookups are not cached, so a later job retries the registry.
type CachedResolver struct {
	inner ImageResolver
	cache *async.Cache[string, string]
}

// NewCachedResolver wraps a resolver with a keyed at-most-once cache.
func NewCachedResolver(inner ImageResolver) *CachedResolver {
	return &CachedResolver{inner: inner, cache: async.NewCache[string, string]()}
}

// Resolve returns the cached digest, performing the lookup at most once per
// reference under concurrent callers.
func (r *CachedResolver) Resolve(ctx context.Context, image string) (string, error) {
	return r.cache.GetOrAdd(image, func() (string, error) {
		return r.inner.Resolve(ctx, image)
	})
}
