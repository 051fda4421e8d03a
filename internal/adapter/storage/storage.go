// Package storage implements the byte-stream collaborators behind job
// input and output locators. file:// resolves under a configured root
// set; s3:// talks to AWS or any S3-compatible endpoint.
package storage

import (
	"strings"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

// Resolver routes locators to the backend registered for their scheme.
type Resolver struct {
	backends map[string]domain.Storage
}

// NewResolver creates an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{backends: make(map[string]domain.Storage)}
}

// Register adds a backend under its scheme.
func (r *Resolver) Register(b domain.Storage) {
	r.backends[b.Scheme()] = b
}

// SplitLocator separates "scheme://rest" into its parts.
func SplitLocator(locator string) (scheme, rest string, err error) {
	i := strings.Index(locator, "://")
	if i <= 0 {
		return "", "", domain.Codef(domain.CodeInvalidPath, domain.ErrInvalidArgument,
			"op=storage.SplitLocator: locator %q has no scheme", locator)
	}
	return strings.ToLower(locator[:i]), locator[i+3:], nil
}

// For returns the backend serving the locator's scheme.
func (r *Resolver) For(locator string) (domain.Storage, error) {
	scheme, _, err := SplitLocator(locator)
	if err != nil {
		return nil, err
	}
	b, ok := r.backends[scheme]
	if !ok {
		return nil, domain.Codef(domain.CodeInvalidPath, domain.ErrInvalidArgument,
			"op=storage.For: scheme %q not enabled", scheme)
	}
	return b, nil
}

// Schemes lists the enabled backend schemes.
func (r *Resolver) Schemes() []string {
	out := make([]string, 0, len(r.backends))
	for s := range r.backends {
		out = append(out, s)
	}
	return out
}

func errNotFound(op, locator string) error {
	return domain.Codef(domain.CodeStorageNotFound, domain.ErrNotFound,
		"op=%s: locator %s", op, sanitizeLocator(locator))
}

// sanitizeLocator keeps only the final path element so storage errors
// never leak full paths into public error messages.
func sanitizeLocator(locator string) string {
	if i := strings.LastIndexByte(locator, '/'); i >= 0 && i+1 < len(locator) {
		return "…/" + locator[i+1:]
	}
	return locator
}
