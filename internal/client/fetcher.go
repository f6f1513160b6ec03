// Package client provides the upstream fetchers the gateway reads resources from.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"module-gateway/internal/model"
)

var (
	// ErrUnsupportedScheme is returned for locations no fetcher is registered for.
	ErrUnsupportedScheme = errors.New("unsupported location scheme")
	// ErrUnknownLocation is returned for file URIs outside every configured location.
	ErrUnknownLocation = errors.New("unknown file location")
	// ErrBodyTooLarge is returned when an upstream body exceeds the configured limit.
	ErrBodyTooLarge = errors.New("upstream body exceeds size limit")
)

// Fetcher retrieves a single resource. method is HEAD or GET. The returned
// response carries a nil Body for HEAD requests and bodiless statuses.
// Implementations must be safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, uri, method string, header http.Header) (*model.UpstreamResponse, error)
}

// Router dispatches fetches to a Fetcher by location scheme.
type Router struct {
	byScheme map[string]Fetcher
}

// NewRouter routes http and https locations to hc and file locations to fc.
func NewRouter(hc *HTTPClient, fc *FileClient) *Router {
	return &Router{
		byScheme: map[string]Fetcher{
			"http":  hc,
			"https": hc,
			"file":  fc,
		},
	}
}

// Fetch implements Fetcher.
func (r *Router) Fetch(ctx context.Context, uri, method string, header http.Header) (*model.UpstreamResponse, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse location %q: %w", uri, err)
	}
	scheme := strings.ToLower(u.Scheme)
	f, ok := r.byScheme[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	return f.Fetch(ctx, uri, method, header)
}
