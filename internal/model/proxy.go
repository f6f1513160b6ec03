// Package model defines shared types for the gateway.
package model

import (
	"net/http"
	"net/url"
)

// Namespace identifies which configured path namespace a resource belongs to.
type Namespace string

const (
	NamespaceRoot    Namespace = "root"
	NamespaceLibrary Namespace = "library"
)

// IncomingRequest is a client request after path normalization.
type IncomingRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
}

// Resource is the upstream location a request path resolved to.
type Resource struct {
	URI       string
	Namespace Namespace
	// ModuleID is the key the resource is registered under in a wrapped payload.
	ModuleID string
}

// UpstreamResponse is the result of a single upstream fetch.
// Body is nil when the fetch carried no content (HEAD, 304).
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OutgoingResponse is the fully decided response written back to the client.
type OutgoingResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
