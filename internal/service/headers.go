package service

import (
	"net/http"
)

const (
	userAgent         = "module-gateway"
	scriptContentType = "application/javascript; charset=utf-8"
	textContentType   = "text/plain; charset=utf-8"
)

// forwardedRequestHeaders are the only client headers passed upstream.
var forwardedRequestHeaders = []string{
	"If-Modified-Since",
	"Cache-Control",
}

// allowedResponseHeaders are the only upstream headers relayed to the client.
var allowedResponseHeaders = []string{
	"Date",
	"Last-Modified",
	"Cache-Control",
	"Content-Type",
}

// OutboundHeaders builds the header set sent with every upstream fetch.
func OutboundHeaders(src http.Header) http.Header {
	dst := http.Header{
		"User-Agent": {userAgent},
		"Accept":     {"*/*"},
	}
	for _, key := range forwardedRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[key] = append([]string(nil), vals...)
		}
	}
	return dst
}

// FilterResponseHeaders keeps only the allow-listed upstream headers.
func FilterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range allowedResponseHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[key] = append([]string(nil), vals...)
		}
	}
	return dst
}

// proxyHeaders filters upstream headers for a direct-proxy response. A
// successful response that declares a content type is always served as
// script, whatever the upstream called it.
func proxyHeaders(status int, src http.Header) http.Header {
	dst := FilterResponseHeaders(src)
	if status == http.StatusOK && dst.Get("Content-Type") != "" {
		dst.Set("Content-Type", scriptContentType)
	}
	return dst
}
