// Package service decides how each module request is answered and drives the
// upstream fetches behind it.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"

	"module-gateway/internal/client"
	"module-gateway/internal/config"
	"module-gateway/internal/metrics"
	"module-gateway/internal/model"
	"module-gateway/internal/namespace"
)

// callbackPattern matches dotted JavaScript identifiers such as "cb" or
// "require.define". Only enforced in strict callback mode.
var callbackPattern = regexp.MustCompile(`^[A-Za-z_$][0-9A-Za-z_$]*(\.[A-Za-z_$][0-9A-Za-z_$]*)*$`)

// Dispatch modes, used as metric labels.
const (
	modeRejected = "rejected"
	modeDirect   = "direct"
	modeWrapped  = "wrapped"
)

type action int

const (
	actionMethodNotAllowed action = iota
	actionUnresolved
	actionDirect
	actionEmptyCallback
	actionInvalidCallback
	actionWrapped
)

// requestClass is the set of facts the decision table is keyed on.
type requestClass struct {
	methodAllowed bool
	resolved      bool
	hasCallback   bool
	callbackEmpty bool
	callbackValid bool
}

type rule struct {
	name   string
	match  func(requestClass) bool
	action action
}

// decisionTable is evaluated top to bottom; the first matching row wins.
// The final row matches every request that reaches it.
var decisionTable = []rule{
	{"method_not_allowed", func(c requestClass) bool { return !c.methodAllowed }, actionMethodNotAllowed},
	{"unresolved", func(c requestClass) bool { return !c.resolved }, actionUnresolved},
	{"direct", func(c requestClass) bool { return !c.hasCallback }, actionDirect},
	{"empty_callback", func(c requestClass) bool { return c.callbackEmpty }, actionEmptyCallback},
	{"invalid_callback", func(c requestClass) bool { return !c.callbackValid }, actionInvalidCallback},
	{"wrapped", func(requestClass) bool { return true }, actionWrapped},
}

func decide(c requestClass) rule {
	for _, r := range decisionTable {
		if r.match(c) {
			return r
		}
	}
	// Unreachable: the last row always matches.
	return decisionTable[len(decisionTable)-1]
}

// Dispatcher answers module requests.
type Dispatcher struct {
	namespaces     *namespace.Config
	fetcher        client.Fetcher
	callbackParam  string
	strictCallback bool
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// NewDispatcher creates a Dispatcher. The metrics parameter is optional.
func NewDispatcher(cfg *config.Config, ns *namespace.Config, f client.Fetcher, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		namespaces:     ns,
		fetcher:        f,
		callbackParam:  cfg.JSONP.CallbackParam,
		strictCallback: cfg.JSONP.StrictCallback,
		logger:         logger.With("component", "dispatcher"),
		metrics:        m,
	}
}

// Dispatch decides the response for req, fetching from upstream as needed.
// An error is returned only when an upstream fetch fails; every other
// outcome, including client errors, is a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *model.IncomingRequest) (*model.OutgoingResponse, error) {
	res, resolved := d.namespaces.Resolve(req.Path)
	_, hasCallback := req.Query[d.callbackParam]
	callback := req.Query.Get(d.callbackParam)

	class := requestClass{
		methodAllowed: req.Method == http.MethodHead || req.Method == http.MethodGet,
		resolved:      resolved,
		hasCallback:   hasCallback,
		callbackEmpty: callback == "",
		callbackValid: !d.strictCallback || callbackPattern.MatchString(callback),
	}
	r := decide(class)

	d.logger.Debug("dispatch",
		"method", req.Method,
		"path", req.Path,
		"decision", r.name,
		"upstream", res.URI,
	)

	switch r.action {
	case actionMethodNotAllowed:
		d.metrics.ObserveDispatch(modeRejected, r.name)
		resp := textResponse(http.StatusMethodNotAllowed, "405: Only the HEAD or GET methods are allowed.")
		resp.Header.Set("Allow", "HEAD, GET")
		return resp, nil
	case actionUnresolved:
		d.metrics.ObserveDispatch(modeRejected, r.name)
		return textResponse(http.StatusBadRequest, "400: The requested resource could not be found."), nil
	case actionEmptyCallback:
		d.metrics.ObserveDispatch(modeRejected, r.name)
		return textResponse(http.StatusBadRequest,
			fmt.Sprintf("400: The parameter `%s` must be non-empty.", d.callbackParam)), nil
	case actionInvalidCallback:
		d.metrics.ObserveDispatch(modeRejected, r.name)
		return textResponse(http.StatusBadRequest,
			fmt.Sprintf("400: The parameter `%s` must be a JavaScript identifier.", d.callbackParam)), nil
	case actionDirect:
		return d.direct(ctx, req, res)
	default:
		return d.wrapped(ctx, req, res, callback)
	}
}

// direct relays a single upstream fetch made with the client's own method.
func (d *Dispatcher) direct(ctx context.Context, req *model.IncomingRequest, res model.Resource) (*model.OutgoingResponse, error) {
	up, err := d.fetcher.Fetch(ctx, res.URI, req.Method, OutboundHeaders(req.Header))
	if err != nil {
		d.metrics.ObserveDispatch(modeDirect, "upstream_error")
		return nil, fmt.Errorf("fetch %s %s: %w", req.Method, res.URI, err)
	}
	d.metrics.ObserveDispatch(modeDirect, "proxy")

	out := &model.OutgoingResponse{
		StatusCode: up.StatusCode,
		Header:     proxyHeaders(up.StatusCode, up.Header),
	}
	if req.Method == http.MethodGet {
		out.Body = up.Body
	}
	return out, nil
}

func textResponse(status int, msg string) *model.OutgoingResponse {
	return &model.OutgoingResponse{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {textContentType}},
		Body:       []byte(msg),
	}
}
