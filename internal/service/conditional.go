package service

import (
	"context"
	"fmt"
	"net/http"

	"module-gateway/internal/model"
	"module-gateway/internal/payload"
)

// fetchState is a step of the wrapped-payload fetch sequence.
type fetchState int

const (
	stateAwaitingProbe fetchState = iota
	stateAwaitingFullFetch
	stateFinalized
)

// Wrapped-payload outcomes, used as metric labels.
const (
	outcomeProbeNotModified = "probe_not_modified"
	outcomeProbeHead        = "probe_head"
	outcomeFullFetch        = "full_fetch"
)

// wrapped answers a request in wrapped-payload mode. A HEAD probe always goes
// first; the body is fetched only when the probe cannot answer the request on
// its own. The probe completes before the full fetch is issued and the
// response is finalized exactly once.
func (d *Dispatcher) wrapped(ctx context.Context, req *model.IncomingRequest, res model.Resource, callback string) (*model.OutgoingResponse, error) {
	header := OutboundHeaders(req.Header)

	var (
		final   *model.UpstreamResponse
		outcome string
	)

	for state := stateAwaitingProbe; state != stateFinalized; {
		switch state {
		case stateAwaitingProbe:
			probe, err := d.fetcher.Fetch(ctx, res.URI, http.MethodHead, header)
			if err != nil {
				d.metrics.ObserveDispatch(modeWrapped, "upstream_error")
				return nil, fmt.Errorf("probe %s: %w", res.URI, err)
			}
			switch {
			case probe.StatusCode == http.StatusNotModified:
				final, outcome, state = probe, outcomeProbeNotModified, stateFinalized
			case req.Method == http.MethodHead && probe.StatusCode != http.StatusMethodNotAllowed:
				final, outcome, state = probe, outcomeProbeHead, stateFinalized
			default:
				state = stateAwaitingFullFetch
			}

		case stateAwaitingFullFetch:
			full, err := d.fetcher.Fetch(ctx, res.URI, http.MethodGet, header)
			if err != nil {
				d.metrics.ObserveDispatch(modeWrapped, "upstream_error")
				return nil, fmt.Errorf("fetch %s: %w", res.URI, err)
			}
			final, outcome, state = full, outcomeFullFetch, stateFinalized
		}
	}

	d.metrics.ObserveDispatch(modeWrapped, outcome)
	return finalize(req.Method, res, callback, final), nil
}

// finalize turns the chosen upstream response into the client response.
// Anything but 304 is reported as 200 so the client's callback always runs;
// the upstream outcome travels inside the payload instead.
func finalize(method string, res model.Resource, callback string, up *model.UpstreamResponse) *model.OutgoingResponse {
	header := FilterResponseHeaders(up.Header)

	if up.StatusCode == http.StatusNotModified {
		return &model.OutgoingResponse{
			StatusCode: http.StatusNotModified,
			Header:     header,
		}
	}

	header.Set("Content-Type", scriptContentType)
	out := &model.OutgoingResponse{
		StatusCode: http.StatusOK,
		Header:     header,
	}
	if method == http.MethodGet {
		out.Body = payload.Wrap(callback, res.ModuleID, up.StatusCode, up.Body)
	}
	return out
}
