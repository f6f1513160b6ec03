package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/sony/gobreaker/v2"

	"module-gateway/internal/model"
	"module-gateway/internal/namespace"
	"module-gateway/internal/service"
)

// ModuleHandler serves module resources through the dispatcher.
type ModuleHandler struct {
	dispatcher *service.Dispatcher
	logger     *slog.Logger
}

// NewModuleHandler creates a ModuleHandler.
func NewModuleHandler(d *service.Dispatcher, logger *slog.Logger) *ModuleHandler {
	return &ModuleHandler{
		dispatcher: d,
		logger:     logger.With("component", "module_handler"),
	}
}

// Handle answers any request that is not claimed by a fixed route.
func (h *ModuleHandler) Handle(c echo.Context) error {
	req := c.Request()

	in := &model.IncomingRequest{
		Method: req.Method,
		Path:   namespace.Normalize(req.URL.EscapedPath()),
		Query:  req.URL.Query(),
		Header: req.Header,
	}

	resp, err := h.dispatcher.Dispatch(req.Context(), in)
	if err != nil {
		return h.mapError(c, err)
	}

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	if resp.Body != nil {
		c.Response().Header().Set(echo.HeaderContentLength, strconv.Itoa(len(resp.Body)))
	}
	c.Response().WriteHeader(resp.StatusCode)

	if req.Method == http.MethodHead || resp.Body == nil {
		return nil
	}
	if _, err := c.Response().Write(resp.Body); err != nil {
		// Status is already sent; nothing left to report to the client.
		h.logger.Error("writing response body",
			"err", err,
			"path", in.Path,
		)
	}
	return nil
}

// mapError turns an upstream fetch failure into a plain-text gateway error.
func (h *ModuleHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("upstream fetch failed",
		"err", err,
		"path", c.Request().URL.Path,
	)

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return textError(c, http.StatusGatewayTimeout, "504: The upstream request timed out.")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return textError(c, http.StatusServiceUnavailable, "503: The upstream is temporarily unavailable.")
	default:
		return textError(c, http.StatusBadGateway, "502: The upstream resource could not be retrieved.")
	}
}

func textError(c echo.Context, status int, msg string) error {
	if c.Request().Method == http.MethodHead {
		c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
		return c.NoContent(status)
	}
	return c.String(status, msg)
}
