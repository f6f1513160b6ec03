package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"module-gateway/internal/config"
	"module-gateway/internal/metrics"
	"module-gateway/internal/model"
)

// HTTPClient fetches resources from http and https locations.
type HTTPClient struct {
	httpClient   *http.Client
	logger       *slog.Logger
	metrics      *metrics.Metrics
	maxBodyBytes int64
	breakers     *breakerSet // nil when the circuit breaker is disabled
}

// NewHTTPClient creates an HTTPClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewHTTPClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *HTTPClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	c := &HTTPClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:       logger.With("component", "http_client"),
		metrics:      m,
		maxBodyBytes: cfg.Upstream.MaxBodyBytes,
	}

	if cb := cfg.Upstream.CircuitBreaker; cb.Enabled {
		c.breakers = newBreakerSet(cb, c.logger)
	}

	return c
}

// Fetch implements Fetcher.
func (c *HTTPClient) Fetch(ctx context.Context, uri, method string, header http.Header) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, uri, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header.Clone()

	if c.breakers == nil {
		return c.do(req)
	}
	return c.breakers.get(req.URL.Host).Execute(func() (*model.UpstreamResponse, error) {
		return c.do(req)
	})
}

func (c *HTTPClient) do(req *http.Request) (*model.UpstreamResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"url", req.URL.Redacted(),
	)

	scheme := strings.ToLower(req.URL.Scheme)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveUpstream(req.Method, scheme, "", time.Since(start).Seconds())
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body []byte
	if req.Method != http.MethodHead {
		body, err = c.readBody(resp.Body)
	}
	c.metrics.ObserveUpstream(req.Method, scheme, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (c *HTTPClient) readBody(r io.Reader) ([]byte, error) {
	if c.maxBodyBytes <= 0 {
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read upstream body: %w", err)
		}
		return body, nil
	}

	body, err := io.ReadAll(io.LimitReader(r, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, c.maxBodyBytes)
	}
	return body, nil
}

// breakerSet lazily creates one circuit breaker per upstream host.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*model.UpstreamResponse]
	cfg      config.CircuitBreakerConfig
	logger   *slog.Logger
}

func newBreakerSet(cfg config.CircuitBreakerConfig, logger *slog.Logger) *breakerSet {
	return &breakerSet{
		breakers: make(map[string]*gobreaker.CircuitBreaker[*model.UpstreamResponse]),
		cfg:      cfg,
		logger:   logger,
	}
}

func (s *breakerSet) get(host string) *gobreaker.CircuitBreaker[*model.UpstreamResponse] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[host]; ok {
		return cb
	}

	threshold := uint32(s.cfg.FailureThreshold)
	cb := gobreaker.NewCircuitBreaker[*model.UpstreamResponse](gobreaker.Settings{
		Name:    host,
		Timeout: time.Duration(s.cfg.OpenSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Only transport failures count against the upstream. A client that
		// went away or an oversized body says nothing about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrBodyTooLarge)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("upstream circuit breaker state change",
				"host", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	s.breakers[host] = cb
	return cb
}
