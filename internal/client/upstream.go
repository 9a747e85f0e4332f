// Package client provides the shared upstream HTTP client.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"s3-proxy-go/internal/config"
	"s3-proxy-go/internal/metrics"
	"s3-proxy-go/internal/model"
)

// UpstreamClient sends requests to the upstream origin. It wraps one pooled
// http.Client that is built at startup and shared by every request.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and the
// configured trust policy. Deadlines are set per attempt by the caller's context.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	logger = logger.With("component", "upstream_client")

	tlsConfig, err := NewTLSConfig(cfg.Upstream.TLS, logger)
	if err != nil {
		return nil, fmt.Errorf("upstream tls: %w", err)
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		// Bodies are forwarded byte for byte, so never decompress transparently.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects belong to the caller.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger,
		metrics: m,
	}, nil
}

// Do sends one attempt and reads the whole response body before returning.
// The request is abandoned, and its connection released, when ctx is done.
func (c *UpstreamClient) Do(ctx context.Context, fr *model.ForwardedRequest) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, fr.Method, fr.URL, bytes.NewReader(fr.Body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = fr.Header

	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
		"bytes_in", len(fr.Body),
	)

	method := metrics.NormalizeMethod(req.Method)
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(method, start, 0)
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(method, start, 0)
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	c.observe(method, start, resp.StatusCode)

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// observe records attempt latency and, when a status was received, the response count.
func (c *UpstreamClient) observe(method string, start time.Time, status int) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if status != 0 {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(status)).Inc()
	}
}
