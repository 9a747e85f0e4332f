// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"s3-proxy-go/internal/config"
	"s3-proxy-go/internal/metrics"
	"s3-proxy-go/internal/model"
)

// Errors returned by Forward. Callers map them to HTTP statuses.
var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrURIConstruction     = errors.New("cannot construct upstream URI")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamTimeout     = errors.New("upstream timed out")
)

// errAttemptTimeout marks a single attempt that ran past its deadline.
var errAttemptTimeout = errors.New("attempt deadline exceeded")

const tracerName = "s3-proxy-go/internal/service"

// hopByHopHeaders are connection-scoped and never cross the proxy.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Upstream sends one forwarded request and returns the fully buffered response.
// Implementations must abandon the call when ctx is done.
type Upstream interface {
	Do(ctx context.Context, req *model.ForwardedRequest) (*model.ProxyResponse, error)
}

// ProxyService forwards incoming requests to the upstream with bounded retries.
type ProxyService struct {
	upstream  Upstream
	validator Validator
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	baseURL   *url.URL

	maxRetries     int
	attemptTimeout time.Duration
	backoff        BackoffFunc
	sleep          SleepFunc
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable attempt metrics.
func NewProxyService(
	up Upstream,
	v Validator,
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
	tp trace.TracerProvider,
) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if v == nil {
		v = AcceptAll
	}

	return &ProxyService{
		upstream:       up,
		validator:      v,
		logger:         logger.With("component", "proxy_service"),
		metrics:        m,
		tracer:         tp.Tracer(tracerName),
		baseURL:        u,
		maxRetries:     max(cfg.Upstream.MaxRetries, 1),
		attemptTimeout: cfg.Upstream.AttemptTimeout(),
		backoff:        JitteredBackoff,
		sleep:          sleepContext,
	}, nil
}

// Forward sends the request upstream, retrying transport errors and timeouts
// up to maxRetries attempts in total. Attempts run strictly one after another.
//
// A transport error is followed by a jittered backoff sleep before the next
// attempt; a timeout is retried immediately. When the last attempt fails the
// error wraps ErrUpstreamUnavailable or ErrUpstreamTimeout respectively.
// Validation and URI failures are returned without any attempt.
func (s *ProxyService) Forward(ctx context.Context, in *model.IncomingRequest) (*model.ProxyResponse, error) {
	ctx, span := s.tracer.Start(ctx, "proxy.forward", trace.WithAttributes(
		attribute.String("http.request.method", in.Method),
		attribute.String("url.path", in.Path),
	))
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, spanError(span, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
	}

	target, err := BuildURI(s.baseURL, in.Path, in.RawQuery)
	if err != nil {
		return nil, spanError(span, err)
	}
	header := forwardHeaders(in.Header)

	for attempt := range s.maxRetries {
		fr := &model.ForwardedRequest{
			Method: in.Method,
			URL:    target,
			Header: header.Clone(),
			Body:   in.Body,
		}

		resp, err := s.attempt(ctx, attempt, fr)
		if err == nil {
			resp.Header = filterResponseHeaders(resp.Header, in.Method, len(resp.Body))
			s.logger.Debug("upstream response",
				"method", in.Method,
				"path", in.Path,
				"status", resp.StatusCode,
				"attempt", attempt,
			)
			span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, spanError(span, fmt.Errorf("forward aborted on attempt %d: %w", attempt, ctx.Err()))
		}

		last := attempt == s.maxRetries-1

		if errors.Is(err, errAttemptTimeout) {
			s.logger.Warn("upstream attempt timed out",
				"method", in.Method,
				"path", in.Path,
				"attempt", attempt,
				"timeout", s.attemptTimeout,
			)
			if last {
				return nil, spanError(span, fmt.Errorf("%w after %d attempts: %w", ErrUpstreamTimeout, s.maxRetries, err))
			}
			continue
		}

		s.logger.Warn("upstream attempt failed",
			"method", in.Method,
			"path", in.Path,
			"attempt", attempt,
			"err", RedactError(err),
		)
		if last {
			return nil, spanError(span, fmt.Errorf("%w after %d attempts: %w", ErrUpstreamUnavailable, s.maxRetries, err))
		}

		delay := s.backoff(attempt)
		if s.metrics != nil {
			s.metrics.RetryBackoff.Observe(delay.Seconds())
		}
		if err := s.sleep(ctx, delay); err != nil {
			return nil, spanError(span, fmt.Errorf("forward aborted during backoff: %w", err))
		}
	}

	// Unreachable while maxRetries >= 1.
	return nil, spanError(span, fmt.Errorf("%w: no attempt made", ErrUpstreamUnavailable))
}

// attempt performs one upstream call under its own deadline. The deadline
// also cancels the in-flight call so its connection is released.
func (s *ProxyService) attempt(ctx context.Context, n int, fr *model.ForwardedRequest) (*model.ProxyResponse, error) {
	ctx, span := s.tracer.Start(ctx, "proxy.attempt", trace.WithAttributes(
		attribute.Int("proxy.attempt", n),
	))
	defer span.End()

	actx, cancel := s.attemptContext(ctx)
	defer cancel()

	resp, err := s.upstream.Do(actx, fr)
	if err == nil {
		s.recordAttempt(metrics.OutcomeSuccess)
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, spanError(span, err)
	}

	if errors.Is(actx.Err(), context.DeadlineExceeded) {
		s.recordAttempt(metrics.OutcomeTimeout)
		return nil, spanError(span, fmt.Errorf("%w: %w", errAttemptTimeout, err))
	}

	s.recordAttempt(metrics.OutcomeTransportError)
	return nil, spanError(span, err)
}

func (s *ProxyService) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.attemptTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.attemptTimeout)
}

func (s *ProxyService) recordAttempt(outcome string) {
	if s.metrics != nil {
		s.metrics.UpstreamAttempts.WithLabelValues(outcome).Inc()
	}
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// forwardHeaders copies the incoming headers minus Host and hop-by-hop headers.
// The transport supplies the Host for the rewritten URI.
//
// Stripping hop-by-hop headers (including Te and any name listed in
// Connection) is stricter than "everything but Host": those headers describe
// the inbound connection, and the upstream connection is a pooled one.
func forwardHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for key := range dst {
		if strings.EqualFold(key, "Host") {
			delete(dst, key)
		}
	}
	removeHopByHop(dst)
	return dst
}

// filterResponseHeaders strips hop-by-hop headers and sets Content-Length to
// the buffered body size. HEAD responses keep the upstream's Content-Length.
func filterResponseHeaders(src http.Header, method string, bodyLen int) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	if method != http.MethodHead {
		dst.Set("Content-Length", strconv.Itoa(bodyLen))
	}
	return dst
}

// removeHopByHop deletes the standard hop-by-hop headers and any header
// named in a Connection header.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
