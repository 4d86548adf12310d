// Package proxy implements the data-plane pipeline: authenticate, authorize,
// classify, rate limit, dispatch upstream, commit, bill, and watermark.
package proxy

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/okondo/gaasgw/internal"
	"github.com/okondo/gaasgw/internal/auth"
	"github.com/okondo/gaasgw/internal/botdetect"
	"github.com/okondo/gaasgw/internal/ratelimit"
	"github.com/okondo/gaasgw/internal/storage"
	"github.com/okondo/gaasgw/internal/telemetry"
	"github.com/okondo/gaasgw/internal/transparency"
	"github.com/okondo/gaasgw/internal/watermark"
)

const (
	upstreamTimeout = 30 * time.Second
	connectTimeout  = 10 * time.Second

	// maxBodyBytes caps buffered upstream bodies; watermarking needs the
	// whole payload in memory.
	maxBodyBytes = 32 << 20
)

// hopHeaders are never forwarded to the upstream.
var hopHeaders = map[string]bool{
	"host":              true,
	"content-length":    true,
	"x-api-key":         true,
	"connection":        true,
	"transfer-encoding": true,
}

// dropResponseHeaders are stripped from upstream replies; the body is
// re-buffered (and possibly re-encoded) so these no longer apply.
var dropResponseHeaders = []string{
	"Content-Length", "Connection", "Transfer-Encoding", "Content-Encoding",
}

// Request is one data-plane call into the pipeline.
type Request struct {
	ServiceID  int64
	Method     string
	PathSuffix string // caller's path below /proxy/{service_id}, no leading slash
	RawQuery   string
	Header     http.Header
	Body       io.Reader
	Secret     string // X-API-Key value
}

// Response is the buffered upstream reply after pipeline post-processing.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Engine orchestrates the request pipeline.
type Engine struct {
	store     storage.Store
	directory *auth.KeyDirectory
	detector  *botdetect.Detector
	limiter   *ratelimit.Registry
	tlog      *transparency.Log
	client    *http.Client
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New returns an Engine with an upstream HTTP client using cached DNS
// lookups. resolver may be nil.
func New(store storage.Store, directory *auth.KeyDirectory, detector *botdetect.Detector,
	limiter *ratelimit.Registry, tlog *transparency.Log, resolver *dnscache.Resolver,
	metrics *telemetry.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		directory: directory,
		detector:  detector,
		limiter:   limiter,
		tlog:      tlog,
		client:    newUpstreamClient(resolver),
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

func newUpstreamClient(resolver *dnscache.Resolver) *http.Client {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	} else {
		t.DialContext = dialer.DialContext
	}
	// Redirects are followed; the caller sees the final response.
	return &http.Client{Transport: t, Timeout: upstreamTimeout}
}

var tracer = telemetry.Tracer("gaasgw/proxy")

// Execute runs the pipeline for one request. Returned errors map to the
// data-plane status codes via the sentinel errors in the gateway package.
func (e *Engine) Execute(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "proxy.execute")
	defer span.End()

	svc, err := e.store.GetService(ctx, req.ServiceID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrNotFound
		}
		return nil, err
	}

	res, err := e.directory.Resolve(ctx, req.Secret)
	if err != nil {
		return nil, err
	}
	if err := e.directory.Authorize(res, svc.ID); err != nil {
		return nil, err
	}

	if blocked := e.classify(ctx, req, svc, res); blocked {
		return nil, gateway.ErrBotBlocked
	}

	// Keys without an override pass the zero shape; the registry applies
	// its configured default.
	var cfg ratelimit.Config
	if res.Key.HasRateOverride() {
		cfg = ratelimit.Config{
			Capacity:      *res.Key.RateLimitRequests,
			WindowSeconds: *res.Key.RateLimitWindowSeconds,
		}
	}
	if !e.limiter.Allow(res.Key.Secret, cfg) {
		e.metrics.RateLimitRejects.Inc()
		return nil, gateway.ErrRateLimited
	}

	upstreamURL, err := buildUpstreamURL(svc.TargetURL, req.PathSuffix, req.RawQuery)
	if err != nil {
		return nil, err
	}

	commitPath := "/" + strings.TrimPrefix(req.PathSuffix, "/")
	start := e.now()

	upstream, err := e.dispatch(ctx, req, upstreamURL)
	if err != nil {
		kind, mapped := mapDispatchError(err)
		e.metrics.UpstreamErrors.WithLabelValues(svc.Name, kind).Inc()
		// Failed dispatches are committed too, with the gateway's own
		// status, so the transparency log covers every admitted request.
		e.tlog.Commit(ctx, svc.ID, res.Key.ID, start, commitPath, errorStatus(mapped))
		return nil, mapped
	}
	defer upstream.Body.Close()
	e.metrics.UpstreamDuration.WithLabelValues(svc.Name).Observe(e.now().Sub(start).Seconds())

	body, err := readBody(upstream)
	if err != nil {
		e.metrics.UpstreamErrors.WithLabelValues(svc.Name, "body").Inc()
		e.tlog.Commit(ctx, svc.ID, res.Key.ID, start, commitPath, http.StatusBadGateway)
		return nil, fmt.Errorf("%w: %v", gateway.ErrUpstreamUnreachable, err)
	}

	header := upstream.Header.Clone()
	for _, h := range dropResponseHeaders {
		header.Del(h)
	}

	e.tlog.Commit(ctx, svc.ID, res.Key.ID, start, commitPath, upstream.StatusCode)

	if upstream.StatusCode >= 200 && upstream.StatusCode < 300 {
		// Billing runs detached: a client disconnect after the upstream
		// replied must not cancel the usage write.
		if err := e.store.RecordUsage(context.WithoutCancel(ctx), svc.ID, res.Key.ID, res.Key.Secret,
			res.Key.PricePerRequest, start); err != nil {
			e.metrics.UsageFailures.Inc()
			e.logger.LogAttrs(ctx, slog.LevelError, "record usage",
				slog.Int64("service_id", svc.ID),
				slog.Int64("key_id", res.Key.ID),
				slog.String("error", err.Error()))
		}
	}

	if svc.WatermarkingEnabled {
		token := watermark.Encode(svc.ID, res.Key.ID, watermark.NewRequestID(), e.now())
		body = watermark.Inject(body, header.Get("Content-Type"), token)
		e.metrics.WatermarksApplied.Inc()
	}

	return &Response{Status: upstream.StatusCode, Header: header, Body: body}, nil
}

// classify runs the bot detector, records the decision, and reports whether
// the request is blocked. Log failures never fail the request.
func (e *Engine) classify(ctx context.Context, req *Request, svc *gateway.Service, res *auth.Resolution) bool {
	assessment := e.detector.Assess(ctx, req.Header.Get("User-Agent"), req.Header, res.Key.Secret)
	action := botdetect.Decide(assessment, svc.BotBlockingEnabled, svc.BotThreshold)
	e.metrics.BotActions.WithLabelValues(action).Inc()

	if err := e.store.InsertBotDetection(ctx, &gateway.BotDetection{
		ServiceID:      svc.ID,
		KeySecret:      res.Key.Secret,
		BotScore:       assessment.Score,
		Classification: assessment.Classification,
		UserAgent:      req.Header.Get("User-Agent"),
		Action:         action,
		Timestamp:      e.now(),
	}); err != nil {
		e.logger.LogAttrs(ctx, slog.LevelWarn, "bot detection log",
			slog.Int64("service_id", svc.ID),
			slog.String("error", err.Error()))
	}
	return action == gateway.ActionBlocked
}

func (e *Engine) dispatch(ctx context.Context, req *Request, upstreamURL string) (*http.Response, error) {
	out, err := http.NewRequestWithContext(ctx, req.Method, upstreamURL, req.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrUpstreamMisconfigured, err)
	}
	for name, values := range req.Header {
		if hopHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			out.Header.Add(name, v)
		}
	}
	return e.client.Do(out)
}

// buildUpstreamURL joins the service target with the caller's path suffix.
func buildUpstreamURL(target, suffix, rawQuery string) (string, error) {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("%w: target %q", gateway.ErrUpstreamMisconfigured, target)
	}
	joined := strings.TrimRight(target, "/")
	if suffix = strings.TrimLeft(suffix, "/"); suffix != "" {
		joined += "/" + suffix
	}
	if rawQuery != "" {
		joined += "?" + rawQuery
	}
	return joined, nil
}

// readBody buffers and, when compressed, decodes the upstream body so the
// watermarker sees plaintext. The gateway strips content-encoding, so the
// client never re-decodes.
func readBody(resp *http.Response) ([]byte, error) {
	reader := io.Reader(resp.Body)
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer fl.Close()
		reader = fl
	}

	body, err := io.ReadAll(io.LimitReader(reader, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("upstream body exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}

func mapDispatchError(err error) (kind string, mapped error) {
	if errors.Is(err, gateway.ErrUpstreamMisconfigured) {
		return "misconfigured", err
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return "timeout", fmt.Errorf("%w: %v", gateway.ErrUpstreamTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", fmt.Errorf("%w: %v", gateway.ErrUpstreamTimeout, err)
	}
	return "connect", fmt.Errorf("%w: %v", gateway.ErrUpstreamUnreachable, err)
}

// errorStatus maps a pipeline error to the status recorded in the
// transparency log for failed dispatches, matching what the caller is sent.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, gateway.ErrUpstreamMisconfigured):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}
