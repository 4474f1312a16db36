package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultUserAgent is sent on every request unless overridden.
	DefaultUserAgent = "remotewatch/1.0"

	// DefaultTimeout bounds a single probe or fetch.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxBodyBytes caps how much of a body Fetch will read (16 MiB).
	DefaultMaxBodyBytes = 16 << 20

	// DefaultValidatorCacheSize is the number of ETag validators retained.
	DefaultValidatorCacheSize = 1024
)

// HTTPClient matches the Do method of *http.Client so tests and callers can
// inject their own round-tripping.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPConfig configures an HTTPTransport. The zero value is usable: requests
// go through http.DefaultClient and identifiers must be absolute URLs.
type HTTPConfig struct {
	// BaseURL resolves relative identifiers such as "/a.txt".
	BaseURL string
	// UserAgent defaults to DefaultUserAgent.
	UserAgent string
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
	// MaxBodyBytes defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// ValidatorCacheSize bounds the ETag LRU; defaults to
	// DefaultValidatorCacheSize.
	ValidatorCacheSize int
	// Client defaults to http.DefaultClient.
	Client HTTPClient
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// HTTPTransport implements Transport with HEAD probes and conditional GETs.
// ETags returned by successful fetches are remembered in a bounded LRU and
// replayed as If-None-Match alongside If-Modified-Since.
type HTTPTransport struct {
	client    HTTPClient
	base      *url.URL
	userAgent string
	timeout   time.Duration
	maxBody   int64
	etags     *lru.Cache[string, string]
	logger    *slog.Logger
}

// NewHTTP builds an HTTPTransport from cfg, applying defaults for zero fields.
func NewHTTP(cfg HTTPConfig) (*HTTPTransport, error) {
	t := &HTTPTransport{
		client:    cfg.Client,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		maxBody:   cfg.MaxBodyBytes,
		logger:    cfg.Logger,
	}
	if t.client == nil {
		t.client = http.DefaultClient
	}
	if t.userAgent == "" {
		t.userAgent = DefaultUserAgent
	}
	if t.timeout <= 0 {
		t.timeout = DefaultTimeout
	}
	if t.maxBody <= 0 {
		t.maxBody = DefaultMaxBodyBytes
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}

	if cfg.BaseURL != "" {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("transport: parse base url %q: %w", cfg.BaseURL, err)
		}
		if !base.IsAbs() {
			return nil, fmt.Errorf("transport: base url %q must be absolute", cfg.BaseURL)
		}
		t.base = base
	}

	size := cfg.ValidatorCacheSize
	if size <= 0 {
		size = DefaultValidatorCacheSize
	}
	etags, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("transport: validator cache: %w", err)
	}
	t.etags = etags

	return t, nil
}

// Probe implements Transport.
func (t *HTTPTransport) Probe(ctx context.Context, id string) Result {
	return t.do(ctx, http.MethodHead, id, time.Time{})
}

// Fetch implements Transport.
func (t *HTTPTransport) Fetch(ctx context.Context, id string, since time.Time) Result {
	return t.do(ctx, http.MethodGet, id, since)
}

// Resolve returns the absolute URL an identifier is fetched from.
func (t *HTTPTransport) Resolve(id string) (string, error) {
	u, err := url.Parse(id)
	if err != nil {
		return "", fmt.Errorf("transport: parse identifier %q: %w", id, err)
	}
	if t.base != nil {
		u = t.base.ResolveReference(u)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("transport: identifier %q is not an absolute URL and no base URL is configured", id)
	}
	return u.String(), nil
}

func (t *HTTPTransport) do(ctx context.Context, method, id string, since time.Time) Result {
	target, err := t.Resolve(id)
	if err != nil {
		return Result{Status: StatusFailure, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return Result{Status: StatusFailure, Err: fmt.Errorf("transport: build request: %w", err)}
	}
	req.Header.Set("User-Agent", t.userAgent)
	if method == http.MethodGet && !since.IsZero() {
		req.Header.Set("If-Modified-Since", since.UTC().Format(http.TimeFormat))
		if etag, ok := t.etags.Get(target); ok {
			req.Header.Set("If-None-Match", etag)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{Status: StatusFailure, Err: fmt.Errorf("transport: %s %s: %w", method, target, err)}
	}
	defer resp.Body.Close()

	res := Result{
		Code:        resp.StatusCode,
		ETag:        resp.Header.Get("ETag"),
		ContentType: resp.Header.Get("Content-Type"),
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		res.Status = StatusNotModified
		res.LastModified, res.MetadataErr = ParseLastModified(resp.Header.Get("Last-Modified"))
		if res.MetadataErr != nil {
			res.LastModified, res.MetadataErr = since, nil
		}
		return res

	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		res.Status = StatusNotFound
		t.etags.Remove(target)
		return res

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.Status = StatusOK
		res.LastModified, res.MetadataErr = ParseLastModified(resp.Header.Get("Last-Modified"))
		if method != http.MethodGet {
			return res
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody+1))
		if err != nil {
			return Result{Status: StatusFailure, Code: resp.StatusCode, Err: fmt.Errorf("transport: read body of %s: %w", target, err)}
		}
		if int64(len(body)) > t.maxBody {
			return Result{Status: StatusFailure, Code: resp.StatusCode, Err: fmt.Errorf("%w: %s exceeds %d bytes", ErrBodyTooLarge, target, t.maxBody)}
		}
		res.Body = body
		if res.ETag != "" {
			t.etags.Add(target, res.ETag)
		}
		return res

	default:
		res.Status = StatusFailure
		res.Err = fmt.Errorf("%w: %s %s returned %d", ErrUnexpectedStatus, method, target, resp.StatusCode)
		t.logger.Debug("transport: unexpected status",
			slog.String("method", method),
			slog.String("url", target),
			slog.Int("status", resp.StatusCode),
		)
		return res
	}
}

// IsTimeout reports whether a failure result was caused by the request
// deadline expiring.
func IsTimeout(r Result) bool {
	return r.Status == StatusFailure && errors.Is(r.Err, context.DeadlineExceeded)
}
