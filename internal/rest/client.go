// Package rest is the HTTP side of the client. Every request goes through
// the rate limiter.
package rest

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/luciancaetano/shardline"
	"github.com/luciancaetano/shardline/internal/logger"
	"github.com/luciancaetano/shardline/internal/metrics"
	"github.com/luciancaetano/shardline/internal/ratelimit"
)

const maxResponseSize = 8 << 20

// latencyTimeout bounds a latency measurement including any rate limit wait.
const latencyTimeout = time.Minute

type Config struct {
	BaseURL       string
	Version       int
	Authorization string
	UserAgent     string
	// Timeout bounds one attempt. Zero means no timeout.
	Timeout time.Duration

	HTTPClient *http.Client
	Limiter    *ratelimit.Limiter
	Clock      clock.Clock
	Logger     *zap.SugaredLogger
	Metrics    *metrics.Metrics
}

type Client struct {
	base    string
	cfg     Config
	http    *http.Client
	limiter *ratelimit.Limiter
	clock   clock.Clock
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	closing context.Context
	close   context.CancelFunc

	latency singleflight.Group
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = shardline.DefaultAPIBaseURL
	}
	if cfg.Version == 0 {
		cfg.Version = shardline.DefaultAPIVersion
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = shardline.DefaultUserAgent
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Logger("rest")
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(ratelimit.Config{
			Token:   cfg.Authorization,
			Clock:   cfg.Clock,
			Logger:  cfg.Logger.Named("ratelimit"),
			Metrics: cfg.Metrics,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		base:    fmt.Sprintf("%s/v%d", cfg.BaseURL, cfg.Version),
		cfg:     cfg,
		http:    cfg.HTTPClient,
		limiter: cfg.Limiter,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		closing: ctx,
		close:   cancel,
	}
}

// NewHTTPClient builds an HTTP client honouring an optional proxy URL and
// TLS verification switch.
func NewHTTPClient(proxyURL string, insecureSkipVerify bool) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		tr.Proxy = http.ProxyURL(u)
	}
	if insecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &http.Client{Transport: tr}, nil
}

// Limiter returns the rate limiter shared by every request of this client.
func (c *Client) Limiter() *ratelimit.Limiter { return c.limiter }

// Close fails pending and future requests with shardline.ErrSessionClosed.
func (c *Client) Close() {
	c.close()
}

// bind derives a request context that is canceled when the client closes.
func (c *Client) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(c.closing, func() { cancel(shardline.ErrSessionClosed) })
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

// Do sends body as JSON to route and decodes the response into out. Either
// may be nil.
func (c *Client) Do(ctx context.Context, route ratelimit.Route, body, out any) error {
	return c.do(ctx, route, body, out, nil)
}

// do is Do that also stores the duration of the last HTTP attempt in rtt
// when rtt is not nil.
func (c *Client) do(ctx context.Context, route ratelimit.Route, body, out any, rtt *time.Duration) error {
	if c.closing.Err() != nil {
		return shardline.ErrSessionClosed
	}
	ctx, done := c.bind(ctx)
	defer done()

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s: %w", route, err)
		}
	}

	resp, err := c.limiter.Do(ctx, route, func(ctx context.Context) (*http.Response, error) {
		return c.send(ctx, route, payload, rtt)
	})
	if err != nil {
		if errors.Is(context.Cause(ctx), shardline.ErrSessionClosed) {
			return shardline.ErrSessionClosed
		}
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s: %w", route, err)
		}
		return nil
	}
	return statusError(route, resp.StatusCode, data)
}

// send performs one attempt. The body is read inside the attempt so the
// per-attempt timeout does not cut it off later.
func (c *Client) send(ctx context.Context, route ratelimit.Route, payload []byte, rtt *time.Duration) (*http.Response, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, route.Method, c.base+route.Path, body)
	if err != nil {
		return nil, &shardline.RESTError{Kind: shardline.KindPermanent, Route: route.String(), Err: err}
	}
	req.Header.Set("Authorization", c.cfg.Authorization)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := c.clock.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RESTRequest(route.String(), 0, c.clock.Since(start))
		return nil, networkError(route, err)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	resp.Body.Close()
	elapsed := c.clock.Since(start)
	c.metrics.RESTRequest(route.String(), resp.StatusCode, elapsed)
	if rtt != nil {
		*rtt = elapsed
	}
	if err != nil {
		return nil, networkError(route, err)
	}

	if resp.StatusCode >= 500 {
		return nil, statusError(route, resp.StatusCode, data)
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

func networkError(route ratelimit.Route, err error) error {
	kind := shardline.KindTransient
	if errors.Is(err, context.Canceled) {
		kind = shardline.KindPermanent
	}
	return &shardline.RESTError{Kind: kind, Route: route.String(), Err: err}
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func statusError(route ratelimit.Route, status int, body []byte) error {
	e := &shardline.RESTError{Route: route.String(), Status: status}
	var ae apiError
	if json.Unmarshal(body, &ae) == nil {
		e.Code = ae.Code
		e.Message = ae.Message
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = shardline.KindAuth
	case status == http.StatusTooManyRequests:
		e.Kind = shardline.KindRateLimited
	case status >= 500:
		e.Kind = shardline.KindTransient
	default:
		e.Kind = shardline.KindPermanent
	}
	return e
}

// Latency measures the HTTP round trip of a cheap authenticated call. Time
// spent waiting for the rate limiter is not counted. Concurrent callers share
// one measurement, which keeps running when the caller that started it gives
// up.
func (c *Client) Latency(ctx context.Context) (time.Duration, error) {
	ch := c.latency.DoChan("latency", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), latencyTimeout)
		defer cancel()
		var rtt time.Duration
		if err := c.do(ctx, ratelimit.NewRoute(http.MethodGet, "/users/@me"), nil, nil, &rtt); err != nil {
			return time.Duration(0), err
		}
		return rtt, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return shardline.LatencyUnknown, res.Err
		}
		return res.Val.(time.Duration), nil
	case <-ctx.Done():
		return shardline.LatencyUnknown, ctx.Err()
	}
}
