// Package apiclient is the single egress point to the remote ForgeLink API.
//
// Every call goes through Client.Do, which attaches credentials according to
// the configured CredentialStrategy and enforces the refresh protocol: a 401
// on a call that has not been retried triggers exactly one refresh and, if
// the refresh succeeds, exactly one re-issue of the call. A failed refresh
// is terminal: Do returns an error matching ErrSessionExpired and every
// listener registered with OnSessionExpired is notified. The client never
// navigates or touches session state itself.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"

	"forgelink/webshell/internal/observability"
)

const (
	RefreshPath = "/auth/jwt/refresh/"

	DefaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
)

type Config struct {
	BaseURL         string
	Timeout         time.Duration
	Transport       http.RoundTripper
	Breaker         *Breaker
	CoalesceRefresh bool
	Logger          *slog.Logger
	Metrics         *observability.Metrics
}

// Request is the immutable description of one logical API call. Body is
// JSON encoded once, before the first attempt.
type Request struct {
	Method string
	Path   string
	Body   any
	Header http.Header
	// SkipRefresh marks calls whose 401 is a domain answer (bad password),
	// not an expired credential.
	SkipRefresh bool
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) Decode(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return fmt.Errorf("decode response: empty body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// call pairs a request with its retry marker. The marker is set on the first
// refresh-driven retry and never reset.
type call struct {
	req     Request
	body    []byte
	retried bool
}

func newCall(req Request) (*call, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if !strings.HasPrefix(req.Path, "/") {
		return nil, fmt.Errorf("request path must be absolute, got %q", req.Path)
	}
	c := &call{req: req}
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", req.Method, req.Path, err)
		}
		c.body = b
	}
	return c, nil
}

// ExpiryListener receives terminal authentication failures.
type ExpiryListener func(ctx context.Context, err error)

type Client struct {
	baseURL  string
	http     *http.Client
	jar      *resettableJar
	creds    CredentialStrategy
	breaker  *Breaker
	coalesce bool
	group    singleflight.Group
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu        sync.Mutex
	nextID    int
	listeners map[int]ExpiryListener
}

// NewTransport returns the pooled, traced transport shared by all clients.
func NewTransport() http.RoundTripper {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.MaxIdleConnsPerHost = 32
	return otelhttp.NewTransport(base)
}

func New(cfg Config, creds CredentialStrategy) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if creds == nil {
		creds = CookieStrategy{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	jar, err := newResettableJar()
	if err != nil {
		return nil, err
	}

	return &Client{
		baseURL: base,
		http: &http.Client{
			Transport: cfg.Transport,
			Jar:       jar,
			Timeout:   cfg.Timeout,
		},
		jar:       jar,
		creds:     creds,
		breaker:   cfg.Breaker,
		coalesce:  cfg.CoalesceRefresh,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		listeners: make(map[int]ExpiryListener),
	}, nil
}

// Do issues req and applies the refresh protocol. Non-2xx answers come back
// as *StatusError, transport failures as *NetworkError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	cl, err := newCall(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, cl)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && !cl.req.SkipRefresh && !cl.retried {
		cl.retried = true
		if rerr := c.refresh(ctx); rerr != nil {
			if ctx.Err() != nil {
				// The caller went away; that says nothing about the session.
				return nil, rerr
			}
			expired := &SessionExpiredError{Path: cl.req.Path, Cause: rerr}
			c.logger.InfoContext(ctx, "credential refresh failed, session expired", "path", cl.req.Path, "error", rerr)
			c.notifyExpired(ctx, expired)
			return nil, expired
		}
		resp, err = c.send(ctx, cl)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			Method:     cl.req.Method,
			Path:       cl.req.Path,
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       resp.Body,
		}
	}
	return resp, nil
}

func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path})
}

func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

// OnSessionExpired registers fn for terminal authentication failures and
// returns a function that removes it.
func (c *Client) OnSessionExpired(fn ExpiryListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) notifyExpired(ctx context.Context, err error) {
	c.mu.Lock()
	fns := make([]ExpiryListener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ctx, err)
	}
}

// StoreTokens hands a token pair to the credential strategy.
func (c *Client) StoreTokens(ctx context.Context, t Tokens) error {
	return c.creds.Store(ctx, t)
}

// ClearCredentials drops every locally held credential: persisted tokens and
// the cookie jar.
func (c *Client) ClearCredentials(ctx context.Context) error {
	c.jar.Reset()
	return c.creds.Clear(ctx)
}

func (c *Client) HasLocalCredential(ctx context.Context) (present, supported bool) {
	return c.creds.HasLocal(ctx)
}

func (c *Client) send(ctx context.Context, cl *call) (*Response, error) {
	var body io.Reader = http.NoBody
	if cl.body != nil {
		body = bytes.NewReader(cl.body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.req.Method, c.baseURL+cl.req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", cl.req.Method, cl.req.Path, err)
	}
	for k, vs := range cl.req.Header {
		req.Header[k] = append([]string(nil), vs...)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if err := c.creds.Attach(ctx, req); err != nil {
		return nil, fmt.Errorf("attach credential: %w", err)
	}
	return c.execute(req, cl.req.Path)
}

// serverFault lets a 5xx answer count against the breaker while still
// reaching the caller as a response.
type serverFault struct {
	resp *Response
}

func (f *serverFault) Error() string {
	return "server error " + strconv.Itoa(f.resp.StatusCode)
}

func (c *Client) execute(req *http.Request, path string) (*Response, error) {
	resp, err := c.breaker.execute(func() (*Response, error) {
		hr, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer hr.Body.Close()
		b, err := io.ReadAll(io.LimitReader(hr.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		out := &Response{StatusCode: hr.StatusCode, Header: hr.Header, Body: b}
		if hr.StatusCode >= 500 {
			return nil, &serverFault{resp: out}
		}
		return out, nil
	})

	var fault *serverFault
	if errors.As(err, &fault) {
		c.observe(req.Method, path, fault.resp.StatusCode)
		return fault.resp, nil
	}
	if err != nil {
		c.observe(req.Method, path, 0)
		return nil, &NetworkError{Op: req.Method + " " + path, Err: err}
	}
	c.observe(req.Method, path, resp.StatusCode)
	return resp, nil
}

func (c *Client) refresh(ctx context.Context) error {
	if !c.coalesce {
		return c.doRefresh(ctx)
	}
	_, err, shared := c.group.Do("refresh", func() (any, error) {
		return nil, c.doRefresh(context.WithoutCancel(ctx))
	})
	if shared {
		c.countRefresh("shared")
	}
	return err
}

func (c *Client) doRefresh(ctx context.Context) error {
	payload, err := c.creds.RefreshBody(ctx)
	if err != nil {
		c.countRefresh("failure")
		return err
	}
	var body io.Reader = http.NoBody
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			c.countRefresh("failure")
			return fmt.Errorf("encode refresh body: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+RefreshPath, body)
	if err != nil {
		c.countRefresh("failure")
		return fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.execute(req, RefreshPath)
	if err != nil {
		c.countRefresh("failure")
		return err
	}
	if resp.StatusCode != http.StatusOK {
		c.countRefresh("failure")
		return &StatusError{
			Method:     http.MethodPost,
			Path:       RefreshPath,
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       resp.Body,
		}
	}

	var t Tokens
	if len(bytes.TrimSpace(resp.Body)) > 0 && json.Unmarshal(resp.Body, &t) == nil && (t.Access != "" || t.Refresh != "") {
		if err := c.creds.Store(ctx, t); err != nil {
			c.logger.WarnContext(ctx, "store rotated tokens failed", "error", err)
		}
	}
	c.countRefresh("success")
	return nil
}

func (c *Client) observe(method, path string, status int) {
	if c.metrics == nil {
		return
	}
	class := "network"
	if status > 0 {
		class = strconv.Itoa(status/100) + "xx"
	}
	c.metrics.APIRequestsTotal.WithLabelValues(method, path, class).Inc()
}

func (c *Client) countRefresh(outcome string) {
	if c.metrics != nil {
		c.metrics.RefreshAttempts.WithLabelValues(outcome).Inc()
	}
}

// resettableJar lets logout drop every cookie without swapping the jar out
// from under in-flight requests.
type resettableJar struct {
	mu  sync.RWMutex
	jar *cookiejar.Jar
}

func newResettableJar() (*resettableJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &resettableJar{jar: jar}, nil
}

func (j *resettableJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	j.jar.SetCookies(u, cookies)
}

func (j *resettableJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.jar.Cookies(u)
}

func (j *resettableJar) Reset() {
	fresh, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return
	}
	j.mu.Lock()
	j.jar = fresh
	j.mu.Unlock()
}
