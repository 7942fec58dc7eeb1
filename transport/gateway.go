package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/syncline/syncline/cache"
)

// Authenticator gates protected requests and resolves credential failures.
// Implemented by auth.Manager; defined here so the gateway stays testable
// with a stub.
type Authenticator interface {
	// EnsureReady blocks until the session is known usable (or fails open on
	// transient problems). Single-flight across concurrent callers.
	EnsureReady(ctx context.Context) error

	// AuthHeader returns the Authorization header value for the current
	// credential, refreshing it first when it is about to expire. Empty
	// string means cookie-only auth.
	AuthHeader(ctx context.Context) (string, error)

	// ResolveUnauthorized applies the 401 ladder to the response body.
	// replay=true means the original request should be replayed once after
	// a successful refresh. A non-nil error is returned to the caller
	// unchanged (forced sign-out included).
	ResolveUnauthorized(ctx context.Context, body []byte) (replay bool, err error)

	// ForceSignout terminates the session: clears local markers, notifies
	// the server best-effort and hands the reason code to the UI layer. The
	// gateway calls it when a replayed request is rejected again.
	ForceSignout(ctx context.Context, reason string)
}

// Config holds the gateway's tunables.
type Config struct {
	BaseURL           string
	AttemptTimeout    time.Duration // per network attempt
	CacheTTL          time.Duration // default freshness for cached GETs
	DefaultRetryAfter time.Duration // 429 fallback when no duration is given
	CSRFCookie        string
	CSRFHeader        string
}

func (c *Config) fill() {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 15 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.DefaultRetryAfter <= 0 {
		c.DefaultRetryAfter = time.Minute
	}
	if c.CSRFCookie == "" {
		c.CSRFCookie = "csrf_token"
	}
	if c.CSRFHeader == "" {
		c.CSRFHeader = "X-CSRF-Token"
	}
}

// Deps are the shared services the gateway composes. Cache, backoff table and
// throttle are process-wide singletons shared by all controllers; they are
// injected rather than package globals so tests construct fresh ones.
type Deps struct {
	Client    *http.Client
	Cache     *cache.Dual
	Coalescer *Coalescer
	Backoffs  *BackoffTable
	Throttle  *Throttle
	Auth      Authenticator
	Policy    *RetryPolicy
	Logger    zerolog.Logger
}

// Gateway dispatches requests to the upstream API with auth gating,
// conditional caching, single-flight reads and classified retry/backoff.
type Gateway struct {
	client    *http.Client
	cfg       Config
	base      *url.URL
	cache     *cache.Dual
	coalescer *Coalescer
	backoffs  *BackoffTable
	throttle  *Throttle
	auth      Authenticator
	policy    RetryPolicy
	now       func() time.Time
	log       zerolog.Logger
}

// New creates a gateway. Zero-value deps get working defaults; the HTTP
// client gets a cookie jar when it has none, since session and anti-forgery
// cookies flow through it.
func New(cfg Config, deps Deps) (*Gateway, error) {
	cfg.fill()
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}

	client := deps.Client
	if client == nil {
		client = &http.Client{}
	}
	if client.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		client.Jar = jar
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewDual(nil, cache.DefaultPolicy(), nil, deps.Logger)
	}
	if deps.Coalescer == nil {
		deps.Coalescer = NewCoalescer()
	}
	if deps.Backoffs == nil {
		deps.Backoffs = NewBackoffTable()
	}
	if deps.Throttle == nil {
		deps.Throttle = NewThrottle(0)
	}
	policy := DefaultRetryPolicy()
	if deps.Policy != nil {
		policy = *deps.Policy
	}

	return &Gateway{
		client:    client,
		cfg:       cfg,
		base:      base,
		cache:     deps.Cache,
		coalescer: deps.Coalescer,
		backoffs:  deps.Backoffs,
		throttle:  deps.Throttle,
		auth:      deps.Auth,
		policy:    policy,
		now:       time.Now,
		log:       deps.Logger,
	}, nil
}

// Request describes one upstream call.
type Request struct {
	Method    string
	Path      string
	Query     url.Values
	Body      any
	Slug      string // backoff/throttle key; defaults to the trimmed path
	Protected bool
	// BypassCache skips the cache tiers on reads; set by controllers during
	// the post-mutation window so stale data is not re-entrenched.
	BypassCache bool
	// TTL overrides the configured cache freshness for this read.
	TTL time.Duration
}

func (r Request) slug() string {
	if r.Slug != "" {
		return r.Slug
	}
	return strings.Trim(r.Path, "/")
}

// Response is the gateway's result. FromCache marks bodies served without a
// network round trip (fresh hits, 304 revalidations, stale-during-backoff).
type Response struct {
	Status    int
	Body      json.RawMessage
	Header    http.Header
	FromCache bool
}

// Client exposes the underlying HTTP client so the auth manager can share
// its cookie jar.
func (g *Gateway) Client() *http.Client { return g.client }

// BaseURL returns the configured upstream base.
func (g *Gateway) BaseURL() string { return g.cfg.BaseURL }

// BackoffUntil reports the active rate-limit window for an endpoint slug.
func (g *Gateway) BackoffUntil(slug string) (time.Time, bool) {
	return g.backoffs.Until(slug)
}

// InvalidateReads drops every cached read under the endpoint path, both
// tiers. Called by controllers on every successful mutation.
func (g *Gateway) InvalidateReads(ctx context.Context, endpointPath string) {
	g.cache.Invalidate(ctx, cache.ReadPrefix(g.cfg.BaseURL, endpointPath))
}

// Do dispatches the request: auth gate for protected calls, cache and
// coalescing for reads, classified retry/backoff throughout.
func (g *Gateway) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Protected && g.auth != nil {
		if err := g.auth.EnsureReady(ctx); err != nil {
			return nil, err
		}
	}
	if !isRead(req.Method) {
		return g.execute(ctx, req, "")
	}
	return g.read(ctx, req)
}

// DoJSON dispatches and decodes the response body into out (unless nil).
func (g *Gateway) DoJSON(ctx context.Context, req Request, out any) error {
	resp, err := g.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Body, out)
}

func (g *Gateway) read(ctx context.Context, req Request) (*Response, error) {
	key := cache.Key(req.Method, g.cfg.BaseURL, req.Path, req.Query)

	if !req.BypassCache {
		if e := g.cache.Read(ctx, key); e != nil && !e.Expired(g.now()) {
			return &Response{Status: http.StatusOK, Body: e.Body, FromCache: true}, nil
		}
	}

	// Inside a backoff window cached data wins even when logically stale.
	if until, ok := g.backoffs.Until(req.slug()); ok {
		if e := g.cache.Read(ctx, key); e != nil {
			g.log.Debug().Str("slug", req.slug()).Time("until", until).Msg("serving stale cache during backoff")
			return &Response{Status: http.StatusOK, Body: e.Body, FromCache: true}, nil
		}
		return nil, &Error{
			Kind:       KindRateLimited,
			RetryAfter: until.Sub(g.now()),
			Message:    "endpoint is rate limited and no cached data is available",
		}
	}

	resp, err := g.coalescer.Do(key, func() (*Response, error) {
		return g.execute(ctx, req, key)
	})
	if err != nil && IsCanceled(err) && ctx.Err() == nil {
		// We joined a call whose originating context was canceled, not ours.
		// The settled entry is gone, so a fresh attempt runs on our context.
		resp, err = g.coalescer.Do(key, func() (*Response, error) {
			return g.execute(ctx, req, key)
		})
	}
	return resp, err
}

// execute runs the attempt loop for one logical request. key is empty for
// mutations (which are never cached or coalesced).
func (g *Gateway) execute(ctx context.Context, req Request, key string) (*Response, error) {
	slug := req.slug()
	if err := g.throttle.Wait(ctx, slug); err != nil {
		return nil, classifyTransportErr(err)
	}

	var payload []byte
	if req.Body != nil {
		var err error
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return nil, &Error{Kind: KindValidation, Message: "encoding request body: " + err.Error(), Err: err}
		}
	}

	var stale *cache.Entry
	if key != "" {
		stale = g.cache.Read(ctx, key)
	}

	bo := g.policy.newBackOff()
	csrfRetried := false
	replayed := false
	attempt := 0

	for {
		attempt++
		status, header, body, err := g.send(ctx, req, payload, stale)
		if err != nil {
			terr := classifyTransportErr(err)
			if terr.Kind == KindCanceled {
				return nil, terr
			}
			if isRead(req.Method) && attempt < g.policy.attempts(terr.Kind) {
				g.log.Debug().Str("slug", slug).Int("attempt", attempt).Str("kind", terr.Kind.String()).Msg("retrying request")
				if serr := sleepCtx(ctx, bo.NextBackOff()); serr != nil {
					return nil, &Error{Kind: KindCanceled, Err: serr}
				}
				continue
			}
			return nil, terr
		}

		switch {
		case status == http.StatusNotModified:
			if stale == nil {
				return nil, &Error{Kind: KindServer, Status: status, Message: "not modified but no cached body"}
			}
			g.cache.Touch(ctx, key, g.now().Add(g.ttl(req)))
			return &Response{Status: http.StatusOK, Body: stale.Body, Header: header, FromCache: true}, nil

		case status >= 200 && status < 300:
			if key != "" {
				now := g.now()
				g.cache.Write(ctx, key, &cache.Entry{
					Body:         body,
					FetchedAt:    now,
					ExpiresAt:    now.Add(g.ttl(req)),
					ETag:         header.Get("ETag"),
					LastModified: header.Get("Last-Modified"),
				})
			}
			return &Response{Status: status, Body: body, Header: header}, nil

		case status == http.StatusUnauthorized:
			if g.auth == nil {
				return nil, &Error{Kind: KindAuthInvalid, Status: status, Message: parseAPIError(body).text()}
			}
			if replayed {
				// The refreshed credential was rejected too; the session is
				// not salvageable.
				reason := parseAPIError(body).Code
				if reason == "" {
					reason = "replay_unauthorized"
				}
				g.auth.ForceSignout(ctx, reason)
				return nil, &Error{Kind: KindAuthInvalid, Status: status, Message: parseAPIError(body).text()}
			}
			replay, rerr := g.auth.ResolveUnauthorized(ctx, body)
			if rerr != nil {
				return nil, rerr
			}
			if !replay {
				return nil, &Error{Kind: KindValidation, Status: status, Message: parseAPIError(body).text()}
			}
			replayed = true
			continue

		case status == http.StatusTooManyRequests:
			ra := retryAfter(header, body, g.cfg.DefaultRetryAfter)
			g.backoffs.Set(slug, g.now().Add(ra))
			g.log.Warn().Str("slug", slug).Dur("retry_after", ra).Msg("rate limited")
			if stale != nil {
				return &Response{Status: http.StatusOK, Body: stale.Body, FromCache: true}, nil
			}
			return nil, &Error{Kind: KindRateLimited, Status: status, RetryAfter: ra, Message: parseAPIError(body).text()}

		case status == http.StatusForbidden && isCSRFFailure(body) && !csrfRetried && !isRead(req.Method):
			// A refresh may have rotated the anti-forgery cookie moments
			// ago; re-read it and try exactly once more.
			csrfRetried = true
			continue

		default:
			return nil, classifyStatus(status, body)
		}
	}
}

// send performs one network attempt and fully reads the response body.
func (g *Gateway) send(ctx context.Context, req Request, payload []byte, stale *cache.Entry) (int, http.Header, []byte, error) {
	actx := ctx
	if g.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, g.cfg.AttemptTimeout)
		defer cancel()
	}

	u := *g.base
	u.Path = path.Join(u.Path, req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	hr, err := http.NewRequestWithContext(actx, req.Method, u.String(), rd)
	if err != nil {
		return 0, nil, nil, err
	}
	hr.Header.Set("Accept", "application/json")
	if payload != nil {
		hr.Header.Set("Content-Type", "application/json")
	}

	if req.Protected && g.auth != nil {
		h, err := g.auth.AuthHeader(actx)
		if err != nil {
			return 0, nil, nil, err
		}
		if h != "" {
			hr.Header.Set("Authorization", h)
		}
	}

	// Mirror the readable anti-forgery cookie into the request header for
	// state-changing calls.
	if !isRead(req.Method) && g.client.Jar != nil {
		for _, c := range g.client.Jar.Cookies(g.base) {
			if c.Name == g.cfg.CSRFCookie {
				hr.Header.Set(g.cfg.CSRFHeader, c.Value)
			}
		}
	}

	if stale != nil && stale.HasValidator() {
		if stale.ETag != "" {
			hr.Header.Set("If-None-Match", stale.ETag)
		}
		if stale.LastModified != "" {
			hr.Header.Set("If-Modified-Since", stale.LastModified)
		}
	}

	resp, err := g.client.Do(hr)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

func (g *Gateway) ttl(req Request) time.Duration {
	if req.TTL > 0 {
		return req.TTL
	}
	return g.cfg.CacheTTL
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func isCSRFFailure(body []byte) bool {
	ae := parseAPIError(body)
	return ae.Code == "csrf_mismatch" || strings.Contains(strings.ToLower(ae.text()), "csrf")
}

// retryAfter extracts the 429 wait duration: body fields first, then headers,
// then the configured default.
func retryAfter(header http.Header, body []byte, def time.Duration) time.Duration {
	var fields struct {
		RetryAfterSeconds float64 `json:"retry_after_seconds"`
		RetryAfter        float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &fields); err == nil {
		if fields.RetryAfterSeconds > 0 {
			return time.Duration(fields.RetryAfterSeconds * float64(time.Second))
		}
		if fields.RetryAfter > 0 {
			return time.Duration(fields.RetryAfter * float64(time.Second))
		}
	}

	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}
	if v := header.Get("X-RateLimit-Reset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			// Large values are unix timestamps, small ones are deltas.
			if n > 1e9 {
				if d := time.Until(time.Unix(n, 0)); d > 0 {
					return d
				}
			} else {
				return time.Duration(n) * time.Second
			}
		}
	}
	return def
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
