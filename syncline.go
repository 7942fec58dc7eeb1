// Package syncline keeps client-side views of server-owned collections in
// sync: a caching, coalescing, auth-aware transport gateway shared by
// per-collection controllers that apply mutations optimistically and
// reconcile them against later server reads.
//
// The root package is a thin wiring layer; the moving parts live in the
// transport, resource, auth, cache and notify packages and can be composed
// directly when the defaults here do not fit.
package syncline

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/rs/zerolog"

	"github.com/syncline/syncline/auth"
	"github.com/syncline/syncline/cache"
	"github.com/syncline/syncline/notify"
	"github.com/syncline/syncline/resource"
	"github.com/syncline/syncline/transport"
)

// Config configures a Client. Only BaseURL is required.
type Config struct {
	BaseURL string

	// CacheDir enables the file-backed durable cache tier. PostgresDSN wins
	// when both are set; with neither, caching is memory-only.
	CacheDir    string
	PostgresDSN string

	AttemptTimeout    time.Duration
	CacheTTL          time.Duration
	DefaultRetryAfter time.Duration
	MinRequestSpacing time.Duration
	PollInterval      time.Duration

	CSRFCookie string
	CSRFHeader string

	Logger zerolog.Logger
	// OnSignout is called with a reason code when the session is forcibly
	// terminated. The application redirects to its login surface here.
	OnSignout func(reason string)
}

// Client bundles one upstream's shared plumbing: the gateway, the auth
// manager bound to the same cookie jar, and the notification bus controllers
// subscribe to.
type Client struct {
	Gateway *transport.Gateway
	Auth    *auth.Manager
	Bus     *notify.Hub

	notifier     *notify.Deduper
	log          zerolog.Logger
	pollInterval time.Duration
	closers      []func()
}

// New wires a Client for the given upstream.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("syncline: base URL is required")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Jar: jar}

	var closers []func()
	var durable cache.DurableStore
	switch {
	case cfg.PostgresDSN != "":
		pg, perr := cache.NewPGStore(context.Background(), cfg.PostgresDSN, 0)
		if perr != nil {
			return nil, perr
		}
		closers = append(closers, pg.Close)
		durable = pg
	case cfg.CacheDir != "":
		fs, ferr := cache.NewFileStore(cfg.CacheDir)
		if ferr != nil {
			return nil, ferr
		}
		durable = fs
	}
	dual := cache.NewDual(durable, cache.DefaultPolicy(), nil, cfg.Logger)

	mgr, err := auth.NewManager(auth.Config{
		BaseURL:    cfg.BaseURL,
		CSRFCookie: cfg.CSRFCookie,
		CSRFHeader: cfg.CSRFHeader,
	}, httpClient, cfg.Logger, cfg.OnSignout)
	if err != nil {
		return nil, err
	}

	gw, err := transport.New(transport.Config{
		BaseURL:           cfg.BaseURL,
		AttemptTimeout:    cfg.AttemptTimeout,
		CacheTTL:          cfg.CacheTTL,
		DefaultRetryAfter: cfg.DefaultRetryAfter,
		CSRFCookie:        cfg.CSRFCookie,
		CSRFHeader:        cfg.CSRFHeader,
	}, transport.Deps{
		Client:   httpClient,
		Cache:    dual,
		Throttle: transport.NewThrottle(cfg.MinRequestSpacing),
		Auth:     mgr,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		Gateway:      gw,
		Auth:         mgr,
		Bus:          notify.NewHub(),
		notifier:     notify.NewDeduper(0, cfg.Logger),
		log:          cfg.Logger,
		pollInterval: cfg.PollInterval,
		closers:      closers,
	}, nil
}

// Login establishes a session with the upstream.
func (c *Client) Login(ctx context.Context, credentials any) error {
	return c.Auth.Login(ctx, credentials)
}

// Collection creates a controller for one collection, sharing the client's
// bus, notifier and logger unless the options provide their own. Close the
// controller at teardown.
func (c *Client) Collection(opt resource.Options) *resource.Controller {
	if opt.Bus == nil {
		opt.Bus = c.Bus
	}
	if opt.Notifier == nil {
		opt.Notifier = c.notifier
	}
	if opt.PollInterval <= 0 {
		opt.PollInterval = c.pollInterval
	}
	opt.Logger = c.log
	return resource.NewController(c.Gateway, opt)
}

// Close releases the client's shared resources. Controllers are closed by
// their owners.
func (c *Client) Close() {
	for _, fn := range c.closers {
		fn()
	}
}
