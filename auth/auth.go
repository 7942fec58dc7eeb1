// Package auth tracks client-side session readiness and credential renewal.
// It provides the single-flight session gate run before protected requests,
// the process-wide refresh mutex, and the 401 resolution ladder including
// forced sign-out.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/syncline/syncline/transport"
)

// State is the session gate's position. Transitions only move forward within
// a session: Unknown → Checking → Ready or Unauthenticated.
type State int32

const (
	StateUnknown State = iota
	StateChecking
	StateReady
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateChecking:
		return "checking"
	case StateReady:
		return "ready"
	case StateUnauthenticated:
		return "unauthenticated"
	}
	return "invalid"
}

// Config holds the auth endpoints and credential tunables.
type Config struct {
	BaseURL       string
	LoginPath     string
	ProbePath     string // session-probe endpoint
	RefreshPath   string // credential-refresh endpoint
	SignoutPath   string
	SessionCookie string
	CSRFCookie    string
	CSRFHeader    string
	// ExpiryLeeway is how soon before credential expiry a refresh is
	// triggered proactively.
	ExpiryLeeway time.Duration
}

func (c *Config) fill() {
	if c.LoginPath == "" {
		c.LoginPath = "/auth/login"
	}
	if c.ProbePath == "" {
		c.ProbePath = "/auth/session"
	}
	if c.RefreshPath == "" {
		c.RefreshPath = "/auth/refresh"
	}
	if c.SignoutPath == "" {
		c.SignoutPath = "/auth/logout"
	}
	if c.SessionCookie == "" {
		c.SessionCookie = "session"
	}
	if c.CSRFCookie == "" {
		c.CSRFCookie = "csrf_token"
	}
	if c.CSRFHeader == "" {
		c.CSRFHeader = "X-CSRF-Token"
	}
	if c.ExpiryLeeway <= 0 {
		c.ExpiryLeeway = 2 * time.Minute
	}
}

// Manager implements transport.Authenticator. It owns the session state
// machine, the current credential, and the single-flight probe and refresh
// operations.
type Manager struct {
	cfg    Config
	base   *url.URL
	client *http.Client
	log    zerolog.Logger

	mu    sync.Mutex
	state State
	token *oauth2.Token

	probeGroup   singleflight.Group
	refreshGroup singleflight.Group

	// onSignout hands the forced sign-out to the UI layer (redirect to a
	// login surface with a reason code).
	onSignout func(reason string)
}

// NewManager creates a manager sharing the given HTTP client (and so its
// cookie jar) with the gateway. onSignout may be nil.
func NewManager(cfg Config, client *http.Client, log zerolog.Logger, onSignout func(reason string)) (*Manager, error) {
	cfg.fill()
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Manager{
		cfg:       cfg,
		base:      base,
		client:    client,
		log:       log,
		state:     StateUnknown,
		onSignout: onSignout,
	}, nil
}

// State returns the current gate state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Token returns the current credential, nil for cookie-only sessions.
func (m *Manager) Token() *oauth2.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// SetToken installs a credential obtained outside the manager (e.g. an
// initial login handled by the application) and marks the session ready.
func (m *Manager) SetToken(t *oauth2.Token) {
	m.mu.Lock()
	m.token = t
	m.state = StateReady
	m.mu.Unlock()
}

// EnsureReady is the idempotent single-flight session gate. Concurrent
// callers share one probe. Transient failures degrade to ready (fail-open)
// so a network blip never strands the UI in a permanent loading state; only
// a confirmed unauthenticated session blocks callers.
func (m *Manager) EnsureReady(ctx context.Context) error {
	switch m.State() {
	case StateReady:
		return nil
	case StateUnauthenticated:
		return &transport.Error{Kind: transport.KindAuthInvalid, Message: "session is unauthenticated"}
	}

	_, err, _ := m.probeGroup.Do("probe", func() (interface{}, error) {
		m.setState(StateChecking)
		st, perr := m.runProbe(ctx)
		m.setState(st)
		return nil, perr
	})
	return err
}

func (m *Manager) runProbe(ctx context.Context) (State, error) {
	status, body, err := m.call(ctx, http.MethodGet, m.cfg.ProbePath, nil)
	if err != nil {
		m.log.Warn().Err(err).Msg("session probe failed, failing open")
		return StateReady, nil
	}

	switch {
	case status >= 200 && status < 300:
		return StateReady, nil

	case status == http.StatusUnauthorized:
		d := parseDirective(body)
		if d.Action == "refresh" || isExpiredCode(d.Code) {
			if rerr := m.Refresh(ctx); rerr == nil {
				if st2, b2, e2 := m.call(ctx, http.MethodGet, m.cfg.ProbePath, nil); e2 == nil && st2 >= 200 && st2 < 300 {
					return StateReady, nil
				} else if e2 == nil {
					d = parseDirective(b2)
				}
			}
		}
		m.forceSignoutLocked(d.Code)
		return StateUnauthenticated, &transport.Error{
			Kind:    transport.KindAuthInvalid,
			Status:  status,
			Message: "session probe rejected",
		}

	default:
		// 5xx, rate limiting etc. are not credential verdicts.
		return StateReady, nil
	}
}

// AuthHeader returns the Authorization value for the current credential,
// refreshing first when it is inside the expiry leeway. Cookie-only sessions
// return "".
func (m *Manager) AuthHeader(ctx context.Context) (string, error) {
	m.mu.Lock()
	tok := m.token
	m.mu.Unlock()
	if tok == nil {
		return "", nil
	}

	if m.nearExpiry(tok) {
		if err := m.Refresh(ctx); err != nil {
			return "", err
		}
		m.mu.Lock()
		tok = m.token
		m.mu.Unlock()
	}
	if tok == nil || tok.AccessToken == "" {
		return "", nil
	}
	return "Bearer " + tok.AccessToken, nil
}

func (m *Manager) nearExpiry(tok *oauth2.Token) bool {
	if tok.Expiry.IsZero() {
		return false
	}
	return time.Until(tok.Expiry) < m.cfg.ExpiryLeeway
}

// Refresh performs the single-flight credential renewal. All concurrent
// callers await the same refresh rather than issuing parallel calls that
// would race and invalidate each other's new credential.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.refreshGroup.Do("refresh", func() (interface{}, error) {
		var payload any
		m.mu.Lock()
		if m.token != nil && m.token.RefreshToken != "" {
			payload = map[string]string{"refresh_token": m.token.RefreshToken}
		}
		m.mu.Unlock()

		status, body, err := m.call(ctx, http.MethodPost, m.cfg.RefreshPath, payload)
		if err != nil {
			return nil, &transport.Error{Kind: transport.KindNetwork, Message: "credential refresh failed", Err: err}
		}
		if status < 200 || status >= 300 {
			return nil, &transport.Error{Kind: transport.KindAuthExpired, Status: status, Message: "credential refresh rejected"}
		}

		m.installToken(body)
		m.log.Debug().Msg("credential refreshed")
		return nil, nil
	})
	return err
}

// Login establishes a session with the given credentials payload and
// installs the returned token (if any). Cookie-based sessions work too: the
// shared jar picks the cookies up.
func (m *Manager) Login(ctx context.Context, credentials any) error {
	status, body, err := m.call(ctx, http.MethodPost, m.cfg.LoginPath, credentials)
	if err != nil {
		return &transport.Error{Kind: transport.KindNetwork, Message: "login failed", Err: err}
	}
	if status < 200 || status >= 300 {
		return &transport.Error{Kind: transport.KindValidation, Status: status, Message: "login rejected"}
	}
	m.installToken(body)
	m.setState(StateReady)
	return nil
}

// installToken parses a token envelope out of an auth response, tolerating
// cookie-only servers that return no token at all.
func (m *Manager) installToken(body []byte) {
	var tr struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return
	}
	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    "Bearer",
	}
	switch {
	case tr.ExpiresAt > 0:
		tok.Expiry = time.Unix(tr.ExpiresAt, 0)
	case tr.ExpiresIn > 0:
		tok.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	m.mu.Lock()
	if m.token != nil && tok.RefreshToken == "" {
		tok.RefreshToken = m.token.RefreshToken
	}
	m.token = tok
	m.mu.Unlock()
}

// ResolveUnauthorized applies the 401 ladder, in priority order:
//  1. server instructs sign-out → forced sign-out
//  2. server instructs refresh, or the code indicates expiry → one refresh,
//     replay the original request once
//  3. no local session markers → forced sign-out (nothing to refresh)
//  4. anything else (scope/permission 401) → propagate untouched
func (m *Manager) ResolveUnauthorized(ctx context.Context, body []byte) (bool, error) {
	d := parseDirective(body)

	switch {
	case d.Action == "signout" || d.Code == "session_revoked":
		m.ForceSignout(ctx, d.Code)
		return false, &transport.Error{Kind: transport.KindAuthInvalid, Status: http.StatusUnauthorized, Message: "session revoked"}

	case d.Action == "refresh" || isExpiredCode(d.Code):
		if err := m.Refresh(ctx); err != nil {
			m.ForceSignout(ctx, "refresh_failed")
			return false, &transport.Error{Kind: transport.KindAuthInvalid, Status: http.StatusUnauthorized, Message: "credential refresh failed", Err: err}
		}
		return true, nil

	case !m.hasSessionMarkers():
		m.ForceSignout(ctx, "no_session")
		return false, &transport.Error{Kind: transport.KindAuthInvalid, Status: http.StatusUnauthorized, Message: "no client-side session"}

	default:
		return false, nil
	}
}

// hasSessionMarkers reports whether any client-side evidence of a session
// exists: a held token or a session cookie in the shared jar.
func (m *Manager) hasSessionMarkers() bool {
	m.mu.Lock()
	tok := m.token
	m.mu.Unlock()
	if tok != nil {
		return true
	}
	if m.client.Jar == nil {
		return false
	}
	for _, c := range m.client.Jar.Cookies(m.base) {
		if c.Name == m.cfg.SessionCookie && c.Value != "" {
			return true
		}
	}
	return false
}

// ForceSignout clears local session markers, calls the server's sign-out
// endpoint best-effort, and hands the reason code to the UI layer.
func (m *Manager) ForceSignout(ctx context.Context, reason string) {
	m.forceSignoutLocked(reason)
}

func (m *Manager) forceSignoutLocked(reason string) {
	if reason == "" {
		reason = "unauthenticated"
	}
	m.mu.Lock()
	m.token = nil
	m.state = StateUnauthenticated
	m.mu.Unlock()

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := m.call(sctx, http.MethodPost, m.cfg.SignoutPath, nil); err != nil {
		m.log.Debug().Err(err).Msg("best-effort server sign-out failed")
	}

	m.log.Info().Str("reason", reason).Msg("forced sign-out")
	if m.onSignout != nil {
		m.onSignout(reason)
	}
}

// call issues a bare auth-plane request (never routed through the gateway,
// which would recurse into the gate).
func (m *Manager) call(ctx context.Context, method, p string, payload any) (int, []byte, error) {
	u := *m.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(p, "/")

	var rd io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Session-establishing calls mirror the anti-forgery cookie too.
	if method != http.MethodGet && m.client.Jar != nil {
		for _, c := range m.client.Jar.Cookies(m.base) {
			if c.Name == m.cfg.CSRFCookie {
				req.Header.Set(m.cfg.CSRFHeader, c.Value)
			}
		}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// directive is the auth-relevant slice of the upstream error envelope.
type directive struct {
	Code   string `json:"code"`
	Action string `json:"action"`
}

func parseDirective(body []byte) directive {
	var d directive
	_ = json.Unmarshal(body, &d)
	return d
}

func isExpiredCode(code string) bool {
	switch code {
	case "token_expired", "session_expired", "jwt_expired", "credential_expired":
		return true
	}
	return strings.Contains(code, "expired")
}
