// Package mockapi is an in-process upstream implementing the API contract
// the sync layer consumes: cookie sessions with a rotating anti-forgery
// token, a session probe, credential refresh, and paginated searchable CRUD
// collections with ETags. The demo binary serves it and the end-to-end tests
// run against it; it also simulates read-replica lag and rate limiting.
package mockapi

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type record map[string]any

// Server holds the mock upstream's state.
type Server struct {
	sessions *scs.SessionManager
	router   chi.Router

	mu           sync.Mutex
	collections  map[string][]record
	visibleAfter map[string]time.Time
	listLag      time.Duration
	rateLimited  int // remaining 429 responses to serve
	retryAfter   int // seconds advertised on 429
	expireNext   bool

	// ListCalls counts physical list reads per collection, for tests
	// asserting coalescing and backoff behavior.
	listCalls map[string]int
}

// New creates an empty mock upstream.
func New() *Server {
	s := &Server{
		collections:  make(map[string][]record),
		visibleAfter: make(map[string]time.Time),
		listCalls:    make(map[string]int),
	}
	s.sessions = scs.New()
	s.sessions.Lifetime = 12 * time.Hour
	s.sessions.Cookie.Name = "session"
	s.sessions.Cookie.HttpOnly = true
	s.sessions.Cookie.SameSite = http.SameSiteLaxMode
	s.sessions.Cookie.Secure = false

	r := chi.NewRouter()
	r.Use(s.sessions.LoadAndSave)

	r.Post("/auth/login", s.handleLogin)
	r.Get("/auth/session", s.handleProbe)
	r.Post("/auth/refresh", s.requireCSRF(s.handleRefresh))
	r.Post("/auth/logout", s.handleLogout)

	r.Route("/api/{collection}", func(r chi.Router) {
		r.Use(s.requireSession)
		r.Get("/", s.handleList)
		r.Post("/", s.requireCSRF(s.handleCreate))
		r.Put("/{id}", s.requireCSRF(s.handleUpdate))
		r.Delete("/{id}", s.requireCSRF(s.handleDelete))
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// SetListLag makes newly created records invisible to list reads for d,
// simulating read-replica or cache lag on the server side.
func (s *Server) SetListLag(d time.Duration) {
	s.mu.Lock()
	s.listLag = d
	s.mu.Unlock()
}

// InjectRateLimit makes the next n requests answer 429 advertising
// retryAfterSeconds.
func (s *Server) InjectRateLimit(n, retryAfterSeconds int) {
	s.mu.Lock()
	s.rateLimited = n
	s.retryAfter = retryAfterSeconds
	s.mu.Unlock()
}

// ExpireNextRequest makes the next protected call fail with a refreshable
// 401.
func (s *Server) ExpireNextRequest() {
	s.mu.Lock()
	s.expireNext = true
	s.mu.Unlock()
}

// ListCalls reports how many physical list reads a collection served.
func (s *Server) ListCalls(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls[collection]
}

// Seed inserts records directly, bypassing visibility lag.
func (s *Server) Seed(collection string, recs []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range recs {
		r := record(m)
		if _, ok := r["id"]; !ok {
			r["id"] = uuid.NewString()
		}
		s.collections[collection] = append(s.collections[collection], r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) rotateCSRF(w http.ResponseWriter) string {
	token := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:  "csrf_token",
		Value: token,
		Path:  "/",
	})
	return token
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "username required"})
		return
	}
	s.sessions.Put(r.Context(), "user", creds.Username)
	s.rotateCSRF(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": "tok-" + uuid.NewString(),
		"expires_in":   3600,
	})
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	user := s.sessions.GetString(r.Context(), "user")
	if user == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "no_session"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "user": user})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	user := s.sessions.GetString(r.Context(), "user")
	if user == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "no_session"})
		return
	}
	s.rotateCSRF(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": "tok-" + uuid.NewString(),
		"expires_in":   3600,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	_ = s.sessions.Destroy(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if s.rateLimited > 0 {
			s.rateLimited--
			ra := s.retryAfter
			s.mu.Unlock()
			w.Header().Set("Retry-After", strconv.Itoa(ra))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"retry_after_seconds": ra})
			return
		}
		if s.expireNext {
			s.expireNext = false
			s.mu.Unlock()
			writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "token_expired", "action": "refresh"})
			return
		}
		s.mu.Unlock()

		if s.sessions.GetString(r.Context(), "user") == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "no_session"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireCSRF(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("csrf_token")
		if err != nil || cookie.Value == "" || r.Header.Get("X-CSRF-Token") != cookie.Value {
			writeJSON(w, http.StatusForbidden, map[string]string{"code": "csrf_mismatch"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	q := r.URL.Query()

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 {
		limit = 10
	}

	s.mu.Lock()
	s.listCalls[collection]++
	now := time.Now()
	var visible []record
	for _, rec := range s.collections[collection] {
		if at, ok := s.visibleAfter[collection+"/"+fmt.Sprint(rec["id"])]; ok && now.Before(at) {
			continue
		}
		visible = append(visible, rec)
	}
	s.mu.Unlock()

	if search := strings.ToLower(q.Get("search")); search != "" {
		var matched []record
		for _, rec := range visible {
			for _, v := range rec {
				if sv, ok := v.(string); ok && strings.Contains(strings.ToLower(sv), search) {
					matched = append(matched, rec)
					break
				}
			}
		}
		visible = matched
	}

	if sortBy := q.Get("sort_by"); sortBy != "" {
		desc := q.Get("sort_order") == "desc"
		sort.SliceStable(visible, func(i, j int) bool {
			a, b := fmt.Sprint(visible[i][sortBy]), fmt.Sprint(visible[j][sortBy])
			if desc {
				return a > b
			}
			return a < b
		})
	}

	total := len(visible)
	totalPages := (total + limit - 1) / limit
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	pageItems := visible[start:end]

	if fields := q.Get("fields"); fields != "" {
		keep := map[string]bool{"id": true}
		for _, f := range strings.Split(fields, ",") {
			keep[strings.TrimSpace(f)] = true
		}
		projected := make([]record, len(pageItems))
		for i, rec := range pageItems {
			p := record{}
			for k, v := range rec {
				if keep[k] {
					p[k] = v
				}
			}
			projected[i] = p
		}
		pageItems = projected
	}

	if pageItems == nil {
		pageItems = []record{}
	}
	body, _ := json.Marshal(map[string]any{
		"data":       pageItems,
		"page":       page,
		"limit":      limit,
		"total":      total,
		"totalPages": totalPages,
		"has_next":   page < totalPages,
		"has_prev":   page > 1,
	})

	etag := fmt.Sprintf(`"%x"`, md5.Sum(body))
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	var rec record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	rec["id"] = uuid.NewString()

	s.mu.Lock()
	s.collections[collection] = append(s.collections[collection], rec)
	if s.listLag > 0 {
		s.visibleAfter[collection+"/"+fmt.Sprint(rec["id"])] = time.Now().Add(s.listLag)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")
	var patch record
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rec := range s.collections[collection] {
		if fmt.Sprint(rec["id"]) == id {
			for k, v := range patch {
				if k != "id" {
					rec[k] = v
				}
			}
			s.collections[collection][i] = rec
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.collections[collection]
	for i, rec := range recs {
		if fmt.Sprint(rec["id"]) == id {
			s.collections[collection] = append(recs[:i], recs[i+1:]...)
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
}
