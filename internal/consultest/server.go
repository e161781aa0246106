// Package consultest runs an in-memory agent that speaks enough of the
// Consul HTTP API for the client, heartbeater, sidecar and CLI tests:
// blocking queries, the TTL check lifecycle, maintenance mode, services,
// KV, sessions and the read-only health and catalog views.
package consultest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/consulkit/pkg/consul"
)

const (
	defaultWait = 5 * time.Minute
	maxWait     = 10 * time.Minute
)

// Request is one request the server received.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Token  string
	Body   []byte
}

// Option configures a Server.
type Option func(*Server)

// WithToken makes the server reject requests whose X-Consul-Token differs.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithNode sets the agent's node name. Default "node-1".
func WithNode(name string) Option {
	return func(s *Server) { s.node = name }
}

// WithDatacenter sets the agent's datacenter. Default "dc1".
func WithDatacenter(dc string) Option {
	return func(s *Server) { s.datacenter = dc }
}

// Server is a fake agent behind an httptest.Server.
type Server struct {
	srv *httptest.Server

	token      string
	node       string
	datacenter string

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	index    uint64
	changed  chan struct{}
	checks   map[string]*checkState
	services map[string]*consul.AgentService
	kv       map[string]*consul.KVPair
	sessions map[string]*consul.SessionEntry
	requests []Request
}

// New starts a Server and closes it when t finishes.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		node:       "node-1",
		datacenter: "dc1",
		index:      1,
		done:       make(chan struct{}),
		changed:    make(chan struct{}),
		checks:     make(map[string]*checkState),
		services:   make(map[string]*consul.AgentService),
		kv:         make(map[string]*consul.KVPair),
		sessions:   make(map[string]*consul.SessionEntry),
	}
	for _, o := range opts {
		o(s)
	}
	s.srv = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// URL is the server's base address.
func (s *Server) URL() string { return s.srv.URL }

// Config returns a client configuration pointing at the server.
func (s *Server) Config() *consul.Config {
	return &consul.Config{Address: s.srv.URL, Token: s.token}
}

// Client returns a client for the server.
func (s *Server) Client(t testing.TB, opts ...consul.Option) *consul.Client {
	t.Helper()
	c, err := consul.New(s.Config(), opts...)
	if err != nil {
		t.Fatalf("consultest: new client: %v", err)
	}
	return c
}

// Close shuts the server down. Blocked queries return at once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.srv.CloseClientConnections()
		s.srv.Close()
	})
}

// Node is the agent's node name.
func (s *Server) Node() string { return s.node }

// Index is the current consistency index.
func (s *Server) Index() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Bump advances the index without changing state and wakes blocked reads.
func (s *Server) Bump() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bumpLocked()
	return s.index
}

// ResetIndex moves the index to n, which may be lower than the current one,
// and wakes blocked reads. It simulates a server that lost its state.
func (s *Server) ResetIndex(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = n
	close(s.changed)
	s.changed = make(chan struct{})
}

// Requests returns a copy of every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// LastRequest returns the most recent request matching method and path.
func (s *Server) LastRequest(method, path string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.requests) - 1; i >= 0; i-- {
		if r := s.requests[i]; r.Method == method && r.Path == path {
			return r, true
		}
	}
	return Request{}, false
}

func (s *Server) bumpLocked() {
	s.index++
	close(s.changed)
	s.changed = make(chan struct{})
}

// block holds a read carrying ?index= until the index moves or the wait
// elapses.
func (s *Server) block(r *http.Request) {
	q := r.URL.Query()
	waitIndex, _ := strconv.ParseUint(q.Get("index"), 10, 64)
	if waitIndex == 0 {
		return
	}
	wait := defaultWait
	if v := q.Get("wait"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			wait = d
		}
	}
	if wait > maxWait {
		wait = maxWait
	}

	s.mu.Lock()
	start := s.index
	s.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		s.mu.Lock()
		s.expireLocked(time.Now())
		cur, ch := s.index, s.changed
		s.mu.Unlock()
		// A reset below waitIndex also ends the wait.
		if cur > waitIndex || cur != start {
			return
		}
		select {
		case <-ch:
		case <-timer.C:
			return
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}
}

// authorize records the request and enforces the token.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, body []byte) bool {
	token := r.Header.Get("X-Consul-Token")
	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Token:  token,
		Body:   body,
	})
	s.mu.Unlock()
	if s.token != "" && token != s.token {
		http.Error(w, "ACL not found", http.StatusForbidden)
		return false
	}
	return true
}

// writeRead sends a read response with the index headers. A nil v with
// notFound set becomes a 404 that still carries the index.
func (s *Server) writeRead(w http.ResponseWriter, v any, notFound bool) {
	s.mu.Lock()
	idx := s.index
	s.mu.Unlock()
	w.Header().Set("X-Consul-Index", strconv.FormatUint(idx, 10))
	w.Header().Set("X-Consul-KnownLeader", "true")
	w.Header().Set("X-Consul-LastContact", "0")
	if notFound {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, v)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, body []byte)

// handle registers fn behind request recording, token enforcement and, for
// reads, blocking.
func (s *Server) handle(mux *http.ServeMux, pattern string, fn handlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if !s.authorize(w, r, body) {
			return
		}
		if r.Method == http.MethodGet {
			s.block(r)
		}
		fn(w, r, body)
	})
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	s.agentRoutes(mux)
	s.kvRoutes(mux)
	s.sessionRoutes(mux)
	s.catalogRoutes(mux)
	return mux
}
