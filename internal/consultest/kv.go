package consultest

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/jmerrifield20/consulkit/pkg/consul"
)

// PutKey stores a key directly.
func (s *Server) PutKey(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(key, value, 0)
}

func (s *Server) kvRoutes(mux *http.ServeMux) {
	s.handle(mux, "GET /v1/kv/{key...}", s.handleKVGet)
	s.handle(mux, "PUT /v1/kv/{key...}", s.handleKVPut)
	s.handle(mux, "DELETE /v1/kv/{key...}", s.handleKVDelete)
}

func (s *Server) putLocked(key string, value []byte, flags uint64) *consul.KVPair {
	s.bumpLocked()
	p, ok := s.kv[key]
	if !ok {
		p = &consul.KVPair{Key: key, CreateIndex: s.index}
		s.kv[key] = p
	}
	p.Value = append([]byte(nil), value...)
	p.Flags = flags
	p.ModifyIndex = s.index
	return p
}

func (s *Server) sortedKeysLocked(prefix string) []string {
	var keys []string
	for k := range s.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) handleKVGet(w http.ResponseWriter, r *http.Request, _ []byte) {
	key := r.PathValue("key")
	q := r.URL.Query()

	s.mu.Lock()
	switch {
	case q.Has("keys"):
		sep := q.Get("separator")
		seen := map[string]bool{}
		var out []string
		for _, k := range s.sortedKeysLocked(key) {
			if sep != "" {
				if i := strings.Index(k[len(key):], sep); i >= 0 {
					k = k[:len(key)+i+len(sep)]
				}
			}
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
		s.mu.Unlock()
		s.writeRead(w, out, len(out) == 0)
	case q.Has("recurse"):
		var out []consul.KVPair
		for _, k := range s.sortedKeysLocked(key) {
			out = append(out, *s.kv[k])
		}
		s.mu.Unlock()
		s.writeRead(w, out, len(out) == 0)
	default:
		p, ok := s.kv[key]
		var out []consul.KVPair
		if ok {
			out = []consul.KVPair{*p}
		}
		s.mu.Unlock()
		s.writeRead(w, out, !ok)
	}
}

func (s *Server) handleKVPut(w http.ResponseWriter, r *http.Request, body []byte) {
	key := r.PathValue("key")
	q := r.URL.Query()

	var flags uint64
	if v := q.Get("flags"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "Invalid flags", http.StatusBadRequest)
			return
		}
		flags = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.kv[key]
	if v := q.Get("cas"); v != "" {
		cas, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "Invalid cas index", http.StatusBadRequest)
			return
		}
		if (cas == 0 && exists) || (cas != 0 && (!exists || existing.ModifyIndex != cas)) {
			writeJSON(w, false)
			return
		}
	}

	if id := q.Get("acquire"); id != "" {
		if _, ok := s.sessions[id]; !ok {
			http.Error(w, fmt.Sprintf("invalid session %q", id), http.StatusInternalServerError)
			return
		}
		if exists && existing.Session != "" && existing.Session != id {
			writeJSON(w, false)
			return
		}
		p := s.putLocked(key, body, flags)
		if p.Session != id {
			p.LockIndex++
		}
		p.Session = id
		writeJSON(w, true)
		return
	}

	if id := q.Get("release"); id != "" {
		if !exists || existing.Session != id {
			writeJSON(w, false)
			return
		}
		p := s.putLocked(key, body, flags)
		p.Session = ""
		writeJSON(w, true)
		return
	}

	s.putLocked(key, body, flags)
	writeJSON(w, true)
}

func (s *Server) handleKVDelete(w http.ResponseWriter, r *http.Request, _ []byte) {
	key := r.PathValue("key")
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.URL.Query().Has("recurse") {
		for _, k := range s.sortedKeysLocked(key) {
			delete(s.kv, k)
		}
	} else {
		delete(s.kv, key)
	}
	s.bumpLocked()
	writeJSON(w, true)
}
