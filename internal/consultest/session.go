package consultest

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/google/uuid"

	"github.com/jmerrifield20/consulkit/pkg/consul"
)

func (s *Server) sessionRoutes(mux *http.ServeMux) {
	s.handle(mux, "PUT /v1/session/create", s.handleSessionCreate)
	s.handle(mux, "PUT /v1/session/destroy/{id}", s.handleSessionDestroy)
	s.handle(mux, "PUT /v1/session/renew/{id}", s.handleSessionRenew)
	s.handle(mux, "GET /v1/session/info/{id}", s.handleSessionInfo)
	s.handle(mux, "GET /v1/session/list", s.handleSessionList)
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, _ *http.Request, body []byte) {
	var entry consul.SessionEntry
	if len(body) > 0 {
		if err := json.Unmarshal(body, &entry); err != nil {
			http.Error(w, "Request decode failed: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if entry.Behavior == "" {
		entry.Behavior = consul.SessionBehaviorRelease
	}
	if entry.Node == "" {
		entry.Node = s.node
	}
	entry.ID = uuid.NewString()

	s.mu.Lock()
	s.bumpLocked()
	entry.CreateIndex = s.index
	entry.ModifyIndex = s.index
	s.sessions[entry.ID] = &entry
	s.mu.Unlock()

	writeJSON(w, map[string]string{"ID": entry.ID})
}

func (s *Server) handleSessionDestroy(w http.ResponseWriter, r *http.Request, _ []byte) {
	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		for key, p := range s.kv {
			if p.Session != id {
				continue
			}
			if entry.Behavior == consul.SessionBehaviorDelete {
				delete(s.kv, key)
			} else {
				p.Session = ""
			}
		}
		s.bumpLocked()
	}
	writeJSON(w, true)
}

func (s *Server) handleSessionRenew(w http.ResponseWriter, r *http.Request, _ []byte) {
	id := r.PathValue("id")
	s.mu.Lock()
	entry, ok := s.sessions[id]
	var out []consul.SessionEntry
	if ok {
		out = []consul.SessionEntry{*entry}
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "Session id '"+id+"' not found", http.StatusNotFound)
		return
	}
	writeJSON(w, out)
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request, _ []byte) {
	id := r.PathValue("id")
	s.mu.Lock()
	out := []consul.SessionEntry{}
	if entry, ok := s.sessions[id]; ok {
		out = append(out, *entry)
	}
	s.mu.Unlock()
	s.writeRead(w, out, false)
}

func (s *Server) handleSessionList(w http.ResponseWriter, _ *http.Request, _ []byte) {
	s.mu.Lock()
	out := make([]consul.SessionEntry, 0, len(s.sessions))
	for _, entry := range s.sessions {
		out = append(out, *entry)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreateIndex < out[j].CreateIndex })
	s.writeRead(w, out, false)
}
