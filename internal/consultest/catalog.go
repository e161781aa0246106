package consultest

import (
	"net/http"
	"sort"

	"github.com/jmerrifield20/consulkit/pkg/consul"
)

// TestRootCert is the PEM the fake serves as its Connect CA root.
const TestRootCert = `-----BEGIN CERTIFICATE-----
MIIBdTCCARugAwIBAgIBATAKBggqhkjOPQQDAjAUMRIwEAYDVQQDEwlUZXN0IFJv
b3QwHhcNMjYwMTAxMDAwMDAwWhcNMzYwMTAxMDAwMDAwWjAUMRIwEAYDVQQDEwlU
ZXN0IFJvb3Q=
-----END CERTIFICATE-----
`

func (s *Server) catalogRoutes(mux *http.ServeMux) {
	s.handle(mux, "GET /v1/health/service/{name}", s.handleHealthService)
	s.handle(mux, "GET /v1/health/checks/{name}", s.handleHealthChecks)
	s.handle(mux, "GET /v1/health/node/{node}", s.handleHealthNode)
	s.handle(mux, "GET /v1/health/state/{state}", s.handleHealthState)

	s.handle(mux, "GET /v1/catalog/datacenters", s.handleDatacenters)
	s.handle(mux, "GET /v1/catalog/nodes", s.handleNodes)
	s.handle(mux, "GET /v1/catalog/services", s.handleCatalogServices)
	s.handle(mux, "GET /v1/catalog/service/{name}", s.handleCatalogService)

	s.handle(mux, "GET /v1/connect/ca/roots", s.handleCARoots)
}

func (s *Server) nodeLocked() *consul.Node {
	return &consul.Node{
		ID:              "00000000-0000-0000-0000-000000000001",
		Node:            s.node,
		Address:         "127.0.0.1",
		Datacenter:      s.datacenter,
		TaggedAddresses: map[string]string{"lan": "127.0.0.1", "wan": "127.0.0.1"},
		Meta:            map[string]string{},
	}
}

// servicesNamedLocked returns instances of name ordered by service ID.
func (s *Server) servicesNamedLocked(name, tag string) []*consul.AgentService {
	var out []*consul.AgentService
	for _, svc := range s.services {
		if svc.Service != name {
			continue
		}
		if tag != "" && !contains(svc.Tags, tag) {
			continue
		}
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) handleHealthService(w http.ResponseWriter, r *http.Request, _ []byte) {
	q := r.URL.Query()
	passingOnly := q.Has("passing")

	s.mu.Lock()
	out := []consul.ServiceEntry{}
	for _, svc := range s.servicesNamedLocked(r.PathValue("name"), q.Get("tag")) {
		copied := *svc
		entry := consul.ServiceEntry{
			Node:    s.nodeLocked(),
			Service: &copied,
			Checks:  s.serviceChecksLocked(svc.ID),
		}
		if passingOnly && entry.AggregatedStatus() != consul.StatusPassing {
			continue
		}
		out = append(out, entry)
	}
	s.mu.Unlock()
	s.writeRead(w, out, false)
}

func (s *Server) filterChecks(w http.ResponseWriter, keep func(*consul.AgentCheck) bool) {
	s.mu.Lock()
	out := []consul.HealthCheck{}
	for _, cs := range s.checks {
		if keep(&cs.check) {
			out = append(out, *toHealthCheck(&cs.check, s.services))
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CheckID < out[j].CheckID })
	s.writeRead(w, out, false)
}

func (s *Server) handleHealthChecks(w http.ResponseWriter, r *http.Request, _ []byte) {
	name := r.PathValue("name")
	s.filterChecks(w, func(c *consul.AgentCheck) bool { return c.ServiceName == name })
}

func (s *Server) handleHealthNode(w http.ResponseWriter, r *http.Request, _ []byte) {
	node := r.PathValue("node")
	s.filterChecks(w, func(c *consul.AgentCheck) bool { return c.Node == node })
}

func (s *Server) handleHealthState(w http.ResponseWriter, r *http.Request, _ []byte) {
	state := r.PathValue("state")
	if state != "any" {
		if _, err := consul.ParseCheckStatus(state); err != nil {
			http.Error(w, "Invalid state: "+state, http.StatusBadRequest)
			return
		}
	}
	s.filterChecks(w, func(c *consul.AgentCheck) bool {
		return state == "any" || string(c.Status) == state
	})
}

func (s *Server) handleDatacenters(w http.ResponseWriter, _ *http.Request, _ []byte) {
	writeJSON(w, []string{s.datacenter})
}

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request, _ []byte) {
	s.writeRead(w, []consul.Node{*s.nodeLocked()}, false)
}

func (s *Server) handleCatalogServices(w http.ResponseWriter, _ *http.Request, _ []byte) {
	s.mu.Lock()
	out := map[string][]string{"consul": {}}
	for _, svc := range s.services {
		tags := out[svc.Service]
		if tags == nil {
			tags = []string{}
		}
		for _, t := range svc.Tags {
			if !contains(tags, t) {
				tags = append(tags, t)
			}
		}
		out[svc.Service] = tags
	}
	s.mu.Unlock()
	s.writeRead(w, out, false)
}

func (s *Server) handleCatalogService(w http.ResponseWriter, r *http.Request, _ []byte) {
	s.mu.Lock()
	node := s.nodeLocked()
	out := []consul.CatalogService{}
	for _, svc := range s.servicesNamedLocked(r.PathValue("name"), r.URL.Query().Get("tag")) {
		out = append(out, consul.CatalogService{
			ID:                       node.ID,
			Node:                     node.Node,
			Address:                  node.Address,
			Datacenter:               node.Datacenter,
			NodeMeta:                 node.Meta,
			ServiceID:                svc.ID,
			ServiceName:              svc.Service,
			ServiceAddress:           svc.Address,
			ServiceTags:              append([]string(nil), svc.Tags...),
			ServiceMeta:              svc.Meta,
			ServicePort:              svc.Port,
			ServiceEnableTagOverride: svc.EnableTagOverride,
		})
	}
	s.mu.Unlock()
	s.writeRead(w, out, false)
}

func (s *Server) handleCARoots(w http.ResponseWriter, _ *http.Request, _ []byte) {
	const rootID = "ca:00:11:22:33"
	s.writeRead(w, consul.CARootList{
		ActiveRootID: rootID,
		TrustDomain:  "11111111-2222-3333-4444-555555555555.consul",
		Roots: []*consul.CARoot{{
			ID:          rootID,
			Name:        "Consul CA Root Cert",
			RootCertPEM: TestRootCert,
			Active:      true,
		}},
	}, false)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
