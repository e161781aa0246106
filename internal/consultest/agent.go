package consultest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/jmerrifield20/consulkit/pkg/consul"
)

const (
	nodeMaintCheckID      = "_node_maintenance"
	serviceMaintCheckPfx  = "_service_maintenance:"
	defaultNodeMaintNotes = "Maintenance mode is enabled for this node, but no reason was provided. This is a default message."
	defaultSvcMaintNotes  = "Maintenance mode is enabled for this service, but no reason was provided. This is a default message."
)

type checkState struct {
	check    consul.AgentCheck
	ttl      time.Duration
	deadline time.Time
}

// checkBody is the flat registration shape, accepting both ID and CheckID.
type checkBody struct {
	ID                string
	CheckID           string
	Name              string
	Notes             string
	ServiceID         string
	Status            string
	Interval          string
	Timeout           string
	TTL               string
	Args              []string
	DockerContainerID string
	GRPC              string
	H2PING            string
	HTTP              string
	TCP               string
	UDP               string
	OSService         string
	AliasNode         string
	AliasService      string
}

func (b *checkBody) kind() string {
	switch {
	case b.DockerContainerID != "":
		return "docker"
	case len(b.Args) > 0:
		return "script"
	case b.GRPC != "":
		return "grpc"
	case b.H2PING != "":
		return "h2ping"
	case b.HTTP != "":
		return "http"
	case b.TCP != "":
		return "tcp"
	case b.UDP != "":
		return "udp"
	case b.OSService != "":
		return "os_service"
	case b.TTL != "":
		return "ttl"
	case b.AliasNode != "" || b.AliasService != "":
		return "alias"
	default:
		return ""
	}
}

type serviceBody struct {
	Kind              string
	ID                string
	Name              string
	Tags              []string
	Port              int
	Address           string
	TaggedAddresses   map[string]consul.ServiceAddress
	EnableTagOverride bool
	Meta              map[string]string
	Weights           *consul.AgentWeights
	Check             *checkBody
	Checks            []*checkBody
}

// SetCheckStatus changes a check's status as if the agent had probed it.
func (s *Server) SetCheckStatus(checkID string, status consul.CheckStatus, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.checks[checkID]
	if !ok {
		return fmt.Errorf("consultest: unknown check %q", checkID)
	}
	cs.check.Status = status
	cs.check.Output = output
	s.bumpLocked()
	return nil
}

// Check returns the current state of a check.
func (s *Server) Check(checkID string) (consul.AgentCheck, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(time.Now())
	cs, ok := s.checks[checkID]
	if !ok {
		return consul.AgentCheck{}, false
	}
	return cs.check, true
}

// Service returns a registered service.
func (s *Server) Service(serviceID string) (consul.AgentService, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[serviceID]
	if !ok {
		return consul.AgentService{}, false
	}
	return *svc, true
}

// expireLocked turns TTL checks whose deadline passed critical.
func (s *Server) expireLocked(now time.Time) {
	expired := false
	for _, cs := range s.checks {
		if cs.ttl == 0 || cs.check.Status == consul.StatusCritical || now.Before(cs.deadline) {
			continue
		}
		cs.check.Status = consul.StatusCritical
		cs.check.Output = "TTL expired"
		expired = true
	}
	if expired {
		s.bumpLocked()
	}
}

func (s *Server) agentRoutes(mux *http.ServeMux) {
	s.handle(mux, "GET /v1/agent/members", s.handleMembers)
	s.handle(mux, "PUT /v1/agent/reload", s.handleOK)
	s.handle(mux, "PUT /v1/agent/leave", s.handleOK)
	s.handle(mux, "PUT /v1/agent/force-leave", s.handleOK)
	s.handle(mux, "PUT /v1/agent/force-leave/{node}", s.handleOK)
	s.handle(mux, "PUT /v1/agent/join/{address}", s.handleOK)
	s.handle(mux, "PUT /v1/agent/maintenance", s.handleNodeMaintenance)

	s.handle(mux, "GET /v1/agent/checks", s.handleChecks)
	s.handle(mux, "PUT /v1/agent/check/register", s.handleRegisterCheck)
	s.handle(mux, "PUT /v1/agent/check/deregister/{id}", s.handleDeregisterCheck)
	for verb, status := range map[string]consul.CheckStatus{
		"pass": consul.StatusPassing,
		"warn": consul.StatusWarning,
		"fail": consul.StatusCritical,
	} {
		s.handle(mux, "PUT /v1/agent/check/"+verb+"/{id}", s.handleUpdateTTL(status))
	}

	s.handle(mux, "GET /v1/agent/services", s.handleServices)
	s.handle(mux, "PUT /v1/agent/service/register", s.handleRegisterService)
	s.handle(mux, "PUT /v1/agent/service/deregister/{id}", s.handleDeregisterService)
	s.handle(mux, "PUT /v1/agent/service/maintenance/{id}", s.handleServiceMaintenance)
}

func (s *Server) handleOK(w http.ResponseWriter, _ *http.Request, _ []byte) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request, _ []byte) {
	name := s.node
	if r.URL.Query().Get("wan") != "" {
		name = s.node + "." + s.datacenter
	}
	s.writeRead(w, []consul.AgentMember{{
		Name:        name,
		Addr:        "127.0.0.1",
		Port:        8301,
		Tags:        map[string]string{"role": "consul", "dc": s.datacenter},
		Status:      1,
		ProtocolMin: 1,
		ProtocolMax: 5,
		ProtocolCur: 2,
		DelegateMin: 2,
		DelegateMax: 5,
		DelegateCur: 4,
	}}, false)
}

func (s *Server) handleChecks(w http.ResponseWriter, r *http.Request, _ []byte) {
	f, err := parseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.expireLocked(time.Now())
	out := make(map[string]consul.AgentCheck, len(s.checks))
	for id, cs := range s.checks {
		ok, err := f.match(&cs.check)
		if err != nil {
			s.mu.Unlock()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if ok {
			out[id] = cs.check
		}
	}
	s.mu.Unlock()
	s.writeRead(w, out, false)
}

func (s *Server) handleRegisterCheck(w http.ResponseWriter, _ *http.Request, body []byte) {
	var b checkBody
	if err := json.Unmarshal(body, &b); err != nil {
		http.Error(w, "Request decode failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	if b.Name == "" {
		http.Error(w, "Missing check name", http.StatusBadRequest)
		return
	}
	id := b.ID
	if id == "" {
		id = b.CheckID
	}
	if id == "" {
		id = b.Name
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ServiceID != "" {
		if _, ok := s.services[b.ServiceID]; !ok {
			http.Error(w, fmt.Sprintf("ServiceID %q does not exist", b.ServiceID), http.StatusBadRequest)
			return
		}
	}
	cs, err := s.newCheckLocked(id, &b)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.checks[id] = cs
	s.bumpLocked()
}

// newCheckLocked builds the state of a freshly registered check. Checks
// start critical unless the registration names a status.
func (s *Server) newCheckLocked(id string, b *checkBody) (*checkState, error) {
	kind := b.kind()
	if kind == "" {
		return nil, fmt.Errorf("Invalid check: TTL or Args or HTTP or TCP or GRPC or AliasService must be set")
	}
	status := consul.StatusCritical
	if b.Status != "" {
		st, err := consul.ParseCheckStatus(b.Status)
		if err != nil {
			return nil, err
		}
		status = st
	}
	cs := &checkState{check: consul.AgentCheck{
		Node:      s.node,
		CheckID:   id,
		Name:      b.Name,
		Status:    status,
		Notes:     b.Notes,
		ServiceID: b.ServiceID,
		Type:      kind,
	}}
	if svc, ok := s.services[b.ServiceID]; ok {
		cs.check.ServiceName = svc.Service
	}
	if kind == "ttl" {
		ttl, err := time.ParseDuration(b.TTL)
		if err != nil || ttl <= 0 {
			return nil, fmt.Errorf("Invalid TTL %q", b.TTL)
		}
		cs.ttl = ttl
		cs.deadline = time.Now().Add(ttl)
	} else if kind != "alias" && b.Interval == "" {
		return nil, fmt.Errorf("Interval must be set for %s checks", kind)
	}
	return cs, nil
}

func (s *Server) handleDeregisterCheck(w http.ResponseWriter, r *http.Request, _ []byte) {
	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checks[id]; !ok {
		http.Error(w, fmt.Sprintf("Unknown check ID %q", id), http.StatusNotFound)
		return
	}
	delete(s.checks, id)
	s.bumpLocked()
}

func (s *Server) handleUpdateTTL(status consul.CheckStatus) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ []byte) {
		id := r.PathValue("id")
		note := r.URL.Query().Get("note")
		s.mu.Lock()
		defer s.mu.Unlock()
		cs, ok := s.checks[id]
		if !ok {
			http.Error(w, fmt.Sprintf("Unknown check ID %q", id), http.StatusNotFound)
			return
		}
		if cs.ttl == 0 {
			http.Error(w, fmt.Sprintf("CheckID %q does not have associated TTL", id), http.StatusInternalServerError)
			return
		}
		cs.deadline = time.Now().Add(cs.ttl)
		if cs.check.Status == status && cs.check.Output == note {
			return
		}
		cs.check.Status = status
		cs.check.Output = note
		s.bumpLocked()
	}
}

func (s *Server) handleNodeMaintenance(w http.ResponseWriter, r *http.Request, _ []byte) {
	enable, reason, ok := maintenanceParams(w, r)
	if !ok {
		return
	}
	if reason == "" {
		reason = defaultNodeMaintNotes
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setMaintenanceLocked(nodeMaintCheckID, "Node Maintenance Mode", "", reason, enable)
}

func (s *Server) handleServiceMaintenance(w http.ResponseWriter, r *http.Request, _ []byte) {
	id := r.PathValue("id")
	enable, reason, ok := maintenanceParams(w, r)
	if !ok {
		return
	}
	if reason == "" {
		reason = defaultSvcMaintNotes
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.services[id]; !exists {
		http.Error(w, fmt.Sprintf("No service registered with ID %q", id), http.StatusNotFound)
		return
	}
	s.setMaintenanceLocked(serviceMaintCheckPfx+id, "Service Maintenance Mode", id, reason, enable)
}

// maintenanceParams reads the flag the way an agent does: from "enable".
func maintenanceParams(w http.ResponseWriter, r *http.Request) (enable bool, reason string, ok bool) {
	q := r.URL.Query()
	raw := q.Get("enable")
	if raw == "" {
		http.Error(w, "Missing value for enable", http.StatusBadRequest)
		return false, "", false
	}
	enable, err := strconv.ParseBool(raw)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid value for enable: %q", raw), http.StatusBadRequest)
		return false, "", false
	}
	return enable, q.Get("reason"), true
}

func (s *Server) setMaintenanceLocked(checkID, name, serviceID, reason string, enable bool) {
	existing, ok := s.checks[checkID]
	if !enable {
		if ok {
			delete(s.checks, checkID)
			s.bumpLocked()
		}
		return
	}
	if ok && existing.check.Notes == reason {
		return
	}
	check := consul.AgentCheck{
		Node:      s.node,
		CheckID:   checkID,
		Name:      name,
		Status:    consul.StatusCritical,
		Notes:     reason,
		ServiceID: serviceID,
		Type:      "maintenance",
	}
	if svc, found := s.services[serviceID]; found {
		check.ServiceName = svc.Service
	}
	s.checks[checkID] = &checkState{check: check}
	s.bumpLocked()
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request, _ []byte) {
	f, err := parseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	out := make(map[string]consul.AgentService, len(s.services))
	for id, svc := range s.services {
		ok, err := f.match(svc)
		if err != nil {
			s.mu.Unlock()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if ok {
			out[id] = *svc
		}
	}
	s.mu.Unlock()
	s.writeRead(w, out, false)
}

func (s *Server) handleRegisterService(w http.ResponseWriter, r *http.Request, body []byte) {
	var b serviceBody
	if err := json.Unmarshal(body, &b); err != nil {
		http.Error(w, "Request decode failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	if b.Name == "" {
		http.Error(w, "Missing service name", http.StatusBadRequest)
		return
	}
	replace := false
	if v := r.URL.Query().Get("replace-existing-checks"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "Invalid value for replace-existing-checks", http.StatusBadRequest)
			return
		}
		replace = parsed
	}
	id := b.ID
	if id == "" {
		id = b.Name
	}
	weights := consul.AgentWeights{Passing: 1, Warning: 1}
	if b.Weights != nil {
		weights = *b.Weights
	}

	var bodies []*checkBody
	if b.Check != nil {
		bodies = append(bodies, b.Check)
	}
	for _, c := range b.Checks {
		if c != nil {
			bodies = append(bodies, c)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	svc := &consul.AgentService{
		Kind:              b.Kind,
		ID:                id,
		Service:           b.Name,
		Tags:              append([]string(nil), b.Tags...),
		Meta:              b.Meta,
		Port:              b.Port,
		Address:           b.Address,
		TaggedAddresses:   b.TaggedAddresses,
		Weights:           weights,
		EnableTagOverride: b.EnableTagOverride,
		Datacenter:        s.datacenter,
	}
	if svc.Tags == nil {
		svc.Tags = []string{}
	}
	if svc.Meta == nil {
		svc.Meta = map[string]string{}
	}

	previous, existed := s.services[id]
	s.services[id] = svc

	fresh := make(map[string]*checkState, len(bodies))
	for i, cb := range bodies {
		checkID := cb.CheckID
		if checkID == "" {
			checkID = cb.ID
		}
		if checkID == "" {
			checkID = "service:" + id
			if len(bodies) > 1 {
				checkID += ":" + strconv.Itoa(i+1)
			}
		}
		if cb.Name == "" {
			cb.Name = fmt.Sprintf("Service '%s' check", b.Name)
		}
		cb.ServiceID = id
		cs, err := s.newCheckLocked(checkID, cb)
		if err != nil {
			if existed {
				s.services[id] = previous
			} else {
				delete(s.services, id)
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fresh[checkID] = cs
	}

	if replace {
		for checkID, cs := range s.checks {
			if cs.check.ServiceID != id || checkID == serviceMaintCheckPfx+id {
				continue
			}
			if _, keep := fresh[checkID]; !keep {
				delete(s.checks, checkID)
			}
		}
	}
	for checkID, cs := range fresh {
		s.checks[checkID] = cs
	}
	s.bumpLocked()
}

func (s *Server) handleDeregisterService(w http.ResponseWriter, r *http.Request, _ []byte) {
	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[id]; !ok {
		http.Error(w, fmt.Sprintf("Unknown service ID %q", id), http.StatusNotFound)
		return
	}
	delete(s.services, id)
	for checkID, cs := range s.checks {
		if cs.check.ServiceID == id {
			delete(s.checks, checkID)
		}
	}
	s.bumpLocked()
}

// serviceChecksLocked returns the node-level checks plus the checks bound to
// serviceID, ordered by check ID.
func (s *Server) serviceChecksLocked(serviceID string) []*consul.HealthCheck {
	var out []*consul.HealthCheck
	for _, cs := range s.checks {
		if cs.check.ServiceID != "" && cs.check.ServiceID != serviceID {
			continue
		}
		out = append(out, toHealthCheck(&cs.check, s.services))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckID < out[j].CheckID })
	return out
}

func toHealthCheck(c *consul.AgentCheck, services map[string]*consul.AgentService) *consul.HealthCheck {
	hc := &consul.HealthCheck{
		Node:        c.Node,
		CheckID:     c.CheckID,
		Name:        c.Name,
		Status:      c.Status,
		Notes:       c.Notes,
		Output:      c.Output,
		ServiceID:   c.ServiceID,
		ServiceName: c.ServiceName,
		ServiceTags: []string{},
		Type:        c.Type,
	}
	if svc, ok := services[c.ServiceID]; ok {
		hc.ServiceTags = append([]string(nil), svc.Tags...)
	}
	return hc
}
