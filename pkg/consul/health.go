package consul

import (
	"context"
	"net/url"
)

// HealthCheck is one check as reported by the health endpoints.
type HealthCheck struct {
	Node        string      `json:"Node"`
	CheckID     string      `json:"CheckID"`
	Name        string      `json:"Name"`
	Status      CheckStatus `json:"Status"`
	Notes       string      `json:"Notes"`
	Output      string      `json:"Output"`
	ServiceID   string      `json:"ServiceID"`
	ServiceName string      `json:"ServiceName"`
	ServiceTags []string    `json:"ServiceTags"`
	Type        string      `json:"Type"`
	CreateIndex uint64      `json:"CreateIndex"`
	ModifyIndex uint64      `json:"ModifyIndex"`
}

// Node is a catalog node.
type Node struct {
	ID              string            `json:"ID"`
	Node            string            `json:"Node"`
	Address         string            `json:"Address"`
	Datacenter      string            `json:"Datacenter"`
	TaggedAddresses map[string]string `json:"TaggedAddresses"`
	Meta            map[string]string `json:"Meta"`
	CreateIndex     uint64            `json:"CreateIndex"`
	ModifyIndex     uint64            `json:"ModifyIndex"`
}

// ServiceEntry is a service instance together with its node and checks.
type ServiceEntry struct {
	Node    *Node          `json:"Node"`
	Service *AgentService  `json:"Service"`
	Checks  []*HealthCheck `json:"Checks"`
}

// AggregatedStatus folds the entry's checks: any critical wins, then
// maintenance, then any warning. No checks at all counts as passing.
func (e ServiceEntry) AggregatedStatus() CheckStatus {
	var warning, maintenance bool
	for _, c := range e.Checks {
		switch c.Status {
		case StatusCritical:
			return StatusCritical
		case StatusWarning:
			warning = true
		case StatusMaintenance:
			maintenance = true
		}
	}
	switch {
	case maintenance:
		return StatusMaintenance
	case warning:
		return StatusWarning
	default:
		return StatusPassing
	}
}

// Health reads the cluster-wide health endpoints.
type Health struct {
	c *Client
}

// Health returns the health endpoints of c.
func (c *Client) Health() *Health {
	return &Health{c: c}
}

// Service lists instances of service. tag narrows by tag when non-empty and
// passingOnly drops instances with any non-passing check.
func (h *Health) Service(ctx context.Context, service, tag string, passingOnly bool, q *QueryOptions) ([]ServiceEntry, *QueryMeta, error) {
	params := url.Values{}
	if tag != "" {
		params.Set("tag", tag)
	}
	if passingOnly {
		params.Set("passing", "1")
	}
	return getList[ServiceEntry](ctx, h.c, "/v1/health/service/"+url.PathEscape(service), params, q)
}

// Checks lists the checks bound to service.
func (h *Health) Checks(ctx context.Context, service string, q *QueryOptions) ([]HealthCheck, *QueryMeta, error) {
	return getList[HealthCheck](ctx, h.c, "/v1/health/checks/"+url.PathEscape(service), nil, q)
}

// Node lists the checks of one node.
func (h *Health) Node(ctx context.Context, node string, q *QueryOptions) ([]HealthCheck, *QueryMeta, error) {
	return getList[HealthCheck](ctx, h.c, "/v1/health/node/"+url.PathEscape(node), nil, q)
}

// State lists checks in state. "any" matches every state.
func (h *Health) State(ctx context.Context, state string, q *QueryOptions) ([]HealthCheck, *QueryMeta, error) {
	return getList[HealthCheck](ctx, h.c, "/v1/health/state/"+url.PathEscape(state), nil, q)
}
