package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// AgentCheck is the observed state of a check registered with the agent.
type AgentCheck struct {
	Node        string      `json:"Node"`
	CheckID     string      `json:"CheckID"`
	Name        string      `json:"Name"`
	Status      CheckStatus `json:"Status"`
	Notes       string      `json:"Notes"`
	Output      string      `json:"Output"`
	ServiceID   string      `json:"ServiceID"`
	ServiceName string      `json:"ServiceName"`
	Type        string      `json:"Type,omitempty"`
}

// AgentMember is a gossip pool member as seen by the agent.
type AgentMember struct {
	Name        string            `json:"Name"`
	Addr        string            `json:"Addr"`
	Port        uint16            `json:"Port"`
	Tags        map[string]string `json:"Tags"`
	Status      int               `json:"Status"`
	ProtocolMin uint8             `json:"ProtocolMin"`
	ProtocolMax uint8             `json:"ProtocolMax"`
	ProtocolCur uint8             `json:"ProtocolCur"`
	DelegateMin uint8             `json:"DelegateMin"`
	DelegateMax uint8             `json:"DelegateMax"`
	DelegateCur uint8             `json:"DelegateCur"`
}

// AgentWeights are the DNS SRV weights of a service.
type AgentWeights struct {
	Passing int `json:"Passing"`
	Warning int `json:"Warning"`
}

// ServiceAddress is one entry of a service's tagged addresses.
type ServiceAddress struct {
	Address string `json:"Address"`
	Port    int    `json:"Port"`
}

// AgentService is a service registered with the local agent.
type AgentService struct {
	Kind              string                    `json:"Kind,omitempty"`
	ID                string                    `json:"ID"`
	Service           string                    `json:"Service"`
	Tags              []string                  `json:"Tags"`
	Meta              map[string]string         `json:"Meta"`
	Port              int                       `json:"Port"`
	Address           string                    `json:"Address"`
	TaggedAddresses   map[string]ServiceAddress `json:"TaggedAddresses,omitempty"`
	Weights           AgentWeights              `json:"Weights"`
	EnableTagOverride bool                      `json:"EnableTagOverride"`
	CreateIndex       uint64                    `json:"CreateIndex,omitempty"`
	ModifyIndex       uint64                    `json:"ModifyIndex,omitempty"`
	Datacenter        string                    `json:"Datacenter,omitempty"`
}

// AgentServiceRegistration is the body of a service registration. Embedded
// checks are validated like standalone ones, except that Name is optional.
type AgentServiceRegistration struct {
	Kind              string
	ID                string
	Name              string
	Tags              []string
	Port              int
	Address           string
	TaggedAddresses   map[string]ServiceAddress
	EnableTagOverride bool
	Meta              map[string]string
	Weights           *AgentWeights
	Check             *CheckDefinition
	Checks            []*CheckDefinition
}

// MarshalJSON renders embedded checks in their service-registration shape.
func (r AgentServiceRegistration) MarshalJSON() ([]byte, error) {
	type wire struct {
		Kind              string                    `json:"Kind,omitempty"`
		ID                string                    `json:"ID,omitempty"`
		Name              string                    `json:"Name"`
		Tags              []string                  `json:"Tags,omitempty"`
		Port              int                       `json:"Port,omitempty"`
		Address           string                    `json:"Address,omitempty"`
		TaggedAddresses   map[string]ServiceAddress `json:"TaggedAddresses,omitempty"`
		EnableTagOverride bool                      `json:"EnableTagOverride,omitempty"`
		Meta              map[string]string         `json:"Meta,omitempty"`
		Weights           *AgentWeights             `json:"Weights,omitempty"`
		Check             *checkWire                `json:"Check,omitempty"`
		Checks            []*checkWire              `json:"Checks,omitempty"`
	}
	w := wire{
		Kind:              r.Kind,
		ID:                r.ID,
		Name:              r.Name,
		Tags:              r.Tags,
		Port:              r.Port,
		Address:           r.Address,
		TaggedAddresses:   r.TaggedAddresses,
		EnableTagOverride: r.EnableTagOverride,
		Meta:              r.Meta,
		Weights:           r.Weights,
	}
	if r.Check != nil {
		w.Check = r.Check.serviceWire()
	}
	for _, c := range r.Checks {
		if c != nil {
			w.Checks = append(w.Checks, c.serviceWire())
		}
	}
	return json.Marshal(w)
}

// Validate checks the registration and its embedded checks.
func (r *AgentServiceRegistration) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("consul: service registration needs a name")
	}
	if r.Check != nil {
		if err := r.Check.Validate(); err != nil {
			return err
		}
	}
	for _, c := range r.Checks {
		if c == nil {
			continue
		}
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Agent is the set of operations against the local agent. *Client
// implements it; tests and callers depend on the interface.
type Agent interface {
	Members(ctx context.Context, wan bool) ([]AgentMember, error)
	Reload(ctx context.Context) error
	MaintenanceMode(ctx context.Context, enable bool, reason string) error
	Join(ctx context.Context, address string, wan bool) error
	Leave(ctx context.Context) error
	ForceLeave(ctx context.Context, node string) error

	Checks(ctx context.Context) (map[string]*AgentCheck, error)
	RegisterCheck(ctx context.Context, def *CheckDefinition) error
	DeregisterCheck(ctx context.Context, checkID string) error
	UpdateTTL(ctx context.Context, checkID string, status CheckStatus, note string) error

	Services(ctx context.Context, filter string) (map[string]*AgentService, error)
	RegisterService(ctx context.Context, reg *AgentServiceRegistration, replaceExistingChecks bool) error
	DeregisterService(ctx context.Context, serviceID string) error
	ServiceMaintenanceMode(ctx context.Context, serviceID string, enable bool, reason string) error
}

var _ Agent = (*Client)(nil)

// Members lists the gossip pool, the WAN pool when wan is set.
func (c *Client) Members(ctx context.Context, wan bool) ([]AgentMember, error) {
	params := url.Values{}
	if wan {
		params.Set("wan", "1")
	}
	members, _, err := getList[AgentMember](ctx, c, "/v1/agent/members", params, nil)
	return members, err
}

// Reload asks the agent to reload its configuration.
func (c *Client) Reload(ctx context.Context) error {
	_, err := c.put(ctx, "/v1/agent/reload", nil, nil, nil, nil)
	return err
}

// MaintenanceMode puts the whole node in or out of maintenance. The agent
// models it as a synthetic critical check; enabling twice is harmless and
// disabling when not enabled is a no-op.
func (c *Client) MaintenanceMode(ctx context.Context, enable bool, reason string) error {
	_, err := c.put(ctx, "/v1/agent/maintenance", maintenanceParams(enable, reason), nil, nil, nil)
	return err
}

// Join tells the agent to join the cluster member at address.
func (c *Client) Join(ctx context.Context, address string, wan bool) error {
	params := url.Values{}
	if wan {
		params.Set("wan", "true")
	}
	_, err := c.put(ctx, "/v1/agent/join/"+url.PathEscape(address), params, nil, nil, nil)
	return err
}

// Leave gracefully shuts the agent down.
func (c *Client) Leave(ctx context.Context) error {
	_, err := c.put(ctx, "/v1/agent/leave", nil, nil, nil, nil)
	return err
}

// ForceLeave forces a failed member into the left state. An empty node
// issues the bare /v1/agent/force-leave call.
func (c *Client) ForceLeave(ctx context.Context, node string) error {
	path := "/v1/agent/force-leave"
	if node != "" {
		path += "/" + url.PathEscape(node)
	}
	_, err := c.put(ctx, path, nil, nil, nil, nil)
	return err
}

// Checks returns the agent's checks keyed by check ID.
func (c *Client) Checks(ctx context.Context) (map[string]*AgentCheck, error) {
	checks, _, err := get[map[string]*AgentCheck](ctx, c, "/v1/agent/checks", nil, nil)
	if checks == nil && err == nil {
		checks = map[string]*AgentCheck{}
	}
	return checks, err
}

// RegisterCheck registers def with the agent after validating it.
func (c *Client) RegisterCheck(ctx context.Context, def *CheckDefinition) error {
	if def == nil {
		return &CheckValidationError{Field: "Kind", Reason: "nil check definition"}
	}
	if def.Name == "" {
		return &CheckValidationError{Field: "Name", Reason: "required"}
	}
	if err := def.Validate(); err != nil {
		return err
	}
	_, err := c.put(ctx, "/v1/agent/check/register", nil, def, nil, nil)
	return err
}

// DeregisterCheck removes a check. An unknown ID is a *ServerError with
// status 404.
func (c *Client) DeregisterCheck(ctx context.Context, checkID string) error {
	_, err := c.put(ctx, "/v1/agent/check/deregister/"+url.PathEscape(checkID), nil, nil, nil, nil)
	return err
}

// UpdateTTL pushes status and note to a TTL check. The agent rejects
// updates to other kinds of checks.
func (c *Client) UpdateTTL(ctx context.Context, checkID string, status CheckStatus, note string) error {
	verb, err := status.ttlVerb()
	if err != nil {
		return err
	}
	params := url.Values{}
	if note != "" {
		params.Set("note", note)
	}
	_, err = c.put(ctx, "/v1/agent/check/"+verb+"/"+url.PathEscape(checkID), params, nil, nil, nil)
	return err
}

// PassTTL marks a TTL check passing.
func (c *Client) PassTTL(ctx context.Context, checkID, note string) error {
	return c.UpdateTTL(ctx, checkID, StatusPassing, note)
}

// WarnTTL marks a TTL check warning.
func (c *Client) WarnTTL(ctx context.Context, checkID, note string) error {
	return c.UpdateTTL(ctx, checkID, StatusWarning, note)
}

// FailTTL marks a TTL check critical.
func (c *Client) FailTTL(ctx context.Context, checkID, note string) error {
	return c.UpdateTTL(ctx, checkID, StatusCritical, note)
}

// Services returns the agent's services keyed by service ID, optionally
// narrowed by a filter expression such as `ID == "web-1"`.
func (c *Client) Services(ctx context.Context, filter string) (map[string]*AgentService, error) {
	params := url.Values{}
	if filter != "" {
		params.Set("filter", filter)
	}
	services, _, err := get[map[string]*AgentService](ctx, c, "/v1/agent/services", params, nil)
	if services == nil && err == nil {
		services = map[string]*AgentService{}
	}
	return services, err
}

// RegisterService registers a service and its embedded checks.
func (c *Client) RegisterService(ctx context.Context, reg *AgentServiceRegistration, replaceExistingChecks bool) error {
	if reg == nil {
		return fmt.Errorf("consul: nil service registration")
	}
	if err := reg.Validate(); err != nil {
		return err
	}
	path := "/v1/agent/service/register?replace-existing-checks=" + strconv.FormatBool(replaceExistingChecks)
	_, err := c.put(ctx, path, nil, reg, nil, nil)
	return err
}

// DeregisterService removes a service and every check bound to it.
func (c *Client) DeregisterService(ctx context.Context, serviceID string) error {
	_, err := c.put(ctx, "/v1/agent/service/deregister/"+url.PathEscape(serviceID), nil, nil, nil, nil)
	return err
}

// ServiceMaintenanceMode puts one service in or out of maintenance.
func (c *Client) ServiceMaintenanceMode(ctx context.Context, serviceID string, enable bool, reason string) error {
	path := "/v1/agent/service/maintenance/" + url.PathEscape(serviceID)
	_, err := c.put(ctx, path, maintenanceParams(enable, reason), nil, nil, nil)
	return err
}

// maintenanceParams sends the flag as both "enabled" and "enable": agents
// read "enable", older clients and docs use "enabled".
func maintenanceParams(enable bool, reason string) url.Values {
	params := url.Values{}
	flag := strconv.FormatBool(enable)
	params.Set("enabled", flag)
	params.Set("enable", flag)
	if reason != "" {
		params.Set("reason", reason)
	}
	return params
}
