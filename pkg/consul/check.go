package consul

import (
	"encoding/json"
	"time"
)

// CheckType is the discriminant of a CheckKind.
type CheckType string

const (
	CheckTypeScript    CheckType = "script"
	CheckTypeDocker    CheckType = "docker"
	CheckTypeGRPC      CheckType = "grpc"
	CheckTypeH2Ping    CheckType = "h2ping"
	CheckTypeHTTP      CheckType = "http"
	CheckTypeTCP       CheckType = "tcp"
	CheckTypeUDP       CheckType = "udp"
	CheckTypeOSService CheckType = "os_service"
	CheckTypeTTL       CheckType = "ttl"
	CheckTypeAlias     CheckType = "alias"
)

// CheckKind is the type-specific half of a check definition. The set of
// implementations is closed: ScriptCheck, DockerCheck, GRPCCheck,
// H2PingCheck, HTTPCheck, TCPCheck, UDPCheck, OSServiceCheck, TTLCheck and
// AliasCheck.
type CheckKind interface {
	Type() CheckType
	validate() error
	encode(w *checkWire)
}

// ScriptCheck runs a command on the agent host.
type ScriptCheck struct {
	Args []string
}

// DockerCheck runs a command inside a container.
type DockerCheck struct {
	ContainerID string
	Shell       string
	Args        []string
}

// GRPCCheck probes a gRPC health service. Target is "host:port" or
// "host:port/service".
type GRPCCheck struct {
	Target string
	UseTLS bool
}

// H2PingCheck sends an HTTP/2 PING to Target.
type H2PingCheck struct {
	Target string
	UseTLS bool
}

// HTTPCheck issues an HTTP request; 2xx is passing, 429 warning, anything
// else critical.
type HTTPCheck struct {
	URL              string
	Method           string
	Body             string
	Header           map[string][]string
	DisableRedirects bool
	TLSServerName    string
	TLSSkipVerify    bool
}

// TCPCheck opens a TCP connection to Address.
type TCPCheck struct {
	Address string
}

// UDPCheck sends a datagram to Address.
type UDPCheck struct {
	Address string
}

// OSServiceCheck asks the host's service manager about Service.
type OSServiceCheck struct {
	Service string
}

// TTLCheck is driven by the monitored process itself through UpdateTTL. It
// turns critical when no update arrives within TTL.
type TTLCheck struct {
	TTL time.Duration
}

// AliasCheck mirrors the health of another node or service.
type AliasCheck struct {
	Node    string
	Service string
}

func (ScriptCheck) Type() CheckType    { return CheckTypeScript }
func (DockerCheck) Type() CheckType    { return CheckTypeDocker }
func (GRPCCheck) Type() CheckType      { return CheckTypeGRPC }
func (H2PingCheck) Type() CheckType    { return CheckTypeH2Ping }
func (HTTPCheck) Type() CheckType      { return CheckTypeHTTP }
func (TCPCheck) Type() CheckType       { return CheckTypeTCP }
func (UDPCheck) Type() CheckType       { return CheckTypeUDP }
func (OSServiceCheck) Type() CheckType { return CheckTypeOSService }
func (TTLCheck) Type() CheckType       { return CheckTypeTTL }
func (AliasCheck) Type() CheckType     { return CheckTypeAlias }

func (k ScriptCheck) validate() error {
	if len(k.Args) == 0 {
		return &CheckValidationError{Field: "Args", Reason: "script check needs a command"}
	}
	return nil
}

func (k DockerCheck) validate() error {
	if k.ContainerID == "" {
		return &CheckValidationError{Field: "DockerContainerID", Reason: "required"}
	}
	if len(k.Args) == 0 {
		return &CheckValidationError{Field: "Args", Reason: "docker check needs a command"}
	}
	return nil
}

func (k GRPCCheck) validate() error {
	if k.Target == "" {
		return &CheckValidationError{Field: "GRPC", Reason: "required"}
	}
	return nil
}

func (k H2PingCheck) validate() error {
	if k.Target == "" {
		return &CheckValidationError{Field: "H2PING", Reason: "required"}
	}
	return nil
}

func (k HTTPCheck) validate() error {
	if k.URL == "" {
		return &CheckValidationError{Field: "HTTP", Reason: "required"}
	}
	return nil
}

func (k TCPCheck) validate() error {
	if k.Address == "" {
		return &CheckValidationError{Field: "TCP", Reason: "required"}
	}
	return nil
}

func (k UDPCheck) validate() error {
	if k.Address == "" {
		return &CheckValidationError{Field: "UDP", Reason: "required"}
	}
	return nil
}

func (k OSServiceCheck) validate() error {
	if k.Service == "" {
		return &CheckValidationError{Field: "OSService", Reason: "required"}
	}
	return nil
}

func (k TTLCheck) validate() error {
	if k.TTL <= 0 {
		return &CheckValidationError{Field: "TTL", Reason: "must be positive"}
	}
	return nil
}

func (k AliasCheck) validate() error {
	if k.Node == "" && k.Service == "" {
		return &CheckValidationError{Field: "AliasService", Reason: "alias check needs a node or a service"}
	}
	return nil
}

func (k ScriptCheck) encode(w *checkWire) { w.Args = k.Args }

func (k DockerCheck) encode(w *checkWire) {
	w.DockerContainerID = k.ContainerID
	w.Shell = k.Shell
	w.Args = k.Args
}

func (k GRPCCheck) encode(w *checkWire) {
	w.GRPC = k.Target
	w.GRPCUseTLS = k.UseTLS
}

func (k H2PingCheck) encode(w *checkWire) {
	w.H2PING = k.Target
	w.H2PingUseTLS = k.UseTLS
}

func (k HTTPCheck) encode(w *checkWire) {
	w.HTTP = k.URL
	w.Method = k.Method
	w.Body = k.Body
	w.Header = k.Header
	w.DisableRedirects = k.DisableRedirects
	w.TLSServerName = k.TLSServerName
	w.TLSSkipVerify = k.TLSSkipVerify
}

func (k TCPCheck) encode(w *checkWire)       { w.TCP = k.Address }
func (k UDPCheck) encode(w *checkWire)       { w.UDP = k.Address }
func (k OSServiceCheck) encode(w *checkWire) { w.OSService = k.Service }
func (k TTLCheck) encode(w *checkWire)       { w.TTL = k.TTL.String() }

func (k AliasCheck) encode(w *checkWire) {
	w.AliasNode = k.Node
	w.AliasService = k.Service
}

// probed reports whether the agent runs the check on a schedule.
func probed(t CheckType) bool {
	switch t {
	case CheckTypeTTL, CheckTypeAlias:
		return false
	default:
		return true
	}
}

// CheckDefinition describes a check to register, either on its own through
// RegisterCheck or embedded in a service registration. Exactly one Kind is
// set; NewCheck and Validate enforce it.
type CheckDefinition struct {
	ID        string
	Name      string
	Notes     string
	ServiceID string

	// Status is the initial status. TTL checks start critical when it is
	// empty.
	Status CheckStatus

	Interval                       time.Duration
	Timeout                        time.Duration
	DeregisterCriticalServiceAfter time.Duration

	SuccessBeforePassing   int
	FailuresBeforeWarning  int
	FailuresBeforeCritical int
	OutputMaxSize          int

	Kind CheckKind
}

// NewCheck validates def and returns it.
//
//	check, err := consul.NewCheck(consul.CheckDefinition{
//	    Name:     "api http",
//	    Interval: 10 * time.Second,
//	    Kind:     consul.HTTPCheck{URL: "http://127.0.0.1:8080/healthz"},
//	})
func NewCheck(def CheckDefinition) (*CheckDefinition, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Type returns the discriminant of the definition's kind, or "" when none
// is set.
func (d *CheckDefinition) Type() CheckType {
	if d.Kind == nil {
		return ""
	}
	return d.Kind.Type()
}

// Validate checks the definition without contacting the agent.
func (d *CheckDefinition) Validate() error {
	if d.Kind == nil {
		return &CheckValidationError{Field: "Kind", Reason: "exactly one check type must be set"}
	}
	if err := d.Kind.validate(); err != nil {
		return err
	}
	if probed(d.Kind.Type()) && d.Interval <= 0 {
		return &CheckValidationError{Field: "Interval", Reason: string(d.Kind.Type()) + " check needs a positive interval"}
	}
	if d.Interval < 0 {
		return &CheckValidationError{Field: "Interval", Reason: "must not be negative"}
	}
	if d.Timeout < 0 {
		return &CheckValidationError{Field: "Timeout", Reason: "must not be negative"}
	}
	if d.DeregisterCriticalServiceAfter < 0 {
		return &CheckValidationError{Field: "DeregisterCriticalServiceAfter", Reason: "must not be negative"}
	}
	if d.Status != "" && !d.Status.IsSettable() {
		return &CheckValidationError{Field: "Status", Reason: "must be passing, warning or critical"}
	}
	if d.SuccessBeforePassing < 0 || d.FailuresBeforeWarning < 0 || d.FailuresBeforeCritical < 0 {
		return &CheckValidationError{Field: "FailuresBeforeCritical", Reason: "thresholds must not be negative"}
	}
	if d.OutputMaxSize < 0 {
		return &CheckValidationError{Field: "OutputMaxSize", Reason: "must not be negative"}
	}
	return nil
}

// MarshalJSON renders the flat wire shape of /v1/agent/check/register.
func (d CheckDefinition) MarshalJSON() ([]byte, error) {
	w := d.wire()
	w.ID = d.ID
	return json.Marshal(w)
}

// serviceWire renders the shape embedded in a service registration, where
// the identifier field is CheckID.
func (d *CheckDefinition) serviceWire() *checkWire {
	w := d.wire()
	w.CheckID = d.ID
	return w
}

func (d *CheckDefinition) wire() *checkWire {
	w := &checkWire{
		Name:                   d.Name,
		Notes:                  d.Notes,
		ServiceID:              d.ServiceID,
		Status:                 string(d.Status),
		SuccessBeforePassing:   d.SuccessBeforePassing,
		FailuresBeforeWarning:  d.FailuresBeforeWarning,
		FailuresBeforeCritical: d.FailuresBeforeCritical,
		OutputMaxSize:          d.OutputMaxSize,
	}
	if d.Interval > 0 {
		w.Interval = d.Interval.String()
	}
	if d.Timeout > 0 {
		w.Timeout = d.Timeout.String()
	}
	if d.DeregisterCriticalServiceAfter > 0 {
		w.DeregisterCriticalServiceAfter = d.DeregisterCriticalServiceAfter.String()
	}
	if d.Kind != nil {
		d.Kind.encode(w)
	}
	return w
}

// checkWire is the flat JSON the agent expects: every kind's fields side by
// side, only one group populated.
type checkWire struct {
	ID      string `json:"ID,omitempty"`
	CheckID string `json:"CheckID,omitempty"`
	Name    string `json:"Name,omitempty"`
	Notes   string `json:"Notes,omitempty"`

	ServiceID string `json:"ServiceID,omitempty"`
	Status    string `json:"Status,omitempty"`

	Interval                       string `json:"Interval,omitempty"`
	Timeout                        string `json:"Timeout,omitempty"`
	DeregisterCriticalServiceAfter string `json:"DeregisterCriticalServiceAfter,omitempty"`

	SuccessBeforePassing   int `json:"SuccessBeforePassing,omitempty"`
	FailuresBeforeWarning  int `json:"FailuresBeforeWarning,omitempty"`
	FailuresBeforeCritical int `json:"FailuresBeforeCritical,omitempty"`
	OutputMaxSize          int `json:"OutputMaxSize,omitempty"`

	Args              []string `json:"Args,omitempty"`
	DockerContainerID string   `json:"DockerContainerID,omitempty"`
	Shell             string   `json:"Shell,omitempty"`

	GRPC       string `json:"GRPC,omitempty"`
	GRPCUseTLS bool   `json:"GRPCUseTLS,omitempty"`

	H2PING       string `json:"H2PING,omitempty"`
	H2PingUseTLS bool   `json:"H2PingUseTLS,omitempty"`

	HTTP             string              `json:"HTTP,omitempty"`
	Method           string              `json:"Method,omitempty"`
	Body             string              `json:"Body,omitempty"`
	Header           map[string][]string `json:"Header,omitempty"`
	DisableRedirects bool                `json:"DisableRedirects,omitempty"`
	TLSServerName    string              `json:"TLSServerName,omitempty"`
	TLSSkipVerify    bool                `json:"TLSSkipVerify,omitempty"`

	TCP       string `json:"TCP,omitempty"`
	UDP       string `json:"UDP,omitempty"`
	OSService string `json:"OSService,omitempty"`
	TTL       string `json:"TTL,omitempty"`

	AliasNode    string `json:"AliasNode,omitempty"`
	AliasService string `json:"AliasService,omitempty"`
}
