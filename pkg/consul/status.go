package consul

import "fmt"

// CheckStatus is the state of a health check.
type CheckStatus string

const (
	StatusPassing  CheckStatus = "passing"
	StatusWarning  CheckStatus = "warning"
	StatusCritical CheckStatus = "critical"

	// StatusMaintenance is only ever observed: the agent reports it for
	// the synthetic checks behind maintenance mode on some versions.
	StatusMaintenance CheckStatus = "maintenance"
)

// ParseCheckStatus parses the wire form of a status.
func ParseCheckStatus(s string) (CheckStatus, error) {
	switch st := CheckStatus(s); st {
	case StatusPassing, StatusWarning, StatusCritical, StatusMaintenance:
		return st, nil
	default:
		return "", fmt.Errorf("consul: unknown check status %q", s)
	}
}

// IsSettable reports whether s can be pushed through a TTL update or used as
// the initial status of a registration.
func (s CheckStatus) IsSettable() bool {
	return s == StatusPassing || s == StatusWarning || s == StatusCritical
}

// ttlVerb maps a status onto the TTL endpoint segment.
func (s CheckStatus) ttlVerb() (string, error) {
	switch s {
	case StatusPassing:
		return "pass", nil
	case StatusWarning:
		return "warn", nil
	case StatusCritical:
		return "fail", nil
	default:
		return "", fmt.Errorf("consul: status %q cannot be set through a TTL update", s)
	}
}
