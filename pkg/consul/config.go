package consul

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddress is the agent address used when none is configured.
	DefaultAddress = "http://127.0.0.1:8500"

	// DefaultPort is the agent's default HTTP port.
	DefaultPort = 8500

	// HTTPAddrEnvName names the environment variable holding the agent address.
	HTTPAddrEnvName = "CONSUL_HTTP_ADDR"

	// HTTPTokenEnvName names the environment variable holding the ACL token.
	HTTPTokenEnvName = "CONSUL_HTTP_TOKEN"

	// HTTPSSLEnvName names the environment variable that switches a
	// scheme-less CONSUL_HTTP_ADDR to https.
	HTTPSSLEnvName = "CONSUL_HTTP_SSL"
)

// Config is the connection identity shared by every call a Client makes.
// It is copied into the Client at construction and never mutated afterwards,
// so one Config may back any number of concurrent calls.
type Config struct {
	// Address is the agent's base URL, e.g. "http://127.0.0.1:8500".
	Address string

	// Datacenter is the default datacenter. A per-call QueryOptions or
	// WriteOptions datacenter overrides it.
	Datacenter string

	// Token is the ACL token sent as X-Consul-Token on every request.
	Token string

	// WaitTime is the default long-poll budget for blocking reads that set a
	// WaitIndex but no WaitTime.
	WaitTime time.Duration
}

// DefaultConfig returns a Config pointing at the local agent.
func DefaultConfig() *Config {
	return &Config{Address: DefaultAddress}
}

// NewConfigFromEnv returns a Config built from CONSUL_HTTP_ADDR,
// CONSUL_HTTP_TOKEN and CONSUL_HTTP_SSL. It is the only function in the
// package that reads the process environment.
func NewConfigFromEnv() *Config {
	cfg := DefaultConfig()

	ssl := false
	if v := os.Getenv(HTTPSSLEnvName); v != "" {
		ssl, _ = strconv.ParseBool(v)
	}
	if addr := os.Getenv(HTTPAddrEnvName); addr != "" {
		cfg.Address = normalizeAddress(addr, ssl)
	}
	cfg.Token = os.Getenv(HTTPTokenEnvName)
	return cfg
}

// NewConfigFromHost returns a Config for host:port. A zero port means
// DefaultPort.
func NewConfigFromHost(host string, port uint16, token string) *Config {
	if port == 0 {
		port = DefaultPort
	}
	return &Config{
		Address: normalizeAddress(fmt.Sprintf("%s:%d", host, port), false),
		Token:   token,
	}
}

// NewConfigFromAddr returns a Config for a full address such as
// "https://consul.internal:8501" or "10.0.0.5:8500".
func NewConfigFromAddr(addr, token string) *Config {
	return &Config{
		Address: normalizeAddress(addr, false),
		Token:   token,
	}
}

// normalizeAddress prefixes a scheme when addr has none.
func normalizeAddress(addr string, ssl bool) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if ssl {
		return "https://" + strings.TrimRight(addr, "/")
	}
	return "http://" + strings.TrimRight(addr, "/")
}
