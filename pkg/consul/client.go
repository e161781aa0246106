package consul

import (
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds non-blocking calls, and is added on top of the wait
// budget for blocking ones.
const DefaultTimeout = 10 * time.Second

// RequestObserver is told about every request the Client issues. status is
// 0 when the request failed before a response arrived.
type RequestObserver interface {
	ObserveRequest(method, path string, status int, elapsed time.Duration)
}

// Client talks to one agent. It holds no mutable state after New returns and
// is safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
	observer   RequestObserver
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets the http.Client used for every request. Its Timeout
// should be zero or longer than any blocking query's wait time; per-call
// deadlines are applied through the request context instead.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("consul: nil http client")
		}
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-call deadline used when the caller's context has
// none. Blocking reads get wait + wait/16 on top of it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return errors.New("consul: timeout must be positive")
		}
		c.timeout = d
		return nil
	}
}

// WithLogger sets the logger. Requests are logged at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithObserver attaches a RequestObserver, typically a metrics recorder.
func WithObserver(o RequestObserver) Option {
	return func(c *Client) error {
		c.observer = o
		return nil
	}
}

// New creates a Client for cfg. A nil cfg means DefaultConfig(). The Config
// is copied, so later changes to *cfg do not affect the Client.
//
//	c, err := consul.New(consul.NewConfigFromEnv(),
//	    consul.WithLogger(logger),
//	    consul.WithTimeout(5*time.Second),
//	)
func New(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Client{
		config:     *cfg,
		httpClient: newHTTPClient(),
		timeout:    DefaultTimeout,
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(cfg *Config, opts ...Option) *Client {
	c, err := New(cfg, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Config returns a copy of the connection identity.
func (c *Client) Config() Config {
	return c.config
}

// Agent returns the agent operations of c.
func (c *Client) Agent() Agent {
	return c
}

// newHTTPClient returns a pooled client without a global timeout; blocking
// queries can legitimately outlive any fixed client timeout.
func newHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
