// Package consul is a Go client for a Consul-compatible agent HTTP API.
//
// It covers agent self-registration, the health-check lifecycle (TTL checks,
// externally probed checks, maintenance mode) and consistency-aware reads
// that can long-poll for changes using the X-Consul-Index header.
//
// # Connecting
//
// Build a Config once and share it. NewConfigFromEnv is the only place the
// package reads CONSUL_HTTP_ADDR and CONSUL_HTTP_TOKEN:
//
//	c, err := consul.New(consul.NewConfigFromEnv(),
//	    consul.WithLogger(logger),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # TTL checks
//
// A process that reports its own liveness registers a TTL check and pushes
// status before the TTL runs out:
//
//	check, err := consul.NewCheck(consul.CheckDefinition{
//	    ID:   "web-ttl",
//	    Name: "web liveness",
//	    Kind: consul.TTLCheck{TTL: 30 * time.Second},
//	})
//	err = c.RegisterCheck(ctx, check)
//	err = c.UpdateTTL(ctx, "web-ttl", consul.StatusPassing, "all good")
//
// # Blocking queries
//
// Reads return a QueryMeta carrying the server's consistency index. Passing
// it back as QueryOptions.WaitIndex makes the next read wait until the state
// changes or WaitTime elapses. Watch runs that loop for you:
//
//	err := consul.Watch(ctx,
//	    func(ctx context.Context, q *consul.QueryOptions) ([]consul.ServiceEntry, *consul.QueryMeta, error) {
//	        return c.Health().Service(ctx, "web", "", true, q)
//	    },
//	    func(index uint64, entries []consul.ServiceEntry) error {
//	        fmt.Println(index, len(entries))
//	        return nil
//	    },
//	    consul.WithWaitTime(30*time.Second),
//	)
//
// A read that gets HTTP 404 is not an error: it returns an empty payload
// together with whatever index the server sent, so a watch on a missing key
// keeps polling instead of failing.
//
// # Errors
//
// Every failure is a distinct type: *BadURLError, *TransportError,
// *ServerError, *IndexParseError, *DecodeError, *CheckValidationError, or
// ErrSessionRequired. Nothing is retried inside the package.
package consul
