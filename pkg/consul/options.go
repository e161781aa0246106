package consul

import "time"

// QueryOptions are the per-call parameters of a read.
type QueryOptions struct {
	// Datacenter overrides Config.Datacenter for this call.
	Datacenter string

	// WaitIndex turns the read into a blocking query: the server holds the
	// response until its index moves past WaitIndex or WaitTime elapses.
	// Zero means no baseline; the current state is returned immediately.
	WaitIndex uint64

	// WaitTime bounds how long the server may hold a blocking query.
	WaitTime time.Duration

	// Filter is a server-side filter expression, e.g. `ID == "web-1"`.
	Filter string

	// AllowStale lets any server answer, not just the leader.
	AllowStale bool

	// RequireConsistent forces a leader round-trip before answering.
	RequireConsistent bool

	// Near sorts results by round-trip time from the named node.
	Near string
}

// QueryMeta describes how a read was served.
type QueryMeta struct {
	// LastIndex echoes the X-Consul-Index header. Feed it back as
	// QueryOptions.WaitIndex to wait for the next change.
	LastIndex uint64

	// HasIndex reports whether the server sent an index header at all.
	HasIndex bool

	// KnownLeader reports whether the answering server knew of a leader.
	KnownLeader bool

	// LastContact is how long ago the answering server heard from the leader.
	LastContact time.Duration

	// RequestTime is the wall time the call took.
	RequestTime time.Duration
}

// WriteOptions are the per-call parameters of a write.
type WriteOptions struct {
	// Datacenter overrides Config.Datacenter for this call.
	Datacenter string
}

// WriteMeta describes how a write was served. Writes never carry an index.
type WriteMeta struct {
	RequestTime time.Duration
}
