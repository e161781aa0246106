package consul

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// Session behaviors applied when a session is invalidated.
const (
	SessionBehaviorRelease = "release"
	SessionBehaviorDelete  = "delete"
)

// SessionEntry describes a session. TTL is the agent's duration string,
// for example "15s"; LockDelay travels as nanoseconds.
type SessionEntry struct {
	ID            string            `json:"ID,omitempty"`
	Name          string            `json:"Name,omitempty"`
	Node          string            `json:"Node,omitempty"`
	LockDelay     time.Duration     `json:"LockDelay,omitempty"`
	Behavior      string            `json:"Behavior,omitempty"`
	TTL           string            `json:"TTL,omitempty"`
	NodeChecks    []string          `json:"NodeChecks,omitempty"`
	ServiceChecks []ServiceCheckRef `json:"ServiceChecks,omitempty"`
	CreateIndex   uint64            `json:"CreateIndex,omitempty"`
	ModifyIndex   uint64            `json:"ModifyIndex,omitempty"`
}

// ServiceCheckRef names a service check a session is bound to.
type ServiceCheckRef struct {
	ID string `json:"ID"`
}

// Session manages sessions.
type Session struct {
	c *Client
}

// Session returns the session endpoints of c.
func (c *Client) Session() *Session {
	return &Session{c: c}
}

// Create creates a session and returns its ID.
func (s *Session) Create(ctx context.Context, entry *SessionEntry, w *WriteOptions) (string, *WriteMeta, error) {
	if entry == nil {
		entry = &SessionEntry{}
	}
	var out struct {
		ID string `json:"ID"`
	}
	meta, err := s.c.put(ctx, "/v1/session/create", nil, entry, &out, w)
	if err != nil {
		return "", nil, err
	}
	if out.ID == "" {
		return "", nil, fmt.Errorf("consul: session create returned no id")
	}
	return out.ID, meta, nil
}

// Destroy invalidates session id.
func (s *Session) Destroy(ctx context.Context, id string, w *WriteOptions) (*WriteMeta, error) {
	return s.c.put(ctx, "/v1/session/destroy/"+url.PathEscape(id), nil, nil, nil, w)
}

// Renew resets the TTL of session id. A nil entry means the session no
// longer exists.
func (s *Session) Renew(ctx context.Context, id string, w *WriteOptions) (*SessionEntry, *WriteMeta, error) {
	var entries []*SessionEntry
	meta, err := s.c.put(ctx, "/v1/session/renew/"+url.PathEscape(id), nil, nil, &entries, w)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if len(entries) == 0 {
		return nil, meta, nil
	}
	return entries[0], meta, nil
}

// Info reads one session; nil when it does not exist.
func (s *Session) Info(ctx context.Context, id string, q *QueryOptions) (*SessionEntry, *QueryMeta, error) {
	entries, meta, err := getList[*SessionEntry](ctx, s.c, "/v1/session/info/"+url.PathEscape(id), nil, q)
	if err != nil {
		return nil, nil, err
	}
	if len(entries) == 0 {
		return nil, meta, nil
	}
	return entries[0], meta, nil
}

// List lists every session.
func (s *Session) List(ctx context.Context, q *QueryOptions) ([]*SessionEntry, *QueryMeta, error) {
	return getList[*SessionEntry](ctx, s.c, "/v1/session/list", nil, q)
}
