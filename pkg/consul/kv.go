package consul

import (
	"context"
	"net/url"
	"strconv"
	"strings"
)

// KVPair is one key. Value is the raw stored bytes; the agent sends it
// base64 encoded, which encoding/json undoes for []byte.
type KVPair struct {
	Key         string `json:"Key"`
	CreateIndex uint64 `json:"CreateIndex"`
	ModifyIndex uint64 `json:"ModifyIndex"`
	LockIndex   uint64 `json:"LockIndex"`
	Flags       uint64 `json:"Flags"`
	Value       []byte `json:"Value"`
	Session     string `json:"Session,omitempty"`
}

// KV is the key/value store.
type KV struct {
	c *Client
}

// KV returns the key/value endpoints of c.
func (c *Client) KV() *KV {
	return &KV{c: c}
}

func kvPath(key string) string {
	return "/v1/kv/" + escapePath(strings.TrimPrefix(key, "/"))
}

// Get reads one key. A missing key returns a nil pair and no error.
func (kv *KV) Get(ctx context.Context, key string, q *QueryOptions) (*KVPair, *QueryMeta, error) {
	pairs, meta, err := getList[KVPair](ctx, kv.c, kvPath(key), nil, q)
	if err != nil {
		return nil, nil, err
	}
	if len(pairs) == 0 {
		return nil, meta, nil
	}
	return &pairs[0], meta, nil
}

// List reads every key under prefix.
func (kv *KV) List(ctx context.Context, prefix string, q *QueryOptions) ([]KVPair, *QueryMeta, error) {
	params := url.Values{}
	params.Set("recurse", "")
	return getList[KVPair](ctx, kv.c, kvPath(prefix), params, q)
}

// Keys lists key names under prefix, rolled up at separator when it is
// non-empty.
func (kv *KV) Keys(ctx context.Context, prefix, separator string, q *QueryOptions) ([]string, *QueryMeta, error) {
	params := url.Values{}
	params.Set("keys", "")
	if separator != "" {
		params.Set("separator", separator)
	}
	return getList[string](ctx, kv.c, kvPath(prefix), params, q)
}

// Put writes p.Value to p.Key.
func (kv *KV) Put(ctx context.Context, p *KVPair, w *WriteOptions) (*WriteMeta, error) {
	_, meta, err := kv.write(ctx, p, nil, w)
	return meta, err
}

// CAS writes p only if the key's ModifyIndex still equals p.ModifyIndex. A
// ModifyIndex of 0 means "only if absent". The bool reports whether the
// write happened.
func (kv *KV) CAS(ctx context.Context, p *KVPair, w *WriteOptions) (bool, *WriteMeta, error) {
	params := url.Values{}
	params.Set("cas", strconv.FormatUint(p.ModifyIndex, 10))
	return kv.write(ctx, p, params, w)
}

// Acquire writes p while taking the lock held by p.Session.
func (kv *KV) Acquire(ctx context.Context, p *KVPair, w *WriteOptions) (bool, *WriteMeta, error) {
	if p.Session == "" {
		return false, nil, ErrSessionRequired
	}
	params := url.Values{}
	params.Set("acquire", p.Session)
	return kv.write(ctx, p, params, w)
}

// Release writes p while releasing the lock held by p.Session.
func (kv *KV) Release(ctx context.Context, p *KVPair, w *WriteOptions) (bool, *WriteMeta, error) {
	if p.Session == "" {
		return false, nil, ErrSessionRequired
	}
	params := url.Values{}
	params.Set("release", p.Session)
	return kv.write(ctx, p, params, w)
}

func (kv *KV) write(ctx context.Context, p *KVPair, params url.Values, w *WriteOptions) (bool, *WriteMeta, error) {
	if params == nil {
		params = url.Values{}
	}
	if p.Flags != 0 {
		params.Set("flags", strconv.FormatUint(p.Flags, 10))
	}
	value := p.Value
	if value == nil {
		value = []byte{}
	}
	var ok bool
	meta, err := kv.c.put(ctx, kvPath(p.Key), params, value, &ok, w)
	if err != nil {
		return false, nil, err
	}
	return ok, meta, nil
}

// Delete removes key.
func (kv *KV) Delete(ctx context.Context, key string, w *WriteOptions) (*WriteMeta, error) {
	return kv.c.del(ctx, kvPath(key), nil, nil, w)
}

// DeleteTree removes every key under prefix.
func (kv *KV) DeleteTree(ctx context.Context, prefix string, w *WriteOptions) (*WriteMeta, error) {
	params := url.Values{}
	params.Set("recurse", "")
	return kv.c.del(ctx, kvPath(prefix), params, nil, w)
}
