package consul

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	headerToken       = "X-Consul-Token"
	headerIndex       = "X-Consul-Index"
	headerKnownLeader = "X-Consul-KnownLeader"
	headerLastContact = "X-Consul-LastContact"

	maxResponseBody = 32 << 20
	maxErrorBody    = 1 << 16
)

// response is a fully read HTTP response.
type response struct {
	status  int
	header  http.Header
	body    []byte
	elapsed time.Duration
}

// get performs a read. A 404 yields the zero T and a QueryMeta built from
// whatever index header came back.
func get[T any](ctx context.Context, c *Client, path string, params url.Values, q *QueryOptions) (T, *QueryMeta, error) {
	var out T
	resp, meta, err := c.query(ctx, path, params, q)
	if err != nil {
		return out, nil, err
	}
	if resp.status == http.StatusNotFound {
		return out, meta, nil
	}
	if err := decodeBody(path, resp.body, &out); err != nil {
		return out, nil, err
	}
	return out, meta, nil
}

// getList is get for collection endpoints. A 404 yields an empty, non-nil
// slice.
func getList[T any](ctx context.Context, c *Client, path string, params url.Values, q *QueryOptions) ([]T, *QueryMeta, error) {
	resp, meta, err := c.query(ctx, path, params, q)
	if err != nil {
		return nil, nil, err
	}
	out := []T{}
	if resp.status == http.StatusNotFound {
		return out, meta, nil
	}
	if err := decodeBody(path, resp.body, &out); err != nil {
		return nil, nil, err
	}
	if out == nil {
		out = []T{}
	}
	return out, meta, nil
}

// query issues a GET with the read-side parameters merged in and returns
// the raw response plus its meta. Only 2xx and 404 get past it.
func (c *Client) query(ctx context.Context, path string, params url.Values, q *QueryOptions) (*response, *QueryMeta, error) {
	if params == nil {
		params = url.Values{}
	}
	wait := c.applyQueryOptions(params, q)

	resp, err := c.send(ctx, http.MethodGet, path, params, nil, "", wait)
	if err != nil {
		return nil, nil, err
	}
	if !isSuccess(resp.status) && resp.status != http.StatusNotFound {
		return nil, nil, serverError(resp)
	}
	meta, err := parseQueryMeta(resp)
	if err != nil {
		return nil, nil, err
	}
	return resp, meta, nil
}

// put performs a PUT. body may be nil, a []byte sent as-is, or any value
// sent as JSON. When out is non-nil and the response has a body, it is
// decoded into out.
func (c *Client) put(ctx context.Context, path string, params url.Values, body, out any, w *WriteOptions) (*WriteMeta, error) {
	return c.write(ctx, http.MethodPut, path, params, body, out, w)
}

// del performs a DELETE with no body.
func (c *Client) del(ctx context.Context, path string, params url.Values, out any, w *WriteOptions) (*WriteMeta, error) {
	return c.write(ctx, http.MethodDelete, path, params, nil, out, w)
}

func (c *Client) write(ctx context.Context, method, path string, params url.Values, body, out any, w *WriteOptions) (*WriteMeta, error) {
	if params == nil {
		params = url.Values{}
	}
	c.applyWriteOptions(params, w)

	var (
		reader      io.Reader
		contentType string
	)
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
		contentType = "application/octet-stream"
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("consul: encode request body for %s: %w", path, err)
		}
		reader = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	resp, err := c.send(ctx, method, path, params, reader, contentType, 0)
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp.status) {
		return nil, serverError(resp)
	}
	if out != nil && len(bytes.TrimSpace(resp.body)) > 0 {
		if err := decodeBody(path, resp.body, out); err != nil {
			return nil, err
		}
	}
	return &WriteMeta{RequestTime: resp.elapsed}, nil
}

// applyQueryOptions merges dc and the blocking-query parameters into params
// and returns the wait budget the request must outlive.
func (c *Client) applyQueryOptions(params url.Values, q *QueryOptions) time.Duration {
	dc := c.config.Datacenter
	if q != nil && q.Datacenter != "" {
		dc = q.Datacenter
	}
	if dc != "" {
		params.Set("dc", dc)
	}
	if q == nil {
		return 0
	}

	if q.WaitIndex > 0 {
		params.Set("index", strconv.FormatUint(q.WaitIndex, 10))
	}
	wait := q.WaitTime
	if wait == 0 && q.WaitIndex > 0 {
		wait = c.config.WaitTime
	}
	if wait > 0 {
		// The agent reads a zero wait as its own default, so a positive
		// budget never goes out below one millisecond.
		wait = (wait + time.Millisecond - 1).Truncate(time.Millisecond)
		params.Set("wait", formatWait(wait))
	}
	if q.Filter != "" {
		params.Set("filter", q.Filter)
	}
	if q.AllowStale {
		params.Set("stale", "")
	}
	if q.RequireConsistent {
		params.Set("consistent", "")
	}
	if q.Near != "" {
		params.Set("near", q.Near)
	}
	return wait
}

func (c *Client) applyWriteOptions(params url.Values, w *WriteOptions) {
	dc := c.config.Datacenter
	if w != nil && w.Datacenter != "" {
		dc = w.Datacenter
	}
	if dc != "" {
		params.Set("dc", dc)
	}
}

// send builds the URL, attaches the token, issues the request under a
// deadline long enough for wait, and reads the body.
func (c *Client) send(ctx context.Context, method, path string, params url.Values, body io.Reader, contentType string, wait time.Duration) (*response, error) {
	target, err := c.buildURL(path, params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withDeadline(ctx, wait)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &BadURLError{Address: target, Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set(headerToken, c.config.Token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(method, path, 0, "", time.Since(start), err)
		return nil, &TransportError{Method: method, URL: redact(target), Err: unwrapURLError(err)}
	}
	defer resp.Body.Close() //nolint:errcheck

	limit := int64(maxResponseBody)
	if !isSuccess(resp.StatusCode) {
		limit = maxErrorBody
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	elapsed := time.Since(start)
	c.observe(method, path, resp.StatusCode, resp.Header.Get(headerIndex), elapsed, err)
	if err != nil {
		return nil, &TransportError{Method: method, URL: redact(target), Err: err}
	}

	return &response{
		status:  resp.StatusCode,
		header:  resp.Header,
		body:    data,
		elapsed: elapsed,
	}, nil
}

// buildURL joins path (which may carry its own query string) onto the
// configured address and merges params.
func (c *Client) buildURL(path string, params url.Values) (string, error) {
	base, err := url.Parse(c.config.Address)
	if err != nil {
		return "", &BadURLError{Address: c.config.Address, Err: err}
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return "", &BadURLError{Address: c.config.Address, Err: fmt.Errorf("unsupported scheme %q", base.Scheme)}
	}
	if base.Host == "" {
		return "", &BadURLError{Address: c.config.Address, Err: errors.New("missing host")}
	}

	ref, err := url.Parse(path)
	if err != nil {
		return "", &BadURLError{Address: c.config.Address + path, Err: err}
	}

	u := *base
	u.Path = strings.TrimRight(base.Path, "/") + ref.Path
	u.RawPath = strings.TrimRight(base.EscapedPath(), "/") + ref.EscapedPath()
	query := ref.Query()
	for k, vs := range params {
		query[k] = vs
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// withDeadline applies the client timeout when ctx has no deadline. For a
// blocking read the deadline is wait + wait/16 + timeout: the server may add
// up to wait/16 of jitter, and the deadline must stay strictly above wait.
func (c *Client) withDeadline(ctx context.Context, wait time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	timeout := c.timeout
	if wait > 0 {
		timeout += wait + wait/16
	}
	return context.WithTimeout(ctx, timeout)
}

// observe reports a finished request. index is the raw X-Consul-Index
// header, empty for writes and failed requests.
func (c *Client) observe(method, path string, status int, index string, elapsed time.Duration, err error) {
	if c.observer != nil {
		c.observer.ObserveRequest(method, path, status, elapsed)
	}
	if ce := c.logger.Check(zap.DebugLevel, "consul request"); ce != nil {
		fields := []zap.Field{
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", elapsed),
		}
		if index != "" {
			fields = append(fields, zap.String("index", index))
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		ce.Write(fields...)
	}
}

func parseQueryMeta(resp *response) (*QueryMeta, error) {
	meta := &QueryMeta{RequestTime: resp.elapsed}
	if v := resp.header.Get(headerIndex); v != "" {
		idx, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, &IndexParseError{Value: v, Err: err}
		}
		meta.LastIndex = idx
		meta.HasIndex = true
	}
	if v := resp.header.Get(headerKnownLeader); v != "" {
		meta.KnownLeader = v == "true"
	}
	if v := resp.header.Get(headerLastContact); v != "" {
		if ms, err := strconv.ParseUint(v, 10, 64); err == nil {
			meta.LastContact = time.Duration(ms) * time.Millisecond
		}
	}
	return meta, nil
}

func decodeBody(path string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &DecodeError{Path: path, Err: err}
	}
	return nil
}

func serverError(resp *response) error {
	return &ServerError{
		StatusCode: resp.status,
		Body:       strings.TrimSpace(string(resp.body)),
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// formatWait renders a wait budget. Whole seconds are sent as "<n>s",
// anything else as milliseconds rounded up.
func formatWait(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	return fmt.Sprintf("%dms", (d+time.Millisecond-1)/time.Millisecond)
}

// unwrapURLError strips the *url.Error wrapper; TransportError already
// records the method and URL.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

// redact drops the query string, which may carry KV values or filters.
func redact(target string) string {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i]
	}
	return target
}

// escapePath escapes each segment of a slash-separated key.
func escapePath(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
