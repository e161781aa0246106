package consul

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordedRequest struct {
	method string
	path   string
	query  url.Values
	header http.Header
}

// stubAgent answers every request with handler and records what it saw.
func stubAgent(t *testing.T, handler http.HandlerFunc) (*Client, *[]recordedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.Query(),
			header: r.Header.Clone(),
		})
		mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := New(&Config{Address: srv.URL, Token: "secret"})
	require.NoError(t, err)
	return c, &seen
}

func TestGet_notFoundIsEmptySuccess(t *testing.T) {
	t.Run("with index header", func(t *testing.T) {
		c, _ := stubAgent(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Consul-Index", "42")
			w.WriteHeader(http.StatusNotFound)
		})

		items, meta, err := getList[string](context.Background(), c, "/v1/kv/missing", nil, nil)
		require.NoError(t, err)
		assert.NotNil(t, items)
		assert.Empty(t, items)
		require.NotNil(t, meta)
		assert.True(t, meta.HasIndex)
		assert.EqualValues(t, 42, meta.LastIndex)
	})

	t.Run("without index header", func(t *testing.T) {
		c, _ := stubAgent(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		value, meta, err := get[map[string]string](context.Background(), c, "/v1/agent/checks", nil, nil)
		require.NoError(t, err)
		assert.Nil(t, value)
		require.NotNil(t, meta)
		assert.False(t, meta.HasIndex)
		assert.Zero(t, meta.LastIndex)
	})
}

func TestWrite_notFoundIsServerError(t *testing.T) {
	c, _ := stubAgent(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unknown check ID", http.StatusNotFound)
	})

	_, err := c.put(context.Background(), "/v1/agent/check/deregister/nope", nil, nil, nil, nil)
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Equal(t, "Unknown check ID", se.Body)
	assert.True(t, IsNotFound(err))
}

func TestGet_serverError(t *testing.T) {
	c, _ := stubAgent(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rpc error: No cluster leader", http.StatusInternalServerError)
	})

	_, _, err := get[[]string](context.Background(), c, "/v1/catalog/datacenters", nil, nil)
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	assert.Contains(t, se.Body, "No cluster leader")
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
	assert.False(t, IsNotFound(err))
}

func TestGet_malformedIndex(t *testing.T) {
	c, _ := stubAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Consul-Index", "not-a-number")
		w.Write([]byte(`[]`)) //nolint:errcheck
	})

	_, _, err := getList[string](context.Background(), c, "/v1/catalog/datacenters", nil, nil)
	var ipe *IndexParseError
	require.ErrorAs(t, err, &ipe)
	assert.Equal(t, "not-a-number", ipe.Value)
}

func TestGet_decodeError(t *testing.T) {
	c, _ := stubAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"not":"a list"}`)) //nolint:errcheck
	})

	_, _, err := getList[string](context.Background(), c, "/v1/catalog/datacenters", nil, nil)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "/v1/catalog/datacenters", de.Path)
}

func TestGet_queryMetaHeaders(t *testing.T) {
	c, _ := stubAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Consul-Index", "7")
		w.Header().Set("X-Consul-KnownLeader", "true")
		w.Header().Set("X-Consul-LastContact", "15")
		w.Write([]byte(`["dc1"]`)) //nolint:errcheck
	})

	dcs, meta, err := getList[string](context.Background(), c, "/v1/catalog/datacenters", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"dc1"}, dcs)
	assert.EqualValues(t, 7, meta.LastIndex)
	assert.True(t, meta.KnownLeader)
	assert.Equal(t, 15*time.Millisecond, meta.LastContact)
}

func TestQueryParameters(t *testing.T) {
	c, seen := stubAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Consul-Index", "11")
		w.Write([]byte(`[]`)) //nolint:errcheck
	})
	c.config.Datacenter = "dc-default"

	_, _, err := getList[string](context.Background(), c, "/v1/health/service/web", nil, &QueryOptions{
		Datacenter:        "dc-override",
		WaitIndex:         10,
		WaitTime:          2 * time.Second,
		Filter:            `ID == "web-1"`,
		AllowStale:        true,
		RequireConsistent: true,
		Near:              "_agent",
	})
	require.NoError(t, err)

	_, _, err = getList[string](context.Background(), c, "/v1/health/service/web", nil, nil)
	require.NoError(t, err)

	require.Len(t, *seen, 2)
	first := (*seen)[0]
	assert.Equal(t, http.MethodGet, first.method)
	assert.Equal(t, "dc-override", first.query.Get("dc"))
	assert.Equal(t, "10", first.query.Get("index"))
	assert.Equal(t, "2s", first.query.Get("wait"))
	assert.Equal(t, `ID == "web-1"`, first.query.Get("filter"))
	assert.True(t, first.query.Has("stale"))
	assert.True(t, first.query.Has("consistent"))
	assert.Equal(t, "_agent", first.query.Get("near"))
	assert.Equal(t, "secret", first.header.Get("X-Consul-Token"))

	second := (*seen)[1]
	assert.Equal(t, "dc-default", second.query.Get("dc"))
	assert.False(t, second.query.Has("index"))
	assert.False(t, second.query.Has("wait"))
}

func TestQueryParameters_configWaitTime(t *testing.T) {
	c, seen := stubAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`)) //nolint:errcheck
	})
	c.config.WaitTime = 30 * time.Second

	_, _, err := getList[string](context.Background(), c, "/v1/catalog/nodes", nil, &QueryOptions{WaitIndex: 3})
	require.NoError(t, err)
	assert.Equal(t, "30s", (*seen)[0].query.Get("wait"))
}

func TestWrite_bodyAndDatacenter(t *testing.T) {
	var (
		gotType string
		gotBody []byte
	)
	c, seen := stubAgent(t, func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		gotBody = buf[:n]
		w.Write([]byte(`true`)) //nolint:errcheck
	})

	var ok bool
	meta, err := c.put(context.Background(), "/v1/kv/a", nil, []byte("raw"), &ok, &WriteOptions{Datacenter: "dc2"})
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.True(t, ok)
	assert.Equal(t, "application/octet-stream", gotType)
	assert.Equal(t, "raw", string(gotBody))
	assert.Equal(t, "dc2", (*seen)[0].query.Get("dc"))
	assert.Equal(t, http.MethodPut, (*seen)[0].method)

	_, err = c.del(context.Background(), "/v1/kv/a", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, (*seen)[1].method)
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, err := New(&Config{Address: addr})
	require.NoError(t, err)

	_, _, err = get[map[string]any](context.Background(), c, "/v1/agent/self", url.Values{"x": {"y"}}, nil)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.MethodGet, te.Method)
	assert.NotContains(t, te.URL, "?")
}

func TestTransportError_contextCanceled(t *testing.T) {
	c, _ := stubAgent(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := get[map[string]any](ctx, c, "/v1/agent/self", nil, nil)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name    string
		address string
		path    string
		params  url.Values
		want    string
		wantErr bool
	}{
		{name: "plain", address: "http://127.0.0.1:8500", path: "/v1/agent/checks", want: "http://127.0.0.1:8500/v1/agent/checks"},
		{name: "base path", address: "https://proxy.internal/consul/", path: "/v1/agent/checks", want: "https://proxy.internal/consul/v1/agent/checks"},
		{name: "path query merged", address: "http://a:8500", path: "/v1/agent/service/register?replace-existing-checks=true", params: url.Values{"dc": {"dc1"}}, want: "http://a:8500/v1/agent/service/register?dc=dc1&replace-existing-checks=true"},
		{name: "escaped segment", address: "http://a:8500", path: "/v1/agent/check/pass/" + url.PathEscape("web/ttl"), want: "http://a:8500/v1/agent/check/pass/web%2Fttl"},
		{name: "bad scheme", address: "ftp://a:8500", path: "/v1/agent/checks", wantErr: true},
		{name: "no host", address: "http://", path: "/v1/agent/checks", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := MustNew(&Config{Address: tt.address})
			got, err := c.buildURL(tt.path, tt.params)
			if tt.wantErr {
				var bad *BadURLError
				require.ErrorAs(t, err, &bad)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatWait(t *testing.T) {
	assert.Equal(t, "10s", formatWait(10*time.Second))
	assert.Equal(t, "300s", formatWait(5*time.Minute))
	assert.Equal(t, "1500ms", formatWait(1500*time.Millisecond))
	assert.Equal(t, "200ms", formatWait(200*time.Millisecond))
	assert.Equal(t, "1ms", formatWait(500*time.Microsecond))
	assert.Equal(t, "3ms", formatWait(2*time.Millisecond+time.Nanosecond))
}

func TestQueryParameters_subMillisecondWait(t *testing.T) {
	c, seen := stubAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Consul-Index", "3")
		w.Write([]byte(`[]`)) //nolint:errcheck
	})

	params := url.Values{}
	wait := c.applyQueryOptions(params, &QueryOptions{WaitIndex: 2, WaitTime: 500 * time.Microsecond})
	assert.Equal(t, time.Millisecond, wait)
	assert.Equal(t, "1ms", params.Get("wait"))

	_, _, err := getList[string](context.Background(), c, "/v1/catalog/nodes", nil, &QueryOptions{WaitIndex: 2, WaitTime: time.Nanosecond})
	require.NoError(t, err)
	require.Len(t, *seen, 1)
	assert.Equal(t, "1ms", (*seen)[0].query.Get("wait"))
}

func TestWithDeadline(t *testing.T) {
	c := MustNew(nil, WithTimeout(2*time.Second))

	t.Run("blocking read outlives the wait", func(t *testing.T) {
		wait := 16 * time.Second
		ctx, cancel := c.withDeadline(context.Background(), wait)
		defer cancel()
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		remaining := time.Until(deadline)
		assert.Greater(t, remaining, wait+wait/16)
		assert.LessOrEqual(t, remaining, wait+wait/16+2*time.Second)
	})

	t.Run("caller deadline wins", func(t *testing.T) {
		parent, cancelParent := context.WithTimeout(context.Background(), time.Minute)
		defer cancelParent()
		want, _ := parent.Deadline()
		ctx, cancel := c.withDeadline(parent, time.Hour)
		defer cancel()
		got, ok := ctx.Deadline()
		require.True(t, ok)
		assert.Equal(t, want, got)
	})
}

type countingObserver struct {
	mu    sync.Mutex
	calls []int
}

func (o *countingObserver) ObserveRequest(_, _ string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, status)
}

func TestObserver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	obs := &countingObserver{}
	c, err := New(&Config{Address: srv.URL}, WithObserver(obs))
	require.NoError(t, err)

	require.NoError(t, c.Reload(context.Background()))
	assert.Equal(t, []int{http.StatusNoContent}, obs.calls)
}

func TestRequestLog(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("X-Consul-Index", "42")
			w.Write([]byte(`[]`)) //nolint:errcheck
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(&Config{Address: srv.URL}, WithLogger(zap.New(core)))
	require.NoError(t, err)

	_, _, err = c.Catalog().Nodes(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, c.Reload(context.Background()))

	entries := logs.FilterMessage("consul request").All()
	require.Len(t, entries, 2)
	read := entries[0].ContextMap()
	assert.Equal(t, "GET", read["method"])
	assert.Equal(t, "/v1/catalog/nodes", read["path"])
	assert.Equal(t, "42", read["index"])
	assert.NotContains(t, entries[1].ContextMap(), "index")
}

func TestNew_options(t *testing.T) {
	_, err := New(nil, WithTimeout(0))
	require.Error(t, err)

	_, err = New(nil, WithHTTPClient(nil))
	require.Error(t, err)

	c, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultAddress, c.Config().Address)

	cfg := &Config{Address: "http://a:1"}
	c = MustNew(cfg)
	cfg.Address = "http://b:2"
	assert.Equal(t, "http://a:1", c.Config().Address)
}
