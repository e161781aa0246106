package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jmerrifield20/consulkit/internal/consultest"
	"github.com/jmerrifield20/consulkit/pkg/consul"
)

func consulctl(t *testing.T, srv *consultest.Server, args ...string) (string, error) {
	t.Helper()
	t.Setenv("CONSUL_HTTP_TOKEN", "")
	var buf bytes.Buffer
	cmd := newRootCmd(&buf)
	cmd.SetArgs(append([]string{"--address", srv.URL()}, args...))
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestMembers(t *testing.T) {
	srv := consultest.New(t, consultest.WithNode("node-a"))

	out, err := consulctl(t, srv, "members")
	require.NoError(t, err)
	assert.Contains(t, out, "node-a")
	assert.Contains(t, out, "alive")

	_, err = consulctl(t, srv, "members", "--wan")
	require.NoError(t, err)
	req, ok := srv.LastRequest("GET", "/v1/agent/members")
	require.True(t, ok)
	assert.Equal(t, "1", req.Query.Get("wan"))
}

func TestServiceAndCheckLifecycle(t *testing.T) {
	srv := consultest.New(t)

	_, err := consulctl(t, srv, "service", "register", "--name", "web", "--id", "web-1", "--port", "8080", "--tag", "v1", "--check-ttl", "1m")
	require.NoError(t, err)

	out, err := consulctl(t, srv, "services")
	require.NoError(t, err)
	assert.Contains(t, out, "web-1")
	assert.Contains(t, out, "8080")

	_, err = consulctl(t, srv, "check", "register", "--id", "job", "--name", "job heartbeat", "--ttl", "30s")
	require.NoError(t, err)
	_, err = consulctl(t, srv, "check", "pass", "job", "--note", "all good")
	require.NoError(t, err)

	out, err = consulctl(t, srv, "checks", "-o", "json")
	require.NoError(t, err)
	var checks map[string]consul.AgentCheck
	require.NoError(t, json.Unmarshal([]byte(out), &checks))
	require.Contains(t, checks, "job")
	assert.Equal(t, consul.StatusPassing, checks["job"].Status)
	assert.Equal(t, "all good", checks["job"].Output)
	assert.Contains(t, checks, "service:web-1")

	_, err = consulctl(t, srv, "check", "deregister", "job")
	require.NoError(t, err)
	_, err = consulctl(t, srv, "check", "fail", "job")
	require.Error(t, err)
	assert.True(t, consul.IsNotFound(err))

	_, err = consulctl(t, srv, "service", "deregister", "web-1")
	require.NoError(t, err)
	_, ok := srv.Service("web-1")
	assert.False(t, ok)
}

func TestCheckRegister_needsKind(t *testing.T) {
	srv := consultest.New(t)
	_, err := consulctl(t, srv, "check", "register", "--name", "nothing")
	require.Error(t, err)
	assert.Empty(t, srv.Requests())
}

func TestMaint(t *testing.T) {
	srv := consultest.New(t)

	_, err := consulctl(t, srv, "maint", "enable", "--reason", "kernel upgrade")
	require.NoError(t, err)
	chk, ok := srv.Check("_node_maintenance")
	require.True(t, ok)
	assert.Equal(t, "kernel upgrade", chk.Notes)

	_, err = consulctl(t, srv, "maint", "disable")
	require.NoError(t, err)
	_, ok = srv.Check("_node_maintenance")
	assert.False(t, ok)

	_, err = consulctl(t, srv, "maint", "sideways")
	assert.Error(t, err)
}

func TestKV(t *testing.T) {
	srv := consultest.New(t)

	_, err := consulctl(t, srv, "kv", "put", "app/name", "shop", "--flags", "3")
	require.NoError(t, err)

	out, err := consulctl(t, srv, "kv", "get", "app/name")
	require.NoError(t, err)
	assert.Equal(t, "shop\n", out)

	out, err = consulctl(t, srv, "kv", "get", "app/name", "-o", "yaml")
	require.NoError(t, err)
	var e kvEntry
	require.NoError(t, yaml.Unmarshal([]byte(out), &e))
	assert.Equal(t, "shop", e.Value)
	assert.EqualValues(t, 3, e.Flags)

	_, err = consulctl(t, srv, "kv", "put", "app/name", "other", "--cas", "0")
	assert.ErrorContains(t, err, "stale")

	_, err = consulctl(t, srv, "kv", "del", "app/", "--recurse")
	require.NoError(t, err)
	_, err = consulctl(t, srv, "kv", "get", "app/name")
	assert.ErrorContains(t, err, "not found")
}

func TestWatchService(t *testing.T) {
	srv := consultest.New(t)
	c := srv.Client(t)
	require.NoError(t, c.RegisterService(context.Background(), &consul.AgentServiceRegistration{
		ID: "web-1", Name: "web", Address: "10.0.0.1", Port: 80,
	}, false))

	out, err := consulctl(t, srv, "watch", "service", "web", "--max-updates", "1", "-o", "json")
	require.NoError(t, err)

	var ev instanceEvent
	require.NoError(t, json.NewDecoder(strings.NewReader(out)).Decode(&ev))
	assert.Equal(t, "added", ev.Change)
	assert.Equal(t, "web-1", ev.ID)
	assert.Equal(t, "10.0.0.1:80", ev.Address)
}

func TestDiffInstances(t *testing.T) {
	entry := func(id string, status consul.CheckStatus) consul.ServiceEntry {
		return consul.ServiceEntry{
			Node:    &consul.Node{Address: "10.0.0.9"},
			Service: &consul.AgentService{ID: id, Port: 80},
			Checks:  []*consul.HealthCheck{{Status: status}},
		}
	}
	known := map[string]consul.ServiceEntry{}

	events := diffInstances(5, known, []consul.ServiceEntry{entry("b", consul.StatusPassing), entry("a", consul.StatusPassing)})
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, "10.0.0.9:80", events[0].Address)

	events = diffInstances(6, known, []consul.ServiceEntry{entry("a", consul.StatusCritical), entry("c", consul.StatusPassing)})
	require.Len(t, events, 3)
	assert.Equal(t, []string{"added", "removed", "status"}, []string{events[0].Change, events[1].Change, events[2].Change})
	assert.Equal(t, []string{"c", "b", "a"}, []string{events[0].ID, events[1].ID, events[2].ID})
	assert.Len(t, known, 2)

	assert.Empty(t, diffInstances(7, known, []consul.ServiceEntry{entry("a", consul.StatusCritical), entry("c", consul.StatusPassing)}))
}

func TestUnknownFormat(t *testing.T) {
	srv := consultest.New(t)
	_, err := consulctl(t, srv, "checks", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}
