package consul

import (
	"context"
	"net/url"
)

// CatalogService is a service instance as registered in the catalog.
type CatalogService struct {
	ID                       string            `json:"ID"`
	Node                     string            `json:"Node"`
	Address                  string            `json:"Address"`
	Datacenter               string            `json:"Datacenter"`
	NodeMeta                 map[string]string `json:"NodeMeta"`
	ServiceID                string            `json:"ServiceID"`
	ServiceName              string            `json:"ServiceName"`
	ServiceAddress           string            `json:"ServiceAddress"`
	ServiceTags              []string          `json:"ServiceTags"`
	ServiceMeta              map[string]string `json:"ServiceMeta"`
	ServicePort              int               `json:"ServicePort"`
	ServiceEnableTagOverride bool              `json:"ServiceEnableTagOverride"`
	CreateIndex              uint64            `json:"CreateIndex"`
	ModifyIndex              uint64            `json:"ModifyIndex"`
}

// Catalog reads the service catalog.
type Catalog struct {
	c *Client
}

// Catalog returns the catalog endpoints of c.
func (c *Client) Catalog() *Catalog {
	return &Catalog{c: c}
}

// Datacenters lists known datacenters, nearest first.
func (cat *Catalog) Datacenters(ctx context.Context) ([]string, error) {
	dcs, _, err := getList[string](ctx, cat.c, "/v1/catalog/datacenters", nil, nil)
	return dcs, err
}

// Nodes lists catalog nodes.
func (cat *Catalog) Nodes(ctx context.Context, q *QueryOptions) ([]Node, *QueryMeta, error) {
	return getList[Node](ctx, cat.c, "/v1/catalog/nodes", nil, q)
}

// Services maps every service name to its tags.
func (cat *Catalog) Services(ctx context.Context, q *QueryOptions) (map[string][]string, *QueryMeta, error) {
	services, meta, err := get[map[string][]string](ctx, cat.c, "/v1/catalog/services", nil, q)
	if err == nil && services == nil {
		services = map[string][]string{}
	}
	return services, meta, err
}

// Service lists the instances of service, narrowed by tag when non-empty.
func (cat *Catalog) Service(ctx context.Context, service, tag string, q *QueryOptions) ([]CatalogService, *QueryMeta, error) {
	params := url.Values{}
	if tag != "" {
		params.Set("tag", tag)
	}
	return getList[CatalogService](ctx, cat.c, "/v1/catalog/service/"+url.PathEscape(service), params, q)
}
