package consul

import "context"

// CARoot is one Connect CA root certificate.
type CARoot struct {
	ID          string `json:"ID"`
	Name        string `json:"Name"`
	RootCertPEM string `json:"RootCert"`
	Active      bool   `json:"Active"`
	CreateIndex uint64 `json:"CreateIndex"`
	ModifyIndex uint64 `json:"ModifyIndex"`
}

// CARootList is the set of trusted roots.
type CARootList struct {
	ActiveRootID string    `json:"ActiveRootID"`
	TrustDomain  string    `json:"TrustDomain"`
	Roots        []*CARoot `json:"Roots"`
}

// Active returns the active root, or nil.
func (l *CARootList) Active() *CARoot {
	for _, r := range l.Roots {
		if r.Active || r.ID == l.ActiveRootID {
			return r
		}
	}
	return nil
}

// ConnectCA reads the Connect certificate authority.
type ConnectCA struct {
	c *Client
}

// ConnectCA returns the Connect CA endpoints of c.
func (c *Client) ConnectCA() *ConnectCA {
	return &ConnectCA{c: c}
}

// Roots returns the trusted CA roots. A cluster without Connect yields an
// empty list.
func (ca *ConnectCA) Roots(ctx context.Context, q *QueryOptions) (*CARootList, *QueryMeta, error) {
	roots, meta, err := get[CARootList](ctx, ca.c, "/v1/connect/ca/roots", nil, q)
	if err != nil {
		return nil, nil, err
	}
	return &roots, meta, nil
}
