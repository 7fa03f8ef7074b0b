// Package entity maps raw telemetry identifiers to canonical entity keys.
//
// Normalization policy: IPs and usernames are taken verbatim and
// case-sensitively; hostnames are lowercased, since mixed-case hostnames
// in telemetry would otherwise fragment one host into several entities.
// The resolver assumes identifiers were validated at ingestion.
package entity

import (
	"strings"

	"github.com/threatlens/threatlens/internal/model"
	"github.com/threatlens/threatlens/internal/store"
)

// Resolver resolves raw identifiers to canonical entity keys, lazily
// creating zero-score entities on first reference.
type Resolver struct {
	store *store.Store
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

// IP resolves an IP address string to its entity key.
func (r *Resolver) IP(ip string) model.EntityKey {
	key := model.EntityKey{Type: model.EntityIP, ID: ip}
	r.store.GetOrCreateEntity(key)
	return key
}

// User resolves a username to its entity key.
func (r *Resolver) User(username string) model.EntityKey {
	key := model.EntityKey{Type: model.EntityUser, ID: username}
	r.store.GetOrCreateEntity(key)
	return key
}

// Host resolves a hostname to its entity key. Hostnames are lowercased.
func (r *Resolver) Host(hostname string) model.EntityKey {
	key := model.EntityKey{Type: model.EntityHost, ID: strings.ToLower(hostname)}
	r.store.GetOrCreateEntity(key)
	return key
}

// HostForIP resolves the host entity owning an IP via the asset
// inventory. The second return is false when no asset claims the IP.
func (r *Resolver) HostForIP(ip string) (model.EntityKey, bool) {
	asset, ok := r.store.AssetByIP(ip)
	if !ok {
		return model.EntityKey{}, false
	}
	return r.Host(asset.Host), true
}
