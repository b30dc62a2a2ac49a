// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/authcore/pkg/authcore/oauth2"
	"github.com/stacklok/authcore/pkg/logger"
)

var (
	// ErrDuplicateCertificate is returned when two providers share a certificate id.
	ErrDuplicateCertificate = errors.New("duplicate certificate id")

	// ErrMultipleDefaults is returned when more than one provider is flagged default.
	ErrMultipleDefaults = errors.New("more than one default provider")

	// ErrDomainMismatch is returned by Bind when settings or clients belong
	// to another domain than the keys.
	ErrDomainMismatch = errors.New("domain mismatch")
)

// Snapshot is the immutable deployment of one domain: its providers and,
// once bound, its settings and registered clients.
type Snapshot struct {
	domain     string
	issuer     string
	providers  []*Provider
	byCertID   map[string]*Provider
	byKeyID    map[string]*Provider
	defaultKey *Provider

	settings *oauth2.Domain
	clients  map[string]*oauth2.Client
}

// NewSnapshot validates and freezes a domain's providers. When no provider
// is flagged default, the first signing-capable provider becomes the default.
func NewSnapshot(domain, issuer string, providers ...*Provider) (*Snapshot, error) {
	if domain == "" {
		return nil, fmt.Errorf("domain is required")
	}

	s := &Snapshot{
		domain:   domain,
		issuer:   issuer,
		byCertID: make(map[string]*Provider, len(providers)),
		byKeyID:  make(map[string]*Provider, len(providers)),
	}

	for _, p := range providers {
		if p == nil || p.IsNone() {
			return nil, fmt.Errorf("%w: unsigned provider cannot be deployed", ErrInvalidProvider)
		}
		if _, dup := s.byCertID[p.certificateID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCertificate, p.certificateID)
		}
		if p.isDefault {
			if s.defaultKey != nil {
				return nil, fmt.Errorf("%w: %s and %s", ErrMultipleDefaults, s.defaultKey.certificateID, p.certificateID)
			}
			s.defaultKey = p
		}
		s.byCertID[p.certificateID] = p
		s.providers = append(s.providers, p)
	}

	if s.defaultKey == nil {
		for i, p := range s.providers {
			if p.usage == UsageSign {
				promoted := p.withDefault(true)
				s.providers[i] = promoted
				s.byCertID[p.certificateID] = promoted
				s.defaultKey = promoted
				break
			}
		}
	}

	for _, p := range s.providers {
		if p.keyID != "" {
			if _, taken := s.byKeyID[p.keyID]; !taken {
				s.byKeyID[p.keyID] = p
			}
		}
	}

	return s, nil
}

// Bind returns a copy of s that also carries the domain settings and
// clients, so a single Deploy replaces keys, settings and clients together.
func (s *Snapshot) Bind(dom *oauth2.Domain, clients []*oauth2.Client) (*Snapshot, error) {
	if dom == nil {
		return nil, errors.New("domain settings are required")
	}
	if dom.ID != s.domain || dom.Issuer != s.issuer {
		return nil, fmt.Errorf("%w: keys deployed for %s (%s), domain is %s (%s)",
			ErrDomainMismatch, s.domain, s.issuer, dom.ID, dom.Issuer)
	}

	byID := make(map[string]*oauth2.Client, len(clients))
	for _, c := range clients {
		if c.Domain != s.domain {
			return nil, fmt.Errorf("%w: client %s belongs to %s", ErrDomainMismatch, c.ID, c.Domain)
		}
		byID[c.ID] = c
	}

	bound := *s
	bound.settings = dom
	bound.clients = byID
	return &bound, nil
}

// Settings returns the bound domain settings, or nil for an unbound
// snapshot.
func (s *Snapshot) Settings() *oauth2.Domain { return s.settings }

// Client looks up a bound client.
func (s *Snapshot) Client(id string) (*oauth2.Client, bool) {
	c, ok := s.clients[id]
	return c, ok
}

// Domain returns the domain id.
func (s *Snapshot) Domain() string { return s.domain }

// Issuer returns the issuer tokens of this domain carry in "iss".
func (s *Snapshot) Issuer() string { return s.issuer }

// Providers returns the providers in deployment order.
func (s *Snapshot) Providers() []*Provider { return slices.Clone(s.providers) }

// Provider looks up a provider by certificate id.
func (s *Snapshot) Provider(certificateID string) (*Provider, bool) {
	p, ok := s.byCertID[certificateID]
	return p, ok
}

// ByKeyID looks up a provider by kid.
func (s *Snapshot) ByKeyID(kid string) (*Provider, bool) {
	p, ok := s.byKeyID[kid]
	return p, ok
}

// Default returns the domain default provider.
func (s *Snapshot) Default() (*Provider, bool) {
	return s.defaultKey, s.defaultKey != nil
}

// JWKS returns the public keys of the domain.
func (s *Snapshot) JWKS() jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(s.providers))}
	for _, p := range s.providers {
		if jwk, ok := p.PublicJWK(); ok {
			set.Keys = append(set.Keys, jwk)
		}
	}
	return set
}

type registryState struct {
	domains map[string]*Snapshot
	issuers map[string][]*Snapshot
}

func newRegistryState(domains map[string]*Snapshot) *registryState {
	st := &registryState{domains: domains, issuers: make(map[string][]*Snapshot)}
	for _, id := range slices.Sorted(maps.Keys(domains)) {
		snap := domains[id]
		if snap.issuer != "" {
			st.issuers[snap.issuer] = append(st.issuers[snap.issuer], snap)
		}
	}
	return st
}

// Registry maps domains to their current snapshot. Reads never block;
// deploys replace the whole map so readers never observe a partial update.
type Registry struct {
	state atomic.Pointer[registryState]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.state.Store(newRegistryState(map[string]*Snapshot{}))
	return r
}

// Deploy installs or replaces the snapshot for its domain.
func (r *Registry) Deploy(snap *Snapshot) {
	r.swap(func(domains map[string]*Snapshot) {
		domains[snap.domain] = snap
	})
	logger.ForDomain(snap.domain).Info("deployed key providers",
		"issuer", snap.issuer,
		"providers", len(snap.providers),
	)
}

// Undeploy removes a domain. It reports whether the domain was deployed.
func (r *Registry) Undeploy(domain string) bool {
	var removed bool
	r.swap(func(domains map[string]*Snapshot) {
		_, removed = domains[domain]
		delete(domains, domain)
	})
	if removed {
		logger.ForDomain(domain).Info("undeployed key providers")
	}
	return removed
}

func (r *Registry) swap(mutate func(map[string]*Snapshot)) {
	for {
		old := r.state.Load()
		next := maps.Clone(old.domains)
		mutate(next)
		if r.state.CompareAndSwap(old, newRegistryState(next)) {
			return
		}
	}
}

// Snapshot returns the current snapshot of a domain.
func (r *Registry) Snapshot(domain string) (*Snapshot, bool) {
	s, ok := r.state.Load().domains[domain]
	return s, ok
}

// Domain implements oauth2.DomainSource. Only bound snapshots resolve.
func (r *Registry) Domain(id string) (*oauth2.Domain, error) {
	s, ok := r.Snapshot(id)
	if !ok || s.settings == nil {
		return nil, oauth2.ErrUnknownDomain
	}
	return s.settings, nil
}

var _ oauth2.DomainSource = (*Registry)(nil)

// Lookup returns the snapshot deployed for domain when it issues as issuer.
func (r *Registry) Lookup(domain, issuer string) (*Snapshot, bool) {
	s, ok := r.Snapshot(domain)
	if !ok || s.issuer != issuer {
		return nil, false
	}
	return s, true
}

// ByIssuer returns every snapshot issuing as issuer, ordered by domain id.
func (r *Registry) ByIssuer(issuer string) []*Snapshot {
	return slices.Clone(r.state.Load().issuers[issuer])
}

// Domains returns the deployed domain ids in sorted order.
func (r *Registry) Domains() []string {
	return slices.Sorted(maps.Keys(r.state.Load().domains))
}
