// Package registry defines the service-provider directory that candidate
// storage and discovery nodes are drawn from.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// ServiceType distinguishes storage (content) nodes from indexing nodes.
type ServiceType string

const (
	ServiceContentNode   ServiceType = "content-node"
	ServiceDiscoveryNode ServiceType = "discovery-node"
)

// Provider is one registered service endpoint.
type Provider struct {
	SpID     int64       `mapstructure:"spID" json:"spID"`
	Endpoint string      `mapstructure:"endpoint" json:"endpoint"`
	OwnerID  string      `mapstructure:"ownerID" json:"ownerID"`
	Type     ServiceType `mapstructure:"type" json:"type"`
}

// Registry lists registered providers.
type Registry interface {
	// Providers returns every registered provider of type t.
	Providers(ctx context.Context, t ServiceType) ([]Provider, error)
	// CurrentVersion returns the latest version the network expects of type t.
	CurrentVersion(ctx context.Context, t ServiceType) (*semver.Version, error)
}

var ErrUnknownEndpoint = errors.New("endpoint not registered")

// Static is a Registry backed by a fixed provider list.
type Static struct {
	mu        sync.RWMutex
	providers []Provider
	versions  map[ServiceType]*semver.Version
}

// NewStatic creates a Static registry. versions maps service type to the
// semantic version string the network currently expects.
func NewStatic(providers []Provider, versions map[ServiceType]string) (*Static, error) {
	s := &Static{
		providers: append([]Provider(nil), providers...),
		versions:  make(map[ServiceType]*semver.Version, len(versions)),
	}
	for t, raw := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("current version for %s: %w", t, err)
		}
		s.versions[t] = v
	}
	return s, nil
}

// Providers implements Registry.
func (s *Static) Providers(_ context.Context, t ServiceType) ([]Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Provider
	for _, p := range s.providers {
		if p.Type == t {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpID < out[j].SpID })
	return out, nil
}

// CurrentVersion implements Registry.
func (s *Static) CurrentVersion(_ context.Context, t ServiceType) (*semver.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[t]
	if !ok {
		return nil, fmt.Errorf("no current version registered for %s", t)
	}
	return v, nil
}

// Register adds or replaces the provider with the same endpoint.
func (s *Static) Register(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.providers {
		if s.providers[i].Endpoint == p.Endpoint {
			s.providers[i] = p
			return
		}
	}
	s.providers = append(s.providers, p)
}

// Endpoints extracts the endpoints of ps.
func Endpoints(ps []Provider) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Endpoint
	}
	return out
}

// Owners maps endpoint to operator id.
func Owners(ps []Provider) map[string]string {
	out := make(map[string]string, len(ps))
	for _, p := range ps {
		out[p.Endpoint] = p.OwnerID
	}
	return out
}
