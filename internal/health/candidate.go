// Package health probes storage nodes and returns the ones that answered in
// time with a parseable version.
package health

import (
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
)

// DefaultMaxStorageUsedPercent applies when a node does not report its own limit.
const DefaultMaxStorageUsedPercent = 95.0

// Payload is the body of GET /health_check/verbose.
type Payload struct {
	Version               string   `json:"version"`
	Service               string   `json:"service,omitempty"`
	Healthy               *bool    `json:"healthy,omitempty"`
	StoragePathSize       *uint64  `json:"storagePathSize,omitempty"`
	StoragePathUsed       *uint64  `json:"storagePathUsed,omitempty"`
	MaxStorageUsedPercent *float64 `json:"maxStorageUsedPercent,omitempty"`
}

// Candidate is a node that answered the health check. It has no healthy
// flag of its own: healthy means ReportsHealthy, read from Payload.Healthy.
type Candidate struct {
	Endpoint string          `json:"endpoint"`
	OwnerID  string          `json:"ownerID,omitempty"`
	Version  *semver.Version `json:"version"`
	Latency  time.Duration   `json:"latency"`
	Payload  Payload         `json:"payload"`
}

// ReportsHealthy is false only when the node explicitly said it is unhealthy.
func (c Candidate) ReportsHealthy() bool {
	return c.Payload.Healthy == nil || *c.Payload.Healthy
}

// HasStorageSpace compares reported disk usage against the node's own limit,
// or fallback when it did not send one. Missing usage counts as enough space.
func (c Candidate) HasStorageSpace(fallback float64) bool {
	size, used := c.Payload.StoragePathSize, c.Payload.StoragePathUsed
	if size == nil || used == nil || *size == 0 {
		return true
	}
	limit := fallback
	if m := c.Payload.MaxStorageUsedPercent; m != nil && *m > 0 {
		limit = *m
	}
	return 100*float64(*used)/float64(*size) < limit
}

// Results maps endpoint to the candidate that answered.
type Results map[string]Candidate

// Endpoints returns the responding endpoints in lexical order.
func (r Results) Endpoints() []string {
	out := make([]string, 0, len(r))
	for e := range r {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Candidates returns the candidates ordered fastest first.
func (r Results) Candidates() []Candidate {
	out := make([]Candidate, 0, len(r))
	for _, c := range r {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Latency != out[j].Latency {
			return out[i].Latency < out[j].Latency
		}
		return out[i].Endpoint < out[j].Endpoint
	})
	return out
}

// WithOwners fills OwnerID from owners, dropping candidates with no known owner.
func (r Results) WithOwners(owners map[string]string) Results {
	out := make(Results, len(r))
	for e, c := range r {
		o, ok := owners[e]
		if !ok || o == "" {
			continue
		}
		c.OwnerID = o
		out[e] = c
	}
	return out
}
