// Package replicaset encodes and validates the primary/secondary storage node
// assignment stored in a user's creator_node_endpoint field.
package replicaset

import (
	"errors"
	"fmt"
	"strings"
)

// Size is the number of storage nodes in a complete replica set.
const Size = 3

const separator = ","

var (
	ErrWrongSize         = errors.New("replica set must contain exactly 3 endpoints")
	ErrEmptyEndpoint     = errors.New("replica set contains an empty endpoint")
	ErrDuplicateEndpoint = errors.New("replica set contains a duplicate endpoint")
	ErrSharedOperator    = errors.New("replica set nodes must belong to distinct operators")
)

// ReplicaSet is one primary plus Size-1 secondaries.
type ReplicaSet struct {
	Primary     string   `json:"primary"`
	Secondaries []string `json:"secondaries"`
}

// New builds a ReplicaSet and validates it.
func New(primary string, secondaries ...string) (ReplicaSet, error) {
	rs := ReplicaSet{Primary: primary, Secondaries: append([]string(nil), secondaries...)}
	if err := rs.Validate(); err != nil {
		return ReplicaSet{}, err
	}
	return rs, nil
}

// Parse decodes the comma joined wire form. An empty string is the
// unassigned replica set.
func Parse(encoded string) (ReplicaSet, error) {
	if strings.TrimSpace(encoded) == "" {
		return ReplicaSet{}, nil
	}
	parts := strings.Split(encoded, separator)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	rs := ReplicaSet{Primary: parts[0], Secondaries: parts[1:]}
	if err := rs.Validate(); err != nil {
		return ReplicaSet{}, fmt.Errorf("parse %q: %w", encoded, err)
	}
	return rs, nil
}

// Encode returns the comma joined wire form, primary first.
func (rs ReplicaSet) Encode() string {
	if rs.IsZero() {
		return ""
	}
	return strings.Join(rs.Endpoints(), separator)
}

func (rs ReplicaSet) String() string { return rs.Encode() }

// IsZero reports whether no nodes are assigned.
func (rs ReplicaSet) IsZero() bool {
	return rs.Primary == "" && len(rs.Secondaries) == 0
}

// Endpoints returns the primary followed by the secondaries.
func (rs ReplicaSet) Endpoints() []string {
	out := make([]string, 0, 1+len(rs.Secondaries))
	if rs.Primary != "" {
		out = append(out, rs.Primary)
	}
	return append(out, rs.Secondaries...)
}

// Equal compares both role and order.
func (rs ReplicaSet) Equal(other ReplicaSet) bool {
	if rs.Primary != other.Primary || len(rs.Secondaries) != len(other.Secondaries) {
		return false
	}
	for i := range rs.Secondaries {
		if rs.Secondaries[i] != other.Secondaries[i] {
			return false
		}
	}
	return true
}

// Validate checks that rs holds exactly Size distinct non-empty endpoints.
func (rs ReplicaSet) Validate() error {
	if len(rs.Secondaries) != Size-1 || rs.Primary == "" {
		return ErrWrongSize
	}
	seen := make(map[string]bool, Size)
	for _, e := range rs.Endpoints() {
		if e == "" {
			return ErrEmptyEndpoint
		}
		if seen[e] {
			return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, e)
		}
		seen[e] = true
	}
	return nil
}

// ValidateOwners additionally checks that no operator owns two members.
// owner must return the operator id of an endpoint.
func (rs ReplicaSet) ValidateOwners(owner func(endpoint string) (string, bool)) error {
	if err := rs.Validate(); err != nil {
		return err
	}
	owners := make(map[string]string, Size)
	for _, e := range rs.Endpoints() {
		o, ok := owner(e)
		if !ok {
			return fmt.Errorf("unknown operator for %s", e)
		}
		if prev, dup := owners[o]; dup {
			return fmt.Errorf("%w: %s and %s share %s", ErrSharedOperator, prev, e, o)
		}
		owners[o] = e
	}
	return nil
}
