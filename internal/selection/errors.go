// Package selection ranks probed storage nodes and picks replica sets and
// operator-diverse quorums from them.
package selection

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPrimarySelected means no candidate survived probing and filtering.
	ErrNoPrimarySelected = errors.New("could not select a primary")
	// ErrIncompleteReplicaSet means a primary was found but not enough
	// operator-distinct secondaries.
	ErrIncompleteReplicaSet = errors.New("not enough operator-distinct nodes for a replica set")
	ErrInvalidQuorumSize    = errors.New("quorum size must be positive")
)

// InsufficientOperatorQuorumError is returned when fewer distinct operators
// answered than the quorum needs.
type InsufficientOperatorQuorumError struct {
	Requested int
	Available int
}

func (e *InsufficientOperatorQuorumError) Error() string {
	return fmt.Sprintf("insufficient operator quorum: requested %d distinct operators, %d available", e.Requested, e.Available)
}
