package dependency

import (
	"fmt"
	"strings"
)

// CyclicDependencyError names the members of a dependency cycle in traversal
// order; the first member is repeated at the end.
type CyclicDependencyError struct {
	Cycle []NodeID
}

func (e *CyclicDependencyError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, id := range e.Cycle {
		parts[i] = string(id)
	}
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(parts, " -> "))
}

// Members returns the distinct nodes of the cycle.
func (e *CyclicDependencyError) Members() []NodeID {
	if len(e.Cycle) <= 1 {
		return e.Cycle
	}
	return e.Cycle[:len(e.Cycle)-1]
}

// UnknownDependencyError reports a dependency on a name that is not declared.
type UnknownDependencyError struct {
	Node    NodeID
	Missing NodeID
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("service %q depends on unknown service %q", e.Node, e.Missing)
}

// DuplicateNodeError reports two nodes with the same ID.
type DuplicateNodeError struct {
	Node NodeID
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("service %q declared more than once", e.Node)
}
