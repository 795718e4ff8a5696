// Package value defines the capability surface the VM requires of runtime
// values without owning their representation.
//
// The VM never knows how a matrix is stored, how a struct indexes its
// fields, or how a classdef object resolves a method. It only knows the
// small vocabulary in this package: type identity, arithmetic/relational
// dispatch keyed by a (op, lhs type, rhs type) triple, indexing, cs-list
// expansion, lazy-copy materialization, and destruction. Everything else
// about a value lives outside this module, in whatever owns the value
// representation.
//
// Value is an interface rather than a concrete struct so that a host can
// plug in its own matrix/cell/struct/object kinds; Scalar, Bool, and the
// small set of concrete kinds below exist so the VM and its tests have
// something to execute against without depending on a host.
package value
