package value

import (
	"fmt"
	"math"
)

// TypeID is the small integer tag the dispatch core switches on for fast
// paths and self-specialization. It is stable for the lifetime of a Value
// (a Value never changes type in place; reassignment replaces the Value).
type TypeID uint8

const (
	TypeUndefined TypeID = iota
	TypeScalar           // 1x1 double
	TypeBool
	TypeMatrix
	TypeCell
	TypeStruct
	TypeCsList
	TypeRef
	TypeFnCache
	TypeObject // opaque host object (classdef, handle, Java, ...)
	TypeString // 1xN char array
	TypeFnHandle
)

func (t TypeID) String() string {
	switch t {
	case TypeUndefined:
		return "undefined"
	case TypeScalar:
		return "scalar"
	case TypeBool:
		return "bool"
	case TypeMatrix:
		return "matrix"
	case TypeCell:
		return "cell"
	case TypeStruct:
		return "struct"
	case TypeCsList:
		return "cs-list"
	case TypeRef:
		return "ref"
	case TypeFnCache:
		return "fn-cache"
	case TypeObject:
		return "object"
	case TypeString:
		return "string"
	case TypeFnHandle:
		return "function handle"
	default:
		return fmt.Sprintf("TypeID(%d)", uint8(t))
	}
}

// DispatchKind selects the code path the dispatch core takes when a value
// appears in callee position for an INDEX_* opcode.
type DispatchKind int

const (
	DispatchSubsref DispatchKind = iota
	DispatchFnLookup
	DispatchCall
	DispatchHandle
	DispatchObject
	DispatchNestedHandle
)

// IndexKind names the bracket style used in a single subsref/subsasgn link.
type IndexKind byte

const (
	IndexParen IndexKind = '(' // a(i)
	IndexBrace IndexKind = '{' // a{i}
	IndexDot   IndexKind = '.' // a.field
)

// Value is the capability set every runtime value exposes to the VM.
// Concrete kinds below implement it; a host may supply its own
// implementations (e.g. for classdef objects) as long as they satisfy
// this interface.
type Value interface {
	TypeID() TypeID
	IsDefined() bool
	IsRef() bool
	IsCsList() bool

	// Deref returns the current target of a Ref value; for non-Ref values
	// it returns the receiver unchanged.
	Deref() Value

	// ListValue expands a cs-list into its member sequence. Non-cs-list
	// values return a single-element slice containing themselves.
	ListValue() []Value

	// MakeStorable resolves any lazy-copy markers so the value is safe to
	// store into a slot or heap location.
	MakeStorable() Value

	// MakeUnique ensures the value owns an exclusive copy of its backing
	// storage before an in-place mutation proceeds.
	MakeUnique() Value

	// DispatchKind reports how a value in callee position should be
	// resolved by the indexing/call opcodes.
	DispatchKind() DispatchKind

	// Drop runs destructors (classdef destructors, reference-count
	// decrements) exactly once. The VM calls Drop on every value that
	// leaves the stack, on every exit path.
	Drop()

	String() string
}

// ---- Undefined -----------------------------------------------------------

// undefinedValue is the unique sentinel used to fill fresh return/local
// slots and absent trailing arguments.
type undefinedValue struct{}

var Undefined Value = undefinedValue{}

func (undefinedValue) TypeID() TypeID             { return TypeUndefined }
func (undefinedValue) IsDefined() bool            { return false }
func (undefinedValue) IsRef() bool                { return false }
func (undefinedValue) IsCsList() bool             { return false }
func (u undefinedValue) Deref() Value             { return u }
func (u undefinedValue) ListValue() []Value       { return []Value{u} }
func (u undefinedValue) MakeStorable() Value      { return u }
func (u undefinedValue) MakeUnique() Value        { return u }
func (undefinedValue) DispatchKind() DispatchKind { return DispatchSubsref }
func (undefinedValue) Drop()                      {}
func (undefinedValue) String() string             { return "<undefined>" }

// ---- Scalar ---------------------------------------------------------------

// Scalar is a 1x1 double, the hottest path in the VM's arithmetic opcodes.
type Scalar float64

func (Scalar) TypeID() TypeID             { return TypeScalar }
func (Scalar) IsDefined() bool            { return true }
func (Scalar) IsRef() bool                { return false }
func (Scalar) IsCsList() bool             { return false }
func (s Scalar) Deref() Value             { return s }
func (s Scalar) ListValue() []Value       { return []Value{s} }
func (s Scalar) MakeStorable() Value      { return s }
func (s Scalar) MakeUnique() Value        { return s }
func (Scalar) DispatchKind() DispatchKind { return DispatchSubsref }
func (Scalar) Drop()                      {}
func (s Scalar) String() string           { return formatDouble(float64(s)) }

func formatDouble(f float64) string {
	if math.IsNaN(f) {
		return "NaN"
	}
	if math.IsInf(f, 1) {
		return "Inf"
	}
	if math.IsInf(f, -1) {
		return "-Inf"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// ---- Bool -------------------------------------------------------------

// Bool is the logical result type of relational/logical opcodes.
type Bool bool

func (Bool) TypeID() TypeID             { return TypeBool }
func (Bool) IsDefined() bool            { return true }
func (Bool) IsRef() bool                { return false }
func (Bool) IsCsList() bool             { return false }
func (b Bool) Deref() Value             { return b }
func (b Bool) ListValue() []Value       { return []Value{b} }
func (b Bool) MakeStorable() Value      { return b }
func (b Bool) MakeUnique() Value        { return b }
func (Bool) DispatchKind() DispatchKind { return DispatchSubsref }
func (Bool) Drop()                      {}
func (b Bool) String() string {
	if b {
		return "true"
	}
	return "false"
}

// IsTruthy implements the VM's notion of truthiness for JMP_IF/JMP_IFN and
// short-circuit opcodes: a value is truthy if it is a nonzero scalar/bool,
// or a matrix whose every element is nonzero (all() semantics). Undefined
// and empty matrices are falsy.
func IsTruthy(v Value) bool {
	switch t := v.Deref().(type) {
	case Bool:
		return bool(t)
	case Scalar:
		return float64(t) != 0
	case *Matrix:
		if len(t.Data) == 0 {
			return false
		}
		for _, f := range t.Data {
			if f == 0 {
				return false
			}
		}
		return true
	case undefinedValue:
		return false
	default:
		return v.IsDefined()
	}
}
