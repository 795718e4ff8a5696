package value

import "fmt"

// RefScope distinguishes global storage from per-function persistent
// storage.
type RefScope int

const (
	RefGlobal RefScope = iota
	RefPersistent
)

// RefTarget is the indirection a Ref points through. A host supplies the
// concrete backing store (the VM only calls Get/Set on it); internal/host
// has a reference implementation for tests.
type RefTarget interface {
	Get() Value
	Set(Value)
}

// Ref is a Value whose payload redirects reads and writes to a shared
// global/persistent cell, so a frame slot can *name* a global without
// replacing it.
type Ref struct {
	Scope  RefScope
	Name   string // for RefGlobal
	Offset int    // for RefPersistent
	Target RefTarget
}

func (r *Ref) TypeID() TypeID  { return TypeRef }
func (r *Ref) IsDefined() bool { return r.Target != nil && r.Target.Get().IsDefined() }
func (r *Ref) IsRef() bool     { return true }
func (r *Ref) IsCsList() bool  { return false }
func (r *Ref) Deref() Value {
	if r.Target == nil {
		return Undefined
	}
	return r.Target.Get()
}
func (r *Ref) ListValue() []Value         { return r.Deref().ListValue() }
func (r *Ref) MakeStorable() Value        { return r }
func (r *Ref) MakeUnique() Value          { return r }
func (r *Ref) DispatchKind() DispatchKind { return DispatchSubsref }
func (r *Ref) Drop()                      {}

// SetValue writes through the reference, the behavior ASSIGN's generic
// dispatch uses for a Ref target.
func (r *Ref) SetValue(v Value) error {
	if r.Target == nil {
		return fmt.Errorf("reference %q has no backing target", r.Name)
	}
	r.Target.Set(v)
	return nil
}

func (r *Ref) String() string {
	if r.Scope == RefPersistent {
		return fmt.Sprintf("<persistent ref #%d>", r.Offset)
	}
	return fmt.Sprintf("<global ref %q>", r.Name)
}

// ---- FnCache --------------------------------------------------------------

// Callable is the minimal shape the VM needs to invoke a resolved
// identifier: either a compiled function (IsCompiled true, in which case
// Bytecode is a *bytecode.Chunk, typed as any here to avoid an import
// cycle between value and bytecode) or a native host callable.
type Callable struct {
	Name       string
	IsCompiled bool
	Bytecode   any // *bytecode.Chunk when IsCompiled
	Native     func(args []Value, nargout int) ([]Value, error)
}

// FnCache is the per-slot memo of the most recently resolved callable for
// an identifier (the Glossary's "Function cache"). INDEX_ID* opcodes
// install one in a nil slot on first lookup (DispatchFnLookup) and reuse
// it thereafter until the slot is reassigned by the user.
type FnCache struct {
	Identifier string
	Resolved   *Callable
	kind       DispatchKind
}

// NewFnCache wraps a resolved callable under the given dispatch kind.
func NewFnCache(identifier string, resolved *Callable, kind DispatchKind) *FnCache {
	return &FnCache{Identifier: identifier, Resolved: resolved, kind: kind}
}

func (f *FnCache) TypeID() TypeID             { return TypeFnCache }
func (f *FnCache) IsDefined() bool            { return f.Resolved != nil }
func (f *FnCache) IsRef() bool                { return false }
func (f *FnCache) IsCsList() bool             { return false }
func (f *FnCache) Deref() Value               { return f }
func (f *FnCache) ListValue() []Value         { return []Value{f} }
func (f *FnCache) MakeStorable() Value        { return f }
func (f *FnCache) MakeUnique() Value          { return f }
func (f *FnCache) DispatchKind() DispatchKind { return f.kind }
func (f *FnCache) Drop()                      {}
func (f *FnCache) String() string             { return fmt.Sprintf("<function %s>", f.Identifier) }

// IsFunction reports whether v resolves to something callable: either an
// FnCache, or an Object whose DispatchKind says so.
func IsFunction(v Value) bool {
	switch v.Deref().DispatchKind() {
	case DispatchCall, DispatchHandle, DispatchNestedHandle, DispatchFnLookup:
		return true
	default:
		return false
	}
}

// HasFunctionCache reports whether the slot already holds a resolved
// FnCache (so INDEX_ID* can skip re-lookup).
func HasFunctionCache(v Value) bool {
	_, ok := v.(*FnCache)
	return ok
}
