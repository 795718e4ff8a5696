package value

import "fmt"

// FnHandle is a first-class function handle: the result of `@name` or an
// anonymous `@(x) ...` expression. Named handles carry a resolved
// Callable; anonymous handles carry their compiled chunk (typed any to
// avoid an import cycle with bytecode) plus the captured workspace
// values the compiler decided to close over.
type FnHandle struct {
	Name     string
	Target   *Callable
	Anon     bool
	Chunk    any // *bytecode.Chunk for anonymous handles
	Captures []Value
	Nested   bool // handle to a nested function, resolved via the parent frame
}

func (h *FnHandle) TypeID() TypeID      { return TypeFnHandle }
func (h *FnHandle) IsDefined() bool     { return true }
func (h *FnHandle) IsRef() bool         { return false }
func (h *FnHandle) IsCsList() bool      { return false }
func (h *FnHandle) Deref() Value        { return h }
func (h *FnHandle) ListValue() []Value  { return []Value{h} }
func (h *FnHandle) MakeStorable() Value { return h }
func (h *FnHandle) MakeUnique() Value   { return h }

func (h *FnHandle) DispatchKind() DispatchKind {
	if h.Nested {
		return DispatchNestedHandle
	}
	return DispatchHandle
}

func (h *FnHandle) Drop() {
	for _, c := range h.Captures {
		c.Drop()
	}
}

func (h *FnHandle) String() string {
	if h.Anon {
		return "@<anonymous>"
	}
	return fmt.Sprintf("@%s", h.Name)
}
