package vm

import (
	"github.com/nsesodia/octave-vm/internal/bytecode"
	"github.com/nsesodia/octave-vm/internal/value"
)

// Host is the contract the surrounding interpreter/front-end must
// satisfy. The VM never reaches past this interface into the host's
// symbol table, global store, or debugger; every opcode handler that
// needs host cooperation calls through here.
//
// internal/host provides a minimal reference implementation used by
// this package's own tests.
type Host interface {
	// PushStackFrame/PopStackFrame/PopReturnStackFrame track the host's own
	// notion of the call stack (for introspection, debugging, closures)
	// in parallel with the VM's operand-stack frames.
	PushStackFrame(fn *bytecode.Chunk, nargout int, nArgs int, closure bool) HostFrame
	PopStackFrame()
	PopReturnStackFrame() HostFrame

	SetNargin(frame HostFrame, n int)
	SetNargout(frame HostFrame, n int)

	// GlobalVarRef resolves (creating if necessary) the named global cell.
	// isNew reports whether this call introduced the global, so GLOBAL_INIT
	// can seed it from the local contents and run the init block.
	GlobalVarRef(name string) (target value.RefTarget, isNew bool)
	// PersistentVarRef resolves the persistent cell at offset within the
	// named function's persistent scope.
	PersistentVarRef(fn string, offset int) (target value.RefTarget, isNew bool)

	// InstallFunction publishes a function defined at the command line or
	// by a script (INSTALL_FUNCTION).
	InstallFunction(name string, c *value.Callable)

	// Script/nested frame hooks.
	EnterScript(frame HostFrame)
	ExitScript()
	EnterNested(frame HostFrame)

	// Feval invokes a native/builtin callable by name, used for display,
	// eval, and any identifier that does not resolve to compiled bytecode.
	Feval(name string, args []value.Value, nargout int) ([]value.Value, error)

	// Resolve looks up an identifier for INDEX_ID*/WORDCMD dispatch,
	// returning a Callable (compiled or native) or ok=false if undefined.
	Resolve(name string) (*value.Callable, bool)

	// DoBreakpoint is called before dispatching an opcode when the VM's
	// debug flag is live. isReturn tells the host whether ip addresses a
	// return opcode. A non-nil error (by convention a *VMError with Kind
	// DebugQuit) aborts the VM entirely, bypassing all unwind handlers.
	DoBreakpoint(frame HostFrame, ip int, isReturn bool) error

	// Echo prints the source line containing ip, honoring the host's echo
	// state machine.
	Echo(chunk *bytecode.Chunk, ip int)

	// Display renders a value for the DISP opcode, tagging it with either
	// "ans" (cmdForm) or the given variable name.
	Display(name string, cmdForm bool, v value.Value)

	// SaveException publishes a raised error to lasterr()/lasterror().
	SaveException(err *VMError)
}

// HostFrame is an opaque handle the VM threads through Host calls; the
// reference host in internal/host defines a concrete type satisfying this.
type HostFrame interface {
	IsClosureContext() bool
}

// NopHost is a Host that does nothing beyond satisfying the interface and
// failing identifier lookups; VM unit tests that don't touch host-facing
// opcodes (calls, globals, breakpoints) can embed it.
type NopHost struct{}

func (NopHost) PushStackFrame(*bytecode.Chunk, int, int, bool) HostFrame { return nopFrame{} }
func (NopHost) PopStackFrame()                                           {}
func (NopHost) PopReturnStackFrame() HostFrame                           { return nopFrame{} }
func (NopHost) SetNargin(HostFrame, int)                                 {}
func (NopHost) SetNargout(HostFrame, int)                                {}
func (NopHost) GlobalVarRef(name string) (value.RefTarget, bool)         { return &memCell{}, true }
func (NopHost) PersistentVarRef(string, int) (value.RefTarget, bool)     { return &memCell{}, true }
func (NopHost) InstallFunction(string, *value.Callable)                  {}
func (NopHost) EnterScript(HostFrame)                                    {}
func (NopHost) ExitScript()                                              {}
func (NopHost) EnterNested(HostFrame)                                    {}
func (NopHost) Feval(name string, args []value.Value, nargout int) ([]value.Value, error) {
	return nil, newIDUndefined(name)
}
func (NopHost) Resolve(name string) (*value.Callable, bool) { return nil, false }
func (NopHost) DoBreakpoint(HostFrame, int, bool) error     { return nil }
func (NopHost) Echo(*bytecode.Chunk, int)                   {}
func (NopHost) Display(string, bool, value.Value)           {}
func (NopHost) SaveException(*VMError)                      {}

type nopFrame struct{}

func (nopFrame) IsClosureContext() bool { return false }

type memCell struct{ v value.Value }

func (m *memCell) Get() value.Value {
	if m.v == nil {
		return value.Undefined
	}
	return m.v
}
func (m *memCell) Set(v value.Value) { m.v = v }
