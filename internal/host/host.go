// Package host is a minimal reference implementation of the interpreter
// contract the VM consumes. It exists so the VM's external interface
// can be exercised end-to-end (frame tracking, global and persistent
// storage, builtin dispatch, display, echo, and the error system)
// without a full interpreter front-end.
package host

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/nsesodia/octave-vm/internal/bytecode"
	"github.com/nsesodia/octave-vm/internal/value"
	"github.com/nsesodia/octave-vm/internal/vm"
)

// Frame is the host-side dynamic frame paired with each VM frame.
type Frame struct {
	Fn      *bytecode.Chunk
	Nargin  int
	Nargout int
	Closure bool
}

// IsClosureContext reports whether this frame backs a closure and must
// not be recycled.
func (f *Frame) IsClosureContext() bool { return f.Closure }

// frameCacheSize bounds the reusable-frame pool.
const frameCacheSize = 8

// Interp is the reference host: a symbol table of builtins and
// installed functions, a global store (optionally persisted through a
// Store), per-function persistent scopes, and the frame stack the VM
// mirrors.
type Interp struct {
	mu sync.Mutex

	builtins  map[string]*value.Callable
	functions map[string]*value.Callable

	globals     map[string]*cell
	persistents map[string][]*cell

	frames     []*Frame
	frameCache []*Frame

	store *Store

	lastError *vm.VMError

	out io.Writer
	log commonlog.Logger

	breakpointFn func(frame vm.HostFrame, ip int, isReturn bool) error
}

// Option configures an Interp.
type Option func(*Interp)

// WithOutput redirects display/echo output (tests capture it here).
func WithOutput(w io.Writer) Option {
	return func(it *Interp) { it.out = w }
}

// WithStore attaches a sqlite-backed store: globals load from it at
// construction and write through on assignment.
func WithStore(s *Store) Option {
	return func(it *Interp) { it.store = s }
}

// WithBreakpointHandler installs the debugger callback DoBreakpoint
// forwards to.
func WithBreakpointHandler(fn func(frame vm.HostFrame, ip int, isReturn bool) error) Option {
	return func(it *Interp) { it.breakpointFn = fn }
}

// New constructs an Interp with the builtin table registered.
func New(opts ...Option) *Interp {
	it := &Interp{
		builtins:    make(map[string]*value.Callable),
		functions:   make(map[string]*value.Callable),
		globals:     make(map[string]*cell),
		persistents: make(map[string][]*cell),
		out:         os.Stdout,
		log:         commonlog.GetLogger("octavevm.host"),
	}
	for _, o := range opts {
		o(it)
	}
	it.registerBuiltins()
	if it.store != nil {
		if err := it.loadGlobals(); err != nil {
			it.log.Warningf("loading persisted globals: %s", err.Error())
		}
	}
	return it
}

// cell is one global/persistent storage cell; it satisfies
// value.RefTarget so Ref values read and write through it. A cell bound
// to a store writes through best-effort.
type cell struct {
	v     value.Value
	name  string
	store *Store
}

func (c *cell) Get() value.Value {
	if c.v == nil {
		return value.Undefined
	}
	return c.v
}

func (c *cell) Set(v value.Value) {
	c.v = v
	if c.store != nil && c.name != "" {
		if err := c.store.SaveGlobal(c.name, v); err != nil {
			// Persistence is advisory; execution continues on a failed
			// write.
			_ = err
		}
	}
}

func (it *Interp) loadGlobals() error {
	vals, err := it.store.LoadGlobals()
	if err != nil {
		return err
	}
	for name, v := range vals {
		it.globals[name] = &cell{v: v, name: name, store: it.store}
	}
	return nil
}

// ---- vm.Host implementation ----------------------------------------------

func (it *Interp) PushStackFrame(fn *bytecode.Chunk, nargout, nArgs int, closure bool) vm.HostFrame {
	var f *Frame
	if n := len(it.frameCache); n > 0 && !closure {
		f = it.frameCache[n-1]
		it.frameCache = it.frameCache[:n-1]
		*f = Frame{}
	} else {
		f = &Frame{}
	}
	f.Fn = fn
	f.Nargout = nargout
	f.Nargin = nArgs
	f.Closure = closure
	it.frames = append(it.frames, f)
	return f
}

func (it *Interp) PopStackFrame() {
	if n := len(it.frames); n > 0 {
		it.recycle(it.frames[n-1])
		it.frames = it.frames[:n-1]
	}
}

func (it *Interp) PopReturnStackFrame() vm.HostFrame {
	n := len(it.frames)
	if n == 0 {
		return &Frame{}
	}
	f := it.frames[n-1]
	it.frames = it.frames[:n-1]
	it.recycle(f)
	return f
}

func (it *Interp) recycle(f *Frame) {
	if f.Closure || len(it.frameCache) >= frameCacheSize {
		return
	}
	it.frameCache = append(it.frameCache, f)
}

func (it *Interp) SetNargin(frame vm.HostFrame, n int) {
	if f, ok := frame.(*Frame); ok {
		f.Nargin = n
	}
}

func (it *Interp) SetNargout(frame vm.HostFrame, n int) {
	if f, ok := frame.(*Frame); ok {
		f.Nargout = n
	}
}

func (it *Interp) GlobalVarRef(name string) (value.RefTarget, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	c, ok := it.globals[name]
	if !ok {
		c = &cell{name: name, store: it.store}
		it.globals[name] = c
		return c, true
	}
	return c, false
}

func (it *Interp) PersistentVarRef(fn string, offset int) (value.RefTarget, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	scope := it.persistents[fn]
	for len(scope) <= offset {
		scope = append(scope, nil)
	}
	isNew := scope[offset] == nil
	if isNew {
		scope[offset] = &cell{v: value.NewMatrix(0, 0)}
	}
	it.persistents[fn] = scope
	return scope[offset], isNew
}

// ClearPersistents drops a function's persistent scope (`clear fn`).
func (it *Interp) ClearPersistents(fn string) {
	it.mu.Lock()
	defer it.mu.Unlock()
	delete(it.persistents, fn)
}

func (it *Interp) InstallFunction(name string, c *value.Callable) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.functions[name] = c
}

// InstallCompiled registers a compiled chunk under its function name,
// the path __vm_enable__'s one-shot compilation uses.
func (it *Interp) InstallCompiled(chunk *bytecode.Chunk) {
	it.InstallFunction(chunk.FunctionName(), &value.Callable{
		Name:       chunk.FunctionName(),
		IsCompiled: true,
		Bytecode:   chunk,
	})
}

func (it *Interp) Resolve(name string) (*value.Callable, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if c, ok := it.functions[name]; ok {
		return c, true
	}
	if c, ok := it.builtins[name]; ok {
		return c, true
	}
	return nil, false
}

func (it *Interp) Feval(name string, args []value.Value, nargout int) ([]value.Value, error) {
	c, ok := it.Resolve(name)
	if !ok {
		return nil, &vm.VMError{Kind: vm.IDUndefined, Identifier: vm.IDUndefinedFunction, Message: fmt.Sprintf("'%s' undefined", name)}
	}
	if c.Native == nil {
		return nil, fmt.Errorf("feval of compiled function '%s' must go through the VM", name)
	}
	return c.Native(args, nargout)
}

func (it *Interp) DoBreakpoint(frame vm.HostFrame, ip int, isReturn bool) error {
	if it.breakpointFn != nil {
		return it.breakpointFn(frame, ip, isReturn)
	}
	return nil
}

func (it *Interp) Echo(chunk *bytecode.Chunk, ip int) {
	line, _ := chunk.LocAt(ip)
	fmt.Fprintf(it.out, "+ [%s:%d]\n", chunk.FunctionName(), line)
}

func (it *Interp) Display(name string, cmdForm bool, v value.Value) {
	if cmdForm {
		name = "ans"
	}
	fmt.Fprintf(it.out, "%s = %s\n", name, v.String())
}

func (it *Interp) SaveException(err *vm.VMError) {
	it.lastError = err
}

// LastError exposes the lasterr()/lasterror() state.
func (it *Interp) LastError() *vm.VMError { return it.lastError }

func (it *Interp) EnterScript(frame vm.HostFrame) {}
func (it *Interp) ExitScript()                    {}
func (it *Interp) EnterNested(frame vm.HostFrame) {}

// GlobalValue reads a global's current contents (tests and the REPL
// use this; the VM itself goes through Ref values).
func (it *Interp) GlobalValue(name string) value.Value {
	it.mu.Lock()
	defer it.mu.Unlock()
	if c, ok := it.globals[name]; ok {
		return c.Get()
	}
	return value.Undefined
}
