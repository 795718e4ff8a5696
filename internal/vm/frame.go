package vm

import (
	"fmt"

	"github.com/nsesodia/octave-vm/internal/bytecode"
	"github.com/nsesodia/octave-vm/internal/value"
)

// Slot layout:
//
//	bsp[0]                : nargout
//	bsp[1 .. R]            : return slots (R = |n_returns|)
//	bsp[R+1 .. R+A]        : argument slots (A = |n_args|)
//	bsp[R+A+1 .. L-1]      : pure local slots (L = n_locals, total slot count)
//	bsp[L ..]              : operand stack
//
// This implementation keeps bsp[0] and the first return slot as distinct
// cells rather than literally aliased storage; doReturn's nargout/"ans"
// handling reproduces the observable behavior the aliasing exists for
// without requiring pointer-level aliasing in a Go slice.

// callSave is the caller-register save area, kept as a Go struct on a
// side call stack rather than spilled onto the operand stack itself.
// This preserves the push-on-call/pop-on-return ordering without
// requiring raw integers to coexist with polymorphic Values on one
// stack; the saved registers are the chunk (which carries the
// code/constants/ids/unwind-table pointers), ip, bsp, and the caller's
// requested value count, with the first-arg address recomputed from bsp.
type callSave struct {
	chunk         *bytecode.Chunk
	ip            int
	bsp           int
	nvalback      int // caller-requested nargout for this call
	ignoreMark    int // ignoreStack depth to restore on return/unwind
	hostFrame     HostFrame
	calleeOnStack bool // a callee object below the callee frame must be dropped on return
	closure       bool
}

// dynamicFrame is the reusable allocation unit cached by the
// frame-pointer cache: a scratch value slice for argument marshaling,
// allocated at the requested size, reused for any later request that
// fits its capacity, and zeroed with value.Undefined on reuse.
type dynamicFrame struct {
	locals []value.Value
}

const framePointerCacheSize = 8

// framePointerCache is a small bounded pool of dynamicFrame
// allocations, avoiding allocator traffic across calls. Frames backing
// a closure context are never returned to the pool.
type framePointerCache struct {
	pool []*dynamicFrame
}

func newFramePointerCache() *framePointerCache {
	return &framePointerCache{pool: make([]*dynamicFrame, 0, framePointerCacheSize)}
}

func (c *framePointerCache) acquire(n int) *dynamicFrame {
	for i, f := range c.pool {
		if cap(f.locals) >= n {
			c.pool = append(c.pool[:i], c.pool[i+1:]...)
			f.locals = f.locals[:n]
			for j := range f.locals {
				f.locals[j] = value.Undefined
			}
			return f
		}
	}
	return &dynamicFrame{locals: make([]value.Value, n)}
}

func (c *framePointerCache) release(f *dynamicFrame, isClosure bool) {
	if isClosure || len(c.pool) >= framePointerCacheSize {
		return
	}
	c.pool = append(c.pool, f)
}

// ignoreFrame is one entry of the ignored-outputs stack: the lvalue list a callee
// sees, which of its positions are black holes, the pending 1xN matrix of
// ignored positions, and whether this frame owns (and must release) that
// lvalue list.
type ignoreFrame struct {
	lvalueList []bool // true at index i => position i is a black hole
	matrix     *value.Matrix
	owns       bool
}

// stackInt is the "structured" raw-integer stack entry FOR_SETUP/FOR_COND
// and the cell-builder counters use. It satisfies value.Value so it can
// live on the operand stack, but no user-visible opcode ever produces or
// observes one.
type stackInt int

func (stackInt) TypeID() value.TypeID             { return value.TypeObject }
func (stackInt) IsDefined() bool                  { return true }
func (stackInt) IsRef() bool                      { return false }
func (stackInt) IsCsList() bool                   { return false }
func (i stackInt) Deref() value.Value             { return i }
func (i stackInt) ListValue() []value.Value       { return []value.Value{i} }
func (i stackInt) MakeStorable() value.Value      { return i }
func (i stackInt) MakeUnique() value.Value        { return i }
func (stackInt) DispatchKind() value.DispatchKind { return value.DispatchSubsref }
func (stackInt) Drop()                            {}
func (i stackInt) String() string                 { return fmt.Sprintf("<int %d>", int(i)) }

// foldedCache is the slot wrapper PUSH_FOLDED_CST/SET_FOLDED_CST use to
// memoize a side-effect-free expression.
type foldedCache struct {
	v    value.Value
	live bool
}

func (*foldedCache) TypeID() value.TypeID             { return value.TypeObject }
func (f *foldedCache) IsDefined() bool                { return f.live }
func (*foldedCache) IsRef() bool                      { return false }
func (*foldedCache) IsCsList() bool                   { return false }
func (f *foldedCache) Deref() value.Value             { return f }
func (f *foldedCache) ListValue() []value.Value       { return []value.Value{f} }
func (f *foldedCache) MakeStorable() value.Value      { return f }
func (f *foldedCache) MakeUnique() value.Value        { return f }
func (*foldedCache) DispatchKind() value.DispatchKind { return value.DispatchSubsref }
func (f *foldedCache) Drop()                          {}
func (f *foldedCache) String() string                 { return "<folded constant>" }

// The operand stack is a contiguous preallocated buffer;
// overflow is prevented by the stack-space check before every
// compiled-to-compiled call (stackSpaceOK), which reserves
// stackMinForNewCall slots of headroom for a frame's transient operands.
// push itself stays unchecked: the call-boundary check guarantees room.

func (vm *VM) push(v value.Value) {
	vm.stack[vm.sp] = v
	vm.sp++
}

func (vm *VM) pop() value.Value {
	vm.sp--
	v := vm.stack[vm.sp]
	vm.stack[vm.sp] = nil
	return v
}

// popDrop pops and drops a value whose result is not consumed; every
// "discard the operand" path funnels through here so destruction runs
// exactly once.
func (vm *VM) popDrop() {
	v := vm.pop()
	if v != nil {
		v.Drop()
	}
}

func (vm *VM) peek() value.Value { return vm.stack[vm.sp-1] }

// slotAddr returns the absolute stack index for a frame-relative slot.
func (vm *VM) slotAddr(slot int) int { return vm.bsp + slot }

func (vm *VM) getSlot(slot int) value.Value {
	v := vm.stack[vm.slotAddr(slot)]
	if v == nil {
		return value.Undefined
	}
	return v
}

func (vm *VM) setSlot(slot int, v value.Value) {
	addr := vm.slotAddr(slot)
	if old := vm.stack[addr]; old != nil {
		old.Drop()
	}
	vm.stack[addr] = v
}

// stackSpaceOK checks headroom before a compiled-to-compiled call.
func (vm *VM) stackSpaceOK(need int) bool {
	return vm.sp+need < len(vm.stack)-stackGuardPad
}

const stackGuardPad = 64

// maxVarargs is the hard cap on variadic-input call arguments; calls
// with more raise Octave:invalid-fun-call.
const maxVarargs = 512
