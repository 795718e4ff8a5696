// Package vm is the dispatch core: the operand/frame stack machine, the
// decode loop with its type-specialized self-modifying opcode variants,
// the chained-indexing protocol, and the unwinder that cooperates with
// try/catch, unwind-protect, breakpoints, echo, and the profiler.
//
// The VM is strictly single-threaded and synchronous: one instruction
// pointer, one operand stack, one host context. The only cross-thread
// entry point is RequestInterrupt, which sets a flag the dispatch loop
// observes at signal checkpoints and operator boundaries.
package vm

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/nsesodia/octave-vm/internal/bytecode"
	"github.com/nsesodia/octave-vm/internal/value"
)

const (
	defaultStackSize   = 1 << 14
	stackMinForNewCall = 64
)

// VM executes compiled chunks against a Host.
type VM struct {
	host Host

	stack []value.Value
	sp    int
	bsp   int

	chunk *bytecode.Chunk
	ip    int

	callStack   []callSave
	ignoreStack []ignoreFrame
	frameCache  *framePointerCache
	hostFrame   HostFrame

	prof *Profiler

	// result holds the harvested root-frame return values after run()
	// completes normally.
	result []value.Value

	interrupted atomic.Bool

	// instrStart is the offset of the opcode byte currently dispatched,
	// used by self-specialization, re-dispatch, and error attribution.
	instrStart int

	wide              bool
	extNargout        int
	extNargoutPending bool
	braindeadScalar   bool
	dispCmdForm       bool

	// chainNargout stacks the final-link nargout for the chained
	// subsref protocol (INDEX_STRUCT_CALL leaders push, last follower
	// pops). A stack, because a compiled call mid-chain may start a
	// chain of its own.
	chainNargout []int

	// pendingAnonIgnore arms ANON_MAYBE_SET_IGNORE_OUTPUTS for the next
	// compiled call.
	pendingAnonIgnore bool

	trace       bool
	debugMode   bool
	echoMode    bool
	disableSpec bool

	lastEchoLine     int
	echoSuppressCond bool

	log commonlog.Logger
}

// Option configures a VM at construction time.
type Option func(*VM)

// WithStackSize overrides the operand stack's preallocated size.
func WithStackSize(n int) Option {
	return func(vm *VM) {
		if n > 0 {
			vm.stack = make([]value.Value, n)
		}
	}
}

// WithoutSpecialization forces every opcode to take its generic path, the
// debug mode that lets tests diff generic-vs-specialized execution.
func WithoutSpecialization() Option {
	return func(vm *VM) { vm.disableSpec = true }
}

// WithTrace prints each dispatched instruction.
func WithTrace() Option {
	return func(vm *VM) { vm.trace = true }
}

// WithDebug enables the per-dispatch breakpoint hook.
func WithDebug() Option {
	return func(vm *VM) { vm.debugMode = true }
}

// WithEcho enables source-line echo on dispatch of a new line.
func WithEcho() Option {
	return func(vm *VM) { vm.echoMode = true }
}

// WithProfiling attaches a profiler sampling at every dispatch.
func WithProfiling() Option {
	return func(vm *VM) { vm.prof = NewProfiler() }
}

// WithProfiler attaches a caller-constructed profiler (tests inject a
// deterministic clock this way).
func WithProfiler(p *Profiler) Option {
	return func(vm *VM) { vm.prof = p }
}

// NewVM constructs a VM bound to host.
func NewVM(host Host, opts ...Option) *VM {
	vm := &VM{
		host:       host,
		stack:      make([]value.Value, defaultStackSize),
		frameCache: newFramePointerCache(),
		log:        commonlog.GetLogger("octavevm.vm"),
	}
	for _, o := range opts {
		o(vm)
	}
	return vm
}

// Profiler returns the attached profiler, or nil.
func (vm *VM) Profiler() *Profiler { return vm.prof }

// RequestInterrupt flags a user interrupt (ctrl-C). The flag is observed
// at HANDLE_SIGNALS / FOR_COND checkpoints and at operator boundaries;
// only unwind-protect handlers run during the resulting unwind.
func (vm *VM) RequestInterrupt() { vm.interrupted.Store(true) }

// Execute runs a compiled chunk as the root frame with the given
// arguments and caller-requested nargout, returning the harvested return
// values. On an uncaught error the operand stack is fully unwound back
// to its pre-call state before the error is returned.
func (vm *VM) Execute(chunk *bytecode.Chunk, args []value.Value, nargout int) ([]value.Value, error) {
	baseSP := vm.sp
	baseCalls := len(vm.callStack)
	vm.chunk = chunk
	vm.result = nil
	if err := vm.setupFrame(chunk, args, nargout, false, nil); err != nil {
		for vm.sp > baseSP {
			vm.popDrop()
		}
		return nil, err
	}
	vm.ip = 4
	err := vm.run()
	if err != nil {
		// The unwinder has already dropped frame contents; make the
		// balance exact even if it bailed mid-frame.
		for vm.sp > baseSP {
			vm.popDrop()
		}
		vm.callStack = vm.callStack[:baseCalls]
		return nil, err
	}
	return vm.result, nil
}

// setupFrame lays out a new frame at the current sp:
// nargout at bsp[0], return slots, argument slots (with varargin
// packing), then pure locals, leaving sp at bsp+n_locals.
func (vm *VM) setupFrame(chunk *bytecode.Chunk, args []value.Value, nargout int, closure bool, captures []value.Value) error {
	h := chunk.Header
	R, A, L := h.NumReturns(), h.NumArgs(), int(h.NLocals)
	if min := 1 + R + A; L < min {
		L = min
	}
	if !vm.stackSpaceOK(L) {
		return newExecutionError(IDInvalidFunCall, "VM is running out of stack space")
	}

	vm.bsp = vm.sp
	vm.push(value.Scalar(nargout))
	for i := 0; i < R; i++ {
		vm.push(value.Undefined)
	}

	if h.IsVariadicInput() {
		if len(args) > maxVarargs {
			return newExecutionError(IDInvalidFunCall, fmt.Sprintf("max_stack_depth exceeded: more than %d arguments in call to '%s'", maxVarargs, chunk.FunctionName()))
		}
		named := A - 1
		for i := 0; i < named; i++ {
			if i < len(args) {
				vm.push(args[i].MakeStorable())
			} else {
				vm.push(value.Undefined)
			}
		}
		nTail := len(args) - named
		if nTail < 0 {
			nTail = 0
		}
		varargin := value.NewCell(1, nTail)
		for i := 0; i < nTail; i++ {
			varargin.Set(1, i+1, args[named+i].MakeStorable())
		}
		vm.push(varargin)
	} else {
		if len(args) > A {
			return newExecutionError(IDInvalidFunCall, fmt.Sprintf("%s: function called with too many inputs", chunk.FunctionName()))
		}
		for i := 0; i < A; i++ {
			if i < len(args) {
				vm.push(args[i].MakeStorable())
			} else {
				vm.push(value.Undefined)
			}
		}
	}

	for vm.sp < vm.bsp+L {
		vm.push(value.Undefined)
	}

	for i, c := range captures {
		vm.setSlot(1+R+A+i, c.MakeStorable())
	}

	vm.hostFrame = vm.host.PushStackFrame(chunk, nargout, len(args), closure)
	vm.host.SetNargin(vm.hostFrame, len(args))
	vm.host.SetNargout(vm.hostFrame, nargout)
	return nil
}

// nargoutHere reads bsp[0], the caller-requested nargout of the current
// frame.
func (vm *VM) nargoutHere() int {
	if s, ok := vm.stack[vm.bsp].(value.Scalar); ok {
		return int(s)
	}
	return 1
}

func (vm *VM) hooksLive() bool {
	return vm.trace || vm.debugMode || vm.echoMode || (vm.prof != nil && vm.prof.Enabled())
}

// ---- operand readers ------------------------------------------------------

func (vm *VM) readU8() int {
	b := vm.chunk.Code[vm.ip]
	vm.ip++
	return int(b)
}

func (vm *VM) readU16() int {
	v := int(vm.chunk.Code[vm.ip]) | int(vm.chunk.Code[vm.ip+1])<<8
	vm.ip += 2
	return v
}

func (vm *VM) readU32() int {
	c := vm.chunk.Code
	v := int(c[vm.ip]) | int(c[vm.ip+1])<<8 | int(c[vm.ip+2])<<16 | int(c[vm.ip+3])<<24
	vm.ip += 4
	return v
}

// readSlot reads a slot operand, honoring a preceding WIDE prefix.
func (vm *VM) readSlot() int {
	if vm.wide {
		vm.wide = false
		return vm.readU16()
	}
	return vm.readU8()
}

// takeExtNargout applies a pending EXT_NARGOUT re-tag to a nargout
// operand: the following opcode's count comes from bsp[0] instead of the
// encoded byte.
func (vm *VM) takeExtNargout(encoded int) int {
	if vm.extNargoutPending {
		vm.extNargoutPending = false
		return vm.extNargout
	}
	return encoded
}

// ---- the decode loop -----------------------------------------------------

var errRedispatch = fmt.Errorf("redispatch")

func (vm *VM) run() error {
	hooks := vm.hooksLive()
	for {
		vm.instrStart = vm.ip
		op := bytecode.Opcode(vm.chunk.Code[vm.ip])
		vm.ip++

		if op == bytecode.OpWide {
			vm.wide = true
			continue
		}

		if hooks {
			if err := vm.preDispatch(op); err != nil {
				resumed, verr := vm.unwind(vm.toVMError(err))
				if !resumed {
					return verr
				}
				continue
			}
		}

		var err error
		switch op {

		// ---- stack manipulation ----
		case bytecode.OpNop:
		case bytecode.OpPop:
			vm.popDrop()
		case bytecode.OpDup:
			vm.push(value.CopyForStack(vm.peek()))
		case bytecode.OpDupMove:
			v := vm.pop()
			vm.push(value.Undefined)
			vm.push(v)
		case bytecode.OpDupN:
			n := vm.readU8()
			base := vm.sp - n
			for i := 0; i < n; i++ {
				vm.push(value.CopyForStack(vm.stack[base+i]))
			}
		case bytecode.OpRot:
			a := vm.stack[vm.sp-3]
			vm.stack[vm.sp-3] = vm.stack[vm.sp-2]
			vm.stack[vm.sp-2] = vm.stack[vm.sp-1]
			vm.stack[vm.sp-1] = a
		case bytecode.OpSetSlotToStackDepth:
			slot := vm.readSlot()
			vm.setSlot(slot, stackInt(vm.sp-vm.bsp-int(vm.chunk.Header.NLocals)))

		// ---- constants ----
		case bytecode.OpLoadCst:
			vm.push(value.CopyForStack(vm.chunk.Constants[vm.readU8()]))
		case bytecode.OpLoadFarCst:
			vm.push(value.CopyForStack(vm.chunk.Constants[vm.readU32()]))
		case bytecode.OpLoad2Cst:
			vm.push(value.CopyForStack(vm.chunk.Constants[vm.readU8()]))
			vm.push(value.CopyForStack(vm.chunk.Constants[vm.readU8()]))
		case bytecode.OpPushDbl0:
			vm.push(value.Scalar(0))
		case bytecode.OpPushDbl1:
			vm.push(value.Scalar(1))
		case bytecode.OpPushDbl2:
			vm.push(value.Scalar(2))
		case bytecode.OpPushTrue:
			vm.push(value.Bool(true))
		case bytecode.OpPushFalse:
			vm.push(value.Bool(false))
		case bytecode.OpPushNil:
			vm.push(value.Undefined)
		case bytecode.OpPushPi:
			err = vm.pushNamedConstant(vm.readU16(), "pi", value.Scalar(math.Pi))
		case bytecode.OpPushE:
			err = vm.pushNamedConstant(vm.readU16(), "e", value.Scalar(math.E))
		case bytecode.OpPushI:
			err = vm.pushNamedConstant(vm.readU16(), "i", nil)
		case bytecode.OpPushFoldedCst:
			slot := vm.readU16()
			target := vm.readU16()
			if fc, ok := vm.getSlot(slot).(*foldedCache); ok && fc.live {
				vm.push(value.CopyForStack(fc.v))
				vm.ip = target
			}
		case bytecode.OpSetFoldedCst:
			slot := vm.readU16()
			vm.setSlot(slot, &foldedCache{v: vm.peek().MakeStorable(), live: true})

		// ---- slot access ----
		case bytecode.OpPushSlotNargout0, bytecode.OpPushSlotNargout1:
			err = vm.pushSlotValue(vm.readSlot())
		case bytecode.OpPushSlotNargoutN:
			slot := vm.readSlot()
			err = vm.pushSlotValueN(slot, vm.takeExtNargout(vm.readU8()))
		case bytecode.OpPushSlotNargoutX:
			err = vm.pushSlotValueN(vm.readSlot(), vm.nargoutHere())
		case bytecode.OpAssign:
			err = vm.assignDispatch(vm.readSlot(), false)
		case bytecode.OpForceAssign:
			err = vm.assignDispatch(vm.readSlot(), true)
		case bytecode.OpAssignN:
			err = vm.assignN()
		case bytecode.OpBindAns:
			err = vm.assignDispatch(vm.readSlot(), false)
		case bytecode.OpAssignCompound:
			err = vm.assignCompound(vm.readSlot(), vm.readU8())
		case bytecode.OpExtNargout:
			vm.extNargout = vm.nargoutHere()
			vm.extNargoutPending = true

		// ---- arithmetic / relational / unary ----
		case bytecode.OpAdd:
			err = vm.binop(value.OpAdd, bytecode.OpAddSpecDbl)
		case bytecode.OpSub:
			err = vm.binop(value.OpSub, bytecode.OpSubSpecDbl)
		case bytecode.OpMul:
			err = vm.binop(value.OpMul, bytecode.OpMulSpecDbl)
		case bytecode.OpDiv:
			err = vm.binop(value.OpDiv, 0)
		case bytecode.OpLDiv:
			err = vm.binop(value.OpLDiv, 0)
		case bytecode.OpPow:
			err = vm.binop(value.OpPow, 0)
		case bytecode.OpLe:
			err = vm.binop(value.OpLe, bytecode.OpLeSpecDbl)
		case bytecode.OpLt:
			err = vm.binop(value.OpLt, bytecode.OpLtSpecDbl)
		case bytecode.OpGe:
			err = vm.binop(value.OpGe, 0)
		case bytecode.OpGt:
			err = vm.binop(value.OpGt, 0)
		case bytecode.OpEq:
			err = vm.binop(value.OpEq, bytecode.OpEqSpecDbl)
		case bytecode.OpNe:
			err = vm.binop(value.OpNe, 0)
		case bytecode.OpAddSpecDbl:
			err = vm.binopSpec(value.OpAdd, bytecode.OpAdd)
		case bytecode.OpSubSpecDbl:
			err = vm.binopSpec(value.OpSub, bytecode.OpSub)
		case bytecode.OpMulSpecDbl:
			err = vm.binopSpec(value.OpMul, bytecode.OpMul)
		case bytecode.OpLeSpecDbl:
			err = vm.binopSpec(value.OpLe, bytecode.OpLe)
		case bytecode.OpLtSpecDbl:
			err = vm.binopSpec(value.OpLt, bytecode.OpLt)
		case bytecode.OpEqSpecDbl:
			err = vm.binopSpec(value.OpEq, bytecode.OpEq)
		case bytecode.OpNot:
			err = vm.unop(value.OpNot)
		case bytecode.OpUSub:
			err = vm.unop(value.OpUSub)
		case bytecode.OpTrans:
			err = vm.unop(value.OpTrans)
		case bytecode.OpHerm:
			err = vm.unop(value.OpHerm)

		// ---- control flow ----
		case bytecode.OpJmp:
			vm.ip = vm.readU16()
		case bytecode.OpJmpIf:
			err = vm.jmpCond(true)
		case bytecode.OpJmpIfn:
			err = vm.jmpCond(false)
		case bytecode.OpJmpIfDef:
			target := vm.readU16()
			v := vm.pop()
			defined := v.IsDefined()
			v.Drop()
			if defined {
				vm.ip = target
			}
		case bytecode.OpJmpIfnCaseMatch:
			err = vm.jmpIfnCaseMatch()
		case bytecode.OpThrowIferrobj:
			err = vm.throwIfErrObj()
		case bytecode.OpHandleSignals:
			if vm.interrupted.Load() {
				err = vm.interruptError()
			}
		case bytecode.OpBraindeadPrecondition:
			err = vm.braindeadPrecondition()
		case bytecode.OpBraindeadWarning:
			slot := vm.readSlot()
			kind := vm.readU8()
			vm.braindeadWarning(slot, kind)

		// ---- iteration ----
		case bytecode.OpForSetup:
			err = vm.forSetup(vm.readSlot())
		case bytecode.OpForCond:
			err = vm.forCond(vm.readSlot(), vm.readU16())
		case bytecode.OpForComplexSetup:
			err = vm.forComplexSetup(vm.readSlot(), vm.readSlot())
		case bytecode.OpForComplexCond:
			err = vm.forComplexCond(vm.readSlot(), vm.readSlot(), vm.readU16())
		case bytecode.OpPopNInts:
			n := vm.readU8()
			for i := 0; i < n; i++ {
				if _, ok := vm.pop().(stackInt); !ok {
					err = newExecutionError("", "internal error: POP_N_INTS over a non-integer stack entry")
					break
				}
			}

		// ---- calls / indexing ----
		case bytecode.OpIndexIdNargout0:
			slot := vm.readU16()
			err = vm.indexID(slot, vm.readU8(), 0)
		case bytecode.OpIndexIdNargout1:
			slot := vm.readU16()
			err = vm.indexID(slot, vm.readU8(), 1)
		case bytecode.OpIndexIdNargoutN, bytecode.OpIndexIdN:
			slot := vm.readU16()
			argc := vm.readU8()
			err = vm.indexID(slot, argc, vm.takeExtNargout(vm.readU8()))
		case bytecode.OpIndexIdNargoutX:
			slot := vm.readU16()
			err = vm.indexID(slot, vm.readU8(), vm.nargoutHere())
		case bytecode.OpIndexId1Mat1D:
			err = vm.indexMatSpecialized(vm.readU16(), vm.readU8(), false)
		case bytecode.OpIndexId1Mat2D:
			err = vm.indexMatSpecialized(vm.readU16(), vm.readU8(), true)
		case bytecode.OpIndexCell:
			slot := vm.readU16()
			argc := vm.readU8()
			err = vm.indexCell(slot, argc, vm.takeExtNargout(vm.readU8()))
		case bytecode.OpIndexObj:
			kind := value.IndexKind(vm.readU8())
			argc := vm.readU8()
			err = vm.indexObj(kind, argc, vm.takeExtNargout(vm.readU8()))
		case bytecode.OpWordCmd:
			name := vm.readU16()
			err = vm.wordCmd(name, vm.readU8(), 0)
		case bytecode.OpWordCmdNx:
			name := vm.readU16()
			err = vm.wordCmd(name, vm.readU8(), vm.nargoutHere())
		case bytecode.OpEval:
			err = vm.evalCall(vm.readU8())
		case bytecode.OpRet, bytecode.OpRetAnon:
			done, rerr := vm.doReturn(op == bytecode.OpRetAnon)
			if done {
				return nil
			}
			err = rerr
		case bytecode.OpIndexStructCall:
			slot := vm.readU16()
			kind := value.IndexKind(vm.readU8())
			argc := vm.readU8()
			err = vm.indexStructCall(slot, kind, argc, vm.takeExtNargout(vm.readU8()))
		case bytecode.OpIndexStructNargoutN:
			slot := vm.readU16()
			kind := value.IndexKind(vm.readU8())
			argc := vm.readU8()
			err = vm.indexStructCall(slot, kind, argc, vm.takeExtNargout(vm.readU8()))
		case bytecode.OpIndexStructSubcall:
			i := vm.readU8()
			n := vm.readU8()
			kind := value.IndexKind(vm.readU8())
			err = vm.indexStructSubcall(i, n, kind, vm.readU8())

		// ---- subassign ----
		case bytecode.OpSubassignId:
			slot := vm.readU16()
			kind := value.IndexKind(vm.readU8())
			err = vm.subassignID(slot, kind, vm.readU8())
		case bytecode.OpSubassignStruct:
			slot := vm.readU16()
			err = vm.subassignID(slot, value.IndexDot, vm.readU8())
		case bytecode.OpSubassignCellId:
			slot := vm.readU16()
			err = vm.subassignID(slot, value.IndexBrace, vm.readU8())
		case bytecode.OpSubassignObj:
			kind := vm.readU8()
			err = vm.subassignObj(kind, vm.readU8())
		case bytecode.OpSubassignChained:
			err = vm.subassignChained()

		// ---- aggregates ----
		case bytecode.OpMatrix:
			rows := vm.readU8()
			err = vm.matrixLiteral(rows, vm.readU8())
		case bytecode.OpMatrixUneven:
			err = vm.matrixUneven()
		case bytecode.OpPushCell:
			rows := vm.readU8()
			cols := vm.readU8()
			vm.push(value.NewCell(rows, cols))
			vm.push(stackInt(1)) // column counter
			vm.push(stackInt(1)) // row counter
		case bytecode.OpPushCellBig:
			rows := vm.readU32()
			cols := vm.readU32()
			vm.push(value.NewCell(rows, cols))
			vm.push(stackInt(1))
			vm.push(stackInt(1))
		case bytecode.OpAppendCell:
			err = vm.appendCell(vm.readU8())

		// ---- scoping ----
		case bytecode.OpGlobalInit:
			kind := vm.readU8()
			slot := vm.readU16()
			hasInit := vm.readU8()
			err = vm.globalInit(kind, slot, hasInit != 0, vm.readU16())
		case bytecode.OpEnterScriptFrame:
			vm.host.EnterScript(vm.hostFrame)
		case bytecode.OpExitScriptFrame:
			vm.host.ExitScript()
		case bytecode.OpEnterNestedFrame:
			vm.host.EnterNested(vm.hostFrame)
		case bytecode.OpInstallFunction:
			err = vm.installFunction(vm.readU16())

		// ---- ignored outputs ----
		case bytecode.OpSetIgnoreOutputs:
			err = vm.setIgnoreOutputs()
		case bytecode.OpClearIgnoreOutputs:
			err = vm.clearIgnoreOutputs()
		case bytecode.OpAnonMaybeSetIgnoreOutputs:
			vm.anonMaybeSetIgnoreOutputs()

		// ---- handles ----
		case bytecode.OpPushFcnHandle:
			err = vm.pushFcnHandle(vm.readU16())
		case bytecode.OpPushAnonFcnHandle:
			idx := vm.readU32()
			err = vm.pushAnonFcnHandle(idx, vm.readU8())

		// ---- end resolution ----
		case bytecode.OpEndId:
			slot := vm.readU16()
			nargs := vm.readU8()
			err = vm.endID(slot, nargs, vm.readU8())
		case bytecode.OpEndObj:
			off := vm.readU8()
			nargs := vm.readU8()
			err = vm.endObj(off, nargs, vm.readU8())
		case bytecode.OpEndXN:
			err = vm.endXN()

		// ---- diagnostics ----
		case bytecode.OpDisp:
			slot := vm.readU16()
			err = vm.disp(slot, vm.readU8())
		case bytecode.OpPushSlotDisp:
			slot := vm.readU16()
			err = vm.pushSlotValue(slot)
			vm.dispCmdForm = false
		case bytecode.OpDebug:
			isRet := vm.ip < len(vm.chunk.Code) &&
				(bytecode.Opcode(vm.chunk.Code[vm.ip]) == bytecode.OpRet ||
					bytecode.Opcode(vm.chunk.Code[vm.ip]) == bytecode.OpRetAnon)
			err = vm.host.DoBreakpoint(vm.hostFrame, vm.instrStart, isRet)

		default:
			err = newExecutionError("", fmt.Sprintf("invalid opcode 0x%02X at offset %d in '%s'", byte(op), vm.instrStart, vm.chunk.FunctionName()))
		}

		vm.wide = false
		if err == errRedispatch {
			vm.ip = vm.instrStart
			continue
		}
		if err != nil {
			resumed, verr := vm.unwind(vm.toVMError(err))
			if !resumed {
				return verr
			}
		}
	}
}

// ---- small handlers kept next to the loop --------------------------------

// pushSlotValue implements PUSH_SLOT_NARGOUT*: read the slot, deref a
// Ref, take the first element of a cs-list, error on undefined.
func (vm *VM) pushSlotValue(slot int) error {
	v := vm.getSlot(slot)
	if !v.IsDefined() {
		return vm.undefinedIDError(slot)
	}
	d := v.Deref()
	if d.IsCsList() {
		first, err := d.(*value.CsList).First()
		if err != nil {
			return err
		}
		d = first
	}
	vm.push(value.CopyForStack(d))
	return nil
}

// pushSlotValueN is the NARGOUTN/NARGOUTX variant: a cs-list slot
// expands to up to n stacked values; anything else pushes one.
func (vm *VM) pushSlotValueN(slot, n int) error {
	v := vm.getSlot(slot)
	if !v.IsDefined() {
		return vm.undefinedIDError(slot)
	}
	d := v.Deref()
	if !d.IsCsList() {
		vm.push(value.CopyForStack(d))
		return nil
	}
	items := d.ListValue()
	for i := 0; i < max(n, 1); i++ {
		if i < len(items) {
			vm.push(value.CopyForStack(items[i]))
		} else {
			vm.push(value.Undefined)
		}
	}
	return nil
}

func (vm *VM) undefinedIDError(slot int) error {
	name := "<unknown>"
	if slot < len(vm.chunk.Ids) {
		name = vm.chunk.Ids[slot]
	}
	return &VMError{Kind: IDUndefined, Identifier: IDUndefinedFunction, Message: fmt.Sprintf("'%s' undefined", name)}
}

// assignDispatch implements ASSIGN/FORCE_ASSIGN/BIND_ANS: cs-list rhs takes its first element, undefined rhs
// errors, lazy copies materialize, Ref targets are written through
// unless force bypasses the redirection.
func (vm *VM) assignDispatch(slot int, force bool) error {
	rhs := vm.pop()
	if rhs.IsCsList() {
		first, err := rhs.(*value.CsList).First()
		if err != nil {
			rhs.Drop()
			return &VMError{Kind: InvalidNelRHS, Message: "invalid number of elements on RHS of assignment"}
		}
		rhs = first
	}
	if !rhs.IsDefined() {
		return &VMError{Kind: RHSUndefInAssignment, Message: "value on right hand side of assignment is undefined"}
	}
	if !force {
		if ref, ok := vm.getSlot(slot).(*value.Ref); ok {
			return ref.SetValue(rhs.MakeStorable())
		}
	}
	vm.setSlot(slot, rhs.MakeStorable())
	return nil
}

// assignN implements ASSIGNN: multi-return assignment with cs-list
// expansion. The trailing operand bytes name the destination slots; the
// top n values on the stack were pushed left-to-right.
func (vm *VM) assignN() error {
	n := vm.readU8()
	slots := make([]int, n)
	for i := range slots {
		slots[i] = vm.readU8()
	}
	// Expand cs-lists across the n stacked values.
	vals := make([]value.Value, 0, n)
	base := vm.sp - n
	for i := 0; i < n; i++ {
		v := vm.stack[base+i]
		if v.IsCsList() {
			vals = append(vals, v.ListValue()...)
		} else {
			vals = append(vals, v)
		}
		vm.stack[base+i] = nil
	}
	vm.sp = base
	if len(vals) < len(slots) {
		for _, v := range vals {
			v.Drop()
		}
		return &VMError{Kind: InvalidNelRHS, Message: "invalid number of elements on RHS of assignment"}
	}
	for i, slot := range slots {
		if ref, ok := vm.getSlot(slot).(*value.Ref); ok {
			if err := ref.SetValue(vals[i].MakeStorable()); err != nil {
				return err
			}
			continue
		}
		vm.setSlot(slot, vals[i].MakeStorable())
	}
	for _, v := range vals[len(slots):] {
		v.Drop()
	}
	return nil
}

// assignCompound implements ASSIGN_COMPOUND slot, op: the slot must be
// defined; op applies to the slot value (or the referenced target).
func (vm *VM) assignCompound(slot int, opByte int) error {
	cur := vm.getSlot(slot)
	if !cur.IsDefined() {
		return vm.undefinedIDError(slot)
	}
	rhs := vm.pop()
	res, err := value.Binop(value.BinOp(opByte), cur.Deref(), rhs.Deref())
	rhs.Drop()
	if err != nil {
		return err
	}
	if ref, ok := cur.(*value.Ref); ok {
		return ref.SetValue(res.MakeStorable())
	}
	vm.setSlot(slot, res.MakeStorable())
	return nil
}

// binop is the generic arithmetic/relational handler. When both operands
// match the double fast path and a specialized opcode exists, it rewrites
// its own opcode byte so the next execution takes the specialized variant.
func (vm *VM) binop(op value.BinOp, spec bytecode.Opcode) error {
	if vm.interrupted.Load() {
		return vm.interruptError()
	}
	b := vm.pop()
	a := vm.pop()
	ad, bd := a.Deref(), b.Deref()
	if spec != 0 && !vm.disableSpec &&
		ad.TypeID() == value.TypeScalar && bd.TypeID() == value.TypeScalar {
		vm.chunk.Code[vm.instrStart] = byte(spec)
	}
	res, err := value.Binop(op, ad, bd)
	a.Drop()
	b.Drop()
	if err != nil {
		return err
	}
	vm.push(res)
	return nil
}

// binopSpec is the specialized double-by-double variant: it checks the
// type-ids on every entry and rewrites itself back to the generic opcode
// on mismatch, re-dispatching the same instruction.
func (vm *VM) binopSpec(op value.BinOp, generic bytecode.Opcode) error {
	a, ok1 := vm.stack[vm.sp-2].(value.Scalar)
	b, ok2 := vm.stack[vm.sp-1].(value.Scalar)
	if !ok1 || !ok2 {
		vm.chunk.Code[vm.instrStart] = byte(generic)
		return errRedispatch
	}
	fn, ok := value.Specialized(op, value.TypeScalar, value.TypeScalar)
	if !ok {
		vm.chunk.Code[vm.instrStart] = byte(generic)
		return errRedispatch
	}
	res, err := fn(a, b)
	if err != nil {
		return err
	}
	vm.sp -= 2
	vm.stack[vm.sp] = nil
	vm.stack[vm.sp+1] = nil
	vm.push(res)
	return nil
}

func (vm *VM) unop(op value.UnOp) error {
	if vm.interrupted.Load() {
		return vm.interruptError()
	}
	a := vm.pop()
	res, err := value.Unop(op, a.Deref())
	a.Drop()
	if err != nil {
		return err
	}
	vm.push(res)
	return nil
}

func (vm *VM) jmpCond(wantTruthy bool) error {
	target := vm.readU16()
	v := vm.pop()
	if !v.IsDefined() {
		return &VMError{Kind: IfUndefined, Message: "condition expression is undefined"}
	}
	truthy := value.IsTruthy(v)
	v.Drop()
	if truthy == wantTruthy {
		vm.ip = target
	}
	return nil
}

// jmpIfnCaseMatch pops a case label and compares it against the switch
// value beneath it, jumping when they do NOT match. A cell label matches
// if any member matches.
func (vm *VM) jmpIfnCaseMatch() error {
	target := vm.readU16()
	label := vm.pop()
	sw := vm.peek().Deref()
	match := caseMatch(sw, label.Deref())
	label.Drop()
	if !match {
		vm.ip = target
	}
	return nil
}

func caseMatch(sw, label value.Value) bool {
	if c, ok := label.(*value.Cell); ok {
		for _, el := range c.Data {
			if caseMatch(sw, el.Deref()) {
				return true
			}
		}
		return false
	}
	if ls, ok := label.(value.Str); ok {
		ss, ok2 := sw.(value.Str)
		return ok2 && ss == ls
	}
	res, err := value.Binop(value.OpEq, sw, label)
	return err == nil && value.IsTruthy(res)
}

// throwIfErrObj rethrows the error struct an unwind-protect cleanup
// block received, or does nothing if the protected body completed
// normally (TOS is undefined).
func (vm *VM) throwIfErrObj() error {
	v := vm.pop()
	s, ok := v.Deref().(*value.Struct)
	if !ok {
		v.Drop()
		return nil
	}
	msg, _ := s.Get("message")
	id, _ := s.Get("identifier")
	verr := &VMError{Kind: ExecutionExc}
	if msg != nil {
		verr.Message = msg.String()
	}
	if id != nil {
		verr.Identifier = id.String()
	}
	v.Drop()
	return verr
}

func (vm *VM) interruptError() error {
	vm.interrupted.Store(false)
	return &VMError{Kind: InterruptExc, Message: "interrupted"}
}

// braindeadPrecondition enforces the 1x1 requirement the legacy
// short-circuit lowering depends on.
func (vm *VM) braindeadPrecondition() error {
	v := vm.peek().Deref()
	ok := false
	switch t := v.(type) {
	case value.Scalar, value.Bool:
		ok = true
	case *value.Matrix:
		ok = t.Numel() == 1
	}
	vm.braindeadScalar = ok
	if !ok {
		return newExecutionError("", "binary operator in a short-circuit context produced a result with size > 1x1")
	}
	return nil
}

// braindeadWarning fires Octave:possible-matlab-short-circuit-operator at
// most once per textual occurrence; the slot memoizes "already warned".
func (vm *VM) braindeadWarning(slot, kind int) {
	if vm.getSlot(slot).IsDefined() {
		return
	}
	opName := "|"
	if kind == 1 {
		opName = "&"
	}
	vm.log.Warningf("%s: Matlab-style short-circuit operation performed for operator %s", IDShortCircuitWarning, opName)
	vm.setSlot(slot, value.Bool(true))
}

// pushNamedConstant implements PUSH_PI/PUSH_I/PUSH_E: a defined,
// non-function-cache slot means the user shadowed the name, so fall back
// to the slot value; otherwise push the prebuilt constant (or resolve it
// through the host when no prebuilt exists, as for i).
func (vm *VM) pushNamedConstant(slot int, name string, prebuilt value.Value) error {
	v := vm.getSlot(slot)
	if v.IsDefined() && !value.HasFunctionCache(v) {
		return vm.pushSlotValue(slot)
	}
	if prebuilt != nil {
		vm.push(prebuilt)
		return nil
	}
	res, err := vm.host.Feval(name, nil, 1)
	if err != nil {
		return err
	}
	if len(res) == 0 {
		return newIDUndefined(name)
	}
	vm.push(res[0])
	return nil
}

// disp pops the displayed value and hands it to the host, tagged either
// with the variable name in the ids table or with "ans" for a
// command-form result.
func (vm *VM) disp(slot, cmdFlag int) error {
	v := vm.pop()
	name := "ans"
	cmdForm := cmdFlag != 0 || vm.dispCmdForm
	if !cmdForm && slot < len(vm.chunk.Ids) {
		name = vm.chunk.Ids[slot]
	}
	vm.host.Display(name, cmdForm, v.Deref())
	v.Drop()
	vm.dispCmdForm = false
	return nil
}

// installFunction publishes the function handle on TOS under the name in
// the ids table.
func (vm *VM) installFunction(nameIdx int) error {
	v := vm.pop()
	defer v.Drop()
	name := vm.chunk.Ids[nameIdx]
	h, ok := v.Deref().(*value.FnHandle)
	if !ok {
		return newExecutionError("", fmt.Sprintf("cannot install '%s': not a function", name))
	}
	c := h.Target
	if c == nil && h.Chunk != nil {
		c = &value.Callable{Name: name, IsCompiled: true, Bytecode: h.Chunk}
	}
	vm.host.InstallFunction(name, c)
	return nil
}
