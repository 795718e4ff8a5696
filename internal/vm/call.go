package vm

import (
	"fmt"

	"github.com/nsesodia/octave-vm/internal/bytecode"
	"github.com/nsesodia/octave-vm/internal/value"
)

// popArgs removes the top argc stack values, expanding cs-lists, and
// returns them oldest-first. Ref values among the arguments are
// dereferenced: a callee receives the current target, not the slot's
// indirection.
func (vm *VM) popArgs(argc int) []value.Value {
	return vm.popArgsInto(make([]value.Value, 0, argc), argc)
}

// popArgsInto is popArgs marshaling into a caller-supplied buffer, used
// with the frame-pointer cache on the compiled-call path to avoid
// allocator traffic.
func (vm *VM) popArgsInto(args []value.Value, argc int) []value.Value {
	base := vm.sp - argc
	for i := 0; i < argc; i++ {
		v := vm.stack[base+i]
		vm.stack[base+i] = nil
		if v == nil {
			args = append(args, value.Undefined)
			continue
		}
		if v.IsCsList() {
			args = append(args, v.ListValue()...)
			continue
		}
		if v.IsRef() {
			args = append(args, v.Deref())
			continue
		}
		args = append(args, v)
	}
	vm.sp = base
	return args
}

// pushResults places up to nPush call results on the stack, expanding
// cs-lists inside the result list and padding with undefined. nargout=0
// still pushes one value so the caller can bind ans.
func (vm *VM) pushResults(res []value.Value, nargout int) {
	nPush := nargout
	if nPush < 1 {
		nPush = 1
	}
	flat := make([]value.Value, 0, len(res))
	for _, v := range res {
		if v != nil && v.IsCsList() {
			flat = append(flat, v.ListValue()...)
		} else if v != nil {
			flat = append(flat, v)
		}
	}
	for i := 0; i < nPush; i++ {
		if i < len(flat) {
			vm.push(flat[i])
		} else {
			vm.push(value.Undefined)
		}
	}
	for _, v := range flat[min(nPush, len(flat)):] {
		v.Drop()
	}
}

// resolveSlotCallable performs the FN_LOOKUP path: a nil/undefined slot
// gets a function-cache object installed from the host's lookup, which
// later executions reuse until the user reassigns the slot.
func (vm *VM) resolveSlotCallable(slot int) (value.Value, error) {
	v := vm.getSlot(slot)
	if v.IsDefined() {
		return v, nil
	}
	if slot >= len(vm.chunk.Ids) {
		return nil, vm.undefinedIDError(slot)
	}
	name := vm.chunk.Ids[slot]
	callable, ok := vm.host.Resolve(name)
	if !ok {
		return nil, newIDUndefined(name)
	}
	cache := value.NewFnCache(name, callable, value.DispatchCall)
	vm.setSlot(slot, cache)
	return cache, nil
}

// indexID is the unified INDEX_ID_NARGOUT* handler: value-or-call
// dispatch on the slot's content, with inline-cache specialization to
// the direct matrix-read opcodes when the operand shape qualifies.
func (vm *VM) indexID(slot, argc, nargout int) error {
	v, err := vm.resolveSlotCallable(slot)
	if err != nil {
		return err
	}
	switch v.Deref().DispatchKind() {
	case value.DispatchSubsref:
		return vm.indexValue(v.Deref(), value.IndexParen, argc, nargout, true)
	default:
		return vm.callValue(v, argc, nargout, false)
	}
}

// indexValue performs a paren/brace subsref of a plain data value with
// argc stacked subscripts. maySpecialize narrows the INDEX_ID_NARGOUT1
// fast path: nargout 1, all-scalar subscripts, full numeric matrix.
func (vm *VM) indexValue(target value.Value, kind value.IndexKind, argc, nargout int, maySpecialize bool) error {
	args := vm.popArgs(argc)
	if maySpecialize && !vm.disableSpec && nargout == 1 && len(args) == argc {
		// Only rewrite when the subscripts stayed scalar through cs-list
		// expansion; a cs-list subscript disqualifies the fast path.
		if m, ok := target.(*value.Matrix); ok && m.IsFullNumMatrix() && allScalars(args) {
			switch argc {
			case 1:
				vm.chunk.Code[vm.instrStart] = byte(bytecode.OpIndexId1Mat1D)
			case 2:
				vm.chunk.Code[vm.instrStart] = byte(bytecode.OpIndexId1Mat2D)
			}
		}
	}
	res, err := value.SimpleSubsref(target, kind, args, max(nargout, 1))
	dropAll(args)
	if err != nil {
		return vm.attributeIndexError(err)
	}
	vm.pushResults(res, nargout)
	return nil
}

func allScalars(vs []value.Value) bool {
	for _, v := range vs {
		if _, ok := v.Deref().(value.Scalar); !ok {
			return false
		}
	}
	return true
}

func dropAll(vs []value.Value) {
	for _, v := range vs {
		v.Drop()
	}
}

// indexMatSpecialized is the INDEX_ID1_MAT_1D/2D fast path: a direct
// bound-checked element read with no subsref round-trip. On any
// assumption miss it rewrites itself back to INDEX_ID_NARGOUT1 and
// re-dispatches.
func (vm *VM) indexMatSpecialized(slot, argc int, twoD bool) error {
	m, ok := vm.getSlot(slot).Deref().(*value.Matrix)
	if !ok || !m.IsFullNumMatrix() {
		vm.chunk.Code[vm.instrStart] = byte(bytecode.OpIndexIdNargout1)
		return errRedispatch
	}
	if twoD {
		r, ok1 := vm.stack[vm.sp-2].(value.Scalar)
		c, ok2 := vm.stack[vm.sp-1].(value.Scalar)
		if !ok1 || !ok2 || argc != 2 {
			vm.chunk.Code[vm.instrStart] = byte(bytecode.OpIndexIdNargout1)
			return errRedispatch
		}
		ri, ci := int(r), int(c)
		if float64(ri) != float64(r) || float64(ci) != float64(c) {
			return vm.attributeIndexError(&value.IndexError{Message: "subscripts must be either integers 1 to (2^63)-1 or logicals", Dim: 1})
		}
		f, err := m.At2D(ri, ci)
		if err != nil {
			return vm.attributeIndexError(err)
		}
		vm.sp -= 2
		vm.stack[vm.sp], vm.stack[vm.sp+1] = nil, nil
		vm.push(value.Scalar(f))
		return nil
	}
	i, ok1 := vm.stack[vm.sp-1].(value.Scalar)
	if !ok1 || argc != 1 {
		vm.chunk.Code[vm.instrStart] = byte(bytecode.OpIndexIdNargout1)
		return errRedispatch
	}
	ii := int(i)
	if float64(ii) != float64(i) {
		return vm.attributeIndexError(&value.IndexError{Message: "subscripts must be either integers 1 to (2^63)-1 or logicals", Dim: 1})
	}
	f, err := m.At1D(ii)
	if err != nil {
		return vm.attributeIndexError(err)
	}
	vm.sp--
	vm.stack[vm.sp] = nil
	vm.push(value.Scalar(f))
	return nil
}

// indexCell implements INDEX_CELL: brace indexing of the slot value with
// cs-list-producing results.
func (vm *VM) indexCell(slot, argc, nargout int) error {
	v := vm.getSlot(slot)
	if !v.IsDefined() {
		return vm.undefinedIDError(slot)
	}
	return vm.indexValue(v.Deref(), value.IndexBrace, argc, nargout, false)
}

// indexObj indexes the value sitting below the stacked subscripts (used
// for intermediate chain results and parenthesized expressions). The
// result replaces both the args and the object.
func (vm *VM) indexObj(kind value.IndexKind, argc, nargout int) error {
	args := vm.popArgs(argc)
	obj := vm.pop()
	target := obj.Deref()
	if value.IsFunction(target) {
		vm.push(obj)
		restore := len(args)
		for _, a := range args {
			vm.push(a)
		}
		return vm.callValueFromStack(obj, restore, nargout)
	}
	res, err := value.SimpleSubsref(target, kind, args, max(nargout, 1))
	dropAll(args)
	obj.Drop()
	if err != nil {
		return vm.attributeIndexError(err)
	}
	vm.pushResults(res, nargout)
	return nil
}

// callValue resolves a value in callee position and performs the call
// with argc stacked arguments. The callee is NOT on the operand stack.
func (vm *VM) callValue(v value.Value, argc, nargout int, calleeOnStack bool) error {
	switch cv := v.Deref().(type) {
	case *value.FnCache:
		return vm.callCallable(cv.Resolved, argc, nargout, calleeOnStack, nil)
	case *value.FnHandle:
		if cv.Anon {
			chunk, ok := cv.Chunk.(*bytecode.Chunk)
			if !ok {
				return newExecutionError("", "anonymous function handle has no compiled body")
			}
			return vm.callCompiled(chunk, argc, nargout, calleeOnStack, cv.Captures)
		}
		if cv.Target == nil {
			return newIDUndefined(cv.Name)
		}
		return vm.callCallable(cv.Target, argc, nargout, calleeOnStack, nil)
	default:
		return newExecutionError("", fmt.Sprintf("%s value cannot be called", v.TypeID()))
	}
}

// callValueFromStack is callValue for a callee that sits on the operand
// stack below its arguments, so the return path must drop it.
func (vm *VM) callValueFromStack(v value.Value, argc, nargout int) error {
	return vm.callValue(v, argc, nargout, true)
}

// callCallable dispatches a resolved callable: compiled targets get a
// bytecode frame, native targets a host invocation.
func (vm *VM) callCallable(c *value.Callable, argc, nargout int, calleeOnStack bool, captures []value.Value) error {
	if c == nil {
		return newExecutionError(IDUndefinedFunction, "call through an unresolved function cache")
	}
	if c.IsCompiled {
		chunk, ok := c.Bytecode.(*bytecode.Chunk)
		if !ok {
			return newExecutionError(IDBytecodeCompilation, fmt.Sprintf("'%s' is marked compiled but carries no bytecode", c.Name))
		}
		return vm.callCompiled(chunk, argc, nargout, calleeOnStack, captures)
	}
	return vm.callNative(c, argc, nargout, calleeOnStack)
}

// callCompiled pushes the caller save area and builds the callee frame
// in place. The profiler is
// told about the transition so sub-call time attributes correctly.
func (vm *VM) callCompiled(callee *bytecode.Chunk, argc, nargout int, calleeOnStack bool, captures []value.Value) error {
	buf := vm.frameCache.acquire(argc)
	defer vm.frameCache.release(buf, false)
	args := vm.popArgsInto(buf.locals[:0], argc)
	if callee.Header.IsVariadicInput() && len(args) > maxVarargs {
		dropAll(args)
		return newExecutionError(IDInvalidFunCall, fmt.Sprintf("max_stack_depth exceeded: more than %d arguments in call to '%s'", maxVarargs, callee.FunctionName()))
	}
	if !vm.stackSpaceOK(int(callee.Header.NLocals) + stackMinForNewCall) {
		dropAll(args)
		return newExecutionError(IDInvalidFunCall, "VM is running out of stack space")
	}
	ignoreMark := len(vm.ignoreStack)
	if vm.pendingAnonIgnore {
		vm.pendingAnonIgnore = false
		vm.propagateIgnoreFrame()
	}
	vm.callStack = append(vm.callStack, callSave{
		chunk:         vm.chunk,
		ip:            vm.ip,
		bsp:           vm.bsp,
		nvalback:      nargout,
		ignoreMark:    ignoreMark,
		hostFrame:     vm.hostFrame,
		calleeOnStack: calleeOnStack,
	})
	vm.chunk = callee
	if err := vm.setupFrame(callee, args, nargout, false, captures); err != nil {
		// Frame setup failed before any slot was written; restore the
		// caller registers so the unwinder sees a consistent frame.
		cs := vm.callStack[len(vm.callStack)-1]
		vm.callStack = vm.callStack[:len(vm.callStack)-1]
		vm.chunk, vm.ip, vm.bsp, vm.hostFrame = cs.chunk, cs.ip, cs.bsp, cs.hostFrame
		dropAll(args)
		return err
	}
	vm.ip = 4
	if vm.prof != nil {
		vm.prof.EnterCall(callee)
	}
	return nil
}

// callNative invokes a non-compiled callable through the host, then
// expands the returned value list onto the stack.
func (vm *VM) callNative(c *value.Callable, argc, nargout int, calleeOnStack bool) error {
	args := vm.popArgs(argc)
	if calleeOnStack {
		vm.popDrop()
	}
	var res []value.Value
	var err error
	if c.Native != nil {
		res, err = c.Native(args, nargout)
	} else {
		res, err = vm.host.Feval(c.Name, args, nargout)
	}
	dropAll(args)
	if err != nil {
		return err
	}
	vm.pushResults(res, nargout)
	return nil
}

// wordCmd dispatches a command-form call (`foo arg1 arg2`): the argc
// string arguments are already on the stack, and the callee resolves by
// name through the same path as INDEX_ID.
func (vm *VM) wordCmd(nameIdx, argc, nargout int) error {
	name := vm.chunk.Ids[nameIdx]
	callable, ok := vm.host.Resolve(name)
	if !ok {
		return newIDUndefined(name)
	}
	vm.dispCmdForm = true
	return vm.callCallable(callable, argc, nargout, false, nil)
}

// evalCall implements EVAL: the source text on TOS goes to the host's
// eval (the tree-walking fall-back), with results expanded like any
// native call.
func (vm *VM) evalCall(nargout int) error {
	code := vm.pop()
	src, err := value.AsString(code)
	code.Drop()
	if err != nil {
		return err
	}
	res, err := vm.host.Feval("eval", []value.Value{value.Str(src)}, nargout)
	if err != nil {
		return err
	}
	vm.pushResults(res, nargout)
	return nil
}

// pushFcnHandle implements PUSH_FCN_HANDLE: `@name` resolves now, so a
// later call through the handle does not depend on the scope it escapes.
func (vm *VM) pushFcnHandle(nameIdx int) error {
	name := vm.chunk.Ids[nameIdx]
	callable, ok := vm.host.Resolve(name)
	if !ok {
		return newIDUndefined(name)
	}
	vm.push(&value.FnHandle{Name: name, Target: callable})
	return nil
}

// pushAnonFcnHandle builds an anonymous handle over a nested chunk,
// capturing nCaptures stacked workspace values (pushed left-to-right).
func (vm *VM) pushAnonFcnHandle(chunkIdx, nCaptures int) error {
	if chunkIdx >= len(vm.chunk.NestedChunks) {
		return newExecutionError("", fmt.Sprintf("anonymous function index %d out of range", chunkIdx))
	}
	captures := vm.popArgs(nCaptures)
	vm.push(&value.FnHandle{
		Anon:     true,
		Chunk:    vm.chunk.NestedChunks[chunkIdx],
		Captures: captures,
	})
	return nil
}

// doReturn implements RET/RET_ANON.
// done=true means the root frame returned and vm.result holds the
// harvested values.
func (vm *VM) doReturn(anon bool) (bool, error) {
	h := vm.chunk.Header
	R := h.NumReturns()
	if anon {
		R = 1
	}
	A := h.NumArgs()
	L := int(h.NLocals)
	if min := 1 + R + A; L < min {
		L = min
	}

	// 1. Announce unwinding to the host so captured locals can persist.
	// The popped dynamic frame returns to the host's frame cache unless
	// it backs a closure context; that bookkeeping lives host-side.
	vm.host.PopReturnStackFrame()

	isRoot := len(vm.callStack) == 0
	demand := vm.nargoutHere()
	if !isRoot {
		demand = vm.callStack[len(vm.callStack)-1].nvalback
	}
	nHarvest := max(demand, 1)

	// 2./3. Collect return values, unpacking a variadic varargout cell.
	rets := make([]value.Value, 0, nHarvest)
	named := R
	if h.IsVariadicOutput() && !anon {
		named = R - 1
	}
	for i := 0; i < named && len(rets) < nHarvest; i++ {
		rets = append(rets, vm.takeSlot(1+i))
	}
	if h.IsVariadicOutput() && !anon {
		vo := vm.getSlot(1 + named)
		if c, ok := vo.Deref().(*value.Cell); ok {
			for i := 0; i < c.Rows*c.Cols && len(rets) < nHarvest; i++ {
				rets = append(rets, c.Data[i])
				c.Data[i] = value.Undefined
			}
		}
	}
	for len(rets) < nHarvest {
		rets = append(rets, value.Undefined)
	}

	// 4. Destruct argument and purely-local slots base-to-top; return
	// slots were either moved out above or are dropped here.
	for i := 1; i < L; i++ {
		addr := vm.bsp + i
		if v := vm.stack[addr]; v != nil {
			v.Drop()
			vm.stack[addr] = nil
		}
	}
	// Transient operands left above the locals (there should be none
	// after a well-formed function body) are dropped too.
	for vm.sp > vm.bsp {
		vm.sp--
		if v := vm.stack[vm.sp]; v != nil {
			v.Drop()
			vm.stack[vm.sp] = nil
		}
	}

	if vm.prof != nil {
		vm.prof.ExitCall(vm.chunk)
	}

	if isRoot {
		vm.result = rets
		return true, nil
	}

	// 5. Restore the caller registers and move the return values over.
	cs := vm.callStack[len(vm.callStack)-1]
	vm.callStack = vm.callStack[:len(vm.callStack)-1]
	vm.chunk, vm.ip, vm.bsp, vm.hostFrame = cs.chunk, cs.ip, cs.bsp, cs.hostFrame
	vm.ignoreStack = vm.ignoreStack[:min(cs.ignoreMark, len(vm.ignoreStack))]
	if cs.calleeOnStack {
		vm.popDrop()
	}
	for _, v := range rets {
		vm.push(v)
	}
	return false, nil
}

// takeSlot moves a slot's value out, leaving undefined behind, so the
// frame teardown does not drop a value that is being returned.
func (vm *VM) takeSlot(slot int) value.Value {
	addr := vm.slotAddr(slot)
	v := vm.stack[addr]
	vm.stack[addr] = value.Undefined
	if v == nil {
		return value.Undefined
	}
	return v
}
