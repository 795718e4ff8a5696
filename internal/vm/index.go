package vm

import (
	"github.com/nsesodia/octave-vm/internal/value"
)

// chainAccum is the wrapper value the chained-subsref protocol
// accumulates on TOS: the leftmost
// object plus the (type, args) pairs seen so far. It lives only between
// an INDEX_STRUCT_CALL leader and the final INDEX_STRUCT_SUBCALL
// follower; a compiled call between links simply returns into the next
// follower with the accumulator still on the stack.
type chainAccum struct {
	base  value.Value
	kinds []value.IndexKind
	idxs  [][]value.Value
}

func (*chainAccum) TypeID() value.TypeID             { return value.TypeObject }
func (a *chainAccum) IsDefined() bool                { return true }
func (*chainAccum) IsRef() bool                      { return false }
func (*chainAccum) IsCsList() bool                   { return false }
func (a *chainAccum) Deref() value.Value             { return a }
func (a *chainAccum) ListValue() []value.Value       { return []value.Value{a} }
func (a *chainAccum) MakeStorable() value.Value      { return a }
func (a *chainAccum) MakeUnique() value.Value        { return a }
func (*chainAccum) DispatchKind() value.DispatchKind { return value.DispatchSubsref }
func (a *chainAccum) Drop() {
	a.base.Drop()
	for _, group := range a.idxs {
		for _, v := range group {
			v.Drop()
		}
	}
}
func (a *chainAccum) String() string { return "<index chain>" }

// attributeIndexError converts a host/value-layer error into a VMError,
// retroactively attaching the user-visible identifier from the arg-name
// table to index failures.
func (vm *VM) attributeIndexError(err error) error {
	if ie, ok := err.(*value.IndexError); ok {
		if ie.Object == "" {
			ie.Object = vm.chunk.ArgNameAt(vm.instrStart)
		}
		return &VMError{Kind: IndexErrorKind, Message: ie.Error()}
	}
	return err
}

// indexStructCall is the chain leader: it starts an accumulator from the
// slot value; when the slot resolves to a callable it instead calls it with
// the stacked arguments so the chain continues over the call result.
func (vm *VM) indexStructCall(slot int, kind value.IndexKind, argc, nargout int) error {
	v, err := vm.resolveSlotCallable(slot)
	if err != nil {
		return err
	}
	vm.chainNargout = append(vm.chainNargout, nargout)
	d := v.Deref()
	if value.IsFunction(d) {
		// The call result becomes the chain's base; the next follower
		// picks it up from TOS.
		return vm.callValue(v, argc, 1, false)
	}
	args := vm.popArgs(argc)
	acc := &chainAccum{base: value.CopyForStack(d)}
	acc.kinds = append(acc.kinds, kind)
	acc.idxs = append(acc.idxs, args)
	vm.push(acc)
	return nil
}

// indexStructSubcall is a chain follower: link i of n. It accumulates
// its (type, args) group, finalizing the whole chain with one bulk
// subsref on the last link.
func (vm *VM) indexStructSubcall(i, n int, kind value.IndexKind, argc int) error {
	args := vm.popArgs(argc)
	top := vm.pop()

	var acc *chainAccum
	if a, ok := top.(*chainAccum); ok {
		acc = a
	} else {
		// The previous link was a call; its result is the new base.
		acc = &chainAccum{base: top}
	}
	acc.kinds = append(acc.kinds, kind)
	acc.idxs = append(acc.idxs, args)

	last := i >= n
	if !last {
		vm.push(acc)
		return nil
	}

	nargout := 1
	if len(vm.chainNargout) > 0 {
		nargout = vm.chainNargout[len(vm.chainNargout)-1]
		vm.chainNargout = vm.chainNargout[:len(vm.chainNargout)-1]
	}

	res, err := value.ChainSubsref(acc.base, acc.kinds, acc.idxs, max(nargout, 1))
	if err != nil {
		acc.Drop()
		return vm.attributeIndexError(err)
	}
	// A chain that resolves to a function in its final link is called
	// with no arguments (command-form tail call).
	if len(res) == 1 && value.IsFunction(res[0]) {
		acc.Drop()
		return vm.callValue(res[0], 0, nargout, false)
	}
	acc.Drop()
	vm.pushResults(res, nargout)
	return nil
}

// subassignID implements SUBASSIGN_ID/SUBASSIGN_STRUCT/SUBASSIGN_CELL_ID:
// one-link indexed assignment into a slot. Stack: args..., rhs.
func (vm *VM) subassignID(slot int, kind value.IndexKind, argc int) error {
	rhs := vm.pop()
	args := vm.popArgs(argc)
	if rhs.IsCsList() {
		first, err := rhs.(*value.CsList).First()
		if err != nil {
			dropAll(args)
			return &VMError{Kind: InvalidNelRHS, Message: "invalid number of elements on RHS of assignment"}
		}
		rhs = first
	}
	if !rhs.IsDefined() {
		dropAll(args)
		return &VMError{Kind: RHSUndefInAssignment, Message: "value on right hand side of assignment is undefined"}
	}

	cur := vm.getSlot(slot)
	if ref, ok := cur.(*value.Ref); ok {
		updated, err := value.Subsasgn(ref.Deref().MakeUnique(), kind, args, rhs.MakeStorable())
		dropAll(args)
		if err != nil {
			return vm.attributeIndexError(err)
		}
		return ref.SetValue(updated)
	}
	updated, err := value.Subsasgn(cur.Deref().MakeUnique(), kind, args, rhs.MakeStorable())
	dropAll(args)
	if err != nil {
		return vm.attributeIndexError(err)
	}
	vm.stack[vm.slotAddr(slot)] = updated
	return nil
}

// subassignObj assigns through an object on the stack rather than a
// slot: stack is obj, args..., rhs; the updated object is pushed back
// for the surrounding chain to consume.
func (vm *VM) subassignObj(kindByte, argc int) error {
	kind := value.IndexKind(kindByte)
	rhs := vm.pop()
	args := vm.popArgs(argc)
	obj := vm.pop()
	updated, err := value.Subsasgn(obj.Deref().MakeUnique(), kind, args, rhs.MakeStorable())
	dropAll(args)
	if err != nil {
		return vm.attributeIndexError(err)
	}
	vm.push(updated)
	return nil
}

// subassignChained implements SUBASSIGN_CHAINED slot, op, n_chained,
// (nargs, kind)*: the argument groups were pushed left-to-right with the
// rhs on top; groups pop in reverse order, expanding cs-lists.
func (vm *VM) subassignChained() error {
	slot := vm.readU16()
	opByte := vm.readU8()
	nChained := vm.readU8()
	type link struct {
		nargs int
		kind  value.IndexKind
	}
	links := make([]link, nChained)
	for i := range links {
		links[i] = link{nargs: vm.readU8(), kind: value.IndexKind(vm.readU8())}
	}

	rhs := vm.pop()
	kinds := make([]value.IndexKind, nChained)
	idxs := make([][]value.Value, nChained)
	for j := nChained - 1; j >= 0; j-- {
		kinds[j] = links[j].kind
		idxs[j] = vm.popArgs(links[j].nargs)
	}

	if rhs.IsCsList() {
		first, err := rhs.(*value.CsList).First()
		if err != nil {
			return &VMError{Kind: InvalidNelRHS, Message: "invalid number of elements on RHS of assignment"}
		}
		rhs = first
	}

	cur := vm.getSlot(slot)
	target := cur.Deref()

	// Compound forms read the addressed element first and combine.
	if opByte != subasgnPlain {
		old, err := value.ChainSubsref(target, kinds, idxs, 1)
		if err != nil {
			return vm.attributeIndexError(err)
		}
		combined, err := value.Binop(value.BinOp(opByte-1), old[0], rhs.Deref())
		if err != nil {
			return err
		}
		rhs = combined
	}

	updated, err := value.ChainSubsasgn(target.MakeUnique(), kinds, idxs, rhs.MakeStorable())
	for _, group := range idxs {
		dropAll(group)
	}
	if err != nil {
		return vm.attributeIndexError(err)
	}
	if ref, ok := cur.(*value.Ref); ok {
		return ref.SetValue(updated)
	}
	vm.stack[vm.slotAddr(slot)] = updated
	return nil
}

// subasgnPlain is the op byte for a plain (non-compound) chained
// assignment; compound ops encode value.BinOp+1.
const subasgnPlain = 0

// endID resolves `end` for a named indexable: END_ID slot, nargs, idx.
func (vm *VM) endID(slot, nargs, idx int) error {
	v := vm.getSlot(slot)
	if !v.IsDefined() {
		return vm.undefinedIDError(slot)
	}
	n, err := value.EndIndex(v.Deref(), idx+1, nargs)
	if err != nil {
		return err
	}
	vm.push(value.Scalar(n))
	return nil
}

// endObj resolves `end` against a value already on the stack,
// stackOffset slots below the subscripts evaluated so far.
func (vm *VM) endObj(stackOffset, nargs, idx int) error {
	v := vm.stack[vm.sp-1-stackOffset]
	if v == nil {
		return newExecutionError("", "'end' referenced a missing stack value")
	}
	n, err := value.EndIndex(v.Deref(), idx+1, nargs)
	if err != nil {
		return err
	}
	vm.push(value.Scalar(n))
	return nil
}

// endXN handles the awkward case where an inner `end` must refer to an
// outer indexable because the inner name resolves to a function call:
// the records scan innermost-to-outermost and the first one whose slot
// holds a plain defined value wins.
func (vm *VM) endXN() error {
	nIds := vm.readU8()
	type rec struct {
		nargs, idx int
		kind       byte
		slot       int
	}
	recs := make([]rec, nIds)
	for i := range recs {
		recs[i] = rec{nargs: vm.readU8(), idx: vm.readU8(), kind: byte(vm.readU8()), slot: vm.readU16()}
	}
	for _, r := range recs {
		v := vm.getSlot(r.slot)
		if !v.IsDefined() || value.IsFunction(v.Deref()) {
			continue
		}
		n, err := value.EndIndex(v.Deref(), r.idx+1, r.nargs)
		if err != nil {
			return err
		}
		vm.push(value.Scalar(n))
		return nil
	}
	return newExecutionError("", "'end' inside an index could not be bound to an indexable value")
}
