package vm

import (
	"fmt"

	"github.com/nsesodia/octave-vm/internal/value"
)

// ---- for loops ------------------------------------------------------------

// forSetup inspects the iterable on TOS and pushes the iteration count
// and a counter initialized to -1. An empty iterable yields zero
// iterations with the loop variable assigned the original input once.
func (vm *VM) forSetup(slot int) error {
	iterable := vm.peek().Deref()
	n := 0
	switch t := iterable.(type) {
	case *value.Matrix:
		if t.Rows > 0 {
			n = t.Cols
		}
		if n == 0 {
			vm.setSlot(slot, value.CopyForStack(iterable))
		}
	case *value.Cell:
		if t.Rows > 0 {
			n = t.Cols
		}
		if n == 0 {
			vm.setSlot(slot, value.CopyForStack(iterable))
		}
	case value.Str:
		n = t.Numel()
	case value.Scalar, value.Bool:
		n = 1
	default:
		if !iterable.IsDefined() {
			n = 0
		} else {
			return newExecutionError("", fmt.Sprintf("for loop over a %s value is not supported", iterable.TypeID()))
		}
	}
	vm.push(stackInt(n))
	vm.push(stackInt(-1))
	return nil
}

// forCond increments the counter and either jumps past the body or
// writes the next iteration value into the loop slot. The two integers
// and the iterable stay below on the stack until POP_N_INTS/POP at loop
// exit reclaim them.
func (vm *VM) forCond(slot, afterTarget int) error {
	if vm.interrupted.Load() {
		return vm.interruptError()
	}
	i, ok1 := vm.stack[vm.sp-1].(stackInt)
	n, ok2 := vm.stack[vm.sp-2].(stackInt)
	if !ok1 || !ok2 {
		return newExecutionError("", "internal error: for-loop counters missing from the stack")
	}
	i++
	if int(i) >= int(n) {
		vm.ip = afterTarget
		return nil
	}
	vm.stack[vm.sp-1] = i
	iterable := vm.stack[vm.sp-3].Deref()
	vm.setSlot(slot, iterationValue(iterable, int(i)))
	return nil
}

// iterationValue extracts 0-based iteration i: matrices iterate
// column-wise, cells yield 1x1 subcells, strings yield characters,
// scalars themselves.
func iterationValue(iterable value.Value, i int) value.Value {
	switch t := iterable.(type) {
	case *value.Matrix:
		col := t.Column(i + 1)
		if col.Rows == 1 {
			return value.Scalar(col.Data[0])
		}
		return col
	case *value.Cell:
		sub := value.NewCell(t.Rows, 1)
		for r := 1; r <= t.Rows; r++ {
			el, _ := t.At(r, i+1)
			sub.Set(r, 1, el)
		}
		return sub
	case value.Str:
		return value.Str(string(t)[i : i+1])
	default:
		return value.CopyForStack(iterable)
	}
}

// forComplexSetup begins `for [K, V] = struct`: iteration is keyed by
// field order.
func (vm *VM) forComplexSetup(keySlot, valSlot int) error {
	s, ok := vm.peek().Deref().(*value.Struct)
	if !ok {
		return newExecutionError("", "for [k, v] = ... requires a struct on the right hand side")
	}
	_ = keySlot
	_ = valSlot
	vm.push(stackInt(len(s.Order)))
	vm.push(stackInt(-1))
	return nil
}

func (vm *VM) forComplexCond(keySlot, valSlot, afterTarget int) error {
	if vm.interrupted.Load() {
		return vm.interruptError()
	}
	i, ok1 := vm.stack[vm.sp-1].(stackInt)
	n, ok2 := vm.stack[vm.sp-2].(stackInt)
	if !ok1 || !ok2 {
		return newExecutionError("", "internal error: for-loop counters missing from the stack")
	}
	i++
	if int(i) >= int(n) {
		vm.ip = afterTarget
		return nil
	}
	vm.stack[vm.sp-1] = i
	s := vm.stack[vm.sp-3].Deref().(*value.Struct)
	name := s.Order[int(i)]
	fv, _ := s.Get(name)
	vm.setSlot(keySlot, value.Str(name))
	vm.setSlot(valSlot, value.CopyForStack(fv))
	return nil
}

// ---- aggregate literals ---------------------------------------------------

// matrixLiteral implements MATRIX rows, cols: concatenate rows x cols
// stacked operands row-major. Elements
// may themselves be matrices; rows concatenate horizontally, then rows
// stack vertically.
func (vm *VM) matrixLiteral(rows, cols int) error {
	count := rows * cols
	elems := vm.popArgs(count)
	if len(elems) != count {
		// cs-list expansion changed the element count; fall back to the
		// uneven path semantics with a single implied row shape check.
		defer dropAll(elems)
		return newExecutionError("", "matrix literal with cs-list elements must use the uneven form")
	}
	out, err := buildMatrix(rows, cols, elems)
	dropAll(elems)
	if err != nil {
		return err
	}
	vm.push(out)
	return nil
}

func buildMatrix(rows, cols int, elems []value.Value) (value.Value, error) {
	if rows == 0 || cols == 0 {
		return value.NewMatrix(0, 0), nil
	}
	// Fast path: every element a scalar.
	if allScalars(elems) {
		out := value.NewMatrix(rows, cols)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				out.Data[c*rows+r] = float64(elems[r*cols+c].Deref().(value.Scalar))
			}
		}
		if rows == 1 && cols == 1 {
			return value.Scalar(out.Data[0]), nil
		}
		return out, nil
	}
	// General path: horizontal concat per source row, vertical concat of
	// the row strips.
	var strips []*value.Matrix
	for r := 0; r < rows; r++ {
		strip, err := hcat(elems[r*cols : (r+1)*cols])
		if err != nil {
			return nil, err
		}
		strips = append(strips, strip)
	}
	return vcat(strips)
}

func asMatrixElem(v value.Value) (*value.Matrix, error) {
	switch t := v.Deref().(type) {
	case *value.Matrix:
		return t, nil
	case value.Scalar:
		return value.NewMatrixFrom(1, 1, []float64{float64(t)}), nil
	case value.Bool:
		f := 0.0
		if t {
			f = 1.0
		}
		return value.NewMatrixFrom(1, 1, []float64{f}), nil
	default:
		return nil, newExecutionError("", fmt.Sprintf("concatenation operator not implemented for %s values", v.TypeID()))
	}
}

func hcat(elems []value.Value) (*value.Matrix, error) {
	var parts []*value.Matrix
	height := -1
	width := 0
	for _, e := range elems {
		m, err := asMatrixElem(e)
		if err != nil {
			return nil, err
		}
		if m.Numel() == 0 {
			continue
		}
		if height == -1 {
			height = m.Rows
		} else if m.Rows != height {
			return nil, newExecutionError("", fmt.Sprintf("horizontal dimensions mismatch (%dx%d vs %dx%d)", height, width, m.Rows, m.Cols))
		}
		width += m.Cols
		parts = append(parts, m)
	}
	if height == -1 {
		return value.NewMatrix(0, 0), nil
	}
	out := value.NewMatrix(height, width)
	colBase := 0
	for _, m := range parts {
		for c := 0; c < m.Cols; c++ {
			copy(out.Data[(colBase+c)*height:(colBase+c+1)*height], m.Data[c*m.Rows:(c+1)*m.Rows])
		}
		colBase += m.Cols
	}
	return out, nil
}

func vcat(strips []*value.Matrix) (value.Value, error) {
	width := -1
	height := 0
	var parts []*value.Matrix
	for _, m := range strips {
		if m.Numel() == 0 {
			continue
		}
		if width == -1 {
			width = m.Cols
		} else if m.Cols != width {
			return nil, newExecutionError("", fmt.Sprintf("vertical dimensions mismatch (%dx%d vs %dx%d)", height, width, m.Rows, m.Cols))
		}
		height += m.Rows
		parts = append(parts, m)
	}
	if width == -1 {
		return value.NewMatrix(0, 0), nil
	}
	out := value.NewMatrix(height, width)
	rowBase := 0
	for _, m := range parts {
		for c := 0; c < width; c++ {
			copy(out.Data[c*height+rowBase:c*height+rowBase+m.Rows], m.Data[c*m.Rows:(c+1)*m.Rows])
		}
		rowBase += m.Rows
	}
	if height == 1 && width == 1 {
		return value.Scalar(out.Data[0]), nil
	}
	return out, nil
}

// matrixUneven implements MATRIX_UNEVEN: type 0 carries jagged per-row
// element counts, type 1 a large rectangular shape with 32-bit dims.
func (vm *VM) matrixUneven() error {
	typ := vm.readU8()
	if typ == 1 {
		rows := vm.readU32()
		cols := vm.readU32()
		return vm.matrixLiteral(rows, cols)
	}
	nrows := vm.readU8()
	counts := make([]int, nrows)
	total := 0
	for i := range counts {
		counts[i] = vm.readU16()
		total += counts[i]
	}
	elems := vm.popArgs(total)
	var strips []*value.Matrix
	pos := 0
	consumed := 0
	for _, cnt := range counts {
		// cs-list expansion may have grown the element list; spread the
		// surplus into the row that produced it.
		rowEnd := pos + cnt + (len(elems) - total - consumed)
		if rowEnd > len(elems) {
			rowEnd = len(elems)
		}
		strip, err := hcat(elems[pos:rowEnd])
		if err != nil {
			dropAll(elems)
			return err
		}
		consumed += rowEnd - pos - cnt
		pos = rowEnd
		strips = append(strips, strip)
	}
	out, err := vcat(strips)
	dropAll(elems)
	if err != nil {
		return err
	}
	vm.push(out)
	return nil
}

// appendCell implements APPEND_CELL tag: the (cell, col, row) triple
// sits under the appended value; tag 2/4 marks a row boundary, tag 3/4
// finalizes the literal.
func (vm *VM) appendCell(tag int) error {
	v := vm.pop()
	row, ok1 := vm.stack[vm.sp-1].(stackInt)
	col, ok2 := vm.stack[vm.sp-2].(stackInt)
	cell, ok3 := vm.stack[vm.sp-3].(*value.Cell)
	if !ok1 || !ok2 || !ok3 {
		v.Drop()
		return newExecutionError("", "internal error: cell literal builder state missing from the stack")
	}

	if int(col) > cell.Cols {
		if int(row) > 1 {
			v.Drop()
			return newExecutionError("", "vertical dimensions mismatch in cell literal")
		}
		grown := value.NewCell(cell.Rows, int(col))
		for c := 1; c <= cell.Cols; c++ {
			for r := 1; r <= cell.Rows; r++ {
				el, _ := cell.At(r, c)
				grown.Set(r, c, el)
			}
		}
		cell = grown
		vm.stack[vm.sp-3] = cell
	}
	cell.Set(int(row), int(col), v.MakeStorable())

	rowEnd := tag == 2 || tag == 4
	finalize := tag == 3 || tag == 4
	if rowEnd {
		if int(row) > 1 && int(col) != cell.Cols {
			return newExecutionError("", "vertical dimensions mismatch in cell literal")
		}
		vm.stack[vm.sp-2] = stackInt(1)
		vm.stack[vm.sp-1] = row + 1
	} else {
		vm.stack[vm.sp-2] = col + 1
	}
	if finalize {
		vm.sp -= 2 // drop the two counters
		vm.stack[vm.sp], vm.stack[vm.sp+1] = nil, nil
		vm.stack[vm.sp-1] = cell
	}
	return nil
}

// ---- globals / persistents ------------------------------------------------

// GLOBAL_INIT kind operands.
const (
	globalKindGlobal     = 0
	globalKindPersistent = 1
)

// globalInit implements GLOBAL_INIT:
// link the slot to the named store cell through a Ref value, seed a new
// global from the local contents, and run or skip the init block.
func (vm *VM) globalInit(kind, slot int, hasInit bool, initSkipTarget int) error {
	cur := vm.getSlot(slot)
	if ref, ok := cur.(*value.Ref); ok {
		wantScope := value.RefGlobal
		if kind == globalKindPersistent {
			wantScope = value.RefPersistent
		}
		if ref.Scope != wantScope {
			return newExecutionError("", fmt.Sprintf("cannot change the storage class of '%s'", vm.chunk.Ids[slot]))
		}
		// Already linked in this frame; the init block never re-runs.
		vm.ip = initSkipTarget
		return nil
	}

	var target value.RefTarget
	var isNew bool
	ref := &value.Ref{Name: vm.chunk.Ids[slot]}
	switch kind {
	case globalKindGlobal:
		target, isNew = vm.host.GlobalVarRef(ref.Name)
		ref.Scope = value.RefGlobal
		if isNew {
			if cur.IsDefined() {
				target.Set(cur.Deref().MakeStorable())
			} else {
				target.Set(value.NewMatrix(0, 0))
			}
		}
	case globalKindPersistent:
		offset, ok := vm.chunk.PersistentSlotMap[slot]
		if !ok {
			return newExecutionError("", fmt.Sprintf("'%s' has no persistent storage mapping", ref.Name))
		}
		target, isNew = vm.host.PersistentVarRef(vm.chunk.FunctionName(), offset)
		ref.Scope = value.RefPersistent
		ref.Offset = offset
	default:
		return newExecutionError("", "invalid GLOBAL_INIT kind")
	}
	ref.Target = target
	vm.setSlot(slot, ref)

	if !(hasInit && isNew) {
		vm.ip = initSkipTarget
	}
	return nil
}

// ---- ignored outputs ------------------------------------------------------

// setIgnoreOutputs builds the 1 x n_ignored matrix of ignored positions
// and a fresh lvalue list with those positions marked as black holes,
// pushing both on the ignore stack.
func (vm *VM) setIgnoreOutputs() error {
	nIgnored := vm.readU8()
	nTotal := vm.readU8()
	lv := make([]bool, nTotal)
	mat := value.NewMatrix(1, nIgnored)
	for i := 0; i < nIgnored; i++ {
		idx := vm.readU8()
		mat.Data[i] = float64(idx)
		if idx >= 1 && idx <= nTotal {
			lv[idx-1] = true
		}
	}
	vm.ignoreStack = append(vm.ignoreStack, ignoreFrame{lvalueList: lv, matrix: mat, owns: true})
	return nil
}

// clearIgnoreOutputs pops the frame's ignore state and clears the sink
// slots that received black-holed values.
func (vm *VM) clearIgnoreOutputs() error {
	nSlots := vm.readU8()
	for i := 0; i < nSlots; i++ {
		vm.setSlot(vm.readU8(), value.Undefined)
	}
	if len(vm.ignoreStack) > 0 {
		vm.ignoreStack = vm.ignoreStack[:len(vm.ignoreStack)-1]
	}
	return nil
}

// anonMaybeSetIgnoreOutputs arms propagation of the caller's pending
// ignore matrix into the next anonymous-function call; every other
// callee starts with a clean lvalue list. The frame itself is pushed by
// callCompiled after it records the restore mark, so the propagated
// entry pops with the callee.
func (vm *VM) anonMaybeSetIgnoreOutputs() {
	vm.pendingAnonIgnore = true
}

// propagateIgnoreFrame duplicates the caller's top ignore entry for an
// anonymous callee.
func (vm *VM) propagateIgnoreFrame() {
	if len(vm.ignoreStack) == 0 {
		return
	}
	top := vm.ignoreStack[len(vm.ignoreStack)-1]
	lv := make([]bool, len(top.lvalueList))
	copy(lv, top.lvalueList)
	vm.ignoreStack = append(vm.ignoreStack, ignoreFrame{lvalueList: lv, matrix: top.matrix, owns: false})
}

// IgnoredOutputs reports the caller's black-hole positions, the query a
// callee (isargout) sees through the host.
func (vm *VM) IgnoredOutputs() []bool {
	if len(vm.ignoreStack) == 0 {
		return nil
	}
	return vm.ignoreStack[len(vm.ignoreStack)-1].lvalueList
}
