package vm

import (
	"testing"

	"github.com/nsesodia/octave-vm/internal/bytecode"
	"github.com/nsesodia/octave-vm/internal/value"
)

// asm is a minimal chunk assembler for tests: it encodes operands from
// the opcode info table (SlotWide fields as one byte, no WIDE prefix)
// and leaves jump patching to the caller.
type asm struct {
	c *bytecode.Chunk
}

// newFn builds a chunk with the reserved constant-pool prefix
// (name, function-type tag, profiler name) and a slot-indexed ids table.
func newFn(name string, nret, narg int8, nlocals uint16, ids ...string) *asm {
	c := bytecode.NewChunk(nret, narg, nlocals)
	c.Name = name
	c.AddConstant(value.Str(name))
	c.AddConstant(value.Str("function"))
	c.AddConstant(value.Str(name))
	c.Ids = append(c.Ids, ids...)
	return &asm{c: c}
}

func (a *asm) cst(v value.Value) int { return a.c.AddConstant(v) }

// op emits an opcode with operands encoded per its OperandSpec, and
// returns the offset of the opcode byte.
func (a *asm) op(op bytecode.Opcode, operands ...int) int {
	off := a.c.Emit(op)
	spec := bytecode.GetOpcodeInfo(op).OperandSpec
	if len(operands) != len(spec) {
		panic("operand count mismatch for " + op.String())
	}
	for i, w := range spec {
		width := int(w)
		if w == bytecode.SlotWide {
			width = 1
		}
		v := operands[i]
		for b := 0; b < width; b++ {
			a.raw(byte(v >> (8 * b)))
		}
	}
	return off
}

func (a *asm) raw(bs ...byte) { a.c.Code = append(a.c.Code, bs...) }

// opJ emits an opcode whose LAST operand is a u16 jump target, with a
// placeholder, returning the placeholder offset for patch.
func (a *asm) opJ(op bytecode.Opcode, operands ...int) int {
	a.op(op, append(operands, 0)...)
	return len(a.c.Code) - 2
}

func (a *asm) patch(placeholder int) { a.c.PatchJumpTo(placeholder, len(a.c.Code)) }

func (a *asm) here() int { return len(a.c.Code) }

// testHost is a tiny in-package host so scenario tests avoid importing
// internal/host (which itself imports this package).
type testHost struct {
	NopHost
	fns       map[string]*value.Callable
	displayed []string
	lastErr   *VMError
}

func newTestHost() *testHost { return &testHost{fns: map[string]*value.Callable{}} }

func (h *testHost) compiled(c *bytecode.Chunk) {
	h.fns[c.Name] = &value.Callable{Name: c.Name, IsCompiled: true, Bytecode: c}
}

func (h *testHost) native(name string, fn func(args []value.Value, nargout int) ([]value.Value, error)) {
	h.fns[name] = &value.Callable{Name: name, Native: fn}
}

func (h *testHost) Resolve(name string) (*value.Callable, bool) {
	c, ok := h.fns[name]
	return c, ok
}

func (h *testHost) Feval(name string, args []value.Value, nargout int) ([]value.Value, error) {
	if c, ok := h.fns[name]; ok && c.Native != nil {
		return c.Native(args, nargout)
	}
	return nil, newIDUndefined(name)
}

func (h *testHost) Display(name string, cmdForm bool, v value.Value) {
	h.displayed = append(h.displayed, name+" = "+v.String())
}

func (h *testHost) SaveException(err *VMError) { h.lastErr = err }

// registerNumel installs the one builtin several scenarios need.
func (h *testHost) registerNumel() {
	h.native("numel", func(args []value.Value, _ int) ([]value.Value, error) {
		var n int
		switch t := args[0].Deref().(type) {
		case *value.Matrix:
			n = t.Numel()
		case *value.Cell:
			n = t.Rows * t.Cols
		case value.Str:
			n = t.Numel()
		default:
			n = 1
		}
		return []value.Value{value.Scalar(n)}, nil
	})
}

func (h *testHost) registerError() {
	h.native("error", func(args []value.Value, _ int) ([]value.Value, error) {
		id, _ := value.AsString(args[0])
		msg := id
		verr := &VMError{Kind: ExecutionExc, Message: msg}
		if len(args) > 1 {
			m, _ := value.AsString(args[1])
			verr.Identifier = id
			verr.Message = m
		}
		return nil, verr
	})
}

func runChunk(t *testing.T, vm *VM, c *bytecode.Chunk, args []value.Value, nargout int) []value.Value {
	t.Helper()
	res, err := vm.Execute(c, args, nargout)
	if err != nil {
		t.Fatalf("Execute(%s): %v", c.FunctionName(), err)
	}
	if vm.sp != 0 {
		t.Fatalf("stack not balanced after %s: sp=%d", c.FunctionName(), vm.sp)
	}
	return res
}

func wantScalar(t *testing.T, v value.Value, want float64) {
	t.Helper()
	s, ok := v.Deref().(value.Scalar)
	if !ok {
		t.Fatalf("expected scalar %v, got %s (%v)", want, v.TypeID(), v)
	}
	if float64(s) != want {
		t.Fatalf("got %v, want %v", float64(s), want)
	}
}

// ---- scenario 1: y = x*x + 1 ---------------------------------------------

func scenario1Chunk() *bytecode.Chunk {
	// slots: 0 nargout, 1 y, 2 x
	a := newFn("f", 1, 1, 3)
	a.op(bytecode.OpPushSlotNargout1, 2)
	a.op(bytecode.OpPushSlotNargout1, 2)
	a.op(bytecode.OpMul)
	a.op(bytecode.OpPushDbl1)
	a.op(bytecode.OpAdd)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)
	return a.c
}

func TestScenario1SquarePlusOne(t *testing.T) {
	m := NewVM(newTestHost())
	res := runChunk(t, m, scenario1Chunk(), []value.Value{value.Scalar(3)}, 1)
	wantScalar(t, res[0], 10)
}

func TestScenario1SpecializationIdempotent(t *testing.T) {
	// Generic execution and specialized-with-fallback execution must
	// produce identical results.
	generic := NewVM(newTestHost(), WithoutSpecialization())
	spec := NewVM(newTestHost())
	cg, cs := scenario1Chunk(), scenario1Chunk()
	for i := 0; i < 3; i++ {
		rg := runChunk(t, generic, cg, []value.Value{value.Scalar(7)}, 1)
		rs := runChunk(t, spec, cs, []value.Value{value.Scalar(7)}, 1)
		wantScalar(t, rg[0], 50)
		wantScalar(t, rs[0], 50)
	}
	// Code[8] is the MUL opcode: header (4) + two PUSH_SLOT_NARGOUT1 (2 each).
	if cg.Code[8] != byte(bytecode.OpMul) {
		t.Fatal("generic chunk mutated with specialization disabled")
	}
}

func TestSpecializedOpcodeFallsBackOnTypeMismatch(t *testing.T) {
	// slots: 0 nargout, 1 y, 2 x
	a := newFn("addup", 1, 1, 3)
	a.op(bytecode.OpPushSlotNargout1, 2)
	a.op(bytecode.OpPushSlotNargout1, 2)
	addOff := a.op(bytecode.OpAdd)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)

	m := NewVM(newTestHost())
	res := runChunk(t, m, a.c, []value.Value{value.Scalar(2)}, 1)
	wantScalar(t, res[0], 4)
	if a.c.Code[addOff] != byte(bytecode.OpAddSpecDbl) {
		t.Fatalf("expected ADD to specialize, code[%d]=0x%02X", addOff, a.c.Code[addOff])
	}

	mat := value.NewMatrixFrom(1, 2, []float64{1, 2})
	res = runChunk(t, m, a.c, []value.Value{mat}, 1)
	got := res[0].(*value.Matrix)
	if got.Data[0] != 2 || got.Data[1] != 4 {
		t.Fatalf("matrix fallback wrong: %v", got.Data)
	}
	if a.c.Code[addOff] != byte(bytecode.OpAdd) {
		t.Fatalf("expected specialized ADD to revert, code[%d]=0x%02X", addOff, a.c.Code[addOff])
	}
}

// ---- scenario 2: for-loop accumulation ------------------------------------

func TestScenario2ForLoopSum(t *testing.T) {
	// slots: 0 nargout, 1 s, 2 i
	a := newFn("scenario2", 1, 0, 3)
	rng := a.cst(value.NewMatrixFrom(1, 5, []float64{1, 2, 3, 4, 5}))
	a.op(bytecode.OpPushDbl0)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpLoadCst, rng)
	a.op(bytecode.OpForSetup, 2)
	cond := a.here()
	ph := a.opJ(bytecode.OpForCond, 2)
	a.op(bytecode.OpPushSlotNargout1, 1)
	a.op(bytecode.OpPushSlotNargout1, 2)
	a.op(bytecode.OpAdd)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpJmp, cond)
	a.patch(ph)
	a.op(bytecode.OpPopNInts, 2)
	a.op(bytecode.OpPop)
	a.op(bytecode.OpRet)

	m := NewVM(newTestHost())
	res := runChunk(t, m, a.c, nil, 1)
	wantScalar(t, res[0], 15)
}

func TestForLoopColumnwiseIteration(t *testing.T) {
	// An MxN matrix yields N iterations binding Mx1 columns.
	// slots: 0 nargout, 1 count, 2 v
	a := newFn("colcount", 1, 0, 3)
	rng := a.cst(value.NewMatrixFrom(2, 3, []float64{1, 2, 3, 4, 5, 6}))
	a.op(bytecode.OpPushDbl0)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpLoadCst, rng)
	a.op(bytecode.OpForSetup, 2)
	cond := a.here()
	ph := a.opJ(bytecode.OpForCond, 2)
	a.op(bytecode.OpPushSlotNargout1, 1)
	a.op(bytecode.OpPushDbl1)
	a.op(bytecode.OpAdd)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpJmp, cond)
	a.patch(ph)
	a.op(bytecode.OpPopNInts, 2)
	a.op(bytecode.OpPop)
	a.op(bytecode.OpRet)

	m := NewVM(newTestHost())
	res := runChunk(t, m, a.c, nil, 1)
	wantScalar(t, res[0], 3)
}

func TestForLoopEmptyInputBindsOriginal(t *testing.T) {
	// Empty input gives zero iterations and the loop
	// variable assigned the original input once.
	// slots: 0 nargout, 1 out, 2 v
	a := newFn("emptyloop", 1, 0, 3)
	empty := a.cst(value.NewMatrix(0, 0))
	a.op(bytecode.OpLoadCst, empty)
	a.op(bytecode.OpForSetup, 2)
	cond := a.here()
	ph := a.opJ(bytecode.OpForCond, 2)
	a.op(bytecode.OpJmp, cond)
	a.patch(ph)
	a.op(bytecode.OpPopNInts, 2)
	a.op(bytecode.OpPop)
	a.op(bytecode.OpPushSlotNargout1, 2)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)

	m := NewVM(newTestHost())
	res := runChunk(t, m, a.c, nil, 1)
	mat, ok := res[0].Deref().(*value.Matrix)
	if !ok || mat.Numel() != 0 {
		t.Fatalf("expected empty matrix bound to loop variable, got %v", res[0])
	}
}

// ---- scenario 3: [~, x] = g ----------------------------------------------

func TestScenario3IgnoredOutput(t *testing.T) {
	// g: slots 0 nargout, 1 a, 2 b
	g := newFn("g", 2, 0, 3)
	g.op(bytecode.OpPushDbl1)
	g.op(bytecode.OpAssign, 1)
	g.op(bytecode.OpPushDbl2)
	g.op(bytecode.OpAssign, 2)
	g.op(bytecode.OpRet)

	// caller: slots 0 nargout, 1 ret, 2 %~1, 3 x, 4 g
	a := newFn("caller", 1, 0, 5, "%nargout", "ret", "%~1", "x", "g")
	a.op(bytecode.OpSetIgnoreOutputs, 1, 2)
	a.raw(1)
	a.op(bytecode.OpIndexIdNargoutN, 4, 0, 2)
	a.op(bytecode.OpAssignN, 2)
	a.raw(2, 3)
	a.op(bytecode.OpClearIgnoreOutputs, 1)
	a.raw(2)
	a.op(bytecode.OpPushSlotNargout1, 3)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)

	h := newTestHost()
	h.compiled(g.c)
	m := NewVM(h)
	res := runChunk(t, m, a.c, nil, 1)
	wantScalar(t, res[0], 2)
	if len(m.ignoreStack) != 0 {
		t.Fatalf("ignore stack not restored: %d entries", len(m.ignoreStack))
	}
}

// ---- scenario 4: try/catch -----------------------------------------------

func TestScenario4TryCatch(t *testing.T) {
	// slots: 0 nargout, 1 msg, 2 err, 3 error-fn
	a := newFn("trycatch", 1, 0, 4, "%nargout", "msg", "err", "error")
	id := a.cst(value.Str("Octave:bad"))
	boom := a.cst(value.Str("boom"))
	field := a.cst(value.Str("message"))

	tryStart := a.here()
	a.op(bytecode.OpLoadCst, id)
	a.op(bytecode.OpLoadCst, boom)
	a.op(bytecode.OpIndexIdNargout0, 3, 2)
	a.op(bytecode.OpPop)
	tryEnd := a.here()
	endPh := a.opJ(bytecode.OpJmp)

	catchTarget := a.here()
	a.op(bytecode.OpAssign, 2)
	a.op(bytecode.OpPushSlotNargout1, 2)
	a.op(bytecode.OpLoadCst, field)
	a.op(bytecode.OpIndexObj, int('.'), 1, 1)
	a.op(bytecode.OpAssign, 1)
	a.patch(endPh)
	a.op(bytecode.OpRet)

	a.c.AddUnwindEntry(bytecode.UnwindEntry{
		IPStart: tryStart, IPEnd: tryEnd, StackDepth: 0,
		Kind: bytecode.UnwindTryCatch, Target: catchTarget,
	})

	h := newTestHost()
	h.registerError()
	m := NewVM(h)
	res := runChunk(t, m, a.c, nil, 1)
	got, ok := res[0].Deref().(value.Str)
	if !ok || string(got) != "boom" {
		t.Fatalf("msg = %v, want boom", res[0])
	}
	if h.lastErr == nil || h.lastErr.Identifier != "Octave:bad" {
		t.Fatalf("error id not preserved: %+v", h.lastErr)
	}
}

func TestTryCatchTrimsToRecordedDepth(t *testing.T) {
	// Control reaches the handler with the operand stack at
	// exactly bsp + n_locals + depth, plus one pushed error struct.
	// slots: 0 nargout, 1 out, 2 error-fn
	a := newFn("depth", 1, 0, 3, "%nargout", "out", "error")
	msg := a.cst(value.Str("kept"))
	bad := a.cst(value.Str("deliberate failure"))

	tryStart := a.here()
	a.op(bytecode.OpLoadCst, msg) // depth 1: survives the unwind
	a.op(bytecode.OpPushDbl2)     // depth 2: trimmed
	a.op(bytecode.OpLoadCst, bad)
	a.op(bytecode.OpIndexIdNargout0, 2, 1)
	tryEnd := a.here()
	endPh := a.opJ(bytecode.OpJmp)

	catchTarget := a.here()
	a.op(bytecode.OpPop)       // the error struct
	a.op(bytecode.OpAssign, 1) // binds the surviving depth-1 value
	a.patch(endPh)
	a.op(bytecode.OpRet)

	a.c.AddUnwindEntry(bytecode.UnwindEntry{
		IPStart: tryStart, IPEnd: tryEnd, StackDepth: 1,
		Kind: bytecode.UnwindTryCatch, Target: catchTarget,
	})

	h := newTestHost()
	h.registerError()
	m := NewVM(h)
	res := runChunk(t, m, a.c, nil, 1)
	got, ok := res[0].Deref().(value.Str)
	if !ok || string(got) != "kept" {
		t.Fatalf("surviving stack value = %v, want \"kept\"", res[0])
	}
}

// ---- scenario 5: matrix literal and 2-D index -----------------------------

func TestScenario5MatrixLiteralIndex(t *testing.T) {
	// slots: 0 nargout, 1 out, 2 M
	a := newFn("matindex", 1, 0, 3)
	c10 := a.cst(value.Scalar(10))
	c20 := a.cst(value.Scalar(20))
	c30 := a.cst(value.Scalar(30))
	c40 := a.cst(value.Scalar(40))
	a.op(bytecode.OpLoadCst, c10)
	a.op(bytecode.OpLoadCst, c20)
	a.op(bytecode.OpLoadCst, c30)
	a.op(bytecode.OpLoadCst, c40)
	a.op(bytecode.OpMatrix, 2, 2)
	a.op(bytecode.OpAssign, 2)
	a.op(bytecode.OpPushDbl2)
	a.op(bytecode.OpPushDbl1)
	idxOff := a.op(bytecode.OpIndexIdNargout1, 2, 2)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)

	m := NewVM(newTestHost())
	res := runChunk(t, m, a.c, nil, 1)
	wantScalar(t, res[0], 30)
	if a.c.Code[idxOff] != byte(bytecode.OpIndexId1Mat2D) {
		t.Fatalf("expected 2-D index specialization, code[%d]=0x%02X", idxOff, a.c.Code[idxOff])
	}

	// Second run exercises the specialized opcode directly.
	res = runChunk(t, m, a.c, nil, 1)
	wantScalar(t, res[0], 30)
}

func TestLoadCstNeverAliasesConstantPool(t *testing.T) {
	// Mutating a value loaded from the pool leaves the pool
	// entry untouched.
	// slots: 0 nargout, 1 out, 2 M
	a := newFn("noalias", 1, 0, 3)
	mat := a.cst(value.NewMatrixFrom(1, 2, []float64{5, 6}))
	c99 := a.cst(value.Scalar(99))
	a.op(bytecode.OpLoadCst, mat)
	a.op(bytecode.OpAssign, 2)
	a.op(bytecode.OpPushDbl1)
	a.op(bytecode.OpLoadCst, c99)
	a.op(bytecode.OpSubassignId, 2, int('('), 1)
	a.op(bytecode.OpLoadCst, mat)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)

	m := NewVM(newTestHost())
	res := runChunk(t, m, a.c, nil, 1)
	got := res[0].Deref().(*value.Matrix)
	if got.Data[0] != 5 || got.Data[1] != 6 {
		t.Fatalf("constant pool mutated: %v", got.Data)
	}
}

// ---- scenario 6: varargin -------------------------------------------------

func TestScenario6Varargin(t *testing.T) {
	// h: slots 0 nargout, 1 y, 2 varargin, 3 numel
	a := newFn("h", 1, -1, 4, "%nargout", "y", "varargin", "numel")
	a.op(bytecode.OpPushSlotNargout1, 2)
	a.op(bytecode.OpIndexIdNargout1, 3, 1)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)

	h := newTestHost()
	h.registerNumel()
	m := NewVM(h)
	args := []value.Value{value.Scalar(1), value.Scalar(2), value.Scalar(3), value.Scalar(4)}
	res := runChunk(t, m, a.c, args, 1)
	wantScalar(t, res[0], 4)
}

func TestVararginEmptyTail(t *testing.T) {
	a := newFn("h0", 1, -1, 4, "%nargout", "y", "varargin", "numel")
	a.op(bytecode.OpPushSlotNargout1, 2)
	a.op(bytecode.OpIndexIdNargout1, 3, 1)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)

	h := newTestHost()
	h.registerNumel()
	m := NewVM(h)
	res := runChunk(t, m, a.c, nil, 1)
	wantScalar(t, res[0], 0)
}

// ---- scenario 7: cell literal ---------------------------------------------

func TestScenario7CellLiteral(t *testing.T) {
	// slots: 0 nargout, 1 out, 2 c
	a := newFn("cells", 1, 0, 3)
	x := a.cst(value.Str("x"))
	five := a.cst(value.Scalar(5))

	a.op(bytecode.OpPushCell, 2, 2)
	a.op(bytecode.OpPushDbl1)
	a.op(bytecode.OpAppendCell, 1)
	a.op(bytecode.OpLoadCst, x)
	a.op(bytecode.OpAppendCell, 2)
	a.op(bytecode.OpPushDbl1)
	a.op(bytecode.OpPushDbl2)
	a.op(bytecode.OpMatrix, 1, 2)
	a.op(bytecode.OpAppendCell, 1)
	a.op(bytecode.OpPushCell, 1, 1)
	a.op(bytecode.OpLoadCst, five)
	a.op(bytecode.OpAppendCell, 4)
	a.op(bytecode.OpAppendCell, 4)
	a.op(bytecode.OpAssign, 2)

	a.op(bytecode.OpPushDbl2)
	a.op(bytecode.OpPushDbl1)
	a.op(bytecode.OpIndexCell, 2, 2, 1)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)

	m := NewVM(newTestHost())
	res := runChunk(t, m, a.c, nil, 1)
	got, ok := res[0].Deref().(*value.Matrix)
	if !ok || got.Rows != 1 || got.Cols != 2 || got.Data[0] != 1 || got.Data[1] != 2 {
		t.Fatalf("c{2,1} = %v, want [1 2]", res[0])
	}
}

// ---- scenario 8: chained struct access ------------------------------------

func TestScenario8ChainedStructAccess(t *testing.T) {
	// slots: 0 nargout, 1 out, 2 a
	a := newFn("chain", 1, 0, 3, "%nargout", "out", "a")
	p := a.cst(value.Str("p"))
	q := a.cst(value.Str("q"))
	seven := a.cst(value.Scalar(7))

	// a.p.q = 7 through the chained-subsasgn protocol.
	a.op(bytecode.OpLoadCst, p)
	a.op(bytecode.OpLoadCst, q)
	a.op(bytecode.OpLoadCst, seven)
	a.op(bytecode.OpSubassignChained, 2, 0, 2)
	a.raw(1, byte('.'), 1, byte('.'))

	// out = a.p.q through the leader/follower protocol.
	a.op(bytecode.OpLoadCst, p)
	a.op(bytecode.OpIndexStructCall, 2, int('.'), 1, 1)
	a.op(bytecode.OpLoadCst, q)
	a.op(bytecode.OpIndexStructSubcall, 2, 2, int('.'), 1)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)

	m := NewVM(newTestHost())
	res := runChunk(t, m, a.c, nil, 1)
	wantScalar(t, res[0], 7)
}

// ---- nested compiled calls ------------------------------------------------

func TestNestedCompiledCall(t *testing.T) {
	f := scenario1Chunk() // y = x*x + 1

	// caller: slots 0 nargout, 1 out, 2 f
	a := newFn("outer", 1, 0, 3, "%nargout", "out", "f")
	a.op(bytecode.OpPushDbl2)
	a.op(bytecode.OpIndexIdNargout1, 2, 1)
	a.op(bytecode.OpPushDbl1)
	a.op(bytecode.OpAdd)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)

	h := newTestHost()
	h.compiled(f)
	m := NewVM(h)
	res := runChunk(t, m, a.c, nil, 1)
	wantScalar(t, res[0], 6) // f(2)=5, +1
}

func TestDeepRecursionOverflowsGracefully(t *testing.T) {
	// r(n): r(n+1) unboundedly; must fail with the stack-space error,
	// not a Go panic.
	a := newFn("r", 1, 1, 3, "%nargout", "y", "x")
	a.c.Ids = append(a.c.Ids, "r") // slot 3
	a.op(bytecode.OpPushSlotNargout1, 2)
	a.op(bytecode.OpPushDbl1)
	a.op(bytecode.OpAdd)
	a.op(bytecode.OpIndexIdNargout1, 3, 1)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)
	// slot count must cover the callee slot
	a.c.Header.NLocals = 4

	h := newTestHost()
	h.compiled(a.c)
	m := NewVM(h, WithStackSize(1<<10))
	_, err := m.Execute(a.c, []value.Value{value.Scalar(0)}, 1)
	verr, ok := err.(*VMError)
	if !ok || verr.Identifier != IDInvalidFunCall {
		t.Fatalf("expected %s, got %v", IDInvalidFunCall, err)
	}
	if m.sp != 0 {
		t.Fatalf("stack not unwound after overflow: sp=%d", m.sp)
	}
}

func TestTooManyInputsRejected(t *testing.T) {
	f := scenario1Chunk() // one declared input
	m := NewVM(newTestHost())
	_, err := m.Execute(f, []value.Value{value.Scalar(1), value.Scalar(2)}, 1)
	verr, ok := err.(*VMError)
	if !ok || verr.Identifier != IDInvalidFunCall {
		t.Fatalf("expected %s, got %v", IDInvalidFunCall, err)
	}
}

// ---- drop accounting ------------------------------------------------------

// countingValue counts Drop calls so tests can assert destruction runs
// exactly once per stack exit.
type countingValue struct {
	drops *int
}

func (countingValue) TypeID() value.TypeID             { return value.TypeObject }
func (countingValue) IsDefined() bool                  { return true }
func (countingValue) IsRef() bool                      { return false }
func (countingValue) IsCsList() bool                   { return false }
func (c countingValue) Deref() value.Value             { return c }
func (c countingValue) ListValue() []value.Value       { return []value.Value{c} }
func (c countingValue) MakeStorable() value.Value      { return c }
func (c countingValue) MakeUnique() value.Value        { return c }
func (countingValue) DispatchKind() value.DispatchKind { return value.DispatchSubsref }
func (c countingValue) Drop()                          { *c.drops++ }
func (countingValue) String() string                   { return "<counting>" }

func TestDropRunsOnceOnNormalPop(t *testing.T) {
	drops := 0
	a := newFn("droppop", 1, 0, 2)
	cv := a.cst(countingValue{drops: &drops})
	a.op(bytecode.OpLoadCst, cv)
	a.op(bytecode.OpPop)
	a.op(bytecode.OpPushDbl1)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)

	m := NewVM(newTestHost())
	runChunk(t, m, a.c, nil, 1)
	if drops != 1 {
		t.Fatalf("drops = %d, want 1", drops)
	}
}

func TestDropRunsOnceOnUnwind(t *testing.T) {
	drops := 0
	a := newFn("dropunwind", 1, 0, 3, "%nargout", "y", "missing")
	cv := a.cst(countingValue{drops: &drops})
	a.op(bytecode.OpLoadCst, cv)
	a.op(bytecode.OpIndexIdNargout1, 2, 0) // undefined identifier raises
	a.op(bytecode.OpRet)

	m := NewVM(newTestHost())
	if _, err := m.Execute(a.c, nil, 1); err == nil {
		t.Fatal("expected undefined-function error")
	}
	if drops != 1 {
		t.Fatalf("drops = %d, want 1", drops)
	}
	if m.sp != 0 {
		t.Fatalf("stack not balanced after unwind: sp=%d", m.sp)
	}
}

// ---- globals --------------------------------------------------------------

func TestGlobalInitLinksRefAndRunsInitOnce(t *testing.T) {
	// global gv; gv = gv + 1 twice through one chunk, executed twice.
	// slots: 0 nargout, 1 out, 2 gv
	a := newFn("bump", 1, 0, 3, "%nargout", "out", "gv")
	ph := a.opJ(bytecode.OpGlobalInit, 0, 2, 1)
	// init block: gv = 0
	a.op(bytecode.OpPushDbl0)
	a.op(bytecode.OpAssign, 2)
	a.patch(ph)
	a.op(bytecode.OpPushSlotNargout1, 2)
	a.op(bytecode.OpPushDbl1)
	a.op(bytecode.OpAdd)
	a.op(bytecode.OpAssign, 2)
	a.op(bytecode.OpPushSlotNargout1, 2)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)

	h := &globalTestHost{testHost: newTestHost(), cells: map[string]*testCell{}}
	m := NewVM(h)
	res := runChunk(t, m, a.c, nil, 1)
	wantScalar(t, res[0], 1)
	res = runChunk(t, m, a.c, nil, 1)
	wantScalar(t, res[0], 2)
}

type testCell struct{ v value.Value }

func (c *testCell) Get() value.Value {
	if c.v == nil {
		return value.Undefined
	}
	return c.v
}
func (c *testCell) Set(v value.Value) { c.v = v }

type globalTestHost struct {
	*testHost
	cells map[string]*testCell
}

func (h *globalTestHost) GlobalVarRef(name string) (value.RefTarget, bool) {
	c, ok := h.cells[name]
	if !ok {
		c = &testCell{}
		h.cells[name] = c
		return c, true
	}
	return c, false
}

// ---- word command and display ---------------------------------------------

func TestWordCommandDispatch(t *testing.T) {
	var got []string
	h := newTestHost()
	h.native("format", func(args []value.Value, _ int) ([]value.Value, error) {
		for _, a := range args {
			got = append(got, a.String())
		}
		return nil, nil
	})

	// slots: 0 nargout, 1 ret; Ids[2] = format
	a := newFn("wc", 1, 0, 3, "%nargout", "ret", "format")
	long := a.cst(value.Str("long"))
	a.op(bytecode.OpLoadCst, long)
	a.op(bytecode.OpWordCmd, 2, 1)
	a.op(bytecode.OpPop)
	a.op(bytecode.OpPushDbl1)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)

	m := NewVM(h)
	runChunk(t, m, a.c, nil, 1)
	if len(got) != 1 || got[0] != "long" {
		t.Fatalf("command args = %v, want [long]", got)
	}
}

// ---- unwind-protect and interrupts ----------------------------------------

func TestUnwindProtectRunsCleanupAndRethrows(t *testing.T) {
	// slots: 0 nargout, 1 out, 2 cleanupRan, 3 error-fn
	a := newFn("uwp", 1, 0, 4, "%nargout", "out", "ranflag", "error")
	bad := a.cst(value.Str("deliberate failure"))

	bodyStart := a.here()
	a.op(bytecode.OpLoadCst, bad)
	a.op(bytecode.OpIndexIdNargout0, 3, 1)
	bodyEnd := a.here()
	a.op(bytecode.OpPop)
	a.op(bytecode.OpPushNil) // normal path pushes "no error" for cleanup

	cleanup := a.here()
	a.op(bytecode.OpPushDbl1)
	a.op(bytecode.OpAssign, 2)
	a.op(bytecode.OpThrowIferrobj)
	a.op(bytecode.OpPushDbl1)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)

	a.c.AddUnwindEntry(bytecode.UnwindEntry{
		IPStart: bodyStart, IPEnd: bodyEnd, StackDepth: 0,
		Kind: bytecode.UnwindProtect, Target: cleanup,
	})

	h := newTestHost()
	h.registerError()
	m := NewVM(h)
	_, err := m.Execute(a.c, nil, 1)
	if err == nil {
		t.Fatal("expected the protected body's error to rethrow after cleanup")
	}
	if m.sp != 0 {
		t.Fatalf("stack not balanced: sp=%d", m.sp)
	}
}

func TestInterruptHonorsOnlyUnwindProtect(t *testing.T) {
	// A try/catch around an interrupting body must NOT catch it.
	a := newFn("intr", 1, 0, 2)
	bodyStart := a.here()
	a.op(bytecode.OpHandleSignals)
	bodyEnd := a.here()
	a.op(bytecode.OpPushDbl1)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)
	catch := a.here()
	a.op(bytecode.OpPop)
	a.op(bytecode.OpPushDbl2)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)
	a.c.AddUnwindEntry(bytecode.UnwindEntry{
		IPStart: bodyStart, IPEnd: bodyEnd, StackDepth: 0,
		Kind: bytecode.UnwindTryCatch, Target: catch,
	})

	m := NewVM(newTestHost())
	m.RequestInterrupt()
	_, err := m.Execute(a.c, nil, 1)
	verr, ok := err.(*VMError)
	if !ok || verr.Kind != InterruptExc {
		t.Fatalf("expected interrupt to escape try/catch, got %v", err)
	}
}

// ---- folded constants -----------------------------------------------------

func TestFoldedConstantCache(t *testing.T) {
	calls := 0
	h := newTestHost()
	h.native("expensive", func(args []value.Value, _ int) ([]value.Value, error) {
		calls++
		return []value.Value{value.Scalar(42)}, nil
	})

	// slots: 0 nargout, 1 out, 2 %folded, 3 expensive
	a := newFn("folded", 1, 0, 4, "%nargout", "out", "%folded0", "expensive")
	ph := a.opJ(bytecode.OpPushFoldedCst, 2)
	a.op(bytecode.OpIndexIdNargout1, 3, 0)
	a.op(bytecode.OpSetFoldedCst, 2)
	a.patch(ph)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)

	m := NewVM(h)
	res := runChunk(t, m, a.c, nil, 1)
	wantScalar(t, res[0], 42)
	if calls != 1 {
		t.Fatalf("initializer ran %d times on first pass", calls)
	}
	// The fold cache lives in the frame, which is rebuilt per call; a
	// second Execute re-initializes.
	runChunk(t, m, a.c, nil, 1)
	if calls != 2 {
		t.Fatalf("initializer calls = %d, want 2", calls)
	}
}

// ---- function handles -----------------------------------------------------

func TestFcnHandlePushAndCall(t *testing.T) {
	f := scenario1Chunk()
	// slots: 0 nargout, 1 out, 2 hslot, 3 f
	a := newFn("handles", 1, 0, 4, "%nargout", "out", "h", "f")
	a.op(bytecode.OpPushFcnHandle, 3)
	a.op(bytecode.OpAssign, 2)
	a.op(bytecode.OpPushDbl2)
	a.op(bytecode.OpIndexIdNargout1, 2, 1)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)

	h := newTestHost()
	h.compiled(f)
	m := NewVM(h)
	res := runChunk(t, m, a.c, nil, 1)
	wantScalar(t, res[0], 5)
}

// ---- end resolution -------------------------------------------------------

func TestEndIDResolvesExtent(t *testing.T) {
	// out = M(end) with M = [4 5 6]
	a := newFn("endid", 1, 0, 3)
	mat := a.cst(value.NewMatrixFrom(1, 3, []float64{4, 5, 6}))
	a.op(bytecode.OpLoadCst, mat)
	a.op(bytecode.OpAssign, 2)
	a.op(bytecode.OpEndId, 2, 1, 0)
	a.op(bytecode.OpIndexIdNargout1, 2, 1)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)

	m := NewVM(newTestHost())
	res := runChunk(t, m, a.c, nil, 1)
	wantScalar(t, res[0], 6)
}

// ---- switch/case ----------------------------------------------------------

func TestCaseMatchJump(t *testing.T) {
	// switch on "b": case "a" skips, case "b" taken.
	a := newFn("sw", 1, 0, 2)
	sb := a.cst(value.Str("b"))
	sa := a.cst(value.Str("a"))
	a.op(bytecode.OpLoadCst, sb) // switch value
	a.op(bytecode.OpLoadCst, sa)
	ph1 := a.opJ(bytecode.OpJmpIfnCaseMatch)
	a.op(bytecode.OpPushDbl1)
	a.op(bytecode.OpAssign, 1)
	a.patch(ph1)
	a.op(bytecode.OpLoadCst, sb)
	ph2 := a.opJ(bytecode.OpJmpIfnCaseMatch)
	a.op(bytecode.OpPushDbl2)
	a.op(bytecode.OpAssign, 1)
	a.patch(ph2)
	a.op(bytecode.OpPop) // the switch value
	a.op(bytecode.OpRet)

	m := NewVM(newTestHost())
	res := runChunk(t, m, a.c, nil, 1)
	wantScalar(t, res[0], 2)
}

func TestAnonHandleCapturesWorkspaceValues(t *testing.T) {
	// anon = @(x) x + c, with c captured at handle creation.
	anon := newFn("@<anonymous>", -128, 1, 4)
	anon.op(bytecode.OpPushSlotNargout1, 2)
	anon.op(bytecode.OpPushSlotNargout1, 3) // capture slot
	anon.op(bytecode.OpAdd)
	anon.op(bytecode.OpAssign, 1)
	anon.op(bytecode.OpRetAnon)

	// slots: 0 nargout, 1 out, 2 h
	a := newFn("mk", 1, 0, 3)
	ten := a.cst(value.Scalar(10))
	a.op(bytecode.OpLoadCst, ten)
	a.op(bytecode.OpPushAnonFcnHandle, 0, 1)
	a.op(bytecode.OpAssign, 2)
	a.op(bytecode.OpPushDbl2)
	a.op(bytecode.OpIndexIdNargout1, 2, 1)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)
	a.c.NestedChunks = []*bytecode.Chunk{anon.c}

	m := NewVM(newTestHost())
	res := runChunk(t, m, a.c, nil, 1)
	wantScalar(t, res[0], 12)

	// Captures rebind per handle: a second handle sees its own value.
	res = runChunk(t, m, a.c, nil, 1)
	wantScalar(t, res[0], 12)
}

func TestVararginCapRejectsOverlongCalls(t *testing.T) {
	h := newFn("hv", 1, -1, 3)
	h.op(bytecode.OpPushDbl1)
	h.op(bytecode.OpAssign, 1)
	h.op(bytecode.OpRet)

	m := NewVM(newTestHost(), WithStackSize(1<<13))
	args := make([]value.Value, maxVarargs+1)
	for i := range args {
		args[i] = value.Scalar(1)
	}
	_, err := m.Execute(h.c, args, 1)
	verr, ok := err.(*VMError)
	if !ok || verr.Identifier != IDInvalidFunCall {
		t.Fatalf("expected %s for >%d args, got %v", IDInvalidFunCall, maxVarargs, err)
	}
}

// ---- exit ----------------------------------------------------------------

func (h *testHost) registerExit(status int, safe bool) {
	h.native("exit", func(args []value.Value, _ int) ([]value.Value, error) {
		return nil, &VMError{Kind: ExitException, Message: "exiting", ExitStatus: status, ExitSafe: safe}
	})
}

func TestExitIsCaughtByTryCatch(t *testing.T) {
	// Unlike an interrupt, exit unwinds like a generic error: a
	// try/catch around the exiting call binds the error struct.
	// slots: 0 nargout, 1 out, 2 exit-fn
	a := newFn("exitcaught", 1, 0, 3, "%nargout", "out", "exit")
	tryStart := a.here()
	a.op(bytecode.OpIndexIdNargout0, 2, 0)
	a.op(bytecode.OpPop)
	tryEnd := a.here()
	endPh := a.opJ(bytecode.OpJmp)

	catchTarget := a.here()
	a.op(bytecode.OpPop) // the error struct
	a.op(bytecode.OpPushDbl1)
	a.op(bytecode.OpAssign, 1)
	a.patch(endPh)
	a.op(bytecode.OpRet)

	a.c.AddUnwindEntry(bytecode.UnwindEntry{
		IPStart: tryStart, IPEnd: tryEnd, StackDepth: 0,
		Kind: bytecode.UnwindTryCatch, Target: catchTarget,
	})

	h := newTestHost()
	h.registerExit(3, true)
	m := NewVM(h)
	res := runChunk(t, m, a.c, nil, 1)
	wantScalar(t, res[0], 1)
	if h.lastErr == nil || h.lastErr.Kind != ExitException {
		t.Fatalf("exit not published to the error system: %+v", h.lastErr)
	}
}

func TestUncaughtExitUnwindsFullyPreservingStatus(t *testing.T) {
	// inner calls exit; the exception crosses its frame and the caller's
	// with status and safe-to-return intact.
	inner := newFn("inner", 1, 0, 3, "%nargout", "y", "exit")
	inner.op(bytecode.OpIndexIdNargout0, 2, 0)
	inner.op(bytecode.OpPop)
	inner.op(bytecode.OpRet)

	outer := newFn("outer", 1, 0, 3, "%nargout", "out", "inner")
	outer.op(bytecode.OpIndexIdNargout1, 2, 0)
	outer.op(bytecode.OpAssign, 1)
	outer.op(bytecode.OpRet)

	h := newTestHost()
	h.registerExit(7, false)
	h.compiled(inner.c)
	m := NewVM(h)
	_, err := m.Execute(outer.c, nil, 1)
	verr, ok := err.(*VMError)
	if !ok || verr.Kind != ExitException {
		t.Fatalf("expected exit to reach the root, got %v", err)
	}
	if verr.ExitStatus != 7 || verr.ExitSafe {
		t.Fatalf("exit payload lost across frames: status=%d safe=%v", verr.ExitStatus, verr.ExitSafe)
	}
	if m.sp != 0 {
		t.Fatalf("stack not fully unwound after exit: sp=%d", m.sp)
	}
}

func TestExitRunsUnwindProtectCleanup(t *testing.T) {
	// An unwind-protect body interrupted by exit still runs its cleanup
	// block before the exception continues.
	// slots: 0 nargout, 1 out, 2 exit-fn
	a := newFn("exituwp", 1, 0, 3, "%nargout", "out", "exit")
	bodyStart := a.here()
	a.op(bytecode.OpIndexIdNargout0, 2, 0)
	bodyEnd := a.here()
	a.op(bytecode.OpPop)
	a.op(bytecode.OpPushNil)

	cleanup := a.here()
	a.op(bytecode.OpThrowIferrobj)
	a.op(bytecode.OpPushDbl1)
	a.op(bytecode.OpAssign, 1)
	a.op(bytecode.OpRet)

	a.c.AddUnwindEntry(bytecode.UnwindEntry{
		IPStart: bodyStart, IPEnd: bodyEnd, StackDepth: 0,
		Kind: bytecode.UnwindProtect, Target: cleanup,
	})

	h := newTestHost()
	h.registerExit(0, true)
	m := NewVM(h)
	if _, err := m.Execute(a.c, nil, 1); err == nil {
		t.Fatal("expected the exit to rethrow after the cleanup block")
	}
	if m.sp != 0 {
		t.Fatalf("stack not balanced: sp=%d", m.sp)
	}
}
