package value

import "testing"

func TestScalarArithmeticSpecialized(t *testing.T) {
	cases := []struct {
		op   BinOp
		a, b float64
		want float64
	}{
		{OpAdd, 2, 3, 5},
		{OpSub, 5, 3, 2},
		{OpMul, 4, 3, 12},
		{OpDiv, 9, 3, 3},
		{OpPow, 2, 10, 1024},
	}
	for _, c := range cases {
		fn, ok := Specialized(c.op, TypeScalar, TypeScalar)
		if !ok {
			t.Fatalf("no specialization for op %v", c.op)
		}
		got, err := fn(Scalar(c.a), Scalar(c.b))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if float64(got.(Scalar)) != c.want {
			t.Errorf("op %v: got %v, want %v", c.op, got, c.want)
		}
	}
}

func TestGenericAndSpecializedAgree(t *testing.T) {
	// The generic Binop and the specialized fast path must agree for
	// any operand pair the specialization covers.
	a, b := Scalar(7), Scalar(2)
	for _, op := range []BinOp{OpAdd, OpSub, OpMul, OpDiv, OpLe, OpEq} {
		generic, err := Binop(op, a, b)
		if err != nil {
			t.Fatalf("generic Binop error: %v", err)
		}
		fn, ok := Specialized(op, TypeScalar, TypeScalar)
		if !ok {
			t.Fatalf("missing specialization for %v", op)
		}
		specialized, err := fn(a, b)
		if err != nil {
			t.Fatalf("specialized error: %v", err)
		}
		if generic.String() != specialized.String() {
			t.Errorf("op %v: generic=%v specialized=%v", op, generic, specialized)
		}
	}
}

func TestBinopMatrixScalarBroadcast(t *testing.T) {
	m := NewMatrixFrom(2, 2, []float64{1, 2, 3, 4})
	got, err := Binop(OpAdd, m, Scalar(10))
	if err != nil {
		t.Fatal(err)
	}
	gm := got.(*Matrix)
	want := []float64{11, 12, 13, 14}
	for i, f := range want {
		if gm.Data[i] != f {
			t.Errorf("elem %d: got %v want %v", i, gm.Data[i], f)
		}
	}
}

func TestBinopNonconformant(t *testing.T) {
	a := NewMatrix(2, 2)
	b := NewMatrix(3, 3)
	if _, err := Binop(OpAdd, a, b); err == nil {
		t.Fatal("expected nonconformant error")
	}
}

func TestMatrixIndexingRowMajorSemantics(t *testing.T) {
	m := NewMatrixFrom(2, 2, []float64{10, 30, 20, 40}) // column-major: [10 20; 30 40]
	got, err := m.At2D(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got != 30 {
		t.Errorf("got %v want 30", got)
	}
}

func TestMatrixOutOfBoundIndex(t *testing.T) {
	m := NewMatrix(2, 2)
	if _, err := m.At2D(3, 1); err == nil {
		t.Fatal("expected out of bound error")
	}
}

func TestCsListFirstEmpty(t *testing.T) {
	l := NewCsList(nil)
	if _, err := l.First(); err == nil {
		t.Fatal("expected error on empty cs-list First()")
	}
}

func TestRefDerefAndWriteThrough(t *testing.T) {
	cell := &memTarget{}
	r := &Ref{Scope: RefGlobal, Name: "g", Target: cell}
	if err := r.SetValue(Scalar(42)); err != nil {
		t.Fatal(err)
	}
	if got := r.Deref(); got.(Scalar) != 42 {
		t.Errorf("got %v want 42", got)
	}
}

type memTarget struct{ v Value }

func (m *memTarget) Get() Value {
	if m.v == nil {
		return Undefined
	}
	return m.v
}
func (m *memTarget) Set(v Value) { m.v = v }

func TestIsTruthy(t *testing.T) {
	cases := []struct {
		v    Value
		want bool
	}{
		{Scalar(0), false},
		{Scalar(1), true},
		{Bool(false), false},
		{Bool(true), true},
		{Undefined, false},
		{NewMatrix(0, 0), false},
		{NewMatrixFrom(1, 2, []float64{1, 1}), true},
		{NewMatrixFrom(1, 2, []float64{1, 0}), false},
	}
	for _, c := range cases {
		if got := IsTruthy(c.v); got != c.want {
			t.Errorf("IsTruthy(%v) = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestSubsasgnGrowsMatrixOnFirstUse(t *testing.T) {
	var m Value = Undefined
	m, err := Subsasgn(m, IndexParen, []Value{Scalar(1), Scalar(1)}, Scalar(5))
	if err != nil {
		t.Fatal(err)
	}
	mat := m.(*Matrix)
	if mat.Rows != 1 || mat.Cols != 1 || mat.Data[0] != 5 {
		t.Errorf("unexpected matrix: %+v", mat)
	}
}

func TestStructChainedSubsref(t *testing.T) {
	inner := NewStruct()
	inner.Set("q", Scalar(7))
	outer := NewStruct()
	outer.Set("p", inner)

	step1, err := SimpleSubsref(outer, IndexDot, []Value{FieldName("p")}, 1)
	if err != nil {
		t.Fatal(err)
	}
	step2, err := SimpleSubsref(step1[0], IndexDot, []Value{FieldName("q")}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if step2[0].(Scalar) != 7 {
		t.Errorf("got %v want 7", step2[0])
	}
}
