package value

import "testing"

func TestChainSubsrefStructField(t *testing.T) {
	inner := NewStruct()
	inner.Set("q", Scalar(7))
	outer := NewStruct()
	outer.Set("p", inner)

	res, err := ChainSubsref(outer,
		[]IndexKind{IndexDot, IndexDot},
		[][]Value{{FieldName("p")}, {FieldName("q")}}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res[0].(Scalar) != 7 {
		t.Fatalf("got %v, want 7", res[0])
	}
}

func TestChainSubsasgnAutovivifies(t *testing.T) {
	got, err := ChainSubsasgn(Undefined,
		[]IndexKind{IndexDot, IndexDot},
		[][]Value{{FieldName("p")}, {FieldName("q")}}, Scalar(7))
	if err != nil {
		t.Fatal(err)
	}
	s := got.(*Struct)
	p, _ := s.Get("p")
	q, _ := p.(*Struct).Get("q")
	if q.(Scalar) != 7 {
		t.Fatalf("a.p.q = %v, want 7", q)
	}
}

func TestChainSubsasgnPreservesSiblings(t *testing.T) {
	s := NewStruct()
	s.Set("keep", Scalar(1))
	got, err := ChainSubsasgn(s,
		[]IndexKind{IndexDot}, [][]Value{{FieldName("new")}}, Scalar(2))
	if err != nil {
		t.Fatal(err)
	}
	out := got.(*Struct)
	if v, _ := out.Get("keep"); v.(Scalar) != 1 {
		t.Fatal("sibling field lost")
	}
	if v, _ := out.Get("new"); v.(Scalar) != 2 {
		t.Fatal("assigned field missing")
	}
}

func TestEndIndexExtents(t *testing.T) {
	m := NewMatrixFrom(2, 3, []float64{1, 2, 3, 4, 5, 6})
	cases := []struct {
		dim, ndims, want int
	}{
		{1, 1, 6}, // a(end), linear
		{1, 2, 2}, // a(end, j)
		{2, 2, 3}, // a(i, end)
	}
	for _, c := range cases {
		got, err := EndIndex(m, c.dim, c.ndims)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Errorf("EndIndex(dim=%d, ndims=%d) = %d, want %d", c.dim, c.ndims, got, c.want)
		}
	}
	if _, err := EndIndex(NewStruct(), 1, 1); err == nil {
		t.Error("expected error for 'end' on a struct")
	}
}

func TestShareCopyIsCopyOnWrite(t *testing.T) {
	orig := NewMatrixFrom(1, 2, []float64{5, 6})
	alias := orig.ShareCopy()
	mutated := alias.MakeUnique().(*Matrix)
	mutated.Data[0] = 99
	if orig.Data[0] != 5 {
		t.Fatalf("original mutated through alias: %v", orig.Data)
	}
}

func TestCellShareCopyIsCopyOnWrite(t *testing.T) {
	orig := NewCell(1, 1)
	orig.Set(1, 1, Scalar(5))
	alias := orig.ShareCopy()
	mutated := alias.MakeUnique().(*Cell)
	mutated.Set(1, 1, Scalar(99))
	if v, _ := orig.At(1, 1); v.(Scalar) != 5 {
		t.Fatalf("original cell mutated through alias: %v", v)
	}
}

func TestStrCapabilities(t *testing.T) {
	s := Str("abc")
	if s.Numel() != 3 {
		t.Errorf("Numel = %d", s.Numel())
	}
	if name, ok := AsFieldName(s); !ok || name != "abc" {
		t.Errorf("AsFieldName = %q, %v", name, ok)
	}
	if _, err := AsString(Scalar(1)); err == nil {
		t.Error("AsString should reject non-strings")
	}
}
