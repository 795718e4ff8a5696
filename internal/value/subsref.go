package value

import "fmt"

// SimpleSubsref performs one indexing link of the given kind against v,
// returning up to nargout result Values.
// nargout<=0 is treated as 1 (the "even nargout=0 gets one value" rule
// applies at the call site, not here).
func SimpleSubsref(v Value, kind IndexKind, args []Value, nargout int) ([]Value, error) {
	switch kind {
	case IndexParen:
		return subsrefParen(v, args, nargout)
	case IndexBrace:
		return subsrefBrace(v, args, nargout)
	case IndexDot:
		return subsrefDot(v, args)
	default:
		return nil, fmt.Errorf("unknown index kind %q", rune(kind))
	}
}

func subsrefParen(v Value, args []Value, nargout int) ([]Value, error) {
	switch t := v.(type) {
	case *Matrix:
		return matrixParenIndex(t, args)
	case *Cell:
		if len(args) == 1 {
			idx, err := scalarIndex(args[0])
			if err != nil {
				return nil, err
			}
			r, c := linToRC(t.Rows, idx)
			el, err := t.At(r, c)
			if err != nil {
				return nil, err
			}
			sub := NewCell(1, 1)
			sub.Set(1, 1, el)
			return []Value{sub}, nil
		}
		if len(args) == 2 {
			r, err := scalarIndex(args[0])
			if err != nil {
				return nil, err
			}
			c, err := scalarIndex(args[1])
			if err != nil {
				return nil, err
			}
			el, err := t.At(r, c)
			if err != nil {
				return nil, err
			}
			sub := NewCell(1, 1)
			sub.Set(1, 1, el)
			return []Value{sub}, nil
		}
		return nil, fmt.Errorf("unsupported cell indexing arity %d", len(args))
	case *Struct:
		if len(args) != 0 {
			return nil, fmt.Errorf("cannot index a scalar struct with arguments")
		}
		return []Value{t}, nil
	default:
		return nil, fmt.Errorf("'(' undefined for %q", v.TypeID())
	}
}

func subsrefBrace(v Value, args []Value, nargout int) ([]Value, error) {
	c, ok := v.(*Cell)
	if !ok {
		return nil, fmt.Errorf("'{' undefined near %q, only cells support brace indexing", v.TypeID())
	}
	if len(args) == 1 {
		idx, err := scalarIndex(args[0])
		if err != nil {
			return nil, err
		}
		r, col := linToRC(c.Rows, idx)
		el, err := c.At(r, col)
		if err != nil {
			return nil, err
		}
		return []Value{el}, nil
	}
	if len(args) == 2 {
		r, err := scalarIndex(args[0])
		if err != nil {
			return nil, err
		}
		col, err := scalarIndex(args[1])
		if err != nil {
			return nil, err
		}
		el, err := c.At(r, col)
		if err != nil {
			return nil, err
		}
		return []Value{el}, nil
	}
	return nil, fmt.Errorf("unsupported cell brace-indexing arity %d", len(args))
}

func subsrefDot(v Value, args []Value) ([]Value, error) {
	s, ok := v.(*Struct)
	if !ok {
		return nil, fmt.Errorf("'.' undefined for %q", v.TypeID())
	}
	if len(args) != 1 {
		return nil, fmt.Errorf(".field access takes exactly one field name")
	}
	name, ok := AsFieldName(args[0])
	if !ok {
		return nil, fmt.Errorf("field name must be a string")
	}
	val, found := s.Get(name)
	if !found {
		return nil, fmt.Errorf("invalid use of undefined value for field %q", name)
	}
	return []Value{val}, nil
}

func matrixParenIndex(m *Matrix, args []Value) ([]Value, error) {
	switch len(args) {
	case 1:
		idx, err := scalarIndex(args[0])
		if err != nil {
			return nil, err
		}
		f, err := m.At1D(idx)
		if err != nil {
			return nil, err
		}
		return []Value{Scalar(f)}, nil
	case 2:
		r, err := scalarIndex(args[0])
		if err != nil {
			return nil, err
		}
		c, err := scalarIndex(args[1])
		if err != nil {
			return nil, err
		}
		f, err := m.At2D(r, c)
		if err != nil {
			return nil, err
		}
		return []Value{Scalar(f)}, nil
	default:
		return nil, fmt.Errorf("unsupported matrix indexing arity %d", len(args))
	}
}

func scalarIndex(v Value) (int, error) {
	s, ok := v.Deref().(Scalar)
	if !ok {
		return 0, fmt.Errorf("subscript indices must be numeric")
	}
	f := float64(s)
	i := int(f)
	if float64(i) != f {
		return 0, fmt.Errorf("subscript indices must be either positive integers or logicals")
	}
	return i, nil
}

func linToRC(rows, lin int) (r, c int) {
	if rows == 0 {
		return 1, lin
	}
	r = (lin-1)%rows + 1
	c = (lin-1)/rows + 1
	return
}

// Subsasgn performs one assignment link: kind selects IndexParen/Brace/Dot;
// rhs replaces the addressed element. It returns the (possibly new, if the
// target needed to grow) top-level Value to store back into the slot.
func Subsasgn(target Value, kind IndexKind, args []Value, rhs Value) (Value, error) {
	switch kind {
	case IndexParen:
		return subsasgnParen(target, args, rhs)
	case IndexBrace:
		return subsasgnBrace(target, args, rhs)
	case IndexDot:
		return subsasgnDot(target, args, rhs)
	default:
		return nil, fmt.Errorf("unknown index kind %q", rune(kind))
	}
}

func subsasgnParen(target Value, args []Value, rhs Value) (Value, error) {
	m, ok := target.(*Matrix)
	if !ok {
		if _, isUndef := target.(undefinedValue); isUndef {
			m = NewMatrix(0, 0)
		} else {
			return nil, fmt.Errorf("'(' assignment undefined for %q", target.TypeID())
		}
	}
	m = m.MakeUnique().(*Matrix)
	val, ok := rhs.Deref().(Scalar)
	if !ok {
		return nil, fmt.Errorf("assignment rhs must be numeric")
	}
	switch len(args) {
	case 1:
		idx, err := scalarIndex(args[0])
		if err != nil {
			return nil, err
		}
		m = growLinear(m, idx)
		m.Data[idx-1] = float64(val)
		return m, nil
	case 2:
		r, err := scalarIndex(args[0])
		if err != nil {
			return nil, err
		}
		c, err := scalarIndex(args[1])
		if err != nil {
			return nil, err
		}
		m = grow2D(m, r, c)
		m.Data[(c-1)*m.Rows+(r-1)] = float64(val)
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported matrix assignment arity %d", len(args))
	}
}

func growLinear(m *Matrix, idx int) *Matrix {
	if idx <= m.Numel() {
		return m
	}
	if m.Rows <= 1 {
		data := make([]float64, idx)
		copy(data, m.Data)
		return NewMatrixFrom(1, idx, data)
	}
	return m
}

func grow2D(m *Matrix, r, c int) *Matrix {
	if r <= m.Rows && c <= m.Cols {
		return m
	}
	rows, cols := m.Rows, m.Cols
	if r > rows {
		rows = r
	}
	if c > cols {
		cols = c
	}
	out := NewMatrix(rows, cols)
	for col := 0; col < m.Cols; col++ {
		for row := 0; row < m.Rows; row++ {
			out.Data[col*rows+row] = m.Data[col*m.Rows+row]
		}
	}
	return out
}

func subsasgnBrace(target Value, args []Value, rhs Value) (Value, error) {
	c, ok := target.(*Cell)
	if !ok {
		if _, isUndef := target.(undefinedValue); isUndef {
			c = NewCell(0, 0)
		} else {
			return nil, fmt.Errorf("'{' assignment undefined for %q", target.TypeID())
		}
	}
	c = c.MakeUnique().(*Cell)
	switch len(args) {
	case 1:
		idx, err := scalarIndex(args[0])
		if err != nil {
			return nil, err
		}
		c = growCellLinear(c, idx)
		r, col := linToRC(c.Rows, idx)
		c.Set(r, col, rhs)
		return c, nil
	case 2:
		r, err := scalarIndex(args[0])
		if err != nil {
			return nil, err
		}
		col, err := scalarIndex(args[1])
		if err != nil {
			return nil, err
		}
		c = growCell2D(c, r, col)
		c.Set(r, col, rhs)
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported cell assignment arity %d", len(args))
	}
}

func growCellLinear(c *Cell, idx int) *Cell {
	if idx <= c.Rows*c.Cols {
		return c
	}
	if c.Rows <= 1 {
		out := NewCell(1, idx)
		copy(out.Data, c.Data)
		return out
	}
	return c
}

func growCell2D(c *Cell, r, col int) *Cell {
	if r <= c.Rows && col <= c.Cols {
		return c
	}
	rows, cols := c.Rows, c.Cols
	if r > rows {
		rows = r
	}
	if col > cols {
		cols = col
	}
	out := NewCell(rows, cols)
	for cc := 0; cc < c.Cols; cc++ {
		for rr := 0; rr < c.Rows; rr++ {
			out.Data[cc*rows+rr] = c.Data[cc*c.Rows+rr]
		}
	}
	return out
}

func subsasgnDot(target Value, args []Value, rhs Value) (Value, error) {
	s, ok := target.(*Struct)
	if !ok {
		if _, isUndef := target.(undefinedValue); isUndef {
			s = NewStruct()
		} else {
			return nil, fmt.Errorf("'.' assignment undefined for %q", target.TypeID())
		}
	}
	if len(args) != 1 {
		return nil, fmt.Errorf(".field assignment takes exactly one field name")
	}
	name, ok := AsFieldName(args[0])
	if !ok {
		return nil, fmt.Errorf("field name must be a string")
	}
	s.Set(name, rhs)
	return s, nil
}
