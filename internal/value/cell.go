package value

import "fmt"

// Cell is a row x col array of arbitrary Values, addressed with '{' ... '}'
// indexing (returns the contained Value) or '(' ... ')' indexing (returns a
// sub-cell). Column-major storage mirrors Matrix for consistency with
// PUSH_CELL/APPEND_CELL's row/col counters.
type Cell struct {
	Rows, Cols int
	Data       []Value // column-major
	shared     *int    // nil, or a refcount shared with copies pending CoW
}

// NewCell allocates a rows x cols cell array filled with Undefined.
func NewCell(rows, cols int) *Cell {
	data := make([]Value, rows*cols)
	for i := range data {
		data[i] = Undefined
	}
	return &Cell{Rows: rows, Cols: cols, Data: data}
}

func (c *Cell) TypeID() TypeID             { return TypeCell }
func (c *Cell) IsDefined() bool            { return true }
func (c *Cell) IsRef() bool                { return false }
func (c *Cell) IsCsList() bool             { return false }
func (c *Cell) Deref() Value               { return c }
func (c *Cell) ListValue() []Value         { return []Value{c} }
func (c *Cell) DispatchKind() DispatchKind { return DispatchSubsref }

func (c *Cell) MakeStorable() Value {
	if c.shared == nil {
		return c
	}
	return c.MakeUnique()
}

// MakeUnique copies the element slice if it is still shared with a
// constant-pool entry or another slot, so an in-place Set cannot be
// observed through the other alias.
func (c *Cell) MakeUnique() Value {
	if c.shared == nil || *c.shared <= 1 {
		return c
	}
	*c.shared--
	data := make([]Value, len(c.Data))
	copy(data, c.Data)
	return &Cell{Rows: c.Rows, Cols: c.Cols, Data: data}
}

// ShareCopy returns an alias sharing the element slice under a joint
// refcount, the cell counterpart of Matrix.ShareCopy.
func (c *Cell) ShareCopy() *Cell {
	if c.shared == nil {
		rc := 1
		c.shared = &rc
	}
	*c.shared++
	return &Cell{Rows: c.Rows, Cols: c.Cols, Data: c.Data, shared: c.shared}
}

func (c *Cell) Drop() {
	for _, v := range c.Data {
		v.Drop()
	}
}

// At returns the element at 1-based (row, col).
func (c *Cell) At(r, col int) (Value, error) {
	if r < 1 || r > c.Rows || col < 1 || col > c.Cols {
		return nil, &IndexError{Message: fmt.Sprintf("out of bound; value %d out of bound %d", r, c.Rows)}
	}
	return c.Data[(col-1)*c.Rows+(r-1)], nil
}

// Set writes the element at 1-based (row, col) inside the current
// extent; it does not grow the cell.
func (c *Cell) Set(r, col int, v Value) {
	c.Data[(col-1)*c.Rows+(r-1)] = v
}

func (c *Cell) String() string { return fmt.Sprintf("{%dx%d cell}", c.Rows, c.Cols) }

// ---- Struct -------------------------------------------------------------

// Struct is a scalar (1x1) struct: an ordered map of field name to Value.
// Field order is preserved so fieldnames() and diagnostics are stable.
type Struct struct {
	Order  []string
	Fields map[string]Value
}

// NewStruct allocates an empty struct.
func NewStruct() *Struct {
	return &Struct{Fields: make(map[string]Value)}
}

func (s *Struct) TypeID() TypeID             { return TypeStruct }
func (s *Struct) IsDefined() bool            { return true }
func (s *Struct) IsRef() bool                { return false }
func (s *Struct) IsCsList() bool             { return false }
func (s *Struct) Deref() Value               { return s }
func (s *Struct) ListValue() []Value         { return []Value{s} }
func (s *Struct) MakeStorable() Value        { return s }
func (s *Struct) MakeUnique() Value          { return s }
func (s *Struct) DispatchKind() DispatchKind { return DispatchSubsref }

func (s *Struct) Drop() {
	for _, v := range s.Fields {
		v.Drop()
	}
}

// Get returns the field value, or (Undefined, false) if absent.
func (s *Struct) Get(name string) (Value, bool) {
	v, ok := s.Fields[name]
	return v, ok
}

// Set assigns a field, appending it to Order on first write.
func (s *Struct) Set(name string, v Value) {
	if _, ok := s.Fields[name]; !ok {
		s.Order = append(s.Order, name)
	}
	s.Fields[name] = v
}

func (s *Struct) String() string { return fmt.Sprintf("<struct with %d fields>", len(s.Fields)) }

// ---- CsList ---------------------------------------------------------------

// CsList is a comma-separated list: an ordered sequence of Values that
// expands wherever the receiving opcode explicitly handles expansion
// (argument lists, return lists, matrix/cell literal rows). It never
// expands implicitly.
type CsList struct {
	Items []Value
}

// NewCsList wraps a sequence of values as a cs-list.
func NewCsList(items []Value) *CsList { return &CsList{Items: items} }

func (l *CsList) TypeID() TypeID             { return TypeCsList }
func (l *CsList) IsDefined() bool            { return len(l.Items) > 0 }
func (l *CsList) IsRef() bool                { return false }
func (l *CsList) IsCsList() bool             { return true }
func (l *CsList) Deref() Value               { return l }
func (l *CsList) ListValue() []Value         { return l.Items }
func (l *CsList) MakeStorable() Value        { return l }
func (l *CsList) MakeUnique() Value          { return l }
func (l *CsList) DispatchKind() DispatchKind { return DispatchSubsref }

func (l *CsList) Drop() {
	for _, v := range l.Items {
		v.Drop()
	}
}

// First returns the first element for rhs-of-assignment first-element
// semantics, and an error if the
// cs-list is empty.
func (l *CsList) First() (Value, error) {
	if len(l.Items) == 0 {
		return nil, fmt.Errorf("%w: rhs cs-list has no elements", ErrInvalidNelRHS)
	}
	return l.Items[0], nil
}

func (l *CsList) String() string { return fmt.Sprintf("<cs-list of %d>", len(l.Items)) }

// ErrInvalidNelRHS marks an assignment whose right hand side expanded
// to the wrong number of elements.
var ErrInvalidNelRHS = fmt.Errorf("invalid number of elements on right hand side of assignment")
