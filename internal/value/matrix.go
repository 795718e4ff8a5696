package value

import (
	"fmt"
	"strings"
)

// Matrix is a dense, column-major, row x col numeric matrix, the one
// aggregate kind the VM's fast-path indexing opcodes (INDEX_ID1_MAT_1D,
// INDEX_ID1_MAT_2D) know how to address directly without a full subsref
// round-trip. A host's richer matrix kind is free to coexist as an
// Object-dispatch Value; Matrix exists so the VM and its tests can run
// without a host.
type Matrix struct {
	Rows, Cols int
	Data       []float64 // column-major: Data[col*Rows+row]
	shared     *int      // nil, or a refcount shared with copies pending CoW
}

// NewMatrix allocates a rows x cols matrix of zeros.
func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// NewMatrixFrom wraps existing column-major data without copying.
func NewMatrixFrom(rows, cols int, data []float64) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: data}
}

func (m *Matrix) TypeID() TypeID             { return TypeMatrix }
func (m *Matrix) IsDefined() bool            { return true }
func (m *Matrix) IsRef() bool                { return false }
func (m *Matrix) IsCsList() bool             { return false }
func (m *Matrix) Deref() Value               { return m }
func (m *Matrix) ListValue() []Value         { return []Value{m} }
func (m *Matrix) DispatchKind() DispatchKind { return DispatchSubsref }
func (m *Matrix) Drop()                      {}

// MakeStorable resolves the lazy-copy marker so constants are never
// aliased into mutable storage without copy-on-write.
func (m *Matrix) MakeStorable() Value {
	if m.shared == nil {
		return m
	}
	return m.MakeUnique()
}

// MakeUnique returns a Matrix that is the sole owner of its backing array,
// copying first if the data slice is still shared with a constant-pool
// entry or another slot.
func (m *Matrix) MakeUnique() Value {
	if m.shared == nil || *m.shared <= 1 {
		return m
	}
	*m.shared--
	data := make([]float64, len(m.Data))
	copy(data, m.Data)
	return &Matrix{Rows: m.Rows, Cols: m.Cols, Data: data}
}

// ShareCopy returns an alias of m that shares its backing array under a
// joint refcount, so a later MakeUnique on either side copies before
// mutating. LOAD_CST pushes these so the constant pool is never aliased
// into mutable storage.
func (m *Matrix) ShareCopy() *Matrix {
	if m.shared == nil {
		rc := 1
		m.shared = &rc
	}
	*m.shared++
	return &Matrix{Rows: m.Rows, Cols: m.Cols, Data: m.Data, shared: m.shared}
}

// Numel returns the element count.
func (m *Matrix) Numel() int { return m.Rows * m.Cols }

// IsFullNumMatrix reports whether this value qualifies for the VM's
// specialized 1-D/2-D direct-index opcodes: a dense,
// non-empty numeric matrix.
func (m *Matrix) IsFullNumMatrix() bool { return m.Numel() > 0 }

// At1D returns the element at 1-based linear index i in column-major
// order, matching Octave's `a(i)` on a matrix.
func (m *Matrix) At1D(i int) (float64, error) {
	if i < 1 || i > m.Numel() {
		return 0, &IndexError{Message: fmt.Sprintf("index (%d): out of bound %d", i, m.Numel()), Dim: 1}
	}
	return m.Data[i-1], nil
}

// At2D returns the element at 1-based (row, col), matching `a(r,c)`.
func (m *Matrix) At2D(r, c int) (float64, error) {
	if r < 1 || r > m.Rows {
		return 0, &IndexError{Message: fmt.Sprintf("out of bound; value %d out of bound %d", r, m.Rows), Dim: 1}
	}
	if c < 1 || c > m.Cols {
		return 0, &IndexError{Message: fmt.Sprintf("out of bound; value %d out of bound %d", c, m.Cols), Dim: 2}
	}
	return m.Data[(c-1)*m.Rows+(r-1)], nil
}

// Column returns a copy of column c (1-based) as a Rows x 1 matrix, used
// by FOR_SETUP's column-wise iteration over matrices.
func (m *Matrix) Column(c int) *Matrix {
	start := (c - 1) * m.Rows
	data := make([]float64, m.Rows)
	copy(data, m.Data[start:start+m.Rows])
	return NewMatrixFrom(m.Rows, 1, data)
}

func (m *Matrix) String() string {
	if m.Rows == 1 && m.Cols == 1 {
		return formatDouble(m.Data[0])
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%dx%d matrix]", m.Rows, m.Cols)
	return sb.String()
}

// IndexError is the carrier for the INDEX_ERROR discriminator:
// an out-of-bound or malformed subscript. Dim identifies which dimension
// of the index failed, so the arg-name table can attribute it to an
// identifier after the fact.
type IndexError struct {
	Message string
	Dim     int
	Object  string // filled in retroactively from arg_name_table
}

func (e *IndexError) Error() string {
	if e.Object != "" {
		return fmt.Sprintf("%s: %s", e.Object, e.Message)
	}
	return e.Message
}
