package value

import (
	"fmt"
	"math"
)

// BinOp names a binary operator the VM's arithmetic/relational opcodes
// dispatch through.
type BinOp int

const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpDiv
	OpLDiv // left division: b \ a
	OpPow
	OpLe
	OpLt
	OpGe
	OpGt
	OpEq
	OpNe
)

// UnOp names a unary operator.
type UnOp int

const (
	OpNot UnOp = iota
	OpUSub
	OpTrans
	OpHerm
)

// BinFn is the specialized function-pointer form of a binary op, keyed by
// (op, lhs type-id, rhs type-id); the VM's self-specialization installs a
// direct call to one of these in place of the generic Binop dispatch once
// an opcode has observed a matching operand pair.
type BinFn func(a, b Value) (Value, error)

// binTable maps (op, lhsType, rhsType) to a specialized implementation.
// Only the hot pairs (double x double, bool x bool) are populated;
// everything else falls back to Binop's generic path.
var binTable = map[[3]int]BinFn{}

func key(op BinOp, a, b TypeID) [3]int { return [3]int{int(op), int(a), int(b)} }

func register(op BinOp, a, b TypeID, fn BinFn) { binTable[key(op, a, b)] = fn }

func init() {
	arith := func(f func(x, y float64) float64) BinFn {
		return func(a, b Value) (Value, error) {
			return Scalar(f(float64(a.(Scalar)), float64(b.(Scalar)))), nil
		}
	}
	register(OpAdd, TypeScalar, TypeScalar, arith(func(x, y float64) float64 { return x + y }))
	register(OpSub, TypeScalar, TypeScalar, arith(func(x, y float64) float64 { return x - y }))
	register(OpMul, TypeScalar, TypeScalar, arith(func(x, y float64) float64 { return x * y }))
	register(OpDiv, TypeScalar, TypeScalar, func(a, b Value) (Value, error) {
		x, y := float64(a.(Scalar)), float64(b.(Scalar))
		if y == 0 {
			if x == 0 {
				return Scalar(math.NaN()), nil
			}
			return Scalar(math.Inf(sign(x))), nil
		}
		return Scalar(x / y), nil
	})
	register(OpPow, TypeScalar, TypeScalar, arith(math.Pow))

	rel := func(cmp func(x, y float64) bool) BinFn {
		return func(a, b Value) (Value, error) {
			return Bool(cmp(float64(a.(Scalar)), float64(b.(Scalar)))), nil
		}
	}
	register(OpLe, TypeScalar, TypeScalar, rel(func(x, y float64) bool { return x <= y }))
	register(OpLt, TypeScalar, TypeScalar, rel(func(x, y float64) bool { return x < y }))
	register(OpGe, TypeScalar, TypeScalar, rel(func(x, y float64) bool { return x >= y }))
	register(OpGt, TypeScalar, TypeScalar, rel(func(x, y float64) bool { return x > y }))
	register(OpEq, TypeScalar, TypeScalar, rel(func(x, y float64) bool { return x == y }))
	register(OpNe, TypeScalar, TypeScalar, rel(func(x, y float64) bool { return x != y }))

	boolRel := func(cmp func(x, y bool) bool) BinFn {
		return func(a, b Value) (Value, error) {
			return Bool(cmp(bool(a.(Bool)), bool(b.(Bool)))), nil
		}
	}
	register(OpEq, TypeBool, TypeBool, boolRel(func(x, y bool) bool { return x == y }))
	register(OpNe, TypeBool, TypeBool, boolRel(func(x, y bool) bool { return x != y }))
}

func sign(f float64) int {
	if f < 0 {
		return -1
	}
	return 1
}

// Specialized looks up the fast-path function for (op, a, b), returning
// ok=false when no specialization exists so the caller falls back to the
// generic Binop path. This is what the dispatch core's self-modifying
// opcode pair calls on its specialized entry.
func Specialized(op BinOp, a, b TypeID) (BinFn, bool) {
	fn, ok := binTable[key(op, a, b)]
	return fn, ok
}

// Binop is the generic binary dispatch: it tries the specialization table
// first, then falls back to matrix/cross-type promotion rules. It is
// always correct; the specialized path exists purely for speed and must
// be semantically equivalent to it.
func Binop(op BinOp, a, b Value) (Value, error) {
	av, bv := a.Deref(), b.Deref()
	if fn, ok := Specialized(op, av.TypeID(), bv.TypeID()); ok {
		return fn(av, bv)
	}

	// Matrix promotion: scalar-matrix and matrix-matrix elementwise.
	am, aIsMat := asMatrix(av)
	bm, bIsMat := asMatrix(bv)
	if aIsMat || bIsMat {
		return binopMatrix(op, am, bm, av, bv, aIsMat, bIsMat)
	}

	// Bool participates in arithmetic by promoting to 0/1 scalars.
	if asc, ok := promoteScalar(av); ok {
		if bsc, ok2 := promoteScalar(bv); ok2 {
			return Binop(op, asc, bsc)
		}
	}

	return nil, fmt.Errorf("binary operator %v not implemented for %q by %q operations", opName(op), av.TypeID(), bv.TypeID())
}

func promoteScalar(v Value) (Value, bool) {
	switch t := v.(type) {
	case Scalar:
		return t, true
	case Bool:
		if t {
			return Scalar(1), true
		}
		return Scalar(0), true
	default:
		return nil, false
	}
}

func asMatrix(v Value) (*Matrix, bool) {
	switch t := v.(type) {
	case *Matrix:
		return t, true
	case Scalar:
		return NewMatrixFrom(1, 1, []float64{float64(t)}), true
	default:
		return nil, false
	}
}

func binopMatrix(op BinOp, am, bm *Matrix, av, bv Value, aIsMat, bIsMat bool) (Value, error) {
	_ = av
	_ = bv
	rows, cols := am.Rows, am.Cols
	if aIsMat && bIsMat {
		if am.Rows == 1 && am.Cols == 1 {
			rows, cols = bm.Rows, bm.Cols
		} else if bm.Rows == 1 && bm.Cols == 1 {
			rows, cols = am.Rows, am.Cols
		} else if am.Rows != bm.Rows || am.Cols != bm.Cols {
			return nil, fmt.Errorf("nonconformant arguments (op1 is %dx%d, op2 is %dx%d)", am.Rows, am.Cols, bm.Rows, bm.Cols)
		}
	} else if bIsMat {
		rows, cols = bm.Rows, bm.Cols
	}

	out := make([]float64, rows*cols)
	for i := range out {
		x := elemAt(am, i)
		y := elemAt(bm, i)
		r, err := scalarBinop(op, x, y)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	if rows == 1 && cols == 1 {
		return Scalar(out[0]), nil
	}
	return NewMatrixFrom(rows, cols, out), nil
}

func elemAt(m *Matrix, i int) float64 {
	if m.Numel() == 1 {
		return m.Data[0]
	}
	return m.Data[i]
}

func scalarBinop(op BinOp, x, y float64) (float64, error) {
	switch op {
	case OpAdd:
		return x + y, nil
	case OpSub:
		return x - y, nil
	case OpMul:
		return x * y, nil
	case OpDiv:
		if y == 0 {
			return math.Inf(sign(x)), nil
		}
		return x / y, nil
	case OpPow:
		return math.Pow(x, y), nil
	case OpLe:
		return boolF(x <= y), nil
	case OpLt:
		return boolF(x < y), nil
	case OpGe:
		return boolF(x >= y), nil
	case OpGt:
		return boolF(x > y), nil
	case OpEq:
		return boolF(x == y), nil
	case OpNe:
		return boolF(x != y), nil
	default:
		return 0, fmt.Errorf("unsupported elementwise operator %v", opName(op))
	}
}

func boolF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func opName(op BinOp) string {
	names := [...]string{"+", "-", "*", "/", "\\", "^", "<=", "<", ">=", ">", "==", "!="}
	if int(op) < len(names) {
		return names[op]
	}
	return "?"
}

// Unop applies a unary operator.
func Unop(op UnOp, a Value) (Value, error) {
	av := a.Deref()
	switch op {
	case OpNot:
		return Bool(!IsTruthy(av)), nil
	case OpUSub:
		switch t := av.(type) {
		case Scalar:
			return -t, nil
		case *Matrix:
			out := make([]float64, len(t.Data))
			for i, f := range t.Data {
				out[i] = -f
			}
			return NewMatrixFrom(t.Rows, t.Cols, out), nil
		}
	case OpTrans, OpHerm:
		if m, ok := av.(*Matrix); ok {
			out := make([]float64, len(m.Data))
			for r := 0; r < m.Rows; r++ {
				for c := 0; c < m.Cols; c++ {
					out[r*m.Cols+c] = m.Data[c*m.Rows+r]
				}
			}
			return NewMatrixFrom(m.Cols, m.Rows, out), nil
		}
		if s, ok := av.(Scalar); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unary operator not implemented for %q operations", av.TypeID())
}
