package host

import (
	"fmt"
	"math"
	"strings"

	"github.com/nsesodia/octave-vm/internal/value"
	"github.com/nsesodia/octave-vm/internal/vm"
)

// registerBuiltins installs the small builtin table the reference host
// ships: enough surface for the VM's call, error, and display paths to
// be exercised without the real interpreter's library.
func (it *Interp) registerBuiltins() {
	native := func(name string, fn func(args []value.Value, nargout int) ([]value.Value, error)) {
		it.builtins[name] = &value.Callable{Name: name, Native: fn}
	}

	native("numel", func(args []value.Value, _ int) ([]value.Value, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("Invalid call to numel")
		}
		return []value.Value{value.Scalar(numel(args[0].Deref()))}, nil
	})

	native("size", func(args []value.Value, nargout int) ([]value.Value, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("Invalid call to size")
		}
		r, c := dims(args[0].Deref())
		if nargout >= 2 {
			return []value.Value{value.Scalar(r), value.Scalar(c)}, nil
		}
		return []value.Value{value.NewMatrixFrom(1, 2, []float64{float64(r), float64(c)})}, nil
	})

	native("isempty", func(args []value.Value, _ int) ([]value.Value, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("Invalid call to isempty")
		}
		return []value.Value{value.Bool(numel(args[0].Deref()) == 0)}, nil
	})

	native("class", func(args []value.Value, _ int) ([]value.Value, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("Invalid call to class")
		}
		return []value.Value{value.Str(className(args[0].Deref()))}, nil
	})

	// error raises: error(msg), error(id, template, ...) where an id is
	// recognized by its colon-separated component form.
	native("error", func(args []value.Value, _ int) ([]value.Value, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("Invalid call to error")
		}
		first, err := value.AsString(args[0])
		if err != nil {
			return nil, err
		}
		verr := &vm.VMError{Kind: vm.ExecutionExc, Message: first}
		if len(args) > 1 && strings.Contains(first, ":") && !strings.Contains(first, " ") {
			msg, err := value.AsString(args[1])
			if err != nil {
				return nil, err
			}
			verr.Identifier = first
			verr.Message = msg
		}
		return nil, verr
	})

	native("disp", func(args []value.Value, _ int) ([]value.Value, error) {
		for _, a := range args {
			fmt.Fprintln(it.out, a.Deref().String())
		}
		return nil, nil
	})

	native("abs", mathUnary(math.Abs))
	native("sqrt", mathUnary(math.Sqrt))
	native("floor", mathUnary(math.Floor))
	native("mod", func(args []value.Value, _ int) ([]value.Value, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("Invalid call to mod")
		}
		x, ok1 := args[0].Deref().(value.Scalar)
		y, ok2 := args[1].Deref().(value.Scalar)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("mod: arguments must be numeric scalars")
		}
		return []value.Value{value.Scalar(math.Mod(float64(x), float64(y)))}, nil
	})

	native("pi", constantBuiltin(value.Scalar(math.Pi)))
	native("e", constantBuiltin(value.Scalar(math.E)))
}

func mathUnary(fn func(float64) float64) func(args []value.Value, nargout int) ([]value.Value, error) {
	return func(args []value.Value, _ int) ([]value.Value, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("invalid argument count")
		}
		switch t := args[0].Deref().(type) {
		case value.Scalar:
			return []value.Value{value.Scalar(fn(float64(t)))}, nil
		case *value.Matrix:
			out := make([]float64, len(t.Data))
			for i, f := range t.Data {
				out[i] = fn(f)
			}
			return []value.Value{value.NewMatrixFrom(t.Rows, t.Cols, out)}, nil
		default:
			return nil, fmt.Errorf("argument must be numeric")
		}
	}
}

func constantBuiltin(v value.Value) func(args []value.Value, nargout int) ([]value.Value, error) {
	return func(_ []value.Value, _ int) ([]value.Value, error) {
		return []value.Value{v}, nil
	}
}

func numel(v value.Value) int {
	switch t := v.(type) {
	case *value.Matrix:
		return t.Numel()
	case *value.Cell:
		return t.Rows * t.Cols
	case value.Str:
		return t.Numel()
	case value.Scalar, value.Bool, *value.Struct:
		return 1
	default:
		if !v.IsDefined() {
			return 0
		}
		return 1
	}
}

func dims(v value.Value) (rows, cols int) {
	switch t := v.(type) {
	case *value.Matrix:
		return t.Rows, t.Cols
	case *value.Cell:
		return t.Rows, t.Cols
	case value.Str:
		if t.Numel() == 0 {
			return 0, 0
		}
		return 1, t.Numel()
	default:
		if !v.IsDefined() {
			return 0, 0
		}
		return 1, 1
	}
}

func className(v value.Value) string {
	switch v.(type) {
	case value.Scalar, *value.Matrix:
		return "double"
	case value.Bool:
		return "logical"
	case *value.Cell:
		return "cell"
	case *value.Struct:
		return "struct"
	case value.Str:
		return "char"
	case *value.FnHandle:
		return "function_handle"
	default:
		return "double"
	}
}
