package value

import "fmt"

// ChainSubsref walks a multi-link indexing chain a.b(c){d}: kinds[i] and
// idxs[i] describe link i, applied left to right with SimpleSubsref. The
// final link honors nargout; intermediate links always take the single
// value (cs-list results mid-chain collapse to their first element, the
// same rule assignment applies to a cs-list rhs).
func ChainSubsref(base Value, kinds []IndexKind, idxs [][]Value, nargout int) ([]Value, error) {
	cur := base
	for i := range kinds {
		no := 1
		if i == len(kinds)-1 {
			no = nargout
		}
		res, err := SimpleSubsref(cur.Deref(), kinds[i], idxs[i], no)
		if err != nil {
			return nil, err
		}
		if i == len(kinds)-1 {
			return res, nil
		}
		if len(res) == 0 {
			return nil, fmt.Errorf("indexing produced no value mid-chain")
		}
		cur = res[0]
		if cur.IsCsList() {
			items := cur.ListValue()
			if len(items) == 0 {
				return nil, fmt.Errorf("indexing produced an empty cs-list mid-chain")
			}
			cur = items[0]
		}
	}
	return []Value{cur}, nil
}

// ChainSubsasgn performs a chained assignment a.b(c){d} = rhs by
// read-modify-write: it reads down the chain (synthesizing undefined
// intermediates so `a.p.q = 7` autovivifies), assigns at the last link,
// and writes each updated aggregate back into its parent. The returned
// Value is the new top-level aggregate to store into the slot.
func ChainSubsasgn(target Value, kinds []IndexKind, idxs [][]Value, rhs Value) (Value, error) {
	if len(kinds) == 0 {
		return rhs.MakeStorable(), nil
	}
	if len(kinds) == 1 {
		return Subsasgn(target, kinds[0], idxs[0], rhs)
	}
	inner := Value(Undefined)
	if target.IsDefined() {
		res, err := SimpleSubsref(target.Deref(), kinds[0], idxs[0], 1)
		if err == nil && len(res) > 0 {
			inner = res[0]
		}
	}
	updated, err := ChainSubsasgn(inner, kinds[1:], idxs[1:], rhs)
	if err != nil {
		return nil, err
	}
	return Subsasgn(target, kinds[0], idxs[0], updated)
}

// EndIndex resolves `end` inside an index expression for the END_ID
// family: dim is the 1-based position of the `end` within the subscript
// list, ndims the total subscript count. A single subscript sees the
// linear element count; multiple subscripts see the per-dimension extent.
func EndIndex(v Value, dim, ndims int) (int, error) {
	switch t := v.Deref().(type) {
	case *Matrix:
		if ndims <= 1 {
			return t.Numel(), nil
		}
		switch dim {
		case 1:
			return t.Rows, nil
		case 2:
			return t.Cols, nil
		default:
			return 1, nil
		}
	case *Cell:
		if ndims <= 1 {
			return t.Rows * t.Cols, nil
		}
		switch dim {
		case 1:
			return t.Rows, nil
		case 2:
			return t.Cols, nil
		default:
			return 1, nil
		}
	case Str:
		return t.Numel(), nil
	case Scalar, Bool:
		return 1, nil
	default:
		return 0, fmt.Errorf("'end' undefined for %s values", v.TypeID())
	}
}

// CopyForStack produces the stack copy LOAD_CST pushes: aggregates are
// shared copy-on-write so the constant pool itself is never mutated;
// immediate kinds are returned as-is.
func CopyForStack(v Value) Value {
	switch t := v.(type) {
	case *Matrix:
		return t.ShareCopy()
	case *Cell:
		return t.ShareCopy()
	default:
		return v
	}
}
