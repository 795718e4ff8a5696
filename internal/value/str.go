package value

import "fmt"

// Str is a character row vector (a 1xN char array). It is the argument
// type WORDCMD lays out on the stack for command-form calls, the field
// name carrier for '.' indexing links, and the representation of string
// literals in the constant pool.
type Str string

func (Str) TypeID() TypeID             { return TypeString }
func (Str) IsDefined() bool            { return true }
func (Str) IsRef() bool                { return false }
func (Str) IsCsList() bool             { return false }
func (s Str) Deref() Value             { return s }
func (s Str) ListValue() []Value       { return []Value{s} }
func (s Str) MakeStorable() Value      { return s }
func (s Str) MakeUnique() Value        { return s }
func (Str) DispatchKind() DispatchKind { return DispatchSubsref }
func (Str) Drop()                      {}
func (s Str) String() string           { return string(s) }

// Numel returns the character count, so numel('abc') is 3.
func (s Str) Numel() int { return len(s) }

// FieldName constructs the args element used for a '.' indexing link.
func FieldName(name string) Value { return Str(name) }

// AsFieldName extracts a field name from a '.' link argument.
func AsFieldName(v Value) (string, bool) {
	s, ok := v.Deref().(Str)
	if !ok {
		return "", false
	}
	return string(s), true
}

// AsString extracts the character data of a Str, erroring for other kinds.
func AsString(v Value) (string, error) {
	s, ok := v.Deref().(Str)
	if !ok {
		return "", fmt.Errorf("expected a string, got %s", v.TypeID())
	}
	return string(s), nil
}
