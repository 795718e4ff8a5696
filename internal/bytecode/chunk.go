package bytecode

import (
	"encoding/binary"
	"fmt"

	"github.com/nsesodia/octave-vm/internal/value"
)

// ChunkVersion is the current bytecode format version.
const ChunkVersion uint16 = 1

// ChunkMagic tags a serialized chunk: "OVMB" (Octave VM Bytecode).
var ChunkMagic = []byte{'O', 'V', 'M', 'B'}

// UnwindKind names the kind of an unwind-table entry.
type UnwindKind uint8

const (
	UnwindTryCatch UnwindKind = iota
	UnwindProtect
	UnwindForLoop
)

func (k UnwindKind) String() string {
	switch k {
	case UnwindTryCatch:
		return "TRY_CATCH"
	case UnwindProtect:
		return "UNWIND_PROTECT"
	case UnwindForLoop:
		return "FOR_LOOP"
	default:
		return "UNKNOWN"
	}
}

// UnwindEntry is one row of the unwind table: the ip range it covers, the
// operand-stack depth (relative to bsp+n_locals) the unwinder must trim
// to, and where to resume for TRY_CATCH/UNWIND_PROTECT.
type UnwindEntry struct {
	IPStart, IPEnd int
	StackDepth     int
	Kind           UnwindKind
	Target         int
}

// Covers reports whether ip falls inside this entry's range.
func (e UnwindEntry) Covers(ip int) bool { return ip >= e.IPStart && ip < e.IPEnd }

// LocEntry maps an ip range to a source line/column for diagnostics.
type LocEntry struct {
	IPStart, IPEnd int
	Line           int
	Column         int
}

// ArgNameEntry lets the indexing protocol retroactively attribute an
// INDEX_ERROR to the user-visible identifier being indexed.
type ArgNameEntry struct {
	IPStart, IPEnd int
	ObjectName     string
}

// FrameHeader is the first four bytes of Code:
// int8 n_returns, int8 n_args, uint16 n_locals, little-endian.
type FrameHeader struct {
	NReturns int8
	NArgs    int8
	NLocals  uint16
}

// IsVariadicOutput reports whether n_returns is negative (varargout).
func (h FrameHeader) IsVariadicOutput() bool { return h.NReturns < 0 }

// IsVariadicInput reports whether n_args is negative (varargin).
func (h FrameHeader) IsVariadicInput() bool { return h.NArgs < 0 }

// IsAnonymous is the sentinel -128 marking an anonymous function whose
// effective return count is always 1.
func (h FrameHeader) IsAnonymous() bool { return h.NReturns == -128 }

// NumReturns returns |n_returns|, collapsing the anonymous sentinel to 1.
func (h FrameHeader) NumReturns() int {
	if h.IsAnonymous() {
		return 1
	}
	return absInt8(h.NReturns)
}

// NumArgs returns |n_args|.
func (h FrameHeader) NumArgs() int { return absInt8(h.NArgs) }

func absInt8(v int8) int {
	if v < 0 {
		return -int(v)
	}
	return int(v)
}

// Chunk is a compiled function's bytecode unit. It is immutable after compilation except for in-place
// opcode self-specialization (a single-byte store to the opcode byte of
// the currently dispatched instruction).
type Chunk struct {
	Header FrameHeader

	Code []byte // Code[0:4] mirrors Header; written by NewChunk.

	// Constants[0] = function name, Constants[1] = function-type tag,
	// Constants[2] = profiler name; the remaining entries are literal
	// constants loaded by LOAD_CST/LOAD_FAR_CST.
	Constants []value.Value

	// Ids is the identifier-slot table: Ids[slot] is the variable/function
	// name bound to that slot, used for GLOBAL_INIT, fn-cache rebuild, and
	// diagnostics.
	Ids []string

	LocTable     []LocEntry
	UnwindTable  []UnwindEntry
	ArgNameTable []ArgNameEntry

	// PersistentSlotMap maps a slot index to its offset in the function's
	// persistent-scope storage.
	PersistentSlotMap map[int]int

	// Name is the function name, redundant with Constants[0] but kept
	// unboxed for fast access from diagnostics and the profiler.
	Name string

	// NestedChunks holds compiled anonymous/nested functions referenced
	// by PUSH_ANON_FCN_HANDLE, indexed by the opcode's chunk_idx operand.
	NestedChunks []*Chunk
}

// NewChunk allocates an empty chunk with the frame header pre-reserved
// as the first four bytes of Code.
func NewChunk(nReturns, nArgs int8, nLocals uint16) *Chunk {
	c := &Chunk{
		Header:            FrameHeader{NReturns: nReturns, NArgs: nArgs, NLocals: nLocals},
		Code:              make([]byte, 4, 64),
		PersistentSlotMap: make(map[int]int),
	}
	c.writeHeader()
	return c
}

func (c *Chunk) writeHeader() {
	c.Code[0] = byte(c.Header.NReturns)
	c.Code[1] = byte(c.Header.NArgs)
	binary.LittleEndian.PutUint16(c.Code[2:4], c.Header.NLocals)
}

// AddConstant appends a constant and returns its index. Constants are
// not deduplicated here; value.Value equality is not well-defined for
// mutable aggregate kinds, so pooling is the compiler's business.
func (c *Chunk) AddConstant(v value.Value) int {
	c.Constants = append(c.Constants, v)
	return len(c.Constants) - 1
}

// AddID interns an identifier string into the slot table, returning its
// index.
func (c *Chunk) AddID(name string) int {
	for i, s := range c.Ids {
		if s == name {
			return i
		}
	}
	c.Ids = append(c.Ids, name)
	return len(c.Ids) - 1
}

// Emit appends a single opcode byte (no operands) and returns its offset.
func (c *Chunk) Emit(op Opcode) int {
	off := len(c.Code)
	c.Code = append(c.Code, byte(op))
	return off
}

// EmitWithOperands appends an opcode followed by raw operand bytes.
func (c *Chunk) EmitWithOperands(op Opcode, operands ...byte) int {
	off := len(c.Code)
	c.Code = append(c.Code, byte(op))
	c.Code = append(c.Code, operands...)
	return off
}

// EmitU16 appends a little-endian u16 operand, the in-stream encoding
// for wide slots, jump targets, and half-constant indices (matching the
// frame header's n_locals field).
func (c *Chunk) EmitU16(v uint16) {
	c.Code = append(c.Code, byte(v), byte(v>>8))
}

// EmitU32 appends a little-endian u32 operand.
func (c *Chunk) EmitU32(v uint32) {
	c.Code = append(c.Code, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// EmitJump emits op with a placeholder 2-byte absolute target and returns
// the offset of those two bytes for later patching via PatchJump.
func (c *Chunk) EmitJump(op Opcode) int {
	c.Code = append(c.Code, byte(op), 0, 0)
	return len(c.Code) - 2
}

// PatchJump writes the current code length as the absolute jump target at
// placeholderOffset.
func (c *Chunk) PatchJump(placeholderOffset int) { c.PatchJumpTo(placeholderOffset, len(c.Code)) }

// PatchJumpTo writes an explicit absolute target, little-endian.
func (c *Chunk) PatchJumpTo(placeholderOffset, target int) {
	c.Code[placeholderOffset] = byte(target)
	c.Code[placeholderOffset+1] = byte(target >> 8)
}

// AddUnwindEntry records an unwind-table row.
func (c *Chunk) AddUnwindEntry(e UnwindEntry) { c.UnwindTable = append(c.UnwindTable, e) }

// AddLoc records a source-location range.
func (c *Chunk) AddLoc(e LocEntry) { c.LocTable = append(c.LocTable, e) }

// AddArgName records an arg-name range.
func (c *Chunk) AddArgName(e ArgNameEntry) { c.ArgNameTable = append(c.ArgNameTable, e) }

// UnwindEntryAt returns the innermost unwind-table entry covering ip, or
// ok=false if none does. Later entries added for nested ranges shadow
// earlier, wider ones; callers should add inner ranges after outer ones
// and this scans in reverse so the most specific match wins.
func (c *Chunk) UnwindEntryAt(ip int) (UnwindEntry, bool) {
	for i := len(c.UnwindTable) - 1; i >= 0; i-- {
		if c.UnwindTable[i].Covers(ip) {
			return c.UnwindTable[i], true
		}
	}
	return UnwindEntry{}, false
}

// UnwindEntriesAt returns every unwind-table entry covering ip,
// innermost first (same shadowing rule as UnwindEntryAt), so the
// unwinder can walk past FOR_LOOP cleanup entries to an enclosing
// handler.
func (c *Chunk) UnwindEntriesAt(ip int) []UnwindEntry {
	var out []UnwindEntry
	for i := len(c.UnwindTable) - 1; i >= 0; i-- {
		if c.UnwindTable[i].Covers(ip) {
			out = append(out, c.UnwindTable[i])
		}
	}
	return out
}

// LocAt returns the line/column for ip, or (0,0) if unmapped.
func (c *Chunk) LocAt(ip int) (line, col int) {
	for _, l := range c.LocTable {
		if ip >= l.IPStart && ip < l.IPEnd {
			return l.Line, l.Column
		}
	}
	return 0, 0
}

// ArgNameAt returns the identifier covering ip, or "" if unmapped.
func (c *Chunk) ArgNameAt(ip int) string {
	for _, a := range c.ArgNameTable {
		if ip >= a.IPStart && ip < a.IPEnd {
			return a.ObjectName
		}
	}
	return ""
}

// FunctionName returns Name, falling back to Constants[0]'s rendering.
func (c *Chunk) FunctionName() string {
	if c.Name != "" {
		return c.Name
	}
	if len(c.Constants) > 0 {
		return c.Constants[0].String()
	}
	return ""
}

// Serialize encodes the chunk into its wire format: Code (which carries
// the frame header), Ids, the unwind table and the source-location
// table. Constants, Name, NestedChunks, the arg-name table and the
// persistent slot map are not written; Constants are left out because
// value.Value has no host-independent wire encoding.
func (c *Chunk) Serialize() []byte {
	buf := make([]byte, 0, len(c.Code)+64)
	buf = append(buf, ChunkMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, ChunkVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.Code)))
	buf = append(buf, c.Code...)

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(c.Ids)))
	for _, id := range c.Ids {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(id)))
		buf = append(buf, id...)
	}

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(c.UnwindTable)))
	for _, u := range c.UnwindTable {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(u.IPStart))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(u.IPEnd))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(u.StackDepth))
		buf = append(buf, byte(u.Kind))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(u.Target))
	}

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(c.LocTable)))
	for _, l := range c.LocTable {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(l.IPStart))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(l.IPEnd))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(l.Line))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(l.Column))
	}

	return buf
}

// Deserialize decodes the Code/Ids/UnwindTable/LocTable portion of a
// chunk previously produced by Serialize. The caller must separately
// populate Constants with host-reconstituted values.
func Deserialize(data []byte) (*Chunk, error) {
	if len(data) < 10 || string(data[0:4]) != string(ChunkMagic) {
		return nil, fmt.Errorf("bytecode: bad magic")
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if version > ChunkVersion {
		return nil, fmt.Errorf("bytecode: version %d newer than supported %d", version, ChunkVersion)
	}
	pos := 6
	codeLen := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	if pos+codeLen > len(data) {
		return nil, fmt.Errorf("bytecode: truncated code section")
	}
	c := &Chunk{Code: append([]byte(nil), data[pos:pos+codeLen]...), PersistentSlotMap: make(map[int]int)}
	pos += codeLen
	if len(c.Code) < 4 {
		return nil, fmt.Errorf("bytecode: code section shorter than frame header")
	}
	c.Header = FrameHeader{
		NReturns: int8(c.Code[0]),
		NArgs:    int8(c.Code[1]),
		NLocals:  binary.LittleEndian.Uint16(c.Code[2:4]),
	}

	idCount := int(binary.LittleEndian.Uint16(data[pos:]))
	pos += 2
	c.Ids = make([]string, idCount)
	for i := range c.Ids {
		l := int(binary.LittleEndian.Uint16(data[pos:]))
		pos += 2
		c.Ids[i] = string(data[pos : pos+l])
		pos += l
	}

	uCount := int(binary.LittleEndian.Uint16(data[pos:]))
	pos += 2
	c.UnwindTable = make([]UnwindEntry, uCount)
	for i := range c.UnwindTable {
		c.UnwindTable[i] = UnwindEntry{
			IPStart:    int(binary.LittleEndian.Uint32(data[pos:])),
			IPEnd:      int(binary.LittleEndian.Uint32(data[pos+4:])),
			StackDepth: int(binary.LittleEndian.Uint32(data[pos+8:])),
			Kind:       UnwindKind(data[pos+12]),
			Target:     int(binary.LittleEndian.Uint32(data[pos+13:])),
		}
		pos += 17
	}

	lCount := int(binary.LittleEndian.Uint16(data[pos:]))
	pos += 2
	c.LocTable = make([]LocEntry, lCount)
	for i := range c.LocTable {
		c.LocTable[i] = LocEntry{
			IPStart: int(binary.LittleEndian.Uint32(data[pos:])),
			IPEnd:   int(binary.LittleEndian.Uint32(data[pos+4:])),
			Line:    int(binary.LittleEndian.Uint32(data[pos+8:])),
			Column:  int(binary.LittleEndian.Uint16(data[pos+12:])),
		}
		pos += 14
	}

	return c, nil
}
