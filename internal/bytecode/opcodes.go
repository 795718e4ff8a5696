package bytecode

import "fmt"

// Opcode is a single bytecode instruction. Opcodes are grouped into
// ranges by category so a disassembler or a reviewer can place an
// unfamiliar byte by its high nibble alone.
//
// Families whose members differ only in a count (the INDEX_ID nargout
// variants, the INDEX_CELL forms) are folded into one parametric
// opcode; the compiler and VM agree on the resulting encoding.
type Opcode byte

const (
	// ======================= Stack manipulation (0x00-0x0F) =======================
	OpNop                 Opcode = 0x00
	OpPop                 Opcode = 0x01
	OpDup                 Opcode = 0x02
	OpDupMove             Opcode = 0x03 // dup, but the original slot is invalidated (move semantics)
	OpDupN                Opcode = 0x04 // OpDupN <n:u8>, duplicate top n values as a block
	OpRot                 Opcode = 0x05 // rotate top 3: a b c -> b c a
	OpSetSlotToStackDepth Opcode = 0x06 // OpSetSlotToStackDepth <slot:u8>, record current sp into an int local

	// ======================= Constants (0x10-0x1F) =======================
	OpLoadCst       Opcode = 0x10 // OpLoadCst <idx:u8>
	OpLoadFarCst    Opcode = 0x11 // OpLoadFarCst <idx:u32>
	OpLoad2Cst      Opcode = 0x12 // OpLoad2Cst <idx1:u8> <idx2:u8>, push two constants
	OpPushDbl0      Opcode = 0x13
	OpPushDbl1      Opcode = 0x14
	OpPushDbl2      Opcode = 0x15
	OpPushTrue      Opcode = 0x16
	OpPushFalse     Opcode = 0x17
	OpPushNil       Opcode = 0x18
	OpPushPi        Opcode = 0x19 // slot:u16; named-constant specialization
	OpPushI         Opcode = 0x1A // slot:u16
	OpPushE         Opcode = 0x1B // slot:u16
	OpPushFoldedCst Opcode = 0x1C // slot:u16, jump_target:u16
	OpSetFoldedCst  Opcode = 0x1D // slot:u16

	// ======================= Slot access (0x20-0x2F) =======================
	OpPushSlotNargout0 Opcode = 0x20 // slot:u8, discard result (cmd-form statement)
	OpPushSlotNargout1 Opcode = 0x21 // slot:u8
	OpPushSlotNargoutN Opcode = 0x22 // slot:u8, n:u8
	OpPushSlotNargoutX Opcode = 0x23 // slot:u8; variadic nargout, read from bsp[0]
	OpAssign           Opcode = 0x24 // slot:u8
	OpForceAssign      Opcode = 0x25 // slot:u8; bypass Ref redirection (used by GLOBAL_INIT init block)
	OpAssignN          Opcode = 0x26 // n:u8, (slot:u8)*; multi-return assignment
	OpBindAns          Opcode = 0x27 // slot:u8; bind top-of-stack to the "ans" slot
	OpAssignCompound   Opcode = 0x28 // slot:u8, op:u8
	OpExtNargout       Opcode = 0x29 // re-tag following opcode's arg0 with bsp[0]

	// ======================= Arithmetic / relational / unary (0x30-0x4F) =======================
	OpAdd   Opcode = 0x30
	OpSub   Opcode = 0x31
	OpMul   Opcode = 0x32
	OpDiv   Opcode = 0x33
	OpLDiv  Opcode = 0x34
	OpPow   Opcode = 0x35
	OpLe    Opcode = 0x36
	OpLt    Opcode = 0x37
	OpGe    Opcode = 0x38
	OpGt    Opcode = 0x39
	OpEq    Opcode = 0x3A
	OpNe    Opcode = 0x3B
	OpNot   Opcode = 0x3C
	OpUSub  Opcode = 0x3D
	OpTrans Opcode = 0x3E
	OpHerm  Opcode = 0x3F

	// Specialized (inline-cache) variants of the hottest binary ops, fixed
	// to double x double. Handlers self-modify between these bytes and
	// their generic counterparts above.
	OpAddSpecDbl Opcode = 0x40
	OpSubSpecDbl Opcode = 0x41
	OpMulSpecDbl Opcode = 0x42
	OpLeSpecDbl  Opcode = 0x43
	OpLtSpecDbl  Opcode = 0x44
	OpEqSpecDbl  Opcode = 0x45

	// ======================= Control flow (0x50-0x5F) =======================
	OpJmp                   Opcode = 0x50 // target:u16 (absolute)
	OpJmpIf                 Opcode = 0x51 // target:u16
	OpJmpIfn                Opcode = 0x52 // target:u16
	OpJmpIfDef              Opcode = 0x53 // target:u16
	OpJmpIfnCaseMatch       Opcode = 0x54 // target:u16
	OpThrowIferrobj         Opcode = 0x55
	OpHandleSignals         Opcode = 0x56
	OpBraindeadPrecondition Opcode = 0x57
	OpBraindeadWarning      Opcode = 0x58 // slot:u8, kind:u8

	// ======================= Iteration (0x60-0x6F) =======================
	OpForSetup        Opcode = 0x60 // slot:u8 (iteration variable)
	OpForCond         Opcode = 0x61 // slot:u8, after_target:u16
	OpForComplexSetup Opcode = 0x62 // key_slot:u8, val_slot:u8
	OpForComplexCond  Opcode = 0x63 // key_slot:u8, val_slot:u8, after_target:u16
	OpPopNInts        Opcode = 0x64 // n:u8

	// ======================= Call / return (0x70-0x8F) =======================
	OpIndexIdNargout0     Opcode = 0x70 // slot:u16, argc:u8
	OpIndexIdNargout1     Opcode = 0x71 // slot:u16, argc:u8
	OpIndexIdNargoutN     Opcode = 0x72 // slot:u16, argc:u8, n:u8
	OpIndexIdNargoutX     Opcode = 0x73 // slot:u16, argc:u8
	OpIndexIdN            Opcode = 0x74 // alias of NargoutN kept for wire compatibility with older chunks
	OpIndexCell           Opcode = 0x75 // slot:u16, argc:u8, nargout:u8; unifies INDEX_CELL_* family
	OpIndexObj            Opcode = 0x76 // kind:u8, argc:u8, nargout:u8; indexes the value below the args on the stack
	OpWordCmd             Opcode = 0x77 // name_idx:u16, argc:u8
	OpWordCmdNx           Opcode = 0x78 // name_idx:u16, argc:u8
	OpEval                Opcode = 0x79 // nargout:u8
	OpRet                 Opcode = 0x7A
	OpRetAnon             Opcode = 0x7B
	OpIndexStructCall     Opcode = 0x7C // slot:u16, kind:u8, argc:u8, nargout:u8
	OpIndexStructSubcall  Opcode = 0x7D // i:u8, n:u8, kind:u8, argc:u8
	OpIndexStructNargoutN Opcode = 0x7E // slot:u16, kind:u8, argc:u8, n:u8

	// Specialized (inline-cache) variants of INDEX_ID_NARGOUT1 for a slot
	// holding a full numeric matrix indexed by all-scalar subscripts.
	// Installed by self-modification, reverted on the first mismatch.
	OpIndexId1Mat1D Opcode = 0x7F // slot:u16, argc:u8 (argc always 1)
	OpIndexId1Mat2D Opcode = 0x80 // slot:u16, argc:u8 (argc always 2)

	// END resolution inside index expressions.
	OpEndId  Opcode = 0x85 // slot:u16, nargs:u8, idx:u8
	OpEndObj Opcode = 0x86 // stack_offset:u8, nargs:u8, idx:u8
	OpEndXN  Opcode = 0x87 // n_ids:u8, (nargs:u8, idx:u8, kind:u8, slot:u16)*

	// ======================= Assignment / chained subsasgn (0x90-0x9F) =======================
	OpSubassignId      Opcode = 0x90 // slot:u16, kind:u8, argc:u8
	OpSubassignObj     Opcode = 0x91 // kind:u8, argc:u8; target object is on the stack
	OpSubassignStruct  Opcode = 0x92 // slot:u16, argc:u8
	OpSubassignCellId  Opcode = 0x93 // slot:u16, argc:u8
	OpSubassignChained Opcode = 0x94 // slot:u16, op:u8, n_chained:u8, (nargs:u8 kind:u8)*

	// ======================= Aggregate construction (0xA0-0xAF) =======================
	OpMatrix       Opcode = 0xA0 // rows:u8, cols:u8
	OpMatrixUneven Opcode = 0xA1 // type:u8, then type-specific payload
	OpPushCell     Opcode = 0xA2 // rows:u8, cols:u8
	OpPushCellBig  Opcode = 0xA3 // rows:u32, cols:u32
	OpAppendCell   Opcode = 0xA4 // tag:u8  (1=row continues,2=row end,3=finalize,4=finalize+row end)

	// ======================= Scoping (0xB0-0xBF) =======================
	OpGlobalInit       Opcode = 0xB0 // kind:u8(GLOBAL|PERSISTENT), slot:u16, has_init:u8, init_skip_target:u16
	OpEnterScriptFrame Opcode = 0xB1
	OpExitScriptFrame  Opcode = 0xB2
	OpEnterNestedFrame Opcode = 0xB3
	OpInstallFunction  Opcode = 0xB4 // name_idx:u16

	// ======================= Ignored outputs (0xC0-0xCF) =======================
	OpSetIgnoreOutputs          Opcode = 0xC0 // n_ignored:u8, n_total:u8, (idx:u8)*
	OpClearIgnoreOutputs        Opcode = 0xC1 // n_slots:u8, (slot:u8)*
	OpAnonMaybeSetIgnoreOutputs Opcode = 0xC2

	// ======================= Handles (0xD0-0xDF) =======================
	OpPushFcnHandle     Opcode = 0xD0 // name_idx:u16
	OpPushAnonFcnHandle Opcode = 0xD1 // chunk_idx:u32, n_captures:u8

	// ======================= Diagnostics (0xE0-0xEF) =======================
	OpDisp         Opcode = 0xE0 // slot:u16, maybe_cmd_slot:u8
	OpPushSlotDisp Opcode = 0xE1 // slot:u16
	OpDebug        Opcode = 0xE2

	// ======================= Prefix (0xFE) =======================
	// OpWide widens the next opcode's first slot operand from 8 to 16
	// bits. It is not itself dispatched as a normal
	// instruction; the decode loop consumes it before fetching the next
	// opcode.
	OpWide Opcode = 0xFE

	// end-of-chunk marker, never emitted by a correct compiler; present so
	// a zeroed/truncated chunk fails fast in tests rather than looping.
	OpInvalid Opcode = 0xFF
)

// OpcodeInfo is disassembly/validation metadata. It carries an
// operand-width descriptor rather than a single byte count, since
// several opcodes have their first operand width promoted by a
// preceding WIDE prefix.
type OpcodeInfo struct {
	Name        string
	OperandSpec []OperandWidth
}

// OperandWidth names one operand field's encoded size. SlotWide is 1 byte
// by default; the WIDE prefix promotes it to 2.
type OperandWidth int

const (
	Width1   OperandWidth = 1
	Width2   OperandWidth = 2
	Width4   OperandWidth = 4
	SlotWide OperandWidth = -1 // 1 byte normally, 2 under WIDE
)

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpNop:                 {"NOP", nil},
	OpPop:                 {"POP", nil},
	OpDup:                 {"DUP", nil},
	OpDupMove:             {"DUP_MOVE", nil},
	OpDupN:                {"DUPN", []OperandWidth{Width1}},
	OpRot:                 {"ROT", nil},
	OpSetSlotToStackDepth: {"SET_SLOT_TO_STACK_DEPTH", []OperandWidth{SlotWide}},

	OpLoadCst:       {"LOAD_CST", []OperandWidth{Width1}},
	OpLoadFarCst:    {"LOAD_FAR_CST", []OperandWidth{Width4}},
	OpLoad2Cst:      {"LOAD_2_CST", []OperandWidth{Width1, Width1}},
	OpPushDbl0:      {"PUSH_DBL_0", nil},
	OpPushDbl1:      {"PUSH_DBL_1", nil},
	OpPushDbl2:      {"PUSH_DBL_2", nil},
	OpPushTrue:      {"PUSH_TRUE", nil},
	OpPushFalse:     {"PUSH_FALSE", nil},
	OpPushNil:       {"PUSH_NIL", nil},
	OpPushPi:        {"PUSH_PI", []OperandWidth{Width2}},
	OpPushI:         {"PUSH_I", []OperandWidth{Width2}},
	OpPushE:         {"PUSH_E", []OperandWidth{Width2}},
	OpPushFoldedCst: {"PUSH_FOLDED_CST", []OperandWidth{Width2, Width2}},
	OpSetFoldedCst:  {"SET_FOLDED_CST", []OperandWidth{Width2}},

	OpPushSlotNargout0: {"PUSH_SLOT_NARGOUT0", []OperandWidth{SlotWide}},
	OpPushSlotNargout1: {"PUSH_SLOT_NARGOUT1", []OperandWidth{SlotWide}},
	OpPushSlotNargoutN: {"PUSH_SLOT_NARGOUTN", []OperandWidth{SlotWide, Width1}},
	OpPushSlotNargoutX: {"PUSH_SLOT_NARGOUTX", []OperandWidth{SlotWide}},
	OpAssign:           {"ASSIGN", []OperandWidth{SlotWide}},
	OpForceAssign:      {"FORCE_ASSIGN", []OperandWidth{SlotWide}},
	OpAssignN:          {"ASSIGNN", []OperandWidth{Width1}},
	OpBindAns:          {"BIND_ANS", []OperandWidth{SlotWide}},
	OpAssignCompound:   {"ASSIGN_COMPOUND", []OperandWidth{SlotWide, Width1}},
	OpExtNargout:       {"EXT_NARGOUT", nil},

	OpAdd: {"ADD", nil}, OpSub: {"SUB", nil}, OpMul: {"MUL", nil}, OpDiv: {"DIV", nil},
	OpLDiv: {"LDIV", nil}, OpPow: {"POW", nil},
	OpLe: {"LE", nil}, OpLt: {"LT", nil}, OpGe: {"GE", nil}, OpGt: {"GT", nil}, OpEq: {"EQ", nil}, OpNe: {"NE", nil},
	OpNot: {"NOT", nil}, OpUSub: {"USUB", nil}, OpTrans: {"TRANS", nil}, OpHerm: {"HERM", nil},
	OpAddSpecDbl: {"ADD_DBL", nil}, OpSubSpecDbl: {"SUB_DBL", nil}, OpMulSpecDbl: {"MUL_DBL", nil},
	OpLeSpecDbl: {"LE_DBL", nil}, OpLtSpecDbl: {"LT_DBL", nil}, OpEqSpecDbl: {"EQ_DBL", nil},

	OpJmp:                   {"JMP", []OperandWidth{Width2}},
	OpJmpIf:                 {"JMP_IF", []OperandWidth{Width2}},
	OpJmpIfn:                {"JMP_IFN", []OperandWidth{Width2}},
	OpJmpIfDef:              {"JMP_IFDEF", []OperandWidth{Width2}},
	OpJmpIfnCaseMatch:       {"JMP_IFNCASEMATCH", []OperandWidth{Width2}},
	OpThrowIferrobj:         {"THROW_IFERROBJ", nil},
	OpHandleSignals:         {"HANDLE_SIGNALS", nil},
	OpBraindeadPrecondition: {"BRAINDEAD_PRECONDITION", nil},
	OpBraindeadWarning:      {"BRAINDEAD_WARNING", []OperandWidth{SlotWide, Width1}},

	OpForSetup:        {"FOR_SETUP", []OperandWidth{SlotWide}},
	OpForCond:         {"FOR_COND", []OperandWidth{SlotWide, Width2}},
	OpForComplexSetup: {"FOR_COMPLEX_SETUP", []OperandWidth{SlotWide, SlotWide}},
	OpForComplexCond:  {"FOR_COMPLEX_COND", []OperandWidth{SlotWide, SlotWide, Width2}},
	OpPopNInts:        {"POP_N_INTS", []OperandWidth{Width1}},

	OpIndexIdNargout0:     {"INDEX_ID_NARGOUT0", []OperandWidth{Width2, Width1}},
	OpIndexIdNargout1:     {"INDEX_ID_NARGOUT1", []OperandWidth{Width2, Width1}},
	OpIndexIdNargoutN:     {"INDEX_ID_NARGOUTN", []OperandWidth{Width2, Width1, Width1}},
	OpIndexIdNargoutX:     {"INDEX_ID_NARGOUTX", []OperandWidth{Width2, Width1}},
	OpIndexIdN:            {"INDEX_IDN", []OperandWidth{Width2, Width1, Width1}},
	OpIndexCell:           {"INDEX_CELL", []OperandWidth{Width2, Width1, Width1}},
	OpIndexObj:            {"INDEX_OBJ", []OperandWidth{Width1, Width1, Width1}},
	OpIndexId1Mat1D:       {"INDEX_ID1_MAT_1D", []OperandWidth{Width2, Width1}},
	OpIndexId1Mat2D:       {"INDEX_ID1_MAT_2D", []OperandWidth{Width2, Width1}},
	OpEndId:               {"END_ID", []OperandWidth{Width2, Width1, Width1}},
	OpEndObj:              {"END_OBJ", []OperandWidth{Width1, Width1, Width1}},
	OpEndXN:               {"END_X_N", []OperandWidth{Width1}},
	OpWordCmd:             {"WORDCMD", []OperandWidth{Width2, Width1}},
	OpWordCmdNx:           {"WORDCMD_NX", []OperandWidth{Width2, Width1}},
	OpEval:                {"EVAL", []OperandWidth{Width1}},
	OpRet:                 {"RET", nil},
	OpRetAnon:             {"RET_ANON", nil},
	OpIndexStructCall:     {"INDEX_STRUCT_CALL", []OperandWidth{Width2, Width1, Width1, Width1}},
	OpIndexStructSubcall:  {"INDEX_STRUCT_SUBCALL", []OperandWidth{Width1, Width1, Width1, Width1}},
	OpIndexStructNargoutN: {"INDEX_STRUCT_NARGOUTN", []OperandWidth{Width2, Width1, Width1, Width1}},

	OpSubassignId:      {"SUBASSIGN_ID", []OperandWidth{Width2, Width1, Width1}},
	OpSubassignObj:     {"SUBASSIGN_OBJ", []OperandWidth{Width1, Width1}},
	OpSubassignStruct:  {"SUBASSIGN_STRUCT", []OperandWidth{Width2, Width1}},
	OpSubassignCellId:  {"SUBASSIGN_CELL_ID", []OperandWidth{Width2, Width1}},
	OpSubassignChained: {"SUBASSIGN_CHAINED", []OperandWidth{Width2, Width1, Width1}},

	OpMatrix:       {"MATRIX", []OperandWidth{Width1, Width1}},
	OpMatrixUneven: {"MATRIX_UNEVEN", []OperandWidth{Width1}},
	OpPushCell:     {"PUSH_CELL", []OperandWidth{Width1, Width1}},
	OpPushCellBig:  {"PUSH_CELL_BIG", []OperandWidth{Width4, Width4}},
	OpAppendCell:   {"APPEND_CELL", []OperandWidth{Width1}},

	OpGlobalInit:       {"GLOBAL_INIT", []OperandWidth{Width1, Width2, Width1, Width2}},
	OpEnterScriptFrame: {"ENTER_SCRIPT_FRAME", nil},
	OpExitScriptFrame:  {"EXIT_SCRIPT_FRAME", nil},
	OpEnterNestedFrame: {"ENTER_NESTED_FRAME", nil},
	OpInstallFunction:  {"INSTALL_FUNCTION", []OperandWidth{Width2}},

	OpSetIgnoreOutputs:          {"SET_IGNORE_OUTPUTS", []OperandWidth{Width1, Width1}},
	OpClearIgnoreOutputs:        {"CLEAR_IGNORE_OUTPUTS", []OperandWidth{Width1}},
	OpAnonMaybeSetIgnoreOutputs: {"ANON_MAYBE_SET_IGNORE_OUTPUTS", nil},

	OpPushFcnHandle:     {"PUSH_FCN_HANDLE", []OperandWidth{Width2}},
	OpPushAnonFcnHandle: {"PUSH_ANON_FCN_HANDLE", []OperandWidth{Width4, Width1}},

	OpDisp:         {"DISP", []OperandWidth{Width2, Width1}},
	OpPushSlotDisp: {"PUSH_SLOT_DISP", []OperandWidth{Width2}},
	OpDebug:        {"DEBUG", nil},
}

// GetOpcodeInfo returns metadata for op, or a synthesized "UNKNOWN" entry.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

func (op Opcode) String() string { return GetOpcodeInfo(op).Name }

// FixedOperandLen returns the byte length of op's operands assuming no
// WIDE promotion, i.e. every SlotWide field counts as 1 byte. The
// disassembler decodes the width-aware length at a given offset.
func (op Opcode) FixedOperandLen() int {
	total := 0
	for _, w := range GetOpcodeInfo(op).OperandSpec {
		if w == SlotWide {
			total += 1
		} else {
			total += int(w)
		}
	}
	return total
}

// AllOpcodes returns every opcode with metadata, for exhaustiveness tests.
func AllOpcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		ops = append(ops, op)
	}
	return ops
}
