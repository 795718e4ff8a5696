package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the chunk: a
// `;`-commented header block followed by one line per instruction.
func (c *Chunk) Disassemble() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "; function %s\n", c.FunctionName())
	fmt.Fprintf(&sb, "; n_returns=%d n_args=%d n_locals=%d\n", c.Header.NReturns, c.Header.NArgs, c.Header.NLocals)
	if len(c.Ids) > 0 {
		sb.WriteString("; ids:\n")
		for i, id := range c.Ids {
			fmt.Fprintf(&sb, ";   [%3d] %s\n", i, id)
		}
	}
	if len(c.Constants) > 0 {
		sb.WriteString("; constants:\n")
		for i, v := range c.Constants {
			fmt.Fprintf(&sb, ";   [%3d] %s\n", i, v.String())
		}
	}
	sb.WriteString("; code:\n")

	offset := 4 // skip the frame header
	wide := false
	for offset < len(c.Code) {
		line, length, isWide := c.disassembleInstruction(offset, wide)
		if srcLine, col := c.LocAt(offset); srcLine > 0 {
			fmt.Fprintf(&sb, "%04X  %-40s ; line %d:%d\n", offset, line, srcLine, col)
		} else {
			fmt.Fprintf(&sb, "%04X  %s\n", offset, line)
		}
		offset += length
		wide = isWide
	}
	return sb.String()
}

// disassembleInstruction renders one instruction at offset, given whether
// the previous instruction was a WIDE prefix. It returns the rendered
// line, the byte length of the opcode+operands (not counting a WIDE
// prefix consumed to get here), and whether this instruction itself is a
// WIDE prefix (so the caller promotes the next one).
func (c *Chunk) disassembleInstruction(offset int, wide bool) (string, int, bool) {
	op := Opcode(c.Code[offset])
	if op == OpWide {
		return "WIDE", 1, true
	}
	info := GetOpcodeInfo(op)
	pos := offset + 1
	var parts []string
	for i, w := range info.OperandSpec {
		width := int(w)
		if w == SlotWide {
			if wide && i == 0 {
				width = 2
			} else {
				width = 1
			}
		}
		parts = append(parts, fmt.Sprintf("%d", readUint(c.Code, pos, width)))
		pos += width
	}
	line := info.Name
	if len(parts) > 0 {
		line += " " + strings.Join(parts, ", ")
	}
	if tail := c.variableTailLen(op, offset+1, pos); tail > 0 {
		line += fmt.Sprintf(" +%d", tail)
		pos += tail
	}
	return line, pos - offset, false
}

// variableTailLen returns the length of an instruction's trailing
// variable-size payload: the (idx)*/(slot)*/(nargs,kind)* repetitions a
// few opcodes carry after their fixed operands. operandStart addresses the
// first fixed operand, pos the byte just past the fixed operands.
func (c *Chunk) variableTailLen(op Opcode, operandStart, pos int) int {
	switch op {
	case OpAssignN:
		return int(c.Code[operandStart]) // n slot bytes
	case OpSetIgnoreOutputs:
		return int(c.Code[operandStart]) // n_ignored idx bytes
	case OpClearIgnoreOutputs:
		return int(c.Code[operandStart]) // n_slots slot bytes
	case OpSubassignChained:
		return 2 * int(c.Code[operandStart+3]) // n_chained (nargs, kind) pairs
	case OpEndXN:
		return 5 * int(c.Code[operandStart]) // n_ids (nargs, idx, kind, slot:u16) records
	case OpMatrixUneven:
		if c.Code[operandStart] == 0 {
			nrows := int(c.Code[operandStart+1])
			return 1 + 2*nrows // nrows byte plus u16 per-row lengths
		}
		return 8 // u32 rows, u32 cols
	default:
		return 0
	}
}

func readUint(code []byte, pos, width int) uint64 {
	var v uint64
	for i := width - 1; i >= 0; i-- {
		v = v<<8 | uint64(code[pos+i])
	}
	return v
}
