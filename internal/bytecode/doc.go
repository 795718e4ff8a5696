// Package bytecode defines the on-disk/in-memory format of a compiled
// function: its instruction stream, constant pool, identifier table, and
// the three debugging/control-flow side tables (source-location, unwind,
// arg-name) that the VM and the surrounding host consult without
// interpreting the instruction stream itself.
//
// A Chunk is produced by a compiler that lives outside this module and
// is immutable after compilation except for the dispatch
// core's in-place opcode self-specialization, which rewrites a single
// opcode byte between a generic and a type-specialized variant.
package bytecode
