package vm

import (
	"fmt"

	"github.com/nsesodia/octave-vm/internal/bytecode"
	"github.com/nsesodia/octave-vm/internal/value"
)

// toVMError normalizes any handler-boundary error into the VMError the
// unwinder consumes, attaching the
// current stack trace if the carrier does not already have one.
func (vm *VM) toVMError(err error) *VMError {
	var verr *VMError
	switch t := err.(type) {
	case *VMError:
		verr = t
	case *value.IndexError:
		if t.Object == "" {
			t.Object = vm.chunk.ArgNameAt(vm.instrStart)
		}
		verr = &VMError{Kind: IndexErrorKind, Message: t.Error()}
	default:
		verr = &VMError{Kind: ExecutionExc, Message: err.Error()}
	}
	if verr.Stack == nil {
		verr.Stack = vm.captureStack()
	}
	return verr
}

// captureStack walks the active frames innermost-first for the error's
// stack trace, deriving line/column from each frame's loc table.
func (vm *VM) captureStack() []StackFrameInfo {
	frames := make([]StackFrameInfo, 0, len(vm.callStack)+1)
	line, col := vm.chunk.LocAt(vm.instrStart)
	frames = append(frames, StackFrameInfo{FunctionName: vm.chunk.FunctionName(), Line: line, Column: col})
	for i := len(vm.callStack) - 1; i >= 0; i-- {
		cs := vm.callStack[i]
		l, c := cs.chunk.LocAt(cs.ip)
		frames = append(frames, StackFrameInfo{FunctionName: cs.chunk.FunctionName(), Line: l, Column: c})
	}
	return frames
}

// handlerHonors reports whether an unwind entry of the given kind runs
// for an error of the given kind: interrupt honors only unwind-protect,
// debug-quit bypasses everything, and every other kind (exit included)
// is caught by both try/catch and unwind-protect like a generic error.
func handlerHonors(entry bytecode.UnwindKind, err ErrorKind) bool {
	switch err {
	case DebugQuit:
		return false
	case InterruptExc:
		return entry == bytecode.UnwindProtect
	default:
		return entry == bytecode.UnwindTryCatch || entry == bytecode.UnwindProtect
	}
}

// unwind implements the unwinder:
// publish the error, walk unwind-table entries innermost-out within the
// frame, then pop frames until a handler or the root is reached.
// resumed=true means dispatch continues at the handler's target.
func (vm *VM) unwind(verr *VMError) (resumed bool, out error) {
	vm.host.SaveException(verr)

	errIP := vm.instrStart
	for {
		nLocals := int(vm.chunk.Header.NLocals)
		for _, entry := range vm.chunk.UnwindEntriesAt(errIP) {
			if entry.Kind == bytecode.UnwindForLoop {
				// Drop the dangling iteration integers (and the iterable
				// beneath them) so the next entry sees a clean depth.
				vm.trimStack(vm.bsp + nLocals + entry.StackDepth)
				continue
			}
			if !handlerHonors(entry.Kind, verr.Kind) {
				continue
			}
			vm.trimStack(vm.bsp + nLocals + entry.StackDepth)
			vm.push(vm.errorStruct(verr))
			vm.ip = entry.Target
			return true, nil
		}

		// No handler in this frame: destruct everything down to bsp and
		// pop one frame.
		vm.trimStack(vm.bsp)
		if vm.prof != nil {
			vm.prof.ExitCall(vm.chunk)
		}
		vm.host.PopStackFrame()

		if len(vm.callStack) == 0 {
			return false, verr
		}
		cs := vm.callStack[len(vm.callStack)-1]
		vm.callStack = vm.callStack[:len(vm.callStack)-1]
		vm.chunk, vm.ip, vm.bsp, vm.hostFrame = cs.chunk, cs.ip, cs.bsp, cs.hostFrame
		vm.ignoreStack = vm.ignoreStack[:min(cs.ignoreMark, len(vm.ignoreStack))]
		if cs.calleeOnStack {
			vm.popDrop()
		}
		// The saved ip points just past the call instruction; search the
		// caller's unwind table from the call site.
		errIP = max(cs.ip-1, 0)
	}
}

// trimStack drops operands until sp equals target, so values leaving
// the stack on an exceptional path destruct like any other.
func (vm *VM) trimStack(target int) {
	for vm.sp > target {
		vm.popDrop()
	}
}

// errorStruct materializes the scalar struct a catch handler binds:
// {message, identifier, stack}.
func (vm *VM) errorStruct(verr *VMError) *value.Struct {
	s := value.NewStruct()
	s.Set("message", value.Str(verr.Message))
	s.Set("identifier", value.Str(verr.Identifier))
	stack := value.NewCell(len(verr.Stack), 1)
	for i, f := range verr.Stack {
		fr := value.NewStruct()
		fr.Set("name", value.Str(f.FunctionName))
		fr.Set("line", value.Scalar(f.Line))
		fr.Set("column", value.Scalar(f.Column))
		stack.Set(i+1, 1, fr)
	}
	s.Set("stack", stack)
	return s
}

// preDispatch runs the per-dispatch hooks: trace, echo, breakpoint, and
// the profiler sample.
func (vm *VM) preDispatch(op bytecode.Opcode) error {
	if vm.prof != nil && vm.prof.Enabled() {
		vm.prof.Sample(vm.chunk, vm.instrStart)
	}
	if vm.trace {
		info := bytecode.GetOpcodeInfo(op)
		fmt.Printf("[%04x] %-24s sp=%d bsp=%d %s\n", vm.instrStart, info.Name, vm.sp, vm.bsp, vm.chunk.FunctionName())
	}
	if vm.echoMode {
		vm.echoLine(op)
	}
	if vm.debugMode {
		isReturn := op == bytecode.OpRet || op == bytecode.OpRetAnon
		if err := vm.host.DoBreakpoint(vm.hostFrame, vm.instrStart, isReturn); err != nil {
			return err
		}
	}
	return nil
}

// echoLine prints the source line on entry to a new line, suppressing
// the repeated echo of FOR_COND/FOR_COMPLEX_COND until the first
// in-body opcode.
func (vm *VM) echoLine(op bytecode.Opcode) {
	line, _ := vm.chunk.LocAt(vm.instrStart)
	if line == 0 || line == vm.lastEchoLine {
		return
	}
	if op == bytecode.OpForCond || op == bytecode.OpForComplexCond {
		if vm.echoSuppressCond {
			return
		}
		vm.echoSuppressCond = true
	} else {
		vm.echoSuppressCond = false
	}
	vm.lastEchoLine = line
	vm.host.Echo(vm.chunk, vm.instrStart)
}
