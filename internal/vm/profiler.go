package vm

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/nsesodia/octave-vm/internal/bytecode"
)

// OpStats is one histogram bucket: the per-ip accounting the profiler
// keeps for a function.
type OpStats struct {
	Hits      int64
	SelfNs    int64
	SubCallNs int64
}

// FnProfile aggregates a function's buckets keyed by ip.
type FnProfile struct {
	Name string
	ByIP map[int]*OpStats
}

// profFrame is one shadow call-stack record. The shadow stack mirrors
// the VM's real frame stack; a divergence (a native callee throwing past
// several frames at once) purges the profiler rather than corrupting
// the billing.
type profFrame struct {
	chunk    *bytecode.Chunk
	activeIP int
	enterNs  int64
}

// Profiler attributes elapsed wall time between dispatches to the
// previously executed ip, billing a callee's total time to the caller's
// active ip as sub-call time on return. Accounting is best-effort: on
// any shadow-stack desynchronization it purges and warns, never aborts.
type Profiler struct {
	SessionID uuid.UUID

	enabled  bool
	clock    func() int64
	profiles map[*bytecode.Chunk]*FnProfile
	shadow   []profFrame

	lastSample int64
	lastIP     int
	haveSample bool
	purged     bool

	log commonlog.Logger
}

// NewProfiler builds an enabled profiler over the wall clock
// (time.Now().UnixNano()).
func NewProfiler() *Profiler {
	return NewProfilerWithClock(func() int64 { return time.Now().UnixNano() })
}

// NewProfilerWithClock injects a deterministic clock for tests.
func NewProfilerWithClock(clock func() int64) *Profiler {
	return &Profiler{
		SessionID: uuid.New(),
		enabled:   true,
		clock:     clock,
		profiles:  make(map[*bytecode.Chunk]*FnProfile),
		log:       commonlog.GetLogger("octavevm.profiler"),
	}
}

// Enabled reports whether sampling is live.
func (p *Profiler) Enabled() bool { return p.enabled }

// SetEnabled toggles sampling without discarding collected data.
func (p *Profiler) SetEnabled(on bool) { p.enabled = on }

func (p *Profiler) bucket(chunk *bytecode.Chunk, ip int) *OpStats {
	fp := p.profiles[chunk]
	if fp == nil {
		fp = &FnProfile{Name: chunk.FunctionName(), ByIP: make(map[int]*OpStats)}
		p.profiles[chunk] = fp
	}
	st := fp.ByIP[ip]
	if st == nil {
		st = &OpStats{}
		fp.ByIP[ip] = st
	}
	return st
}

// Sample is called before every dispatch: attribute the time since the
// previous sample to the previous ip in the current function.
func (p *Profiler) Sample(chunk *bytecode.Chunk, ip int) {
	now := p.clock()
	if len(p.shadow) == 0 {
		p.shadow = append(p.shadow, profFrame{chunk: chunk})
	}
	top := &p.shadow[len(p.shadow)-1]
	if top.chunk != chunk {
		p.desync("dispatch in a function the shadow stack does not track")
		p.shadow = []profFrame{{chunk: chunk}}
		top = &p.shadow[0]
		p.haveSample = false
	}
	if p.haveSample {
		st := p.bucket(chunk, p.lastIP)
		st.Hits++
		st.SelfNs += now - p.lastSample
	} else {
		p.bucket(chunk, ip).Hits++
	}
	top.activeIP = ip
	p.lastSample = now
	p.lastIP = ip
	p.haveSample = true
}

// EnterCall pushes a shadow record for a compiled-to-compiled call.
func (p *Profiler) EnterCall(callee *bytecode.Chunk) {
	now := p.clock()
	if p.haveSample && len(p.shadow) > 0 {
		st := p.bucket(p.shadow[len(p.shadow)-1].chunk, p.lastIP)
		st.SelfNs += now - p.lastSample
	}
	p.shadow = append(p.shadow, profFrame{chunk: callee, enterNs: now})
	p.lastSample = now
	p.haveSample = false
}

// ExitCall pops the callee's shadow record, billing its measured time to
// the caller's active ip as sub-call time.
func (p *Profiler) ExitCall(callee *bytecode.Chunk) {
	if len(p.shadow) == 0 {
		p.desync("function exit with an empty shadow stack")
		return
	}
	top := p.shadow[len(p.shadow)-1]
	if top.chunk != callee {
		p.desync("function exit does not match the shadow stack top")
		p.shadow = nil
		p.haveSample = false
		return
	}
	now := p.clock()
	if p.haveSample {
		st := p.bucket(callee, p.lastIP)
		st.SelfNs += now - p.lastSample
	}
	p.shadow = p.shadow[:len(p.shadow)-1]
	if len(p.shadow) > 0 {
		caller := &p.shadow[len(p.shadow)-1]
		p.bucket(caller.chunk, caller.activeIP).SubCallNs += now - top.enterNs
		p.lastIP = caller.activeIP
	}
	p.lastSample = now
	p.haveSample = len(p.shadow) > 0
}

// desync warns, once per session, that the shadow stack no longer
// matches; the caller resets the shadow stack and collected histograms
// are kept. Measurement degrades gracefully, execution is unaffected.
func (p *Profiler) desync(reason string) {
	if p.purged {
		return
	}
	p.purged = true
	p.log.Warningf("profiler %s: shadow call stack desynchronized (%s); resetting the shadow call stack", p.SessionID, reason)
}

// ProfileLine is one row of a flattened report.
type ProfileLine struct {
	Function string
	IP       int
	Hits     int64
	SelfNs   int64
	SubNs    int64
}

// Report flattens the per-function histograms, ordered by self time
// descending.
func (p *Profiler) Report() []ProfileLine {
	var out []ProfileLine
	for _, fp := range p.profiles {
		for ip, st := range fp.ByIP {
			out = append(out, ProfileLine{Function: fp.Name, IP: ip, Hits: st.Hits, SelfNs: st.SelfNs, SubNs: st.SubCallNs})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SelfNs != out[j].SelfNs {
			return out[i].SelfNs > out[j].SelfNs
		}
		if out[i].Function != out[j].Function {
			return out[i].Function < out[j].Function
		}
		return out[i].IP < out[j].IP
	})
	return out
}

// FunctionProfile returns the histogram for a chunk, or nil.
func (p *Profiler) FunctionProfile(chunk *bytecode.Chunk) *FnProfile {
	return p.profiles[chunk]
}
