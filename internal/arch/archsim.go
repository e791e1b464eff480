package arch

import (
	"fmt"
	"sync"

	"github.com/zuki/hinaos/internal/defs"
)

// simvm_t is archsim's page-table handle: a plain map from uaddr to the
// backing paddr plus attrs, good enough to exercise the ownership and
// fault-forwarding logic in internal/vmm without real MMU tables.
type simvm_t struct {
	mu      sync.Mutex
	entries map[defs.Ua_t]simentry_t
}

type simentry_t struct {
	paddr defs.Pa_t
	attrs defs.Pageattrs_t
}

// mem is the backing store archsim copies user data to/from, keyed by
// paddr. It stands in for the kernel's direct physical-memory map.
type simmem_t struct {
	mu    sync.Mutex
	pages map[defs.Pa_t]*[defs.PageSize]byte
}

// Sim_t is an in-memory Arch_i used by tests and cmd/hinaos. It has no real
// hardware backing: uaddr ranges are mappable below UaddrLimit, IPIs are
// recorded rather than delivered to another core, and user copies write
// into a simulated physical page store.
type Sim_t struct {
	mu         sync.Mutex
	mem        simmem_t
	ipiLog     []simipi_t
	numCPUs    int
	uaddrHigh  defs.Ua_t
	irqEnabled map[int]bool
}

type simipi_t struct {
	cpuID int
	kind  Ipikind_t
}

// UaddrLimit is the highest address (exclusive) archsim treats as
// user-mappable. Anything at or above it triggers EXP_INVALID_UADDR.
const UaddrLimit defs.Ua_t = 0x80000000

// NewSim constructs an archsim with numCPUs cores.
func NewSim(numCPUs int) *Sim_t {
	return &Sim_t{
		mem:       simmem_t{pages: make(map[defs.Pa_t]*[defs.PageSize]byte)},
		numCPUs:   numCPUs,
		uaddrHigh: UaddrLimit,
	}
}

// NewVM returns a fresh, empty page table.
func (s *Sim_t) NewVM() Vmhandle_i {
	return &simvm_t{entries: make(map[defs.Ua_t]simentry_t)}
}

// DestroyVM drops every mapping; archsim holds no other per-VM state.
func (s *Sim_t) DestroyVM(vm Vmhandle_i) {
	v := vm.(*simvm_t)
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries = nil
}

// MapPage installs uaddr -> paddr in vm's table.
func (s *Sim_t) MapPage(vm Vmhandle_i, uaddr defs.Ua_t, paddr defs.Pa_t, attrs defs.Pageattrs_t) error {
	if !s.IsMappableUaddr(uaddr) {
		return fmt.Errorf("archsim: uaddr %#x not mappable", uaddr)
	}
	v := vm.(*simvm_t)
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries[uaddr] = simentry_t{paddr: paddr, attrs: attrs}
	s.backingPage(paddr)
	return nil
}

// UnmapPage removes uaddr's translation, if any.
func (s *Sim_t) UnmapPage(vm Vmhandle_i, uaddr defs.Ua_t) error {
	v := vm.(*simvm_t)
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.entries, uaddr)
	return nil
}

// IsMappableUaddr reports whether uaddr is below the simulated user range's
// ceiling and page-aligned.
func (s *Sim_t) IsMappableUaddr(uaddr defs.Ua_t) bool {
	return uaddr < s.uaddrHigh && uaddr%defs.Ua_t(defs.PageSize) == 0
}

// CopyIn reads len(dst) bytes starting at uaddr out of the backing page(s).
func (s *Sim_t) CopyIn(vm Vmhandle_i, uaddr defs.Ua_t, dst []byte) error {
	return s.copy(vm, uaddr, dst, false)
}

// CopyOut writes src into the backing page(s) starting at uaddr.
func (s *Sim_t) CopyOut(vm Vmhandle_i, uaddr defs.Ua_t, src []byte) error {
	return s.copy(vm, uaddr, src, true)
}

func (s *Sim_t) copy(vm Vmhandle_i, uaddr defs.Ua_t, buf []byte, toUser bool) error {
	v := vm.(*simvm_t)
	pageUaddr := uaddr - (uaddr % defs.Ua_t(defs.PageSize))
	v.mu.Lock()
	ent, ok := v.entries[pageUaddr]
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("archsim: %#x not mapped", uaddr)
	}
	page := s.backingPage(ent.paddr)
	off := int(uaddr - pageUaddr)
	if off+len(buf) > defs.PageSize {
		return fmt.Errorf("archsim: copy crosses page boundary")
	}
	if toUser {
		copy(page[off:], buf)
	} else {
		copy(buf, page[off:off+len(buf)])
	}
	return nil
}

func (s *Sim_t) backingPage(paddr defs.Pa_t) *[defs.PageSize]byte {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	p, ok := s.mem.pages[paddr]
	if !ok {
		p = &[defs.PageSize]byte{}
		s.mem.pages[paddr] = p
	}
	return p
}

// SendIPI records the IPI for later inspection by tests; in a real arch
// this would poke the target core's interrupt controller.
func (s *Sim_t) SendIPI(cpuID int, kind Ipikind_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ipiLog = append(s.ipiLog, simipi_t{cpuID: cpuID, kind: kind})
}

// IPILog returns a copy of every IPI sent so far, oldest first.
func (s *Sim_t) IPILog() []struct {
	CPUID int
	Kind  Ipikind_t
} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]struct {
		CPUID int
		Kind  Ipikind_t
	}, len(s.ipiLog))
	for i, e := range s.ipiLog {
		out[i].CPUID = e.cpuID
		out[i].Kind = e.kind
	}
	return out
}

// TLBShootdown raises IPI_TLB_FLUSH on every simulated core; archsim has
// no TLB, so the IPIs are the whole effect.
func (s *Sim_t) TLBShootdown(vm Vmhandle_i, uaddr defs.Ua_t) {
	for cpu := 0; cpu < s.numCPUs; cpu++ {
		s.SendIPI(cpu, IPITLBFlush)
	}
}

// WritePhys copies b into the backing store at paddr through the kernel's
// direct physical view. The copy must not cross a page boundary.
func (s *Sim_t) WritePhys(paddr defs.Pa_t, b []byte) error {
	return s.physCopy(paddr, b, true)
}

// ReadPhys fills b from the backing store at paddr.
func (s *Sim_t) ReadPhys(paddr defs.Pa_t, b []byte) error {
	return s.physCopy(paddr, b, false)
}

func (s *Sim_t) physCopy(paddr defs.Pa_t, b []byte, write bool) error {
	base := paddr - (paddr % defs.Pa_t(defs.PageSize))
	off := int(paddr - base)
	if off+len(b) > defs.PageSize {
		return fmt.Errorf("archsim: phys copy crosses page boundary")
	}
	page := s.backingPage(base)
	if write {
		copy(page[off:], b)
	} else {
		copy(b, page[off:off+len(b)])
	}
	return nil
}

// ZeroPage fills the backing page for paddr with zero bytes, used by
// internal/mem's PMZeroed flag.
func (s *Sim_t) ZeroPage(paddr defs.Pa_t) {
	p := s.backingPage(paddr)
	for i := range p {
		p[i] = 0
	}
}

// NumCPUs reports how many simulated cores this Sim_t backs.
func (s *Sim_t) NumCPUs() int {
	return s.numCPUs
}

// EnableIRQ and DisableIRQ satisfy internal/irq.Enabler_i; archsim has no
// real PLIC, so they only record state for inspection.
func (s *Sim_t) EnableIRQ(irq int)  { s.setIRQEnabled(irq, true) }
func (s *Sim_t) DisableIRQ(irq int) { s.setIRQEnabled(irq, false) }

func (s *Sim_t) setIRQEnabled(irq int, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.irqEnabled == nil {
		s.irqEnabled = make(map[int]bool)
	}
	s.irqEnabled[irq] = enabled
}

// IRQEnabled reports whether irq is currently enabled in the simulated
// PLIC.
func (s *Sim_t) IRQEnabled(irq int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.irqEnabled[irq]
}
