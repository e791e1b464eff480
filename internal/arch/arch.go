// Package arch pins the small interface every kernel package calls through
// instead of touching hardware directly: page-table writes, user-pointer
// copies, user-mappable-range checks and inter-processor interrupts. Real
// architecture bring-up (trap vectors, MMU tables, PLIC/UART MMIO layouts)
// lives behind this boundary; archsim.go supplies an in-memory stand-in
// used by the demo and the tests.
package arch

import "github.com/zuki/hinaos/internal/defs"

// Ipikind_t distinguishes the two inter-processor interrupts the kernel
// raises: a forced reschedule and a TLB shootdown after an unmap.
type Ipikind_t int

const (
	IPIReschedule Ipikind_t = iota
	IPITLBFlush
)

// Arch_i is the architecture interface every kernel package depends on
// instead of the hardware. One implementation is shared by every CPU; CPU
// ids are small ints in [0, NumCPUs).
type Arch_i interface {
	// MapPage installs a uaddr->paddr translation for task with the given
	// attributes into that task's page table.
	MapPage(vm Vmhandle_i, uaddr defs.Ua_t, paddr defs.Pa_t, attrs defs.Pageattrs_t) error
	// UnmapPage removes a uaddr translation. It is not an error to unmap an
	// address that was never mapped.
	UnmapPage(vm Vmhandle_i, uaddr defs.Ua_t) error
	// IsMappableUaddr reports whether uaddr falls in the range user tasks
	// are permitted to request mappings in.
	IsMappableUaddr(uaddr defs.Ua_t) bool
	// NewVM allocates a fresh, empty page-table handle for a new task.
	NewVM() Vmhandle_i
	// DestroyVM releases a page-table handle's resources.
	DestroyVM(vm Vmhandle_i)
	// CopyIn copies n bytes from the task's user address space into dst.
	CopyIn(vm Vmhandle_i, uaddr defs.Ua_t, dst []byte) error
	// CopyOut copies src into the task's user address space at uaddr.
	CopyOut(vm Vmhandle_i, uaddr defs.Ua_t, src []byte) error
	// SendIPI raises kind on the CPU identified by cpuID.
	SendIPI(cpuID int, kind Ipikind_t)
	// TLBShootdown invalidates any cached translation for uaddr in vm on
	// every CPU, raising IPI_TLB_FLUSH as needed.
	TLBShootdown(vm Vmhandle_i, uaddr defs.Ua_t)
}

// Vmhandle_i is an opaque per-task page-table handle. Arch_i implementations
// define their own concrete type; the kernel never looks inside it.
type Vmhandle_i interface{}
