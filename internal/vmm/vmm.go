// Package vmm implements single-page map/unmap and the page-fault-to-pager
// bounce. The kernel only enforces ownership/permission rules here; the
// actual page-table write is delegated to the arch interface, and demand
// paging itself lives in the userland pager.
package vmm

import (
	"github.com/zuki/hinaos/internal/arch"
	"github.com/zuki/hinaos/internal/defs"
	"github.com/zuki/hinaos/internal/ipc"
	"github.com/zuki/hinaos/internal/mem"
	"github.com/zuki/hinaos/internal/task"
)

// Vmm_t ties the physical-memory manager, the arch page-table interface and
// IPC together.
type Vmm_t struct {
	pm  *mem.Physmem_t
	a   arch.Arch_i
	ipc *ipc.Ipc_t
}

// New constructs a Vmm_t over pm (for ownership/refcount checks), a (for the
// page-table write) and ipcSvc (for the page-fault bounce to the pager).
func New(pm *mem.Physmem_t, a arch.Arch_i, ipcSvc *ipc.Ipc_t) *Vmm_t {
	return &Vmm_t{pm: pm, a: a, ipc: ipcSvc}
}

// Map installs uaddr -> paddr in target's address space with attrs, on
// behalf of caller, which must be either the frame's owner or that
// owner's pager. RAM frames must already be allocated and owned
// by caller or caller's pagee; MMIO frames must be currently unmapped and
// become exclusively owned by target.
func (v *Vmm_t) Map(caller, target *task.Task_t, uaddr defs.Ua_t, paddr defs.Pa_t, attrs defs.Pageattrs_t) defs.Err_t {
	kind, ok := v.pm.ZoneKindOf(paddr)
	if !ok {
		return defs.ErrInvalidPaddr
	}

	switch kind {
	case mem.Free:
		page := v.pm.PageAt(paddr)
		if page == nil || page.RefCount < 1 {
			return defs.ErrInvalidPaddr
		}
		owner, _ := page.Owner.(*task.Task_t)
		if owner == nil || (caller != owner && caller != owner.Pager) {
			return defs.ErrInvalidPaddr
		}
		if err := v.a.MapPage(target.VM, uaddr, paddr, attrs); err != nil {
			return defs.ErrInvalidUaddr
		}
		v.pm.IncRef(paddr)
		return defs.OK

	case mem.MMIO:
		if v.pm.RefCount(paddr) != 0 {
			return defs.ErrInvalidPaddr
		}
		if err := v.a.MapPage(target.VM, uaddr, paddr, attrs); err != nil {
			return defs.ErrInvalidUaddr
		}
		v.pm.LinkMMIOPage(paddr, target)
		return defs.OK
	}
	return defs.ErrInvalidPaddr
}

// Unmap validates uaddr is user-mappable and delegates to the arch; the
// corresponding page-record refcount is reconciled later, at task
// destruction (task.Table_t.Destroy calling mem.Physmem_t.FreeByList), not here.
func (v *Vmm_t) Unmap(target *task.Task_t, uaddr defs.Ua_t) defs.Err_t {
	if !v.a.IsMappableUaddr(uaddr) {
		return defs.ErrInvalidUaddr
	}
	if err := v.a.UnmapPage(target.VM, uaddr); err != nil {
		return defs.ErrInvalidUaddr
	}
	v.a.TLBShootdown(target.VM, uaddr)
	return defs.OK
}

// Fault_t is the result of HandleFault: either the caller must terminate
// the faulting task (with Exception set), or the fault has been handed
// to the pager and the task is blocked awaiting the reply.
type Fault_t struct {
	Terminate bool
	Exception defs.Exception_t
	Blocked   bool
}

// HandleFault processes a user page fault at uaddr for target (ip is the
// faulting instruction pointer, attrs the access that faulted). An
// unmappable address terminates the task directly. A target with no
// pager is a broken invariant (only idle/the first user task should ever
// lack one) and panics. Otherwise a PAGE_FAULT_MSG CALL is issued to the
// pager; if it completes synchronously, the reply is checked immediately,
// otherwise the driver must call CheckPagerReply once target.IPCDone.
func (v *Vmm_t) HandleFault(target *task.Task_t, uaddr, ip defs.Ua_t, attrs defs.Pageattrs_t) Fault_t {
	if !v.a.IsMappableUaddr(uaddr) {
		return Fault_t{Terminate: true, Exception: defs.ExpInvalidUaddr}
	}
	if target.Pager == nil {
		panic("vmm: page fault on a task with no pager")
	}

	msg := defs.Message_t{
		Kind: defs.MsgPageFault,
		Payload: defs.Pagefaultmsg_t{
			Task: target.Tid, Uaddr: uaddr, IP: ip, Fault: attrs,
		},
	}
	blocked, _ := v.ipc.Ipc(target, target.Pager.Tid, target.Pager.Tid, msg, defs.IPCCall|defs.IPCKernel)
	if blocked {
		return Fault_t{Blocked: true}
	}
	return v.checkReply(target)
}

// CheckPagerReply is called by the driver once a previously blocked
// HandleFault's target.IPCDone becomes true, to validate the reply type.
func (v *Vmm_t) CheckPagerReply(target *task.Task_t) Fault_t {
	return v.checkReply(target)
}

func (v *Vmm_t) checkReply(target *task.Task_t) Fault_t {
	if target.Message.Kind != defs.MsgPageFaultReply {
		return Fault_t{Terminate: true, Exception: defs.ExpInvalidPagerReply}
	}
	return Fault_t{}
}
