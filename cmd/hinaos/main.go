// Command hinaos boots the kernel over the simulated architecture and
// walks the first-user-task path end to end: a pager task comes up, a
// child task is created, the child faults on its entry page, the pager
// maps a fresh frame and replies, and the child is runnable again.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/zuki/hinaos/internal/arch"
	"github.com/zuki/hinaos/internal/bootinfo"
	"github.com/zuki/hinaos/internal/defs"
	"github.com/zuki/hinaos/internal/klog"
	"github.com/zuki/hinaos/internal/syscall"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "hinaos:", err)
		os.Exit(1)
	}
}

func run() error {
	sim := arch.NewSim(2)
	bi := bootinfo.Bootinfo_t{
		BootElfPaddr: 0x80200000,
		MemoryMap: bootinfo.Memmap_t{
			RAM: []bootinfo.Range_t{{Base: 0x80200000, NumPages: 16384}},
		},
	}
	k := syscall.New(bi, sim, sim, sim.NumCPUs(), os.Stdout, func() int64 {
		return time.Now().UnixNano()
	})
	if !k.Lock.Acquire() {
		return fmt.Errorf("kernel halted before boot")
	}

	// The first user task has no pager; it will pager everything else.
	pager, kerr := k.Tasks.Create("vm", 0x1000, nil)
	if kerr != defs.OK {
		return fmt.Errorf("create pager: %s", kerr)
	}

	child, kerr := k.Tasks.Create("shell", 0x1000, pager)
	if kerr != defs.OK {
		return fmt.Errorf("create child: %s", kerr)
	}
	klog.Trace("boot: pager tid=%d child tid=%d", pager.Tid, child.Tid)

	// Pager parks in receive, the way a real pager's main loop does.
	recvBlocked, _ := k.IPC.Ipc(pager, 0, defs.IPCAny, defs.Message_t{}, defs.IPCRecv)
	if !recvBlocked {
		return fmt.Errorf("pager did not block in receive")
	}

	// Child touches its unmapped entry page.
	if blocked := k.PageFault(child, 0x1000, 0x1000, defs.AttrExec); !blocked {
		return fmt.Errorf("fault did not reach the pager")
	}
	fault, ok := pager.Message.Payload.(defs.Pagefaultmsg_t)
	if !ok {
		return fmt.Errorf("pager received %T, not a page fault", pager.Message.Payload)
	}
	klog.Trace("pager: fault task=%d uaddr=%#x ip=%#x", fault.Task, fault.Uaddr, fault.IP)

	// Pager services the fault: allocate a frame for the child, map it,
	// reply.
	paddr := k.PM.Alloc(defs.PageSize, child, defs.PMZeroed)
	if paddr == 0 {
		return fmt.Errorf("out of memory servicing fault")
	}
	if kerr := k.VMM.Map(pager, child, fault.Uaddr, paddr, defs.AttrRead|defs.AttrExec); kerr != defs.OK {
		return fmt.Errorf("vm_map: %s", kerr)
	}
	reply := defs.Message_t{Kind: defs.MsgPageFaultReply, Payload: defs.Pagefaultreplymsg_t{}}
	if _, kerr := k.IPC.Ipc(pager, child.Tid, defs.IPCDeny, reply, defs.IPCSend); kerr != defs.OK {
		return fmt.Errorf("pager reply: %s", kerr)
	}
	k.FinishPageFault(child)
	klog.Trace("child: fault serviced, state=%s", child.State)

	// Let the scheduler dispatch whatever is runnable, tick a while, then
	// shut down.
	cpu := k.RQ.CPU(0)
	next := k.RQ.Switch(cpu)
	klog.Trace("sched: cpu0 runs %q", next.Name)
	for i := 0; i < 5; i++ {
		k.Tick(0)
		k.Tick(1)
	}
	k.Serial.Write([]byte("hinaos: boot ok\n"))
	k.Tasks.Dump()
	k.Shutdown()
	return nil
}
