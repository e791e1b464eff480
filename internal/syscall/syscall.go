// Package syscall is the kernel's trap surface: it wires every subsystem
// together at boot, dispatches on a call number, validates arguments, and
// copies user memory in and out through the arch interface. A task that
// suspends mid-call (IPC rendezvous, console read, exit) is reported
// blocked to the trap driver, which finishes or retries the call once the
// task is runnable again.
package syscall

import (
	"io"
	"sync"

	"github.com/zuki/hinaos/internal/arch"
	"github.com/zuki/hinaos/internal/bootinfo"
	"github.com/zuki/hinaos/internal/defs"
	"github.com/zuki/hinaos/internal/hinavm"
	"github.com/zuki/hinaos/internal/ipc"
	"github.com/zuki/hinaos/internal/irq"
	"github.com/zuki/hinaos/internal/klock"
	"github.com/zuki/hinaos/internal/klog"
	"github.com/zuki/hinaos/internal/mem"
	"github.com/zuki/hinaos/internal/sched"
	"github.com/zuki/hinaos/internal/serial"
	"github.com/zuki/hinaos/internal/task"
	"github.com/zuki/hinaos/internal/vmm"
)

// Syscall numbers, dispatched by Kernel_t.Dispatch.
const (
	SysIPC = iota + 1
	SysNotify
	SysTaskCreate
	SysTaskDestroy
	SysTaskExit
	SysTaskSelf
	SysPMAlloc
	SysVMMap
	SysVMUnmap
	SysIRQListen
	SysIRQUnlisten
	SysSerialWrite
	SysSerialRead
	SysTime
	SysUptime
	SysShutdown
	SysHinaVM
	SysEpoch
)

// nameMax bounds a task name read from user memory.
const nameMax = 32

// serialWriteMax bounds one serial_write call.
const serialWriteMax = 512

// Kernel_t owns one fully wired kernel instance: every subsystem plus the
// big lock and the pending-call bookkeeping the trap driver needs.
type Kernel_t struct {
	A      arch.Arch_i
	Lock   *klock.Biglock_t
	PM     *mem.Physmem_t
	RQ     *sched.Runqueue_t
	Tasks  *task.Table_t
	IPC    *ipc.Ipc_t
	VMM    *vmm.Vmm_t
	IRQs   *irq.Table_t
	Serial *serial.Serial_t

	epoch func() int64
	phys  hinavm.Phys_i

	mu      sync.Mutex
	pending map[*task.Task_t]pendingipc_t
	vms     map[defs.Tid_t]*hinavm.Machine_t
}

type pendingipc_t struct {
	uaddr defs.Ua_t
	recv  bool
}

// New builds a kernel over bi's memory map: one zone per RAM range, one
// per MMIO range, then the runqueue, task table, IPC, VM, IRQ and console
// layers on top. console receives serial output; epoch backs the RTC
// syscall.
func New(bi bootinfo.Bootinfo_t, a arch.Arch_i, en irq.Enabler_i, numCPUs int, console io.Writer, epoch func() int64) *Kernel_t {
	k := &Kernel_t{
		A:       a,
		Lock:    &klock.Biglock_t{},
		epoch:   epoch,
		pending: make(map[*task.Task_t]pendingipc_t),
		vms:     make(map[defs.Tid_t]*hinavm.Machine_t),
	}
	k.phys, _ = a.(hinavm.Phys_i)

	k.PM = mem.New(a)
	for _, r := range bi.MemoryMap.RAM {
		k.PM.AddZone(defs.Pa_t(r.Base), r.NumPages, mem.Free)
	}
	for _, r := range bi.MemoryMap.MMIO {
		k.PM.AddZone(defs.Pa_t(r.Base), r.NumPages, mem.MMIO)
	}

	k.RQ = sched.NewRunqueue(a, numCPUs)
	k.Tasks = task.NewTable(k.RQ, k.PM, a)
	k.IPC = ipc.New(k.Tasks)
	k.VMM = vmm.New(k.PM, a, k.IPC)
	k.IRQs = irq.New(en, k.IPC.Notify)
	k.Serial = serial.New(console, k.Tasks.Block, k.Tasks.Resume, k.Tasks.Dump)
	return k
}

// Dispatch runs one syscall for the current task of cpu. blocked=true
// means the task suspended mid-call: for IPC, the driver calls FinishIPC
// once the task's IPCDone is set; for serial_read and task_exit, the
// driver re-dispatches or drops the task as appropriate.
func (k *Kernel_t) Dispatch(cpu *sched.Cpuvar_t, call int, a0, a1, a2, a3, a4 uintptr) (ret uintptr, blocked bool, err defs.Err_t) {
	cur := cpu.CurrentTask
	if cur == cpu.IdleTask {
		panic("syscall: dispatch from an idle task")
	}
	switch call {
	case SysIPC:
		return k.sysIPC(cur, a0, a1, a2, a3)
	case SysNotify:
		return k.sysNotify(a0, a1)
	case SysTaskCreate:
		return k.sysTaskCreate(cur, a0, a1, a2)
	case SysTaskDestroy:
		return k.sysTaskDestroy(cur, a0)
	case SysTaskExit:
		k.Terminate(cur, defs.ExpUser+defs.Exception_t(a0))
		return 0, true, defs.OK
	case SysTaskSelf:
		return uintptr(cur.Tid), false, defs.OK
	case SysPMAlloc:
		return k.sysPMAlloc(cur, a0, a1)
	case SysVMMap:
		return k.sysVMMap(cur, a0, a1, a2, a3)
	case SysVMUnmap:
		return k.sysVMUnmap(cur, a0, a1)
	case SysIRQListen:
		return 0, false, k.IRQs.Listen(cur, int(a0))
	case SysIRQUnlisten:
		return 0, false, k.IRQs.Unlisten(cur, int(a0))
	case SysSerialWrite:
		return k.sysSerialWrite(cur, a0, a1)
	case SysSerialRead:
		return k.sysSerialRead(cur, a0, a1)
	case SysTime:
		return k.sysTime(cur, a0)
	case SysUptime:
		return uintptr(k.RQ.Uptime() * 1000 / defs.TickHz), false, defs.OK
	case SysShutdown:
		k.Shutdown()
		return 0, false, defs.OK
	case SysHinaVM:
		return k.sysHinaVM(cur, a0, a1, a2)
	case SysEpoch:
		return k.sysEpoch(cur, a0)
	}
	klog.Warn("syscall: unknown call %d from task %d", call, cur.Tid)
	return 0, false, defs.ErrInvalidArg
}

func (k *Kernel_t) sysIPC(cur *task.Task_t, a0, a1, a2, a3 uintptr) (uintptr, bool, defs.Err_t) {
	dst := defs.Tid_t(int32(a0))
	src := defs.Tid_t(int32(a1))
	flags := defs.Ipcflags_t(a2)
	msgU := defs.Ua_t(a3)

	if flags&defs.IPCKernel != 0 {
		return 0, false, defs.ErrInvalidArg
	}
	if flags&(defs.IPCSend|defs.IPCRecv) == 0 {
		return 0, false, defs.ErrInvalidArg
	}
	if src < defs.IPCDeny {
		return 0, false, defs.ErrInvalidArg
	}

	var msg defs.Message_t
	if flags&defs.IPCSend != 0 {
		m, err := k.copyMsgIn(cur, msgU)
		if err != defs.OK {
			return 0, false, err
		}
		msg = m
	}

	blocked, err := k.IPC.Ipc(cur, dst, src, msg, flags)
	if blocked {
		k.mu.Lock()
		k.pending[cur] = pendingipc_t{uaddr: msgU, recv: flags&defs.IPCRecv != 0}
		k.mu.Unlock()
		return 0, true, defs.OK
	}
	if err != defs.OK {
		return 0, false, err
	}
	if flags&defs.IPCRecv != 0 {
		return 0, false, k.copyMsgOut(cur, msgU)
	}
	return 0, false, defs.OK
}

// FinishIPC completes a previously blocked ipc call once cur.IPCDone is
// set: the received message (if the call had a receive phase) is copied
// out to the buffer recorded at dispatch time, and the call's final error
// is returned.
func (k *Kernel_t) FinishIPC(cur *task.Task_t) defs.Err_t {
	k.mu.Lock()
	p, ok := k.pending[cur]
	delete(k.pending, cur)
	k.mu.Unlock()

	cur.IPCDone = false
	if cur.IPCResult != defs.OK {
		return cur.IPCResult
	}
	if ok && p.recv {
		return k.copyMsgOut(cur, p.uaddr)
	}
	return defs.OK
}

func (k *Kernel_t) copyMsgIn(cur *task.Task_t, uaddr defs.Ua_t) (defs.Message_t, defs.Err_t) {
	hdr := make([]byte, 2)
	if err := k.A.CopyIn(cur.VM, uaddr, hdr); err != nil {
		return defs.Message_t{}, defs.ErrInvalidUaddr
	}
	plen := int(uint16(hdr[0]) | uint16(hdr[1])<<8)
	plen &= 0xfff
	buf := make([]byte, wireHeaderSize+plen)
	if err := k.A.CopyIn(cur.VM, uaddr, buf); err != nil {
		return defs.Message_t{}, defs.ErrInvalidUaddr
	}
	msg, err := decodeMsg(buf)
	if err != nil {
		return defs.Message_t{}, defs.ErrInvalidArg
	}
	return msg, defs.OK
}

func (k *Kernel_t) copyMsgOut(cur *task.Task_t, uaddr defs.Ua_t) defs.Err_t {
	b, err := encodeMsg(cur.Message)
	if err != nil {
		klog.Warn("syscall: undeliverable message kind %d for task %d", cur.Message.Kind, cur.Tid)
		return defs.ErrInvalidArg
	}
	if err := k.A.CopyOut(cur.VM, uaddr, b); err != nil {
		return defs.ErrInvalidUaddr
	}
	return defs.OK
}

func (k *Kernel_t) sysNotify(a0, a1 uintptr) (uintptr, bool, defs.Err_t) {
	t := k.Tasks.Get(defs.Tid_t(int32(a0)))
	if t == nil || t.State == task.Unused {
		return 0, false, defs.ErrInvalidArg
	}
	k.IPC.Notify(t, uint32(a1))
	return 0, false, defs.OK
}

func (k *Kernel_t) sysTaskCreate(cur *task.Task_t, a0, a1, a2 uintptr) (uintptr, bool, defs.Err_t) {
	name, err := k.copyInString(cur, defs.Ua_t(a0), nameMax)
	if err != defs.OK {
		return 0, false, err
	}
	pager := k.Tasks.Get(defs.Tid_t(int32(a2)))
	if pager == nil || pager.State == task.Unused {
		return 0, false, defs.ErrInvalidArg
	}
	t, kerr := k.Tasks.Create(name, defs.Ua_t(a1), pager)
	if kerr != defs.OK {
		return 0, false, kerr
	}
	return uintptr(t.Tid), false, defs.OK
}

func (k *Kernel_t) sysTaskDestroy(cur *task.Task_t, a0 uintptr) (uintptr, bool, defs.Err_t) {
	victim := k.Tasks.Get(defs.Tid_t(int32(a0)))
	if victim == nil || victim.State == task.Unused {
		return 0, false, defs.ErrInvalidArg
	}
	return 0, false, k.Tasks.Destroy(victim, cur)
}

func (k *Kernel_t) sysPMAlloc(cur *task.Task_t, a0, a1 uintptr) (uintptr, bool, defs.Err_t) {
	flags := defs.Pmflags_t(a1)
	if flags&^(defs.PMZeroed|defs.PMAligned) != 0 {
		return 0, false, defs.ErrInvalidArg
	}
	paddr := k.PM.Alloc(int(a0), cur, flags)
	if paddr == 0 {
		return 0, false, defs.ErrNoMemory
	}
	return uintptr(paddr), false, defs.OK
}

func (k *Kernel_t) sysVMMap(cur *task.Task_t, a0, a1, a2, a3 uintptr) (uintptr, bool, defs.Err_t) {
	target := k.Tasks.Get(defs.Tid_t(int32(a0)))
	if target == nil || target.State == task.Unused {
		return 0, false, defs.ErrInvalidArg
	}
	attrs := defs.Pageattrs_t(a3)
	if attrs == 0 || attrs&^(defs.AttrRead|defs.AttrWrite|defs.AttrExec) != 0 {
		return 0, false, defs.ErrInvalidArg
	}
	if cur != target && cur != target.Pager {
		return 0, false, defs.ErrNotAllowed
	}
	return 0, false, k.VMM.Map(cur, target, defs.Ua_t(a1), defs.Pa_t(a2), attrs)
}

func (k *Kernel_t) sysVMUnmap(cur *task.Task_t, a0, a1 uintptr) (uintptr, bool, defs.Err_t) {
	target := k.Tasks.Get(defs.Tid_t(int32(a0)))
	if target == nil || target.State == task.Unused {
		return 0, false, defs.ErrInvalidArg
	}
	if cur != target && cur != target.Pager {
		return 0, false, defs.ErrNotAllowed
	}
	return 0, false, k.VMM.Unmap(target, defs.Ua_t(a1))
}

func (k *Kernel_t) sysSerialWrite(cur *task.Task_t, a0, a1 uintptr) (uintptr, bool, defs.Err_t) {
	n := int(a1)
	if n < 0 || n > serialWriteMax {
		return 0, false, defs.ErrInvalidArg
	}
	buf := make([]byte, n)
	if err := k.A.CopyIn(cur.VM, defs.Ua_t(a0), buf); err != nil {
		return 0, false, defs.ErrInvalidUaddr
	}
	return uintptr(k.Serial.Write(buf)), false, defs.OK
}

func (k *Kernel_t) sysSerialRead(cur *task.Task_t, a0, a1 uintptr) (uintptr, bool, defs.Err_t) {
	max := int(a1)
	if max <= 0 || max > serial.BufSize {
		return 0, false, defs.ErrInvalidArg
	}
	data, blocked := k.Serial.Read(cur, max)
	if blocked {
		return 0, true, defs.OK
	}
	if err := k.A.CopyOut(cur.VM, defs.Ua_t(a0), data); err != nil {
		return 0, false, defs.ErrInvalidUaddr
	}
	return uintptr(len(data)), false, defs.OK
}

func (k *Kernel_t) sysTime(cur *task.Task_t, a0 uintptr) (uintptr, bool, defs.Err_t) {
	ms := int(a0)
	if ms < 0 {
		return 0, false, defs.ErrInvalidArg
	}
	ticks := ms * defs.TickHz / 1000
	if ms > 0 && ticks == 0 {
		ticks = 1
	}
	cur.Timeout = ticks
	return 0, false, defs.OK
}

func (k *Kernel_t) sysHinaVM(cur *task.Task_t, a0, a1, a2 uintptr) (uintptr, bool, defs.Err_t) {
	if k.phys == nil {
		return 0, false, defs.ErrInvalidArg
	}
	name, err := k.copyInString(cur, defs.Ua_t(a0), nameMax)
	if err != defs.OK {
		return 0, false, err
	}
	n := int(a2)
	if n <= 0 || n > hinavm.MaxInsns {
		return 0, false, defs.ErrInvalidArg
	}
	raw := make([]byte, n*hinavm.InsnSize)
	if cerr := k.A.CopyIn(cur.VM, defs.Ua_t(a1), raw); cerr != nil {
		return 0, false, defs.ErrInvalidUaddr
	}
	prog, derr := hinavm.Decode(raw, n)
	if derr != nil {
		return 0, false, defs.ErrInvalidArg
	}
	m, kerr := hinavm.Create(k.Tasks, k.PM, k.phys, name, prog, cur)
	if kerr != defs.OK {
		return 0, false, kerr
	}
	k.mu.Lock()
	k.vms[m.Task.Tid] = m
	k.mu.Unlock()
	return uintptr(m.Task.Tid), false, defs.OK
}

// VMOf returns the interpreter machine backing tid, if tid was created by
// the hinavm syscall.
func (k *Kernel_t) VMOf(tid defs.Tid_t) *hinavm.Machine_t {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.vms[tid]
}

func (k *Kernel_t) sysEpoch(cur *task.Task_t, a0 uintptr) (uintptr, bool, defs.Err_t) {
	// One 64-bit epoch value, decomposed into {high, low} words only here
	// at the syscall boundary.
	v := k.epoch()
	b := make([]byte, 8)
	hi, lo := uint32(uint64(v)>>32), uint32(uint64(v))
	b[0], b[1], b[2], b[3] = byte(hi), byte(hi>>8), byte(hi>>16), byte(hi>>24)
	b[4], b[5], b[6], b[7] = byte(lo), byte(lo>>8), byte(lo>>16), byte(lo>>24)
	if err := k.A.CopyOut(cur.VM, defs.Ua_t(a0), b); err != nil {
		return 0, false, defs.ErrInvalidUaddr
	}
	return 0, false, defs.OK
}

func (k *Kernel_t) copyInString(cur *task.Task_t, uaddr defs.Ua_t, max int) (string, defs.Err_t) {
	b := make([]byte, 0, max)
	one := make([]byte, 1)
	for i := 0; i < max; i++ {
		if err := k.A.CopyIn(cur.VM, uaddr+defs.Ua_t(i), one); err != nil {
			return "", defs.ErrInvalidUaddr
		}
		if one[0] == 0 {
			return string(b), defs.OK
		}
		b = append(b, one[0])
	}
	return "", defs.ErrInvalidArg
}

// Terminate ends t with an exception: EXCEPTION_MSG{tid, reason} is sent
// to t's pager as a kernel-origin message and t blocks until the pager
// destroys it.
func (k *Kernel_t) Terminate(t *task.Task_t, reason defs.Exception_t) {
	k.Tasks.Exit(t, reason, k.sendException)
}

func (k *Kernel_t) sendException(dst, src *task.Task_t, reason defs.Exception_t) {
	msg := defs.Message_t{
		Kind:    defs.MsgException,
		Payload: defs.Exceptionmsg_t{Task: src.Tid, Reason: reason},
	}
	k.IPC.SendKernel(src, dst.Tid, msg)
}

// PageFault handles a user fault on t: the fault is bounced to t's pager,
// and a bad address or bad pager reply terminates t instead.
func (k *Kernel_t) PageFault(t *task.Task_t, uaddr, ip defs.Ua_t, attrs defs.Pageattrs_t) (blocked bool) {
	f := k.VMM.HandleFault(t, uaddr, ip, attrs)
	if f.Terminate {
		k.Terminate(t, f.Exception)
		return true
	}
	return f.Blocked
}

// FinishPageFault validates the pager's reply once a blocked PageFault's
// task has IPCDone set; a reply of the wrong kind terminates the task.
func (k *Kernel_t) FinishPageFault(t *task.Task_t) {
	t.IPCDone = false
	if t.IPCResult != defs.OK {
		k.Terminate(t, defs.ExpInvalidPagerReply)
		return
	}
	if f := k.VMM.CheckPagerReply(t); f.Terminate {
		k.Terminate(t, f.Exception)
	}
}

// Tick drives one timer interrupt on cpuID. CPU 0's tick also runs the
// timeout sweep, delivering NOTIFY_TIMER to every task whose countdown
// just expired.
func (k *Kernel_t) Tick(cpuID int) {
	cpu := k.RQ.CPU(cpuID)
	k.RQ.Tick(cpu, cpuID == 0, func(visit func(*task.Task_t) bool) {
		var expired []*task.Task_t
		k.Tasks.ForEachActive(func(t *task.Task_t) {
			if visit(t) {
				expired = append(expired, t)
			}
		})
		for _, t := range expired {
			k.IPC.Notify(t, defs.NotifyTimer)
		}
	})
}

// Shutdown drives the big lock to Halted and marks every CPU offline;
// CPUs spinning in Acquire observe the halt and stop.
func (k *Kernel_t) Shutdown() {
	for i := 0; i < k.RQ.NumCPUs(); i++ {
		k.RQ.CPU(i).Online = false
	}
	k.Lock.Halt()
	klog.Trace("kernel: shutdown")
}
