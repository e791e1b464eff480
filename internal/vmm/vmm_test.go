package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zuki/hinaos/internal/arch"
	"github.com/zuki/hinaos/internal/defs"
	"github.com/zuki/hinaos/internal/ipc"
	"github.com/zuki/hinaos/internal/mem"
	"github.com/zuki/hinaos/internal/sched"
	"github.com/zuki/hinaos/internal/task"
)

type env struct {
	pm  *mem.Physmem_t
	tb  *task.Table_t
	ipc *ipc.Ipc_t
	vmm *Vmm_t
	sim *arch.Sim_t
}

func newEnv(t *testing.T) *env {
	sim := arch.NewSim(1)
	pm := mem.New(sim)
	pm.AddZone(0x80200000, 64, mem.Free)
	pm.AddZone(0x10000000, 4, mem.MMIO)
	rq := sched.NewRunqueue(sim, 1)
	tb := task.NewTable(rq, pm, sim)
	ipcSvc := ipc.New(tb)
	return &env{pm: pm, tb: tb, ipc: ipcSvc, vmm: New(pm, sim, ipcSvc), sim: sim}
}

func (e *env) spawn(t *testing.T, name string, pager *task.Task_t) *task.Task_t {
	tsk, err := e.tb.Create(name, 0, pager)
	require.Equal(t, defs.OK, err)
	return tsk
}

func TestMapRAMByOwner(t *testing.T) {
	e := newEnv(t)
	a := e.spawn(t, "a", nil)
	paddr := e.pm.Alloc(defs.PageSize, a, defs.PMZeroed)
	require.NotZero(t, paddr)

	require.Equal(t, defs.OK, e.vmm.Map(a, a, 0x1000, paddr, defs.AttrRead|defs.AttrWrite))
	require.Equal(t, 2, e.pm.RefCount(paddr))
}

func TestMapRAMByPager(t *testing.T) {
	e := newEnv(t)
	pager := e.spawn(t, "pager", nil)
	child := e.spawn(t, "child", pager)
	paddr := e.pm.Alloc(defs.PageSize, child, defs.PMZeroed)

	require.Equal(t, defs.OK, e.vmm.Map(pager, child, 0x1000, paddr, defs.AttrRead))
	require.Equal(t, 2, e.pm.RefCount(paddr))
}

func TestMapRAMRejectsStranger(t *testing.T) {
	e := newEnv(t)
	a := e.spawn(t, "a", nil)
	stranger := e.spawn(t, "stranger", nil)
	paddr := e.pm.Alloc(defs.PageSize, a, defs.PMZeroed)

	require.Equal(t, defs.ErrInvalidPaddr, e.vmm.Map(stranger, stranger, 0x1000, paddr, defs.AttrRead))
	require.Equal(t, 1, e.pm.RefCount(paddr))
}

func TestMapRAMRejectsFreeOrUnknownFrame(t *testing.T) {
	e := newEnv(t)
	a := e.spawn(t, "a", nil)
	free := e.pm.Alloc(defs.PageSize, nil, defs.PMUninitialized)
	e.pm.Free(free, defs.PageSize)

	require.Equal(t, defs.ErrInvalidPaddr, e.vmm.Map(a, a, 0x1000, free, defs.AttrRead))
	require.Equal(t, defs.ErrInvalidPaddr, e.vmm.Map(a, a, 0x1000, 0x1000, defs.AttrRead))
}

func TestMapMMIOExclusive(t *testing.T) {
	e := newEnv(t)
	a := e.spawn(t, "a", nil)
	b := e.spawn(t, "b", nil)
	const dev = defs.Pa_t(0x10000000)

	require.Equal(t, defs.OK, e.vmm.Map(a, a, 0x2000, dev, defs.AttrRead|defs.AttrWrite))
	require.Equal(t, 1, e.pm.RefCount(dev))
	require.Equal(t, a, e.pm.PageAt(dev).Owner)

	// The frame is now claimed; a second map fails for anyone.
	require.Equal(t, defs.ErrInvalidPaddr, e.vmm.Map(b, b, 0x2000, dev, defs.AttrRead))
	require.Equal(t, defs.ErrInvalidPaddr, e.vmm.Map(a, a, 0x3000, dev, defs.AttrRead))
}

func TestUnmapValidatesUaddr(t *testing.T) {
	e := newEnv(t)
	a := e.spawn(t, "a", nil)
	require.Equal(t, defs.ErrInvalidUaddr, e.vmm.Unmap(a, arch.UaddrLimit))
	require.Empty(t, e.sim.IPILog())

	require.Equal(t, defs.OK, e.vmm.Unmap(a, 0x1000))
	log := e.sim.IPILog()
	require.Len(t, log, 1)
	require.Equal(t, arch.IPITLBFlush, log[0].Kind)
}

func TestFaultUnmappableTerminates(t *testing.T) {
	e := newEnv(t)
	pager := e.spawn(t, "pager", nil)
	child := e.spawn(t, "child", pager)

	f := e.vmm.HandleFault(child, arch.UaddrLimit, 0x1000, defs.AttrWrite)
	require.True(t, f.Terminate)
	require.Equal(t, defs.ExpInvalidUaddr, f.Exception)
}

func TestFaultWithoutPagerPanics(t *testing.T) {
	e := newEnv(t)
	orphan := e.spawn(t, "orphan", nil)
	require.Panics(t, func() { e.vmm.HandleFault(orphan, 0x1000, 0x1000, defs.AttrRead) })
}

func TestFaultBouncesToPager(t *testing.T) {
	e := newEnv(t)
	pager := e.spawn(t, "pager", nil)
	child := e.spawn(t, "child", pager)

	// Pager parked in receive: the fault message arrives immediately and
	// the child blocks for the reply.
	blocked, _ := e.ipc.Ipc(pager, 0, defs.IPCAny, defs.Message_t{}, defs.IPCRecv)
	require.True(t, blocked)

	f := e.vmm.HandleFault(child, 0x5000, 0x5004, defs.AttrWrite)
	require.True(t, f.Blocked)
	require.Equal(t, task.Runnable, pager.State)
	require.Equal(t, defs.MsgPageFault, pager.Message.Kind)
	require.Equal(t, defs.Pagefaultmsg_t{
		Task: child.Tid, Uaddr: 0x5000, IP: 0x5004, Fault: defs.AttrWrite,
	}, pager.Message.Payload)

	// Pager services the fault and replies.
	paddr := e.pm.Alloc(defs.PageSize, child, defs.PMZeroed)
	require.Equal(t, defs.OK, e.vmm.Map(pager, child, 0x5000, paddr, defs.AttrRead|defs.AttrWrite))
	reply := defs.Message_t{Kind: defs.MsgPageFaultReply, Payload: defs.Pagefaultreplymsg_t{}}
	blocked, err := e.ipc.Ipc(pager, child.Tid, defs.IPCDeny, reply, defs.IPCSend)
	require.False(t, blocked)
	require.Equal(t, defs.OK, err)

	require.Equal(t, task.Runnable, child.State)
	f = e.vmm.CheckPagerReply(child)
	require.False(t, f.Terminate)
}

func TestBadPagerReplyTerminates(t *testing.T) {
	e := newEnv(t)
	pager := e.spawn(t, "pager", nil)
	child := e.spawn(t, "child", pager)

	blocked, _ := e.ipc.Ipc(pager, 0, defs.IPCAny, defs.Message_t{}, defs.IPCRecv)
	require.True(t, blocked)

	f := e.vmm.HandleFault(child, 0x5000, 0x5000, defs.AttrRead)
	require.True(t, f.Blocked)

	// The pager replies with the wrong message kind.
	wrong := defs.Message_t{Kind: defs.MsgPing, Payload: defs.Pingmsg_t{Value: 1}}
	e.ipc.Ipc(pager, child.Tid, defs.IPCDeny, wrong, defs.IPCSend)

	f = e.vmm.CheckPagerReply(child)
	require.True(t, f.Terminate)
	require.Equal(t, defs.ExpInvalidPagerReply, f.Exception)
}
