package ipc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zuki/hinaos/internal/arch"
	"github.com/zuki/hinaos/internal/defs"
	"github.com/zuki/hinaos/internal/mem"
	"github.com/zuki/hinaos/internal/sched"
	"github.com/zuki/hinaos/internal/task"
)

type env struct {
	tb  *task.Table_t
	ipc *Ipc_t
}

func newEnv(t *testing.T) *env {
	sim := arch.NewSim(1)
	pm := mem.New(sim)
	pm.AddZone(0x80200000, 64, mem.Free)
	rq := sched.NewRunqueue(sim, 1)
	tb := task.NewTable(rq, pm, sim)
	return &env{tb: tb, ipc: New(tb)}
}

func (e *env) spawn(t *testing.T, name string) *task.Task_t {
	tsk, err := e.tb.Create(name, 0, nil)
	require.Equal(t, defs.OK, err)
	return tsk
}

func ping(value int) defs.Message_t {
	return defs.Message_t{Kind: defs.MsgPing, Payload: defs.Pingmsg_t{Value: value}}
}

func TestRendezvousReceiverFirst(t *testing.T) {
	e := newEnv(t)
	b := e.spawn(t, "b")
	c := e.spawn(t, "c")

	blocked, err := e.ipc.Ipc(b, 0, defs.IPCAny, defs.Message_t{}, defs.IPCRecv)
	require.True(t, blocked)
	require.Equal(t, defs.OK, err)
	require.Equal(t, task.Blocked, b.State)

	blocked, err = e.ipc.Ipc(c, b.Tid, 0, ping(7), defs.IPCSend)
	require.False(t, blocked)
	require.Equal(t, defs.OK, err)

	require.Equal(t, task.Runnable, b.State)
	require.True(t, b.IPCDone)
	require.Equal(t, c.Tid, b.Message.Src)
	require.Equal(t, defs.Pingmsg_t{Value: 7}, b.Message.Payload)
	require.Nil(t, b.Senders)
}

func TestSenderFIFO(t *testing.T) {
	e := newEnv(t)
	b := e.spawn(t, "b")
	c1 := e.spawn(t, "c1")
	c2 := e.spawn(t, "c2")
	c3 := e.spawn(t, "c3")

	for i, c := range []*task.Task_t{c1, c2, c3} {
		blocked, err := e.ipc.Ipc(c, b.Tid, 0, ping(i+1), defs.IPCSend)
		require.True(t, blocked)
		require.Equal(t, defs.OK, err)
		require.Equal(t, task.Blocked, c.State)
	}

	for i, want := range []*task.Task_t{c1, c2, c3} {
		blocked, err := e.ipc.Ipc(b, 0, defs.IPCAny, defs.Message_t{}, defs.IPCRecv)
		require.False(t, blocked)
		require.Equal(t, defs.OK, err)
		require.Equal(t, want.Tid, b.Message.Src)
		require.Equal(t, defs.Pingmsg_t{Value: i + 1}, b.Message.Payload)
		require.Equal(t, task.Runnable, want.State)
	}
}

func TestReceiveFromSpecificSender(t *testing.T) {
	e := newEnv(t)
	b := e.spawn(t, "b")
	c1 := e.spawn(t, "c1")
	c2 := e.spawn(t, "c2")

	e.ipc.Ipc(c1, b.Tid, 0, ping(1), defs.IPCSend)
	e.ipc.Ipc(c2, b.Tid, 0, ping(2), defs.IPCSend)

	blocked, err := e.ipc.Ipc(b, 0, c2.Tid, defs.Message_t{}, defs.IPCRecv)
	require.False(t, blocked)
	require.Equal(t, defs.OK, err)
	require.Equal(t, c2.Tid, b.Message.Src)

	// c1 is still queued and served by the next IPC_ANY receive.
	blocked, _ = e.ipc.Ipc(b, 0, defs.IPCAny, defs.Message_t{}, defs.IPCRecv)
	require.False(t, blocked)
	require.Equal(t, c1.Tid, b.Message.Src)
}

func TestNoblockSend(t *testing.T) {
	e := newEnv(t)
	b := e.spawn(t, "b")
	c := e.spawn(t, "c")

	blocked, err := e.ipc.Ipc(c, b.Tid, 0, ping(1), defs.IPCSend|defs.IPCNoblock)
	require.False(t, blocked)
	require.Equal(t, defs.ErrWouldBlock, err)
	require.Equal(t, task.Runnable, c.State)
	require.Nil(t, b.Senders)
}

func TestNotificationCoalescing(t *testing.T) {
	e := newEnv(t)
	s := e.spawn(t, "s")

	// Three interrupts land while s is computing.
	e.ipc.Notify(s, defs.NotifyIRQ)
	e.ipc.Notify(s, defs.NotifyIRQ)
	e.ipc.Notify(s, defs.NotifyIRQ)

	blocked, err := e.ipc.Ipc(s, 0, defs.IPCAny, defs.Message_t{}, defs.IPCRecv)
	require.False(t, blocked)
	require.Equal(t, defs.OK, err)
	require.Equal(t, defs.MsgNotify, s.Message.Kind)
	require.Equal(t, defs.Notifymsg_t{Bits: defs.NotifyIRQ}, s.Message.Payload)
	require.Zero(t, s.Notifications)

	// Nothing left: the next receive blocks.
	blocked, _ = e.ipc.Ipc(s, 0, defs.IPCAny, defs.Message_t{}, defs.IPCRecv)
	require.True(t, blocked)
}

func TestNotificationsPreferredOverSenders(t *testing.T) {
	e := newEnv(t)
	b := e.spawn(t, "b")
	c := e.spawn(t, "c")

	e.ipc.Ipc(c, b.Tid, 0, ping(1), defs.IPCSend)
	e.ipc.Notify(b, defs.NotifyUserBase)

	blocked, _ := e.ipc.Ipc(b, 0, defs.IPCAny, defs.Message_t{}, defs.IPCRecv)
	require.False(t, blocked)
	require.Equal(t, defs.MsgNotify, b.Message.Kind)

	// The queued sender is served next.
	blocked, _ = e.ipc.Ipc(b, 0, defs.IPCAny, defs.Message_t{}, defs.IPCRecv)
	require.False(t, blocked)
	require.Equal(t, c.Tid, b.Message.Src)
}

func TestDenyReceivesNothing(t *testing.T) {
	e := newEnv(t)
	b := e.spawn(t, "b")
	c := e.spawn(t, "c")

	e.ipc.Ipc(c, b.Tid, 0, ping(1), defs.IPCSend)
	e.ipc.Notify(b, defs.NotifyUserBase)

	// IPC_DENY ignores both the pending notification and the queued
	// sender; the receive blocks.
	blocked, _ := e.ipc.Ipc(b, 0, defs.IPCDeny, defs.Message_t{}, defs.IPCRecv)
	require.True(t, blocked)
	require.Equal(t, task.Blocked, b.State)
	require.NotZero(t, b.Notifications)

	// A later notification does not wake an IPC_DENY waiter either.
	e.ipc.Notify(b, defs.NotifyUserBase)
	require.Equal(t, task.Blocked, b.State)
}

func TestNotifyWakesBlockedReceiver(t *testing.T) {
	e := newEnv(t)
	s := e.spawn(t, "s")

	blocked, _ := e.ipc.Ipc(s, 0, defs.IPCAny, defs.Message_t{}, defs.IPCRecv)
	require.True(t, blocked)

	e.ipc.Notify(s, defs.NotifyTimer)
	require.Equal(t, task.Runnable, s.State)
	require.True(t, s.IPCDone)
	require.Equal(t, defs.MsgNotify, s.Message.Kind)
	require.Equal(t, defs.Notifymsg_t{Bits: defs.NotifyTimer}, s.Message.Payload)
	require.Zero(t, s.Notifications)
}

func TestCallReplyChain(t *testing.T) {
	e := newEnv(t)
	server := e.spawn(t, "server")
	client := e.spawn(t, "client")

	// Server parks in receive.
	blocked, _ := e.ipc.Ipc(server, 0, defs.IPCAny, defs.Message_t{}, defs.IPCRecv)
	require.True(t, blocked)

	// Client calls: the send completes instantly, the receive waits for
	// the reply.
	blocked, err := e.ipc.Call(client, server.Tid, ping(41))
	require.True(t, blocked)
	require.Equal(t, defs.OK, err)
	require.Equal(t, defs.Pingmsg_t{Value: 41}, server.Message.Payload)

	// Server replies; the client's pending receive completes.
	blocked, err = e.ipc.Ipc(server, client.Tid, defs.IPCDeny, ping(42), defs.IPCSend)
	require.False(t, blocked)
	require.Equal(t, defs.OK, err)
	require.Equal(t, task.Runnable, client.State)
	require.True(t, client.IPCDone)
	require.Equal(t, defs.Pingmsg_t{Value: 42}, client.Message.Payload)
	require.Equal(t, server.Tid, client.Message.Src)
}

func TestQueuedCallCompletesAfterReceive(t *testing.T) {
	e := newEnv(t)
	server := e.spawn(t, "server")
	client := e.spawn(t, "client")

	// Server is busy: the client's call queues as a sender.
	blocked, err := e.ipc.Call(client, server.Tid, ping(1))
	require.True(t, blocked)
	require.Equal(t, defs.OK, err)

	// Server receives the queued call; the client stays blocked, now
	// waiting for the reply.
	blocked, _ = e.ipc.Ipc(server, 0, defs.IPCAny, defs.Message_t{}, defs.IPCRecv)
	require.False(t, blocked)
	require.Equal(t, client.Tid, server.Message.Src)
	require.Equal(t, task.Blocked, client.State)

	blocked, _ = e.ipc.Ipc(server, client.Tid, defs.IPCDeny, ping(2), defs.IPCSend)
	require.False(t, blocked)
	require.Equal(t, task.Runnable, client.State)
	require.Equal(t, defs.Pingmsg_t{Value: 2}, client.Message.Payload)
}

func TestAbortOnDestroy(t *testing.T) {
	e := newEnv(t)
	pager := e.spawn(t, "pager")
	b, err := e.tb.Create("b", 0, pager)
	require.Equal(t, defs.OK, err)
	c := e.spawn(t, "c")

	blocked, _ := e.ipc.Ipc(c, b.Tid, 0, ping(9), defs.IPCSend)
	require.True(t, blocked)

	require.Equal(t, defs.OK, e.tb.Destroy(b, pager))
	require.Equal(t, task.Unused, b.State)
	require.Equal(t, task.Runnable, c.State)
	require.Equal(t, defs.ErrAborted, c.IPCResult)
	require.NotZero(t, c.Notifications&defs.NotifyAborted)
}

func TestSendToInvalidTid(t *testing.T) {
	e := newEnv(t)
	c := e.spawn(t, "c")
	blocked, err := e.ipc.Ipc(c, defs.Tid_t(4096), 0, ping(1), defs.IPCSend)
	require.False(t, blocked)
	require.Equal(t, defs.ErrInvalidArg, err)
}
