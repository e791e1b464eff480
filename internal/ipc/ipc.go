// Package ipc implements the kernel's single IPC primitive: rendezvous
// send/receive/call/reply folded into one operation, plus the notification
// bitmask that shares its receive path. There is no kernel-side message
// queue; a sender that finds no ready receiver blocks on the receiver's
// FIFO, so senders naturally backpressure.
package ipc

import (
	"github.com/zuki/hinaos/internal/defs"
	"github.com/zuki/hinaos/internal/task"
)

// Ipc_t wires the rendezvous logic to a task table. A kernel builds exactly
// one of these over its task.Table_t.
type Ipc_t struct {
	tasks *task.Table_t
}

// New constructs an IPC service over tasks.
func New(tasks *task.Table_t) *Ipc_t {
	return &Ipc_t{tasks: tasks}
}

// Ipc is the single entry point combining SEND and RECV per the flags
// bitmask. It returns
// blocked=true when self has been suspended (State set to Blocked and
// unlinked from the runqueue): the caller is expected to hold off on
// reading self.Message/self.IPCResult until self.IPCDone becomes true
// (set by whichever later event — a matching send, a notification, or
// task destruction's abort — completes the call). When blocked=false, err
// is the immediate result and self.Message/self.IPCResult are already
// final.
func (k *Ipc_t) Ipc(self *task.Task_t, dst defs.Tid_t, src defs.Tid_t, msg defs.Message_t, flags defs.Ipcflags_t) (blocked bool, err defs.Err_t) {
	if flags&defs.IPCSend != 0 {
		matched, serr := k.sendPhase(self, dst, msg, flags&defs.IPCNoblock != 0)
		if !matched {
			self.PendingRecv = flags&defs.IPCRecv != 0
			self.PendingRecvSrc = src
			return true, defs.OK
		}
		if serr != defs.OK {
			return false, serr
		}
	}
	if flags&defs.IPCRecv != 0 {
		return k.recvPhaseTop(self, src)
	}
	return false, defs.OK
}

// SendKernel performs a send-only, kernel-origin message delivery (used by
// task_exit for EXCEPTION_MSG). It always returns without a blocked flag;
// when dst is not ready to receive, self is queued on dst's sender FIFO
// and blocked like any other sender.
func (k *Ipc_t) SendKernel(self *task.Task_t, dst defs.Tid_t, msg defs.Message_t) defs.Err_t {
	matched, err := k.sendPhase(self, dst, msg, false)
	if !matched {
		// The pager wasn't ready to receive; queue as an ordinary blocked
		// sender. self will be woken (and later re-blocked by task_exit)
		// like any other sender once the pager calls receive.
		return defs.OK
	}
	return err
}

// Call performs dst, src=dst CALL semantics as a single convenience: send
// msg to dst, then receive only from dst.
func (k *Ipc_t) Call(self *task.Task_t, dst defs.Tid_t, msg defs.Message_t) (blocked bool, err defs.Err_t) {
	return k.Ipc(self, dst, dst, msg, defs.IPCCall)
}

func (k *Ipc_t) sendPhase(self *task.Task_t, dstTid defs.Tid_t, msg defs.Message_t, noblock bool) (matched bool, err defs.Err_t) {
	dst := k.tasks.Get(dstTid)
	if dst == nil {
		return true, defs.ErrInvalidArg
	}
	if dst.State == task.Blocked && (dst.WaitFor == defs.IPCAny || dst.WaitFor == self.Tid) {
		dst.Message = msg
		dst.Message.Src = self.Tid
		dst.WaitFor = defs.IPCDeny
		dst.IPCResult = defs.OK
		dst.IPCDone = true
		k.tasks.Resume(dst)
		return true, defs.OK
	}
	if noblock {
		return true, defs.ErrWouldBlock
	}
	self.Message = msg
	self.WaitFor = defs.IPCDeny
	task.AppendSender(dst, self)
	k.tasks.Block(self)
	return false, defs.OK
}

func (k *Ipc_t) recvPhaseTop(self *task.Task_t, srcFilter defs.Tid_t) (blocked bool, err defs.Err_t) {
	if self.Notifications != 0 && srcFilter != defs.IPCDeny {
		bits := self.Notifications
		self.Notifications = 0
		self.Message = defs.Message_t{Kind: defs.MsgNotify, Payload: defs.Notifymsg_t{Bits: bits}}
		self.WaitFor = defs.IPCDeny
		return false, defs.OK
	}
	if sender := task.PopSender(self, srcFilter); sender != nil {
		self.Message = sender.Message
		self.Message.Src = sender.Tid
		self.WaitFor = defs.IPCDeny
		k.finishSend(sender)
		return false, defs.OK
	}
	self.WaitFor = srcFilter
	k.tasks.Block(self)
	return true, defs.OK
}

// finishSend completes a dequeued sender's own Ipc call: a plain send is
// now fully done, but a CALL's sender still owes its own receive phase
// (waiting for the reply), chained here rather than requiring the caller
// to poll.
func (k *Ipc_t) finishSend(sender *task.Task_t) {
	if sender.PendingRecv {
		sender.PendingRecv = false
		blocked, err := k.recvPhaseTop(sender, sender.PendingRecvSrc)
		if !blocked {
			sender.IPCResult = err
			sender.IPCDone = true
			k.tasks.Resume(sender)
		}
		return
	}
	sender.IPCResult = defs.OK
	sender.IPCDone = true
	k.tasks.Resume(sender)
}

// Notify ORs bits into t's pending-notification bitmask. If t is blocked
// waiting to receive (state Blocked, not IPC_DENY), the notification is
// delivered immediately by finalizing its receive phase right here; there
// is no separate wakeup-then-poll step.
func (k *Ipc_t) Notify(t *task.Task_t, bits uint32) {
	t.Notifications |= bits
	if t.State == task.Blocked && t.WaitFor != defs.IPCDeny {
		blocked, err := k.recvPhaseTop(t, t.WaitFor)
		if !blocked {
			t.IPCResult = err
			t.IPCDone = true
			k.tasks.Resume(t)
		}
	}
}
