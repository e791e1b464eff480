// Package task implements task-control blocks, TID allocation, the
// RUNNABLE/BLOCKED/UNUSED state machine and task creation/destruction.
// Back references (task to pager, page to owner) are weak: they are plain
// pointers nilled out on destroy, never part of an ownership cycle.
package task

import (
	"sync"

	"github.com/zuki/hinaos/internal/arch"
	"github.com/zuki/hinaos/internal/defs"
	"github.com/zuki/hinaos/internal/klog"
	"github.com/zuki/hinaos/internal/mem"
)

// State_t is a task's position in the lifecycle state machine.
type State_t int

const (
	Unused State_t = iota
	Runnable
	Blocked
)

func (s State_t) String() string {
	switch s {
	case Unused:
		return "unused"
	case Runnable:
		return "runnable"
	case Blocked:
		return "blocked"
	default:
		return "?"
	}
}

// Task_t is one task-control block. Exported fields are read and mutated
// directly by internal/sched and internal/ipc, which all run under the
// caller's big-lock discipline (no field here has its own lock); Task_t
// itself only guarantees its invariants hold after any exported method
// returns.
type Task_t struct {
	Tid  defs.Tid_t
	Name string

	State     State_t
	Quantum   int
	Timeout   int
	Destroyed bool

	RefCount int
	Pager    *Task_t

	WaitFor       defs.Tid_t
	Notifications uint32
	Message       defs.Message_t

	// Senders is the head of the FIFO of tasks blocked sending to this
	// task; SenderNext is the intrusive link used only while linked here.
	Senders    *Task_t
	sendersTl  *Task_t
	SenderNext *Task_t

	// RunqNext is the intrusive runqueue link, owned by internal/sched.
	RunqNext *Task_t

	// pagesHead is the list head for mem.Physpg_t records this task owns;
	// Task_t implements mem.Owner_i by exposing it.
	pagesHead mem.Physpg_t

	VM arch.Vmhandle_i

	// IPCResult and IPCDone model a trap's eventual return value: a real
	// kernel resumes the blocked task's own stack with the result already
	// in a register. Here the result is written into these fields by
	// whoever wakes the task (a matching send, notify, or task_destroy's
	// abort), and the driver reads them back once the task is Runnable
	// again. Mirrors tinfo.go's Killnaps.Kerr.
	IPCResult defs.Err_t
	IPCDone   bool

	// PendingRecv/PendingRecvSrc record, for a task blocked mid-CALL, that
	// its send phase finished and a receive phase (filtered to
	// PendingRecvSrc) still owes completion once it is dequeued as a
	// sender. Set by internal/ipc, never by internal/task itself.
	PendingRecv    bool
	PendingRecvSrc defs.Tid_t
}

// OwnedPages implements mem.Owner_i.
func (t *Task_t) OwnedPages() *mem.Physpg_t {
	return &t.pagesHead
}

// Runqueue_i is the minimal scheduler surface Table_t needs: enqueuing a
// resumed task, removing a blocked or destroyed one, asking whether a task
// is running on some CPU, and forcing every CPU to reconsider what it runs. Defined
// here (consumer side) so internal/task never imports internal/sched;
// internal/sched's Runqueue_t satisfies this.
type Runqueue_i interface {
	Enqueue(t *Task_t)
	Remove(t *Task_t)
	IsCurrent(t *Task_t) bool
	ForceReschedule()
}

// Table_t is the fixed-capacity task table, indexed by tid-1 (tid 0 is
// reserved for per-CPU idle tasks and never appears here).
type Table_t struct {
	mu    sync.Mutex
	tasks [defs.NumTasksMax]Task_t
	rq    Runqueue_i
	pm    *mem.Physmem_t
	a     arch.Arch_i
}

// NewTable constructs an empty table backed by rq for runqueue operations,
// pm for page reclamation at destroy, and a for page-table teardown.
func NewTable(rq Runqueue_i, pm *mem.Physmem_t, a arch.Arch_i) *Table_t {
	tb := &Table_t{rq: rq, pm: pm, a: a}
	for i := range tb.tasks {
		tb.tasks[i].Tid = defs.Tid_t(i + 1)
		tb.tasks[i].State = Unused
	}
	return tb
}

// Get returns the task named by tid, or nil if tid is out of range.
func (tb *Table_t) Get(tid defs.Tid_t) *Task_t {
	if tid < 1 || int(tid) > defs.NumTasksMax {
		return nil
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return &tb.tasks[tid-1]
}

// Create allocates a TID by scanning for UNUSED, initializes the TCB,
// bumps pager's ref_count, and resumes the new task. Returns a nil task
// (no slot consumed) and ErrTooManyTasks if the table is full.
func (tb *Table_t) Create(name string, entryIP defs.Ua_t, pager *Task_t) (*Task_t, defs.Err_t) {
	tb.mu.Lock()
	var t *Task_t
	for i := range tb.tasks {
		if tb.tasks[i].State == Unused {
			t = &tb.tasks[i]
			break
		}
	}
	if t == nil {
		tb.mu.Unlock()
		klog.Warn("task: table full, cannot create %q", name)
		return nil, defs.ErrTooManyTasks
	}
	*t = Task_t{
		Tid:     t.Tid,
		Name:    name,
		State:   Blocked,
		WaitFor: defs.IPCDeny,
		Pager:   pager,
		VM:      tb.a.NewVM(),
	}
	if pager != nil {
		pager.RefCount++
	}
	tb.mu.Unlock()

	_ = entryIP // register-frame init belongs to the arch layer; the
	// entry point reaches it via conventions this table never sees.

	tb.Resume(t)
	return t, defs.OK
}

// Resume moves a task BLOCKED -> RUNNABLE and enqueues it at the runqueue
// tail.
func (tb *Table_t) Resume(t *Task_t) {
	t.State = Runnable
	tb.rq.Enqueue(t)
}

// Block moves a task RUNNABLE -> BLOCKED and drops it from the runqueue,
// keeping the queue an exact set of runnable-but-not-running tasks. A task
// blocking itself must follow with a voluntary scheduler switch; Table_t
// does not perform that switch itself.
func (tb *Table_t) Block(t *Task_t) {
	t.State = Blocked
	tb.rq.Remove(t)
}

// Destroy refuses to destroy the current task, any idle task (tid 0 is
// never present in Table_t), tid 1, or a task still named as someone's
// pager. On success it marks the task destroyed, waits for it to leave
// the runqueue/running set, wakes every blocked sender with
// NOTIFY_ABORTED, reclaims its pages and page table, and decrements its
// pager's ref_count.
func (tb *Table_t) Destroy(victim, current *Task_t) defs.Err_t {
	if victim == current {
		return defs.ErrNotAllowed
	}
	if victim.Tid == 1 {
		return defs.ErrNotAllowed
	}
	if victim.RefCount > 0 {
		return defs.ErrStillUsed
	}

	victim.Destroyed = true
	tb.rq.Remove(victim)
	for tries := 0; tb.rq.IsCurrent(victim) && tries < 1<<20; tries++ {
		tb.rq.ForceReschedule()
	}

	for s := victim.Senders; s != nil; {
		next := s.SenderNext
		s.SenderNext = nil
		s.PendingRecv = false
		s.IPCResult = defs.ErrAborted
		s.IPCDone = true
		s.Notifications |= defs.NotifyAborted
		tb.Resume(s)
		s = next
	}
	victim.Senders = nil
	victim.sendersTl = nil

	tb.pm.FreeByList(victim.OwnedPages())
	tb.a.DestroyVM(victim.VM)

	if victim.Pager != nil {
		victim.Pager.RefCount--
	}

	tb.mu.Lock()
	*victim = Task_t{Tid: victim.Tid, State: Unused}
	tb.mu.Unlock()
	return defs.OK
}

// Exit sends EXCEPTION_MSG{tid, reason} to the task's pager (send-only,
// kernel-origin) and blocks the caller; the pager is expected to call
// Destroy once it observes the message. sendException is the callback
// the caller (internal/syscall) supplies to perform that kernel-origin send
// through internal/ipc, since Table_t
// itself does not implement the IPC rendezvous.
func (tb *Table_t) Exit(self *Task_t, reason defs.Exception_t, sendException func(dst, src *Task_t, reason defs.Exception_t)) {
	if self.Pager != nil {
		sendException(self.Pager, self, reason)
	}
	tb.Block(self)
}

// AppendSender links s onto dst's sender FIFO.
func AppendSender(dst, s *Task_t) {
	s.SenderNext = nil
	if dst.sendersTl == nil {
		dst.Senders = s
	} else {
		dst.sendersTl.SenderNext = s
	}
	dst.sendersTl = s
}

// PopSender removes and returns the task at the head of dst's sender FIFO
// whose tid matches filter (defs.IPCAny matches any), or nil.
func PopSender(dst *Task_t, filter defs.Tid_t) *Task_t {
	var prev *Task_t
	for cur := dst.Senders; cur != nil; cur = cur.SenderNext {
		if filter == defs.IPCAny || cur.Tid == filter {
			if prev == nil {
				dst.Senders = cur.SenderNext
			} else {
				prev.SenderNext = cur.SenderNext
			}
			if dst.sendersTl == cur {
				dst.sendersTl = prev
			}
			cur.SenderNext = nil
			return cur
		}
		prev = cur
	}
	return nil
}

// ForEachActive calls fn for every task that is not Unused. Used by the
// timer tick's timeout sweep and by Dump.
func (tb *Table_t) ForEachActive(fn func(*Task_t)) {
	for i := range tb.tasks {
		if tb.tasks[i].State != Unused {
			fn(&tb.tasks[i])
		}
	}
}

// Dump writes a one-line state summary per active task to klog.Sink,
// triggered by the Ctrl-P console hook.
func (tb *Table_t) Dump() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for i := range tb.tasks {
		t := &tb.tasks[i]
		if t.State == Unused {
			continue
		}
		nsenders := 0
		for s := t.Senders; s != nil; s = s.SenderNext {
			nsenders++
		}
		klog.Trace("task %d %q state=%s quantum=%d notif=%#x pager=%v senders=%d",
			t.Tid, t.Name, t.State, t.Quantum, t.Notifications, pagerTid(t), nsenders)
	}
}

func pagerTid(t *Task_t) defs.Tid_t {
	if t.Pager == nil {
		return 0
	}
	return t.Pager.Tid
}
