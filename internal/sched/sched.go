// Package sched implements the preemptive multi-CPU scheduler: per-CPU
// current/idle pointers, a single FIFO runqueue shared under the big
// lock, time-slice accounting and IPI-driven reschedule.
package sched

import (
	"sync"

	"github.com/zuki/hinaos/internal/arch"
	"github.com/zuki/hinaos/internal/defs"
	"github.com/zuki/hinaos/internal/task"
)

// cpuMagic detects stack/Cpuvar_t corruption: any Cpuvar_t whose Magic field
// reads back differently has been clobbered.
const cpuMagic = 0xc9f00d00

// Cpuvar_t is the per-CPU variable block. It is exempt from the big lock for
// its own writes (a CPU only writes its own slot); reads of another CPU's
// slot go through Runqueue_t.CPU while the lock is held.
type Cpuvar_t struct {
	ID          int
	Online      bool
	IPIPending  uint32
	IdleTask    *task.Task_t
	CurrentTask *task.Task_t
	Magic       uint32
}

func (c *Cpuvar_t) checkMagic() {
	if c.Magic != cpuMagic {
		panic("sched: cpuvar magic corrupted")
	}
}

// Runqueue_t is a single FIFO of RUNNABLE non-idle tasks, shared across CPUs
// and protected by mu (standing in for the big kernel lock's serialization
// of this structure). It also satisfies task.Runqueue_i so
// internal/task can enqueue/resume tasks without importing this package.
type Runqueue_t struct {
	mu         sync.Mutex
	head, tail *task.Task_t
	cpus       []*Cpuvar_t
	a          arch.Arch_i

	uptimeMu sync.Mutex
	uptime   uint64
}

// NewRunqueue constructs an empty runqueue backing numCPUs CPUVars, one
// idle task per CPU.
func NewRunqueue(a arch.Arch_i, numCPUs int) *Runqueue_t {
	rq := &Runqueue_t{a: a}
	rq.cpus = make([]*Cpuvar_t, numCPUs)
	for i := range rq.cpus {
		rq.cpus[i] = &Cpuvar_t{
			ID:       i,
			Online:   true,
			Magic:    cpuMagic,
			IdleTask: &task.Task_t{Tid: 0, Name: "idle", State: task.Runnable},
		}
		rq.cpus[i].CurrentTask = rq.cpus[i].IdleTask
	}
	return rq
}

// CPU returns Cpuvar_t for id.
func (rq *Runqueue_t) CPU(id int) *Cpuvar_t {
	return rq.cpus[id]
}

// NumCPUs reports how many CPUVars this runqueue backs.
func (rq *Runqueue_t) NumCPUs() int { return len(rq.cpus) }

// Enqueue appends t to the runqueue tail. t must already be Runnable.
func (rq *Runqueue_t) Enqueue(t *task.Task_t) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	t.RunqNext = nil
	if rq.tail == nil {
		rq.head = t
	} else {
		rq.tail.RunqNext = t
	}
	rq.tail = t
}

func (rq *Runqueue_t) pop() *task.Task_t {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	if rq.head == nil {
		return nil
	}
	t := rq.head
	rq.head = t.RunqNext
	if rq.head == nil {
		rq.tail = nil
	}
	t.RunqNext = nil
	return t
}

// Remove unlinks t from the runqueue if present, used by task destruction
// so a destroyed task can never be popped and dispatched.
func (rq *Runqueue_t) Remove(t *task.Task_t) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	var prev *task.Task_t
	for cur := rq.head; cur != nil; cur = cur.RunqNext {
		if cur == t {
			if prev == nil {
				rq.head = cur.RunqNext
			} else {
				prev.RunqNext = cur.RunqNext
			}
			if rq.tail == cur {
				rq.tail = prev
			}
			cur.RunqNext = nil
			return
		}
		prev = cur
	}
}

// IsCurrent reports whether t is the CurrentTask of any CPU, used by
// task.Table_t.Destroy's wait loop.
func (rq *Runqueue_t) IsCurrent(t *task.Task_t) bool {
	for _, c := range rq.cpus {
		if c.CurrentTask == t {
			return true
		}
	}
	return false
}

// ForceReschedule sends IPI_RESCHEDULE to every online CPU: used both for
// preemption and to steal a destroy victim off another CPU.
func (rq *Runqueue_t) ForceReschedule() {
	for _, c := range rq.cpus {
		if !c.Online {
			continue
		}
		c.IPIPending |= 1 << arch.IPIReschedule
		rq.a.SendIPI(c.ID, arch.IPIReschedule)
	}
}

// Switch runs the scheduling decision for cpu: pop the runqueue head; if
// empty and the outgoing task is Runnable and not destroyed, keep running
// it; otherwise run cpu's idle task. Upon switching to a non-idle task its
// quantum is reset. If the outgoing task is Runnable it is pushed back to
// the runqueue tail (round-robin).
func (rq *Runqueue_t) Switch(cpu *Cpuvar_t) *task.Task_t {
	cpu.checkMagic()
	outgoing := cpu.CurrentTask
	next := rq.pop()
	for next != nil && (next.Destroyed || next.State != task.Runnable) {
		next = rq.pop()
	}
	if next == nil {
		if outgoing != cpu.IdleTask && outgoing.State == task.Runnable && !outgoing.Destroyed {
			return outgoing
		}
		next = cpu.IdleTask
	}
	if outgoing != cpu.IdleTask && outgoing.State == task.Runnable && !outgoing.Destroyed && outgoing != next {
		rq.Enqueue(outgoing)
	}
	if next != cpu.IdleTask {
		next.Quantum = defs.TaskQuantum
	}
	cpu.CurrentTask = next
	return next
}

// Tick accounts one timer interrupt on cpu. CPU 0 additionally advances
// the global uptime and every task's NOTIFY_TIMER countdown, exactly once
// per tick across all CPUs. perTaskTimeout is handed a visit function that
// decrements one task's timeout and reports expiry, so the caller can OR
// in NOTIFY_TIMER and wake the task if blocked.
func (rq *Runqueue_t) Tick(cpu *Cpuvar_t, isCPU0 bool, perTaskTimeout func(func(*task.Task_t) bool)) {
	cpu.checkMagic()
	if isCPU0 {
		rq.uptimeTick()
		if perTaskTimeout != nil {
			perTaskTimeout(func(t *task.Task_t) bool {
				if t.Timeout <= 0 {
					return false
				}
				t.Timeout--
				return t.Timeout == 0
			})
		}
	}
	cur := cpu.CurrentTask
	if cur == cpu.IdleTask {
		return
	}
	cur.Quantum--
	if cur.Quantum <= 0 {
		rq.Switch(cpu)
	}
}

func (rq *Runqueue_t) uptimeTick() {
	rq.uptimeMu.Lock()
	rq.uptime++
	rq.uptimeMu.Unlock()
}

// Uptime returns the number of timer ticks observed since boot.
func (rq *Runqueue_t) Uptime() uint64 {
	rq.uptimeMu.Lock()
	defer rq.uptimeMu.Unlock()
	return rq.uptime
}
