// Package irq implements the IRQ subscription table: one subscriber per
// line, delivered as a NOTIFY_IRQ notification. The timer tick is not
// routed through this table; it is wired directly to the scheduler.
package irq

import (
	"sync"

	"github.com/zuki/hinaos/internal/defs"
	"github.com/zuki/hinaos/internal/klog"
	"github.com/zuki/hinaos/internal/task"
)

// Enabler_i is the arch hook that enables/disables a line in the PLIC (or
// whatever interrupt controller the arch backs). Injected so this package
// never imports internal/arch's full Arch interface for one narrow call.
type Enabler_i interface {
	EnableIRQ(irq int)
	DisableIRQ(irq int)
}

// Table_t is the IRQ subscriber table, indexed by IRQ number.
type Table_t struct {
	mu          sync.Mutex
	subscribers [defs.IRQMax]*task.Task_t
	en          Enabler_i
	notify      func(t *task.Task_t, bits uint32)
}

// New constructs an empty table. notify is called to deliver NOTIFY_IRQ
// to a subscriber (normally ipc.Ipc_t.Notify).
func New(en Enabler_i, notify func(t *task.Task_t, bits uint32)) *Table_t {
	return &Table_t{en: en, notify: notify}
}

// Listen records task as irq's sole subscriber and enables the line.
// Fails with ErrAlreadyUsed if irq already has a subscriber, even when it
// is task itself.
func (t *Table_t) Listen(task_ *task.Task_t, irq int) defs.Err_t {
	if irq < 0 || irq >= defs.IRQMax {
		return defs.ErrInvalidArg
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subscribers[irq] != nil {
		return defs.ErrAlreadyUsed
	}
	t.subscribers[irq] = task_
	t.en.EnableIRQ(irq)
	return defs.OK
}

// Unlisten removes task's subscription to irq. The caller must be the
// current subscriber.
func (t *Table_t) Unlisten(task_ *task.Task_t, irq int) defs.Err_t {
	if irq < 0 || irq >= defs.IRQMax {
		return defs.ErrInvalidArg
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subscribers[irq] != task_ {
		return defs.ErrNotAllowed
	}
	t.subscribers[irq] = nil
	t.en.DisableIRQ(irq)
	return defs.OK
}

// Fire dispatches a hardware interrupt on irq to its subscriber via
// NOTIFY_IRQ. An unhandled IRQ (no subscriber) is warned and dropped.
func (t *Table_t) Fire(irq int) {
	if irq < 0 || irq >= defs.IRQMax {
		klog.Warn("irq: fire of out-of-range irq %d", irq)
		return
	}
	t.mu.Lock()
	sub := t.subscribers[irq]
	t.mu.Unlock()
	if sub == nil {
		klog.Warn("irq: unhandled irq %d dropped", irq)
		return
	}
	t.notify(sub, defs.NotifyIRQ)
}

// SubscriberOf returns irq's current subscriber, or nil.
func (t *Table_t) SubscriberOf(irq int) *task.Task_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribers[irq]
}
