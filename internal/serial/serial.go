// Package serial is the kernel console: a byte sink for writes plus a
// small ring buffer for reads, with blocked readers parked on a waitqueue
// until input arrives. A Ctrl-P on input triggers the task-state dump
// instead of being buffered.
package serial

import (
	"io"
	"sync"

	"github.com/zuki/hinaos/internal/defs"
	"github.com/zuki/hinaos/internal/klog"
	"github.com/zuki/hinaos/internal/task"
)

// BufSize is the read ring buffer's capacity in bytes.
const BufSize = 128

// ctrlP is the dump trigger byte (0x10).
const ctrlP = 0x10

// Serial_t is the console device. block parks a reader that found the
// buffer empty; wake resumes the head reader once input arrives; dump is
// the Ctrl-P hook (normally task.Table_t.Dump).
type Serial_t struct {
	mu      sync.Mutex
	buf     [BufSize]byte
	rpos    int
	used    int
	out     io.Writer
	readers []*task.Task_t
	block   func(*task.Task_t)
	wake    func(*task.Task_t)
	dump    func()
}

// New constructs a console writing to out.
func New(out io.Writer, block, wake func(*task.Task_t), dump func()) *Serial_t {
	return &Serial_t{out: out, block: block, wake: wake, dump: dump}
}

// Write sends p to the console sink and returns the number of bytes
// written. The sink is a pure byte sink; there is no output buffering.
func (s *Serial_t) Write(p []byte) int {
	n, err := s.out.Write(p)
	if err != nil {
		klog.Warn("serial: write failed: %v", err)
	}
	return n
}

// Input feeds one received byte into the ring buffer, from the interrupt
// path. Ctrl-P triggers the task dump and is not buffered. When the
// buffer is full the byte is dropped with a warning. If a reader is
// parked, the head reader is woken.
func (s *Serial_t) Input(b byte) {
	if b == ctrlP {
		if s.dump != nil {
			s.dump()
		}
		return
	}
	s.mu.Lock()
	if s.used == BufSize {
		s.mu.Unlock()
		klog.Warn("serial: input buffer full, byte %#x dropped", b)
		return
	}
	s.buf[(s.rpos+s.used)%BufSize] = b
	s.used++
	var reader *task.Task_t
	if len(s.readers) > 0 {
		reader = s.readers[0]
		s.readers = s.readers[1:]
	}
	s.mu.Unlock()
	if reader != nil {
		s.wake(reader)
	}
}

// Read copies up to max buffered bytes out for self. If the buffer is
// empty, self is parked on the reader waitqueue and blocked=true is
// returned; once woken, self retries the read.
func (s *Serial_t) Read(self *task.Task_t, max int) (data []byte, blocked bool) {
	s.mu.Lock()
	if s.used == 0 {
		s.readers = append(s.readers, self)
		s.mu.Unlock()
		// The reader is blocked on input, not on IPC; a sender must not
		// mistake it for a ready receiver.
		self.WaitFor = defs.IPCDeny
		s.block(self)
		return nil, true
	}
	n := s.used
	if n > max {
		n = max
	}
	data = make([]byte, n)
	for i := 0; i < n; i++ {
		data[i] = s.buf[(s.rpos+i)%BufSize]
	}
	s.rpos = (s.rpos + n) % BufSize
	s.used -= n
	s.mu.Unlock()
	return data, false
}

// Buffered reports how many input bytes are waiting.
func (s *Serial_t) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}
