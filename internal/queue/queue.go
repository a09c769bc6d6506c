// ============================================================================
// Command Queue
// ============================================================================
//
// Package: internal/queue
// File: queue.go
// Function: Per-module ordering of outbound commands
//
// Ordering:
//   A min-priority-first heap with FIFO among equal priorities (a monotonic
//   sequence number breaks ties). Anonymous commands sit in the heap directly.
//   Named commands are represented by a placeholder slot; the payload stored
//   under the name is swapped in at dequeue time, so overwriting a pending
//   named command never requeues it.
//
// State transitions:
//   push  -> heap (+ named payload)     pops immediately when online and idle
//   pop   -> busy (+ waiting if Wait)   hands the command to the deliver callback
//   Shift -> idle                       next pop runs on the next reactor tick
//   Hold / Offline(clear) / Online()
//
// Concurrency:
//   A Queue is confined to the reactor that owns its module. It takes no
//   locks; every method must be called from that reactor.
// ============================================================================

package queue

import (
	"container/heap"
)

// Scheduler defers work to the next tick of the owning event loop.
type Scheduler interface {
	NextTick(fn func())
}

// DeliverFunc receives each dequeued command.
type DeliverFunc func(cmd *Command)

type entry struct {
	seq      uint64
	priority int
	name     string   // set for named placeholders
	cmd      *Command // set for anonymous commands
}

type named struct {
	slots int
	cmd   *Command // latest payload; nil once sent or cancelled
}

// Queue holds pending commands for one module.
type Queue struct {
	sched   Scheduler
	deliver DeliverFunc

	ready entryHeap
	names map[string]*named
	seq   uint64
	anon  int

	waiting *Command
	busy    bool
	online  bool
	held    bool
}

// New builds an online queue.
func New(sched Scheduler, deliver DeliverFunc) *Queue {
	return &Queue{
		sched:   sched,
		deliver: deliver,
		names:   make(map[string]*named),
		online:  true,
	}
}

// Push enqueues cmd at priority. Lower numbers dequeue first.
//
// Anonymous commands pushed while offline are dropped and their result is
// rejected with ErrOffline. Pushing a named command replaces the payload of
// any pending command with the same name; the replaced command's result
// follows the new one.
func (q *Queue) Push(cmd *Command, priority int) {
	if cmd == nil {
		return
	}
	cmd.Priority = priority

	if cmd.Named() {
		n := q.names[cmd.Name]
		if n == nil {
			n = &named{}
			q.names[cmd.Name] = n
		}
		if prev := n.cmd; prev != nil && prev != cmd && prev.Result != nil && cmd.Result != nil {
			prev.Result.Follow(cmd.Result)
		}
		n.cmd = cmd
		n.slots++
		q.push(entry{priority: priority, name: cmd.Name})
	} else {
		if !q.online {
			if cmd.Result != nil {
				cmd.Result.Reject(ErrOffline)
			}
			return
		}
		q.anon++
		q.push(entry{priority: priority, cmd: cmd})
	}

	if q.online && !q.held && !q.busy {
		q.pop()
	}
}

// Requeue pushes a command back for another attempt. A named command whose
// name has since received a newer payload is not resent; its result follows
// the newer command instead.
func (q *Queue) Requeue(cmd *Command, priority int) {
	if cmd.Named() {
		if n := q.names[cmd.Name]; n != nil && n.cmd != nil && n.cmd != cmd {
			if cmd.Result != nil && n.cmd.Result != nil {
				cmd.Result.Follow(n.cmd.Result)
			}
			return
		}
	}
	q.Push(cmd, priority)
}

func (q *Queue) push(e entry) {
	q.seq++
	e.seq = q.seq
	heap.Push(&q.ready, e)
}

// pop delivers the next command, skipping cancelled named slots.
func (q *Queue) pop() {
	for q.ready.Len() > 0 {
		e := heap.Pop(&q.ready).(entry)

		cmd := e.cmd
		if e.name != "" {
			n := q.names[e.name]
			if n == nil {
				continue
			}
			cmd = n.cmd
			n.cmd = nil
			n.slots--
			if n.slots <= 0 {
				delete(q.names, e.name)
			}
			if cmd == nil {
				continue
			}
		} else {
			q.anon--
		}

		q.busy = true
		if cmd.Wait {
			q.waiting = cmd
		}
		q.deliver(cmd)
		return
	}
	q.busy = false
}

// Shift releases the current command and schedules the next dequeue on the
// following tick.
func (q *Queue) Shift() {
	q.busy = false
	q.waiting = nil
	if !q.online || q.held {
		return
	}
	q.sched.NextTick(q.drain)
}

func (q *Queue) drain() {
	if q.online && !q.held && !q.busy {
		q.pop()
	}
}

// Online resumes delivery after Offline or Hold. The drain happens on the
// next tick so a connect callback can enqueue fresh named commands first.
func (q *Queue) Online() {
	if q.online && !q.held {
		return
	}
	q.online = true
	q.held = false
	q.sched.NextTick(q.drain)
}

// Hold pauses delivery without dropping anything. Pushes keep accumulating
// until Online is called. The waiting marker is released; whoever held the
// in-flight command decides whether to requeue it.
func (q *Queue) Hold() {
	q.held = true
	q.busy = false
	q.waiting = nil
}

// Offline stops delivery. With clear every pending command is purged;
// otherwise named reservations survive and anonymous commands are dropped.
func (q *Queue) Offline(clear bool) {
	q.online = false
	q.busy = false

	if clear {
		for _, e := range q.ready {
			if e.cmd != nil && e.cmd.Result != nil {
				e.cmd.Result.Reject(ErrOffline)
			}
		}
		for _, n := range q.names {
			if n.cmd != nil && n.cmd.Result != nil {
				n.cmd.Result.Reject(ErrOffline)
			}
		}
		q.ready = nil
		q.names = make(map[string]*named)
		q.anon = 0
		q.waiting = nil
		return
	}

	kept := q.ready[:0]
	for _, e := range q.ready {
		if e.name != "" {
			kept = append(kept, e)
			continue
		}
		if e.cmd.Result != nil {
			e.cmd.Result.Reject(ErrOffline)
		}
	}
	q.ready = kept
	heap.Init(&q.ready)
	q.anon = 0

	if q.waiting != nil && !q.waiting.Named() {
		q.waiting = nil
	}
}

// Cancel clears the pending payload of a named command. Its slot stays in
// the heap and is consumed as a no-op. It reports whether a payload was
// cleared.
func (q *Queue) Cancel(name string) bool {
	n := q.names[name]
	if n == nil || n.cmd == nil {
		return false
	}
	if n.cmd.Result != nil {
		n.cmd.Result.Reject(ErrCancelled)
	}
	n.cmd = nil
	return true
}

// Len returns the number of commands that would still be delivered.
func (q *Queue) Len() int {
	n := q.anon
	for _, v := range q.names {
		if v.cmd != nil {
			n++
		}
	}
	return n
}

// Waiting returns the command awaiting a response, or nil.
func (q *Queue) Waiting() *Command { return q.waiting }

// Busy reports whether a command has been delivered and not yet shifted.
func (q *Queue) Busy() bool { return q.busy }

// IsOnline reports whether the queue is online. A held queue is still
// online; it only stops delivering.
func (q *Queue) IsOnline() bool { return q.online }

// Held reports whether delivery is paused by Hold.
func (q *Queue) Held() bool { return q.held }

// entryHeap orders by priority then arrival.
type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
