// Package scheduler implements TaskScheduler (C7): a time-priority
// queue of recurring tasks with bounded concurrent ticks, per
// spec.md §4.7. The priority queue is container/heap, the standard
// building block for this shape in Go.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid"

	"github.com/thrasher-corp/obmirror/log"
)

// statsRingSize bounds the recent-execution and recent-error rings per
// task, per spec.md §4.7 "bounded ring".
const statsRingSize = 16

// preExecuteWarnThreshold is the pre_execute duration above which the
// scheduler logs a warning, per spec.md §5.
const preExecuteWarnThreshold = time.Second

// Task is a recurring unit of work tracked by the scheduler.
type Task interface {
	PreExecute(ctx context.Context) error
	Execute(ctx context.Context) error
	PostExecute(ctx context.Context, execErr error)
	// Reschedule is consulted after PostExecute; it returns the task's
	// next fire time and whether the scheduler should re-enqueue it.
	Reschedule(now time.Time) (next time.Time, again bool)
}

// entry is one heap element: a task paired with its next fire time.
type entry struct {
	task     Task
	id       uuid.UUID
	nextFire time.Time
	index    int
}

type taskHeap []*entry

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].nextFire.Before(h[j].nextFire) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// ring is a fixed-capacity circular buffer.
type ring[T any] struct {
	buf  []T
	next int
}

func newRing[T any](cap int) *ring[T] { return &ring[T]{buf: make([]T, 0, cap)} }

func (r *ring[T]) add(v T, cap int) {
	if len(r.buf) < cap {
		r.buf = append(r.buf, v)
		return
	}
	r.buf[r.next] = v
	r.next = (r.next + 1) % cap
}

// Stats tracks per-task execution history, per spec.md §4.7.
type Stats struct {
	SuccessCount   uint64
	ErrorCount     uint64
	RecentExecTime *ring[time.Duration]
	RecentErrors   *ring[error]
}

// Scheduler is TaskScheduler (C7).
type Scheduler struct {
	maxTickQueue int

	mu sync.Mutex // guards heap
	h  taskHeap

	tickMu    sync.Mutex // guards tickQueue; also the single-threaded tick gate
	tickQueue []*tickHandle

	statsMu sync.Mutex
	stats   map[uuid.UUID]*Stats
}

type tickHandle struct {
	done bool
}

// New returns a Scheduler with the given max_tick_queue, per spec.md
// §6 (default clamp(runtime.NumCPU(), 2, 32)).
func New(maxTickQueue int) *Scheduler {
	if maxTickQueue < 1 {
		maxTickQueue = 1
	}
	return &Scheduler{
		maxTickQueue: maxTickQueue,
		stats:        make(map[uuid.UUID]*Stats),
	}
}

// Add registers task with its first fire time and returns its handle.
func (s *Scheduler) Add(task Task, firstFire time.Time) uuid.UUID {
	id, err := uuid.NewV4()
	if err != nil {
		id = uuid.Nil
	}

	s.statsMu.Lock()
	s.stats[id] = &Stats{
		RecentExecTime: newRing[time.Duration](statsRingSize),
		RecentErrors:   newRing[error](statsRingSize),
	}
	s.statsMu.Unlock()

	s.mu.Lock()
	heap.Push(&s.h, &entry{task: task, id: id, nextFire: firstFire})
	s.mu.Unlock()

	return id
}

// Stats returns a snapshot of task's recorded statistics.
func (s *Scheduler) Stats(id uuid.UUID) (Stats, bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st, ok := s.stats[id]
	if !ok {
		return Stats{}, false
	}
	return *st, true
}

// Tick implements spec.md §4.7's tick(): it maintains the tick queue
// (dropping completed handles), applies backpressure by returning 0 if
// the queue is still full, and otherwise launches one do_tick and
// returns 1. reconfigure, when positive, resizes max_tick_queue before
// the capacity check.
func (s *Scheduler) Tick(ctx context.Context, reconfigure int) int {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if reconfigure > 0 {
		s.maxTickQueue = reconfigure
	}

	live := s.tickQueue[:0]
	for _, h := range s.tickQueue {
		if !h.done {
			live = append(live, h)
		}
	}
	s.tickQueue = live

	if len(s.tickQueue) >= s.maxTickQueue {
		return 0
	}

	handle := &tickHandle{}
	s.tickQueue = append(s.tickQueue, handle)
	go func() {
		s.doTick(ctx)
		s.tickMu.Lock()
		handle.done = true
		s.tickMu.Unlock()
	}()
	return 1
}

// doTick implements spec.md §4.7's do_tick: pop every head currently
// due, run each task's pre_execute/execute concurrently, await all of
// them, then run every post_execute and reschedule, per the glossary's
// "one batch of due tasks" definition of a tick. Faults are logged,
// never propagated past the scheduler.
func (s *Scheduler) doTick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*entry
	for s.h.Len() > 0 && !s.h[0].nextFire.After(now) {
		due = append(due, heap.Pop(&s.h).(*entry))
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}

	results := make([]tickResult, len(due))
	var wg sync.WaitGroup
	wg.Add(len(due))
	for i, e := range due {
		i, e := i, e
		go func() {
			defer wg.Done()
			results[i] = s.runOne(ctx, e)
		}()
	}
	wg.Wait()

	var pwg sync.WaitGroup
	pwg.Add(len(due))
	for i, e := range due {
		e, r := e, results[i]
		go func() {
			defer pwg.Done()
			if !r.preFailed {
				e.task.PostExecute(ctx, r.execErr)
			}
			s.reschedule(e.task, e.id, now)
		}()
	}
	pwg.Wait()
}

// tickResult carries one due task's execute outcome from doTick's
// concurrent execute phase into its concurrent post_execute phase.
type tickResult struct {
	execErr   error
	preFailed bool
}

// runOne runs pre_execute then, on success, execute for one due entry,
// recording stats as it goes.
func (s *Scheduler) runOne(ctx context.Context, e *entry) tickResult {
	start := time.Now()
	if err := e.task.PreExecute(ctx); err != nil {
		if elapsed := time.Since(start); elapsed > preExecuteWarnThreshold {
			log.Warnf(log.SchedulerMgr, "pre_execute took %s", elapsed)
		}
		s.recordError(e.id, err)
		return tickResult{execErr: err, preFailed: true}
	}
	if elapsed := time.Since(start); elapsed > preExecuteWarnThreshold {
		log.Warnf(log.SchedulerMgr, "pre_execute took %s", elapsed)
	}

	execStart := time.Now()
	execErr := e.task.Execute(ctx)
	elapsed := time.Since(execStart)
	if execErr != nil {
		s.recordError(e.id, execErr)
	} else {
		s.recordSuccess(e.id, elapsed)
	}
	return tickResult{execErr: execErr}
}

func (s *Scheduler) reschedule(task Task, id uuid.UUID, now time.Time) {
	next, again := task.Reschedule(now)
	if !again {
		return
	}
	s.mu.Lock()
	heap.Push(&s.h, &entry{task: task, id: id, nextFire: next})
	s.mu.Unlock()
}

func (s *Scheduler) recordSuccess(id uuid.UUID, d time.Duration) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st, ok := s.stats[id]
	if !ok {
		return
	}
	st.SuccessCount++
	st.RecentExecTime.add(d, statsRingSize)
}

func (s *Scheduler) recordError(id uuid.UUID, err error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st, ok := s.stats[id]
	if !ok {
		return
	}
	st.ErrorCount++
	st.RecentErrors.add(err, statsRingSize)
}

// PendingCount reports how many tasks are waiting in the priority
// queue, exposed for metrics.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Len()
}
