package panel

import (
	"sort"
	"sync"
	"time"
)

// Timer is a pending deferred step.
type Timer interface {
	Stop() bool
}

// Scheduler runs deferred steps of the show/hide transitions.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type timeScheduler struct{}

func (timeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ManualScheduler is a Scheduler driven by Advance instead of the wall clock.
// Callbacks run synchronously on the goroutine calling Advance.
type ManualScheduler struct {
	mu    sync.Mutex
	now   time.Duration
	seq   int
	tasks []*manualTask
}

type manualTask struct {
	s       *ManualScheduler
	at      time.Duration
	seq     int
	f       func()
	stopped bool
}

func (t *manualTask) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// NewManualScheduler creates a scheduler at time zero.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTask{s: s, at: s.now + d, seq: s.seq, f: f}
	s.tasks = append(s.tasks, t)
	return t
}

// Advance moves the clock forward by d and runs every task that became due,
// in due-time order.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()

	for {
		s.mu.Lock()
		sort.SliceStable(s.tasks, func(i, j int) bool {
			if s.tasks[i].at == s.tasks[j].at {
				return s.tasks[i].seq < s.tasks[j].seq
			}
			return s.tasks[i].at < s.tasks[j].at
		})
		if len(s.tasks) == 0 || s.tasks[0].at > target {
			s.now = target
			s.mu.Unlock()
			return
		}
		t := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.now = t.at
		run := !t.stopped
		t.stopped = true
		s.mu.Unlock()

		if run {
			t.f()
		}
	}
}

// Pending returns the number of tasks that have not fired or been stopped.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.stopped {
			n++
		}
	}
	return n
}
