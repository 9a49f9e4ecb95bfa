package simulator

import (
	"evsim/internal"
	"fmt"
	"strings"
	"sync"
	"time"
)

type TaskPurpose string

const (
	TaskHeartbeat   TaskPurpose = "heartbeat"
	TaskMeterValues TaskPurpose = "meter-values"
	TaskReservation TaskPurpose = "reservation"
	TaskFinish      TaskPurpose = "finish"
	TaskAutoStop    TaskPurpose = "auto-stop"
)

type scheduledTask struct {
	stop chan struct{}
}

// Scheduler owns all session timers. Tasks are keyed by session id and
// purpose; scheduling a purpose that already has a live task cancels the
// old one first, so at most one task per key exists.
type Scheduler struct {
	mux    sync.Mutex
	tasks  map[string]*scheduledTask
	logger internal.LogHandler
}

func NewScheduler(logger internal.LogHandler) *Scheduler {
	return &Scheduler{
		tasks:  make(map[string]*scheduledTask),
		logger: logger,
	}
}

func taskKey(sessionId string, purpose TaskPurpose) string {
	return sessionId + ":" + string(purpose)
}

// RunPeriodic starts a repeating task. The first run fires after one full
// interval, not immediately.
func (s *Scheduler) RunPeriodic(sessionId string, purpose TaskPurpose, interval time.Duration, fn func()) {
	if interval <= 0 {
		s.logger.Warn(fmt.Sprintf("non-positive interval for %s task of session %s", purpose, sessionId))
		return
	}
	key := taskKey(sessionId, purpose)
	task := &scheduledTask{stop: make(chan struct{})}

	s.mux.Lock()
	if old, ok := s.tasks[key]; ok {
		close(old.stop)
	}
	s.tasks[key] = task
	s.mux.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-task.stop:
				return
			}
		}
	}()
}

// RunAfter schedules a one-shot task. A non-positive delay runs fn on the
// calling goroutine right away. The task removes itself before firing, so
// fn may schedule a replacement under the same key.
func (s *Scheduler) RunAfter(sessionId string, purpose TaskPurpose, delay time.Duration, fn func()) {
	key := taskKey(sessionId, purpose)

	s.mux.Lock()
	if old, ok := s.tasks[key]; ok {
		close(old.stop)
		delete(s.tasks, key)
	}
	if delay <= 0 {
		s.mux.Unlock()
		fn()
		return
	}
	task := &scheduledTask{stop: make(chan struct{})}
	s.tasks[key] = task
	s.mux.Unlock()

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.mux.Lock()
			if s.tasks[key] == task {
				delete(s.tasks, key)
			}
			s.mux.Unlock()
			fn()
		case <-task.stop:
		}
	}()
}

// Cancel stops the task for the given key; true if one was live.
func (s *Scheduler) Cancel(sessionId string, purpose TaskPurpose) bool {
	key := taskKey(sessionId, purpose)
	s.mux.Lock()
	defer s.mux.Unlock()
	task, ok := s.tasks[key]
	if !ok {
		return false
	}
	close(task.stop)
	delete(s.tasks, key)
	return true
}

// CancelSession stops every task of a session.
func (s *Scheduler) CancelSession(sessionId string) {
	prefix := sessionId + ":"
	s.mux.Lock()
	defer s.mux.Unlock()
	for key, task := range s.tasks {
		if strings.HasPrefix(key, prefix) {
			close(task.stop)
			delete(s.tasks, key)
		}
	}
}

// Active reports whether a task is currently scheduled for the key.
func (s *Scheduler) Active(sessionId string, purpose TaskPurpose) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	_, ok := s.tasks[taskKey(sessionId, purpose)]
	return ok
}
