package confluent

import (
	"sync"
	"time"

	"github.com/loipv/kafka-bridge/native"
)

// committer runs asynchronous commits one at a time, in submission order,
// on a single goroutine. Failures are kept until the next Poll collects
// them.
type committer struct {
	commit func(*native.TopicPartitionList) error

	mu       sync.Mutex
	cond     *sync.Cond
	jobs     []*native.TopicPartitionList
	inflight int
	failed   []error
	closed   bool
	done     chan struct{}
}

func newCommitter(commit func(*native.TopicPartitionList) error) *committer {
	c := &committer{commit: commit, done: make(chan struct{})}
	c.cond = sync.NewCond(&c.mu)
	go c.run()
	return c
}

func (c *committer) run() {
	defer close(c.done)

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		for len(c.jobs) == 0 && !c.closed {
			c.cond.Wait()
		}
		if len(c.jobs) == 0 {
			return
		}
		job := c.jobs[0]
		c.jobs[0] = nil
		c.jobs = c.jobs[1:]

		c.mu.Unlock()
		err := c.commit(job)
		c.mu.Lock()

		if err != nil {
			c.failed = append(c.failed, err)
		}
		c.inflight--
		c.cond.Broadcast()
	}
}

// enqueue schedules partitions for commit. A nil list commits the current
// positions.
func (c *committer) enqueue(partitions *native.TopicPartitionList) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return native.NewError(native.ErrDestroy, "handle is destroyed")
	}
	c.jobs = append(c.jobs, partitions)
	c.inflight++
	c.cond.Broadcast()
	return nil
}

// wait blocks until every commit enqueued so far has completed.
func (c *committer) wait() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.inflight > 0 {
		c.cond.Wait()
	}
}

func (c *committer) takeFailed() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	failed := c.failed
	c.failed = nil
	return failed
}

// close drains the queue and stops the goroutine.
func (c *committer) close() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	<-c.done
}

// seeker bounds seeks by their timeout. A seek that outlives its timeout
// keeps running; it stays pending until it settles, and no other seek
// starts and no Poll fetches until then.
type seeker struct {
	mu      sync.Mutex
	pending chan error
	target  string
	failed  []error
}

func (s *seeker) seek(target string, timeout time.Duration, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Now().Add(timeout)
	if !s.settle(deadline) {
		return native.NewError(native.ErrTimedOut, "seek to %s not started: seek to %s is still in progress", target, s.target)
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		s.pending, s.target = done, target
		return native.NewError(native.ErrTimedOut, "seek to %s timed out after %s, it completes in the background", target, timeout)
	}
}

// settle waits until deadline for a pending seek. It reports whether no
// seek is pending anymore. Must be called with mu held.
func (s *seeker) settle(deadline time.Time) bool {
	if s.pending == nil {
		return true
	}

	var err error
	if wait := time.Until(deadline); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case err = <-s.pending:
		case <-timer.C:
			return false
		}
	} else {
		select {
		case err = <-s.pending:
		default:
			return false
		}
	}

	if err != nil {
		s.failed = append(s.failed, native.NewError(native.Code(err), "seek to %s failed after its timeout: %s", s.target, err.Error()))
	}
	s.pending, s.target = nil, ""
	return true
}

// await is settle for callers outside seek. It returns whether no seek is
// pending and the failures of seeks that settled after their timeout.
func (s *seeker) await(deadline time.Time) (bool, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idle := s.settle(deadline)
	failed := s.failed
	s.failed = nil
	return idle, failed
}

// close blocks until a pending seek has finished.
func (s *seeker) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		<-s.pending
		s.pending, s.target = nil, ""
	}
}
