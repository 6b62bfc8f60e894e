package jsonrpc

import "sync"

// queue runs jobs one at a time, in submission order, on its own
// goroutine. Submitting never blocks.
type queue struct {
	mu     sync.Mutex
	jobs   []func()
	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

func newQueue() *queue {
	q := &queue{
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *queue) submit(job func()) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.signal:
		case <-q.stop:
			q.drain()
			return
		}
		q.drain()
	}
}

func (q *queue) drain() {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		job()
	}
}

// close finishes queued jobs and stops the worker.
func (q *queue) close() {
	close(q.stop)
}
