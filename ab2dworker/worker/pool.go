package worker

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// PatientPool runs per-beneficiary tasks on a fixed number of goroutines.
// Tasks queue per job and are dispatched round-robin across jobs, so one
// large export cannot starve the others sharing the pool. Submission blocks
// while the queue is at capacity.
type PatientPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	queues   map[string][]func()
	order    []string
	next     int
	queued   int
	capacity int

	stopped bool
	wg      sync.WaitGroup
}

func NewPatientPool(workers, capacity int) *PatientPool {
	if workers < 1 {
		workers = 1
	}
	if capacity < workers {
		capacity = workers
	}
	p := &PatientPool{
		queues:   make(map[string][]func()),
		capacity: capacity,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

// Submit queues one task under the job's key, blocking while the pool is
// full. It fails if the context is cancelled first or the pool has stopped.
func (p *PatientPool) Submit(ctx context.Context, jobUUID string, task func()) error {
	// Wake any blocked submitter when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		p.cond.Broadcast()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for p.queued >= p.capacity && !p.stopped && ctx.Err() == nil {
		p.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.stopped {
		return errors.New("patient pool stopped")
	}

	if _, ok := p.queues[jobUUID]; !ok {
		p.order = append(p.order, jobUUID)
	}
	p.queues[jobUUID] = append(p.queues[jobUUID], task)
	p.queued++
	p.cond.Broadcast()
	return nil
}

// Stop prevents further submissions, drains queued tasks, and waits for the
// workers to exit.
func (p *PatientPool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *PatientPool) run() {
	defer p.wg.Done()
	for {
		task, ok := p.take()
		if !ok {
			return
		}
		task()
	}
}

// take pops the next task, rotating across jobs. It returns false only when
// the pool is stopped and fully drained.
func (p *PatientPool) take() (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.queued == 0 {
		if p.stopped {
			return nil, false
		}
		p.cond.Wait()
	}

	for {
		if p.next >= len(p.order) {
			p.next = 0
		}
		jobUUID := p.order[p.next]
		queue := p.queues[jobUUID]
		if len(queue) == 0 {
			// Job drained; drop it from the rotation.
			delete(p.queues, jobUUID)
			p.order = append(p.order[:p.next], p.order[p.next+1:]...)
			continue
		}

		task := queue[0]
		p.queues[jobUUID] = queue[1:]
		p.queued--
		p.next++
		p.cond.Broadcast()
		return task, true
	}
}
