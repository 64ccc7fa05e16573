package tensor

import (
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// Pool is a fixed set of persistent worker goroutines. Run blocks until every
// submitted task has finished, so callers get a join barrier per step.
type Pool struct {
	jobs chan poolJob
	size int
	once sync.Once
}

type poolJob struct {
	fn func()
	wg *sync.WaitGroup
}

// DefaultWorkers returns the number of physical cores, falling back to
// GOMAXPROCS when cpuid cannot tell.
func DefaultWorkers() int {
	n := cpuid.CPU.PhysicalCores
	if procs := runtime.GOMAXPROCS(0); n <= 0 || n > procs {
		n = procs
	}
	return max(n, 1)
}

// NewPool starts size workers. Non-positive sizes use DefaultWorkers.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultWorkers()
	}
	p := &Pool{jobs: make(chan poolJob, size*3), size: size}
	for range size {
		go func() {
			for job := range p.jobs {
				job.fn()
				job.wg.Done()
			}
		}()
	}
	return p
}

func (p *Pool) Size() int {
	if p == nil {
		return 1
	}
	return p.size
}

// Run executes tasks on the pool and waits for all of them. A nil pool runs
// them inline. Tasks must not call Run on the same pool.
func (p *Pool) Run(tasks ...func()) {
	if p == nil || len(tasks) == 1 {
		for _, task := range tasks {
			task()
		}
		return
	}
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for _, task := range tasks {
		p.jobs <- poolJob{fn: task, wg: &wg}
	}
	wg.Wait()
}

// Parallel splits [0, n) into at most Size() contiguous chunks and runs fn on
// each.
func (p *Pool) Parallel(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	chunks := min(p.Size(), n)
	if chunks == 1 {
		fn(0, n)
		return
	}
	step := (n + chunks - 1) / chunks
	tasks := make([]func(), 0, chunks)
	for start := 0; start < n; start += step {
		end := min(start+step, n)
		tasks = append(tasks, func() { fn(start, end) })
	}
	p.Run(tasks...)
}

func (p *Pool) Close() {
	if p == nil {
		return
	}
	p.once.Do(func() { close(p.jobs) })
}
