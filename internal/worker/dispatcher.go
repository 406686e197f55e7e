package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"corpuschat/internal/metrics"

	"github.com/rs/zerolog"
)

type tenantQueue struct {
	jobs     []Job
	enqueued bool
}

// Options sizes the dispatcher and its worker pool.
type Options struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
	Logger      zerolog.Logger
}

// Dispatcher runs jobs on an elastic worker pool, taking turns between
// tenants so one busy tenant cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job
	logger   zerolog.Logger

	maxPending int64
	pending    atomic.Int64
	running    sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool
	quit    chan struct{}
	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	queues    map[int64]*tenantQueue // pending jobs per tenant
	ready     *list.List             // tenants with pending jobs, least recently served first
	positions map[int64]*list.Element
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.MinWorkers <= 0 {
		opts.MinWorkers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		jobQueue:   make(chan Job, opts.QueueSize),
		logger:     opts.Logger,
		maxPending: int64(opts.QueueSize),
		quit:       make(chan struct{}),
		baseCtx:    ctx,
		cancel:     cancel,
		queues:     make(map[int64]*tenantQueue),
		ready:      list.New(),
		positions:  make(map[int64]*list.Element),
	}
	d.pool = newJobChannelPool(opts.MinWorkers, opts.MaxWorkers, opts.IdleTimeout, d.execute, opts.Logger)

	for i := 0; i < opts.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues job without blocking. It fails with ErrDispatcherBusy when
// QueueSize jobs are already waiting for a worker.
func (d *Dispatcher) Submit(job Job) error {
	if job.Run == nil {
		return errors.New("job has no run func")
	}
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if d.pending.Add(1) > d.maxPending {
		d.pending.Add(-1)
		return ErrDispatcherBusy
	}
	d.running.Add(1)
	select {
	case d.jobQueue <- job:
		metrics.QueuedJobs.Inc()
		return nil
	default:
		d.pending.Add(-1)
		d.running.Done()
		return ErrDispatcherBusy
	}
}

// Pending is the number of jobs waiting for a worker.
func (d *Dispatcher) Pending() int {
	return int(d.pending.Load())
}

// Close stops accepting jobs and waits for queued and running ones. When ctx
// ends first, the jobs' context is cancelled and ctx.Err() is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	d.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.running.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		err = ctx.Err()
	}
	close(d.quit)
	d.pool.close()
	return err
}

func (d *Dispatcher) run() {
	for {
		d.drain()
		// dispatch one job of the tenant at the front of the LRU queue
		if !d.dispatchOne() {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
		}
	}
}

// drain moves every submitted job into its tenant queue.
func (d *Dispatcher) drain() {
	for {
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.TenantID]
	if q == nil {
		q = &tenantQueue{}
		d.queues[job.TenantID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.TenantID] = d.ready.PushBack(job.TenantID)
}

// dispatchOne hands the front tenant's oldest job to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	tenantID := elem.Value.(int64)
	q := d.queues[tenantID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, tenantID)
		delete(d.queues, tenantID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	d.pending.Add(-1)
	metrics.QueuedJobs.Dec()
	d.logger.Debug().
		Int64("tenant_id", tenantID).
		Str("job", job.Name).
		Int("worker", d.pool.workerID(workerChan)).
		Msg("dispatch job")
	workerChan <- job
	return true
}

func (d *Dispatcher) execute(job Job) {
	defer d.running.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Interface("panic", r).
				Int64("tenant_id", job.TenantID).
				Str("job", job.Name).
				Msg("job panicked")
		}
	}()
	job.Run(d.baseCtx)
}
