package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"call-relay/internal/observability"
)

// ProcessingResult represents the result of archiving one call record.
type ProcessingResult struct {
	Record    CallRecord
	Processor string
	Error     error
}

// ResultCallback is called after each record is processed.
// The callback receives the record and any error that occurred.
type ResultCallback func(result ProcessingResult)

// WorkerPoolConfig holds configuration for the worker pool.
type WorkerPoolConfig struct {
	// NumWorkers is the number of concurrent workers to run.
	NumWorkers int

	// QueueSize is the size of the record queue buffer.
	// If the queue is full, Submit() will block.
	QueueSize int

	// DrainTimeout is the maximum time to wait for queued records
	// to be archived during graceful shutdown.
	DrainTimeout time.Duration

	// OnResult is called after each record is processed (optional).
	// Used for archive result metrics.
	OnResult ResultCallback
}

// DefaultWorkerPoolConfig returns sensible defaults for a worker pool.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		NumWorkers:   4,
		QueueSize:    100,
		DrainTimeout: 30 * time.Second,
	}
}

// pool implements the WorkerPool interface.
type pool struct {
	config    WorkerPoolConfig
	processor CallRecordProcessor
	logger    *observability.Logger

	// Record distribution. recordChan is closed only once closing is
	// closed and every in-flight Submit has returned.
	recordChan chan CallRecord
	closing    chan struct{}
	senders    sync.WaitGroup
	wg         sync.WaitGroup

	// Lifecycle management
	mu       sync.Mutex
	started  bool
	draining bool
	stopped  bool
	cancelFn context.CancelFunc
}

// NewWorkerPool creates a new worker pool that archives finished calls.
func NewWorkerPool(
	config WorkerPoolConfig,
	processor CallRecordProcessor,
	logger *observability.Logger,
) WorkerPool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = DefaultWorkerPoolConfig().NumWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultWorkerPoolConfig().QueueSize
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultWorkerPoolConfig().DrainTimeout
	}

	return &pool{
		config:     config,
		processor:  processor,
		logger:     logger,
		recordChan: make(chan CallRecord, config.QueueSize),
		closing:    make(chan struct{}),
	}
}

// Start initializes the worker pool with N workers.
func (p *pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	if p.stopped {
		return fmt.Errorf("worker pool already stopped")
	}

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancelFn = cancel
	p.started = true

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(workerCtx, i)
	}

	p.logger.Info(ctx, fmt.Sprintf("Started %d workers for %s processor",
		p.config.NumWorkers, p.processor.Name()))

	return nil
}

// Submit queues a finished call for archiving.
func (p *pool) Submit(ctx context.Context, record CallRecord) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("worker pool not started")
	}
	if p.draining || p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("worker pool is shutting down")
	}
	p.senders.Add(1)
	p.mu.Unlock()
	defer p.senders.Done()

	// Block until the record can be queued, the pool shuts down or ctx is done
	select {
	case p.recordChan <- record:
		return nil
	case <-p.closing:
		return fmt.Errorf("worker pool is shutting down")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain stops accepting new records and waits for queued records to be archived.
func (p *pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("worker pool not started")
	}
	if p.draining {
		p.mu.Unlock()
		return fmt.Errorf("worker pool already draining")
	}
	if p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("worker pool already stopped")
	}
	p.draining = true
	p.closeQueue()
	p.mu.Unlock()

	p.logger.Info(ctx, fmt.Sprintf("Draining worker pool for %s processor, waiting for %d queued records",
		p.processor.Name(), len(p.recordChan)))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	drainCtx, cancel := context.WithTimeout(ctx, p.config.DrainTimeout)
	defer cancel()

	select {
	case <-done:
		p.logger.Info(ctx, fmt.Sprintf("Successfully drained worker pool for %s processor",
			p.processor.Name()))
		return nil
	case <-drainCtx.Done():
		p.logger.Warn(ctx, fmt.Sprintf("Drain timeout exceeded for %s processor, forcing shutdown",
			p.processor.Name()))
		p.Stop()
		return fmt.Errorf("drain timeout exceeded")
	}
}

// Stop immediately stops all workers. Queued records are dropped.
func (p *pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	p.stopped = true

	if p.cancelFn != nil {
		p.cancelFn()
	}

	if !p.draining {
		p.closeQueue()
	}
}

// closeQueue turns away blocked submitters, then closes the queue once none
// can still send on it. Callers hold p.mu, which keeps new submitters out.
func (p *pool) closeQueue() {
	close(p.closing)
	p.senders.Wait()
	close(p.recordChan)
}

func (p *pool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()

	workerCtx := observability.WithFields(ctx,
		observability.Field{Key: "worker_id", Value: workerID},
		observability.Field{Key: "processor", Value: p.processor.Name()},
	)

	p.logger.Debug(workerCtx, fmt.Sprintf("Worker %d started for %s processor",
		workerID, p.processor.Name()))

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug(workerCtx, fmt.Sprintf("Worker %d stopping: context cancelled", workerID))
			return

		case record, ok := <-p.recordChan:
			if !ok {
				p.logger.Debug(workerCtx, fmt.Sprintf("Worker %d stopping: record channel closed", workerID))
				return
			}

			recordCtx := observability.WithFields(workerCtx,
				observability.Field{Key: "session_id", Value: record.SessionID},
				observability.Field{Key: "call_sid", Value: record.CallSID},
				observability.Field{Key: "final_status", Value: record.FinalStatus},
			)

			err := p.processor.Process(recordCtx, record)
			if err != nil {
				p.logger.Error(recordCtx, fmt.Sprintf("Worker %d failed to archive call", workerID), err)
			} else {
				p.logger.Info(recordCtx, fmt.Sprintf("Worker %d archived call", workerID))
			}

			if p.config.OnResult != nil {
				p.config.OnResult(ProcessingResult{
					Record:    record,
					Processor: p.processor.Name(),
					Error:     err,
				})
			}
		}
	}
}
