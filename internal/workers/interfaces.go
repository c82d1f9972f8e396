package workers

import (
	"context"

	"call-relay/internal/store"
)

// CallRecord is an alias for the archived call type.
// This allows processors to reference CallRecord without importing store directly.
type CallRecord = store.CallRecord

// CallRecordProcessor defines the interface for archiving finished calls.
// Implementations should be idempotent as a record may be submitted again
// after a failure.
type CallRecordProcessor interface {
	// Process handles a single call record.
	Process(ctx context.Context, record CallRecord) error

	// Name returns the processor name for logging and metrics.
	Name() string
}

// WorkerPool defines the interface for managing a pool of archive workers.
type WorkerPool interface {
	// Start initializes the worker pool with N workers.
	// Each worker will process records by calling the CallRecordProcessor.
	Start(ctx context.Context) error

	// Submit adds a record to the worker pool for processing.
	// Blocks if the queue is full.
	Submit(ctx context.Context, record CallRecord) error

	// Drain stops accepting new records and waits for in-flight records to complete.
	// Returns after all workers have finished processing or context is cancelled.
	Drain(ctx context.Context) error

	// Stop immediately stops all workers.
	Stop()
}
