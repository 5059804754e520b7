// Package jobs runs sync work off the request path on two priorities:
// immediate (webhook-triggered passes, event pushes after local mutation)
// and batch (scheduled full syncs, webhook refresh).
package jobs

import (
	"context"
	"log"
	"sync"
)

// Kind identifies what a queued job does.
type Kind string

const (
	KindFullSync        Kind = "full_sync"
	KindIncrementalSync Kind = "incremental_sync"
	KindEventPush       Kind = "event_push"
)

// Job is one unit of queued sync work.
type Job struct {
	Kind          Kind
	IntegrationID string
	EventID       string
}

// SyncRunner is the slice of the sync engine the queue dispatches to.
type SyncRunner interface {
	FullSync(ctx context.Context, integrationID string) error
	IncrementalSync(ctx context.Context, integrationID string) error
	PushEvent(ctx context.Context, eventID string) error
}

// Queue is an in-process two-priority job queue. Duplicate enqueues are fine:
// a sync pass is idempotent and same-integration passes single-flight inside
// the engine.
type Queue struct {
	runner    SyncRunner
	immediate chan Job
	batch     chan Job

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

const defaultCapacity = 256

func NewQueue(runner SyncRunner) *Queue {
	return &Queue{
		runner:    runner,
		immediate: make(chan Job, defaultCapacity),
		batch:     make(chan Job, defaultCapacity),
		done:      make(chan struct{}),
	}
}

// Start launches worker goroutines: one set draining the immediate channel,
// one draining batch.
func (q *Queue) Start(immediateWorkers, batchWorkers int) {
	for i := 0; i < immediateWorkers; i++ {
		q.wg.Add(1)
		go q.worker(q.immediate)
	}
	for i := 0; i < batchWorkers; i++ {
		q.wg.Add(1)
		go q.worker(q.batch)
	}
	log.Printf("[jobs] queue started (%d immediate, %d batch workers)", immediateWorkers, batchWorkers)
}

// Stop shuts the workers down after in-flight jobs finish.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.done) })
	q.wg.Wait()
}

func (q *Queue) worker(jobs <-chan Job) {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case job := <-jobs:
			q.run(job)
		}
	}
}

func (q *Queue) run(job Job) {
	ctx := context.Background()
	var err error
	switch job.Kind {
	case KindFullSync:
		err = q.runner.FullSync(ctx, job.IntegrationID)
	case KindIncrementalSync:
		err = q.runner.IncrementalSync(ctx, job.IntegrationID)
	case KindEventPush:
		err = q.runner.PushEvent(ctx, job.EventID)
	default:
		log.Printf("[jobs] unknown job kind %q", job.Kind)
		return
	}
	if err != nil {
		// The integration status already reflects the failure; the next
		// scheduled pass is the retry.
		log.Printf("[jobs] %s failed (integration=%s event=%s): %v", job.Kind, job.IntegrationID, job.EventID, err)
	}
}

// EnqueueFullSync queues a batch-priority full pass.
func (q *Queue) EnqueueFullSync(integrationID string) bool {
	return q.enqueue(q.batch, Job{Kind: KindFullSync, IntegrationID: integrationID})
}

// EnqueueFullSyncNow queues a full pass at immediate priority (manual
// "sync now").
func (q *Queue) EnqueueFullSyncNow(integrationID string) bool {
	return q.enqueue(q.immediate, Job{Kind: KindFullSync, IntegrationID: integrationID})
}

// EnqueueIncrementalSync queues the webhook-triggered pass.
func (q *Queue) EnqueueIncrementalSync(integrationID string) bool {
	return q.enqueue(q.immediate, Job{Kind: KindIncrementalSync, IntegrationID: integrationID})
}

// EnqueueEventPush queues a single-event push after a local mutation.
func (q *Queue) EnqueueEventPush(eventID string) bool {
	return q.enqueue(q.immediate, Job{Kind: KindEventPush, EventID: eventID})
}

func (q *Queue) enqueue(ch chan Job, job Job) bool {
	select {
	case ch <- job:
		return true
	default:
		log.Printf("[jobs] queue full, dropping %s (integration=%s event=%s)", job.Kind, job.IntegrationID, job.EventID)
		return false
	}
}
