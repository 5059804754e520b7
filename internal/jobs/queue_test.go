package jobs

import (
	"context"
	"sync"
	"testing"
	"time"
)

// recordingRunner captures dispatched jobs.
type recordingRunner struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingRunner) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingRunner) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingRunner) FullSync(ctx context.Context, integrationID string) error {
	r.record("full:" + integrationID)
	return nil
}

func (r *recordingRunner) IncrementalSync(ctx context.Context, integrationID string) error {
	r.record("incremental:" + integrationID)
	return nil
}

func (r *recordingRunner) PushEvent(ctx context.Context, eventID string) error {
	r.record("push:" + eventID)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestQueue_DispatchesAllKinds(t *testing.T) {
	runner := &recordingRunner{}
	queue := NewQueue(runner)
	queue.Start(1, 1)
	defer queue.Stop()

	if !queue.EnqueueFullSync("int-1") {
		t.Fatal("enqueue full sync rejected")
	}
	if !queue.EnqueueIncrementalSync("int-2") {
		t.Fatal("enqueue incremental rejected")
	}
	if !queue.EnqueueEventPush("evt-1") {
		t.Fatal("enqueue event push rejected")
	}

	waitFor(t, func() bool { return len(runner.snapshot()) == 3 })

	seen := map[string]bool{}
	for _, call := range runner.snapshot() {
		seen[call] = true
	}
	for _, want := range []string{"full:int-1", "incremental:int-2", "push:evt-1"} {
		if !seen[want] {
			t.Fatalf("missing dispatch %q in %v", want, runner.snapshot())
		}
	}
}

func TestQueue_ImmediateJobsRunWithoutBatchWorkers(t *testing.T) {
	runner := &recordingRunner{}
	queue := NewQueue(runner)
	// no batch workers at all: immediate traffic must still flow
	queue.Start(1, 0)
	defer queue.Stop()

	queue.EnqueueIncrementalSync("int-7")
	waitFor(t, func() bool { return len(runner.snapshot()) == 1 })

	if runner.snapshot()[0] != "incremental:int-7" {
		t.Fatalf("unexpected dispatch: %v", runner.snapshot())
	}
}

func TestQueue_SaturationDropsInsteadOfBlocking(t *testing.T) {
	runner := &recordingRunner{}
	queue := NewQueue(runner)
	// workers never started, channels fill up

	accepted := 0
	for i := 0; i < defaultCapacity+10; i++ {
		if queue.EnqueueFullSync("int-x") {
			accepted++
		}
	}
	if accepted != defaultCapacity {
		t.Fatalf("expected %d accepted before saturation, got %d", defaultCapacity, accepted)
	}
}

func TestCallbackURL(t *testing.T) {
	got := CallbackURL("https://app.example.com", "google")
	if got != "https://app.example.com/webhooks/calendar/google" {
		t.Fatalf("unexpected callback url: %s", got)
	}
}
