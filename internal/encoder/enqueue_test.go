package encoder

import (
	"errors"
	"testing"

	"wlcast.dev/capture/internal/gpuframe"
	"wlcast.dev/capture/internal/queue"
)

func newTestEncoder(capacity int) *Encoder {
	return &Encoder{queue: queue.New[*gpuframe.Frame](capacity)}
}

func TestEnqueueDropsOnFullQueue(t *testing.T) {
	e := newTestEncoder(1)
	first := &gpuframe.Frame{}
	second := &gpuframe.Frame{}

	if err := e.Enqueue(first); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := e.Enqueue(second); err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}

	got, ok := e.queue.Dequeue()
	if !ok {
		t.Fatal("queue drained before yielding the first frame")
	}
	if got != first {
		t.Fatal("full queue evicted the already-enqueued frame instead of dropping the new one")
	}
}

func TestEnqueueReRaisesStoredFailure(t *testing.T) {
	e := newTestEncoder(4)
	wantErr := errors.New("boom")
	e.failures.Store(wantErr)

	if err := e.Enqueue(&gpuframe.Frame{}); !errors.Is(err, wantErr) {
		t.Fatalf("Enqueue() error = %v, want %v", err, wantErr)
	}
	if e.queue.Len() != 0 {
		t.Fatal("frame was queued despite a stored failure")
	}
}
