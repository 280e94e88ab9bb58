package scaler

import (
	"errors"
	"testing"

	"wlcast.dev/capture/internal/gpuframe"
	"wlcast.dev/capture/internal/queue"
)

// newTestScaler builds a Scaler around a real queue and failure slot
// without touching the filter graph, so Enqueue's own bookkeeping can
// be exercised without a VA-API device.
func newTestScaler(capacity int) *Scaler {
	return &Scaler{queue: queue.New[*gpuframe.Frame](capacity)}
}

func TestEnqueueDropsOnFullQueue(t *testing.T) {
	s := newTestScaler(1)
	first := &gpuframe.Frame{}
	second := &gpuframe.Frame{}

	if err := s.Enqueue(first); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := s.Enqueue(second); err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}

	got, ok := s.queue.Dequeue()
	if !ok {
		t.Fatal("queue drained before yielding the first frame")
	}
	if got != first {
		t.Fatal("full queue evicted the already-enqueued frame instead of dropping the new one")
	}

	s.queue.SignalEOF()
	if _, ok := s.queue.Dequeue(); ok {
		t.Fatal("expected the dropped second frame not to appear")
	}
}

func TestEnqueueReRaisesStoredFailure(t *testing.T) {
	s := newTestScaler(4)
	wantErr := errors.New("boom")
	s.failures.Store(wantErr)

	in := &gpuframe.Frame{}
	err := s.Enqueue(in)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Enqueue() error = %v, want %v", err, wantErr)
	}
	if s.queue.Len() != 0 {
		t.Fatal("frame was queued despite a stored failure")
	}
}
