package orchestrator

import (
	"errors"
	"testing"

	"wlcast.dev/capture/internal/frame"
	"wlcast.dev/capture/internal/gpuframe"
)

func TestPipelineCloseIsIdempotent(t *testing.T) {
	p := &pipeline{}
	p.close() // no collaborators yet, must not panic
	p.close() // second call on an already-nil pipeline must also be a no-op
}

func TestHandleDisconnectedStopsWithoutError(t *testing.T) {
	p := &pipeline{}
	stop, err := p.handle(frame.Disconnected{})
	if !stop {
		t.Fatal("Disconnected event did not request a stop")
	}
	if err != nil {
		t.Fatalf("Disconnected event returned an error: %v", err)
	}
}

func TestSetFailureKeepsFirstError(t *testing.T) {
	p := &pipeline{}
	first := errors.New("first")
	second := errors.New("second")

	p.setFailure(first)
	p.setFailure(second)

	if got := p.failure(); !errors.Is(got, first) {
		t.Fatalf("failure() = %v, want the first stored error %v", got, first)
	}
}

func TestPushFrameWithNoScalerIsANoop(t *testing.T) {
	p := &pipeline{}
	called := false
	p.pushFrame(func() (*gpuframe.Frame, error) {
		called = true
		return nil, nil
	})
	if called {
		t.Fatal("pushFrame invoked the wrap callback even though no scaler stage exists")
	}
}
