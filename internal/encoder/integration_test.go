//go:build linux_hw

// Encoder failure scenario: a malformed frame injected mid-stream must
// fail the worker exactly once, and the failure must be observed on
// the next Enqueue call rather than silently swallowed. Requires a
// VA-API render node.
package encoder

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/asticode/go-astiav"

	"wlcast.dev/capture/internal/errs"
	"wlcast.dev/capture/internal/gpuframe"
)

const testRenderNode = "/dev/dri/renderD128"

func requireVAAPI(t *testing.T) *astiav.HardwareDeviceContext {
	t.Helper()
	if _, err := os.Stat(testRenderNode); err != nil {
		t.Skipf("no VA-API render node at %s: %v", testRenderNode, err)
	}
	dev, err := astiav.CreateHardwareDeviceContext(astiav.HardwareDeviceTypeVaapi, testRenderNode, nil, 0)
	if err != nil {
		t.Skipf("opening VA-API device failed: %v", err)
	}
	t.Cleanup(dev.Free)
	return dev
}

func validFrame(width, height int) *gpuframe.Frame {
	av := astiav.AllocFrame()
	av.SetWidth(width)
	av.SetHeight(height)
	av.SetPixelFormat(astiav.PixelFormatVaapi)
	return &gpuframe.Frame{AV: av}
}

func TestEncodeFailurePropagatesOnNextEnqueue(t *testing.T) {
	vaapiDevice := requireVAAPI(t)

	e, err := New(Options{
		Width: 1280, Height: 720,
		Codec:        CodecH264,
		VAAPIDevice:  vaapiDevice,
		GlobalHeader: true,
	}, func(*gpuframe.Packet) {})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	for i := 0; i < 9; i++ {
		if err := e.Enqueue(validFrame(1280, 720)); err != nil {
			t.Fatalf("frame %d: unexpected pre-failure error: %v", i, err)
		}
	}

	// The 10th frame carries mismatched geometry, which SendFrame
	// rejects against the codec context's configured size.
	if err := e.Enqueue(validFrame(64, 64)); err != nil {
		t.Fatalf("frame 10 (bad geometry): Enqueue itself must not surface the failure synchronously: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var enqueueErr error
	for time.Now().Before(deadline) {
		enqueueErr = e.Enqueue(validFrame(1280, 720))
		if enqueueErr != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !errors.Is(enqueueErr, errs.ErrEncodeFailed) {
		t.Fatalf("Enqueue() after worker failure = %v, want %v", enqueueErr, errs.ErrEncodeFailed)
	}
}
