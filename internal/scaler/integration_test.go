//go:build linux_hw

// Overload scenario: pin the downstream consumer while frames keep
// arriving, and confirm the depth-4 queue's drop-on-full behavior
// holds under a real VA-API filter graph rather than the pure-Go
// queue used by enqueue_test.go. Requires a VA-API render node.
package scaler

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/asticode/go-astiav"

	"wlcast.dev/capture/internal/frame"
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

func TestOverloadDropsExactlyExcessFrames(t *testing.T) {
	vaapiDevice := requireVAAPI(t)

	var mu sync.Mutex
	var scaledCount int
	blockFirst := make(chan struct{})
	release := make(chan struct{})

	s, err := New(Options{
		SourceSize:   frame.Rect{W: 1280, H: 720},
		SourceFormat: frame.PixelFormatBGRA,
		TargetSize:   frame.Rect{W: 1280, H: 720},
		VAAPIDevice:  vaapiDevice,
	}, func(out *gpuframe.Frame) {
		mu.Lock()
		scaledCount++
		first := scaledCount == 1
		mu.Unlock()
		if first {
			close(blockFirst)
			<-release
		}
		out.Release()
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	const emitted = 120
	accepted := 0
	for i := 0; i < emitted; i++ {
		f := &gpuframe.Frame{AV: astiav.AllocFrame()}
		if s.queue.Enqueue(f) {
			accepted++
		} else {
			f.Release()
		}
	}

	<-blockFirst
	if got := s.queue.Len(); got > queueCapacity {
		t.Fatalf("queue held %d items, want <= %d", got, queueCapacity)
	}
	close(release)

	time.Sleep(100 * time.Millisecond)
	if accepted > queueCapacity+1 {
		t.Fatalf("accepted %d frames into a depth-%d queue with one already dequeued, want <= %d", accepted, queueCapacity, queueCapacity+1)
	}
}
