package frame

import "testing"

func TestMemoryFrameReleaseRunsExactlyOnce(t *testing.T) {
	calls := 0
	f := NewMemoryFrame(1920, 1080, 0, PixelFormatBGRA, nil, 0, 0, 0, func() { calls++ })

	f.Release()
	f.Release()
	f.Release()

	if calls != 1 {
		t.Fatalf("release hook called %d times, want 1", calls)
	}
}

func TestDmaBufFrameReleaseRunsExactlyOnce(t *testing.T) {
	calls := 0
	f := NewDmaBufFrame(1920, 1080, 0, 0, 3, 0, 0, 1, [4]DrmPlane{}, func() { calls++ })

	f.Release()
	f.Release()

	if calls != 1 {
		t.Fatalf("release hook called %d times, want 1", calls)
	}
}

func TestNilFrameReleaseIsSafe(t *testing.T) {
	var mf *MemoryFrame
	var df *DmaBufFrame
	mf.Release()
	df.Release()
}

func TestRectValid(t *testing.T) {
	cases := []struct {
		r    Rect
		want bool
	}{
		{Rect{0, 0}, false},
		{Rect{0, 1}, false},
		{Rect{1, 0}, false},
		{Rect{1, 1}, true},
		{Rect{1920, 1080}, true},
	}
	for _, c := range cases {
		if got := c.r.Valid(); got != c.want {
			t.Errorf("Rect%+v.Valid() = %v, want %v", c.r, got, c.want)
		}
	}
}

func TestStreamEventDispatch(t *testing.T) {
	events := []StreamEvent{
		Connected{Dimensions: Rect{1280, 720}, Format: PixelFormatBGRA, IsDmaBuf: false},
		Disconnected{},
		MemoryFrameReceived{Frame: &MemoryFrame{}},
		DmaBufFrameReceived{Frame: &DmaBufFrame{}},
	}

	var connected, disconnected, mem, dma int
	for _, ev := range events {
		switch ev.(type) {
		case Connected:
			connected++
		case Disconnected:
			disconnected++
		case MemoryFrameReceived:
			mem++
		case DmaBufFrameReceived:
			dma++
		default:
			t.Fatalf("unexpected event type %T", ev)
		}
	}

	if connected != 1 || disconnected != 1 || mem != 1 || dma != 1 {
		t.Fatalf("unexpected dispatch counts: connected=%d disconnected=%d mem=%d dma=%d",
			connected, disconnected, mem, dma)
	}
}
