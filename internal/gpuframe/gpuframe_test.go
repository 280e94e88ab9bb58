package gpuframe

import (
	"errors"
	"testing"

	"github.com/asticode/go-astiav"

	"wlcast.dev/capture/internal/errs"
	"wlcast.dev/capture/internal/frame"
)

func TestPixelFormatForMapsEachFormat(t *testing.T) {
	cases := []struct {
		in   frame.PixelFormat
		want astiav.PixelFormat
	}{
		{frame.PixelFormatBGRA, astiav.PixelFormatBgra},
		{frame.PixelFormatRGBA, astiav.PixelFormatRgba},
		{frame.PixelFormatBGRX, astiav.PixelFormatBgr0},
		{frame.PixelFormatRGBX, astiav.PixelFormatRgb0},
	}
	for _, c := range cases {
		got, err := pixelFormatFor(c.in)
		if err != nil {
			t.Fatalf("pixelFormatFor(%v): unexpected error %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("pixelFormatFor(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestPixelFormatForUnknownIsUnsupported(t *testing.T) {
	_, err := pixelFormatFor(frame.PixelFormatUnknown)
	if !errors.Is(err, errs.ErrUnsupportedFormat) {
		t.Fatalf("pixelFormatFor(unknown) error = %v, want %v", err, errs.ErrUnsupportedFormat)
	}
}

func TestFrameReleaseNilSafe(t *testing.T) {
	var f *Frame
	f.Release() // must not panic

	called := false
	f2 := &Frame{release: func() { called = true }}
	f2.Release()
	if !called {
		t.Fatal("Release did not run the release hook")
	}
	if f2.release != nil {
		t.Fatal("Release did not clear the hook, so a second call would re-run it")
	}
}

func TestPacketReleaseNilSafe(t *testing.T) {
	var p *Packet
	p.Release() // must not panic

	p2 := &Packet{}
	p2.Release() // AV is nil, must not panic
}
