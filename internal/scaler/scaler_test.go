package scaler

import (
	"testing"

	"github.com/asticode/go-astiav"

	"wlcast.dev/capture/internal/frame"
)

func TestSourcePixelFormatDmaBufAlwaysDrmPrime(t *testing.T) {
	opts := Options{IsDmaBuf: true, SourceFormat: frame.PixelFormatBGRA}
	if got := sourcePixelFormat(opts); got != astiav.PixelFormatDrmPrime {
		t.Fatalf("sourcePixelFormat() = %v, want DrmPrime", got)
	}
}

func TestSourcePixelFormatMemoryMapsEachFormat(t *testing.T) {
	cases := map[frame.PixelFormat]astiav.PixelFormat{
		// BGRA is declared as BGR0: libva-intel's hwupload only accepts
		// BGR0, even though the real captured buffer is BGRA.
		frame.PixelFormatBGRA: astiav.PixelFormatBgr0,
		frame.PixelFormatRGBA: astiav.PixelFormatRgba,
		frame.PixelFormatBGRX: astiav.PixelFormatBgr0,
		frame.PixelFormatRGBX: astiav.PixelFormatRgb0,
	}
	for in, want := range cases {
		if got := sourcePixelFormat(Options{SourceFormat: in}); got != want {
			t.Errorf("sourcePixelFormat(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestSourcePixelFormatUnknownIsNone(t *testing.T) {
	if got := sourcePixelFormat(Options{SourceFormat: frame.PixelFormatUnknown}); got != astiav.PixelFormatNone {
		t.Fatalf("sourcePixelFormat(Unknown) = %v, want None", got)
	}
}
