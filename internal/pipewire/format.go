//go:build linux

package pipewire

/*
#include <spa/param/video/format-utils.h>
*/
import "C"

import (
	"time"

	"wlcast.dev/capture/internal/frame"
)

// spa video format constants relevant to this negotiation. NV12 is
// offered first but has no PixelFormat counterpart: a stream negotiated
// in it reports PixelFormatUnknown, and gpuframe.WrapMemoryFrame
// rejects its memory frames with errs.ErrUnsupportedFormat.
func spaToPixelFormat(spaFormat C.uint32_t) frame.PixelFormat {
	switch spaFormat {
	case C.SPA_VIDEO_FORMAT_BGRA:
		return frame.PixelFormatBGRA
	case C.SPA_VIDEO_FORMAT_RGBA:
		return frame.PixelFormatRGBA
	case C.SPA_VIDEO_FORMAT_BGRx:
		return frame.PixelFormatBGRX
	case C.SPA_VIDEO_FORMAT_RGBx:
		return frame.PixelFormatRGBX
	default:
		return frame.PixelFormatUnknown
	}
}

// drmFormatFor maps a negotiated packed-32 format to the DRM fourcc a
// DMA-BUF import needs. Returns 0 for formats DMA-BUF import never
// negotiates (NV12, unknown).
func drmFormatFor(format frame.PixelFormat) uint32 {
	const (
		drmFormatArgb8888 = 0x34325241 // 'AR24'
		drmFormatXrgb8888 = 0x34325258 // 'XR24'
		drmFormatAbgr8888 = 0x34324241 // 'AB24'
		drmFormatXbgr8888 = 0x34324258 // 'XB24'
	)
	switch format {
	case frame.PixelFormatBGRA:
		return drmFormatArgb8888
	case frame.PixelFormatBGRX:
		return drmFormatXrgb8888
	case frame.PixelFormatRGBA:
		return drmFormatAbgr8888
	case frame.PixelFormatRGBX:
		return drmFormatXbgr8888
	default:
		return 0
	}
}

func durationFromNs(ns uint64) time.Duration {
	return time.Duration(ns)
}
