// Package frame holds the pipeline's wire-level data model: the pixel
// rectangle and format tags, the two externally-owned frame shapes
// delivered by the capture producer, and the closed StreamEvent
// variant the capture producer emits.
//
// Ownership follows the original C++ design: a MemoryFrame or
// DmaBufFrame is exclusively owned by whoever currently holds it, and
// dropping it invokes a release hook exactly once, returning the
// underlying PipeWire buffer to the producer's free list.
package frame

import "time"

// Rect is an unsigned pixel extent. Both fields must be > 0 when used
// as a size.
type Rect struct {
	W, H uint32
}

// Valid reports whether r is usable as a frame size.
func (r Rect) Valid() bool { return r.W > 0 && r.H > 0 }

// PixelFormat tags a packed 32-bit pixel layout negotiated with
// PipeWire. The X variants carry a defined but ignored fourth channel.
type PixelFormat uint8

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatBGRA
	PixelFormatRGBA
	PixelFormatBGRX
	PixelFormatRGBX
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatBGRA:
		return "BGRA"
	case PixelFormatRGBA:
		return "RGBA"
	case PixelFormatBGRX:
		return "BGRX"
	case PixelFormatRGBX:
		return "RGBX"
	default:
		return "unknown"
	}
}

// ReleaseFunc returns an externally-allocated buffer to its producer's
// free list. It must be idempotent-safe: calling it more than once
// must not double-release the underlying buffer. Owners are expected
// to guard the call with an unsynchronised once-guard (doOnce below),
// not ReleaseFunc itself, so that
// dropping the same frame from two goroutines racing on Close is still
// a programming error surfaced by the race detector rather than
// silently swallowed.
type ReleaseFunc func()

// MemoryFrame is one captured frame whose pixels live in
// process-addressable memory owned by the PipeWire buffer pool.
type MemoryFrame struct {
	Width, Height uint32
	Pts           time.Duration
	Format        PixelFormat

	// Base points at the mapped region's first byte; Offset is the byte
	// offset from Base to the first pixel.
	Base   []byte
	Stride int
	Size   int
	Offset int

	release     ReleaseFunc
	releaseOnce doOnce
}

// NewMemoryFrame constructs a MemoryFrame with its release hook. The
// hook runs at most once, on the first Release call.
func NewMemoryFrame(width, height uint32, pts time.Duration, format PixelFormat, base []byte, stride, size, offset int, release ReleaseFunc) *MemoryFrame {
	return &MemoryFrame{
		Width: width, Height: height, Pts: pts, Format: format,
		Base: base, Stride: stride, Size: size, Offset: offset,
		release: release,
	}
}

// Release returns the underlying PipeWire buffer to the producer's
// free list. Safe to call more than once; only the first call has an
// effect.
func (f *MemoryFrame) Release() {
	if f == nil {
		return
	}
	f.releaseOnce.Do(f.release)
}

// DrmPlane is one plane of a DMA-BUF frame: its byte offset and pitch
// within the DRM object.
type DrmPlane struct {
	Offset uint32
	Pitch  uint32
}

// DmaBufFrame is one captured frame whose pixels live in a
// GPU-importable DRM object referenced by a file descriptor.
type DmaBufFrame struct {
	Width, Height uint32
	Pts           time.Duration
	DrmFormat     uint32 // DRM fourcc

	Fd        int
	TotalSize uint64
	Modifier  uint64

	PlaneCount int
	Planes     [4]DrmPlane

	release     ReleaseFunc
	releaseOnce doOnce
}

// NewDmaBufFrame constructs a DmaBufFrame with its release hook.
func NewDmaBufFrame(width, height uint32, pts time.Duration, drmFormat uint32, fd int, totalSize, modifier uint64, planeCount int, planes [4]DrmPlane, release ReleaseFunc) *DmaBufFrame {
	return &DmaBufFrame{
		Width: width, Height: height, Pts: pts, DrmFormat: drmFormat,
		Fd: fd, TotalSize: totalSize, Modifier: modifier,
		PlaneCount: planeCount, Planes: planes,
		release: release,
	}
}

// Release returns the underlying PipeWire buffer (and, once queued
// downstream, the DRM fd) to the producer's free list. Safe to call
// more than once.
func (f *DmaBufFrame) Release() {
	if f == nil {
		return
	}
	f.releaseOnce.Do(f.release)
}

// doOnce is a plain, unsynchronised run-once flag (not sync.Once) with a
// nil-safe Do so a zero-value ReleaseFunc (in tests that never install
// one) doesn't panic.
type doOnce struct {
	done bool
}

func (o *doOnce) Do(fn ReleaseFunc) {
	if o.done {
		return
	}
	o.done = true
	if fn != nil {
		fn()
	}
}

// StreamEvent is the closed sum of events the capture producer can
// emit. The set is closed and deliberately small: consumers dispatch
// with a type switch instead of a class hierarchy.
type StreamEvent interface {
	isStreamEvent()
}

// Connected is emitted on the first transition into the PipeWire
// stream's "streaming" state.
type Connected struct {
	Dimensions Rect
	Format     PixelFormat
	IsDmaBuf   bool
}

func (Connected) isStreamEvent() {}

// Disconnected is emitted on a transition leaving "streaming" for any
// state other than the error state. A transition into the error state
// emits no event; the capture producer's NextEvent returns an error
// instead.
type Disconnected struct{}

func (Disconnected) isStreamEvent() {}

// MemoryFrameReceived carries one memory-mapped captured frame.
type MemoryFrameReceived struct {
	Frame *MemoryFrame
}

func (MemoryFrameReceived) isStreamEvent() {}

// DmaBufFrameReceived carries one DMA-BUF captured frame.
type DmaBufFrameReceived struct {
	Frame *DmaBufFrame
}

func (DmaBufFrameReceived) isStreamEvent() {}
