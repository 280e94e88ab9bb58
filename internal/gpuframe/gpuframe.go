// Package gpuframe bridges the capture producer's frame.MemoryFrame /
// frame.DmaBufFrame ownership model onto go-astiav's *astiav.Frame,
// and wraps *astiav.Packet with the muxer-facing metadata a container
// write needs.
package gpuframe

import (
	"time"

	"github.com/asticode/go-astiav"

	"wlcast.dev/capture/internal/errs"
	"wlcast.dev/capture/internal/frame"
)

// Frame pairs a raw astiav.Frame with the release hook of whichever
// frame.MemoryFrame or frame.DmaBufFrame it was built from, so the
// upstream PipeWire buffer is only returned to the pool once this
// wrapper itself is released.
type Frame struct {
	AV      *astiav.Frame
	Pts     time.Duration
	release frame.ReleaseFunc
}

// Release frees the astiav.Frame and runs the underlying capture
// buffer's release hook exactly once.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	if f.AV != nil {
		f.AV.Free()
		f.AV = nil
	}
	if f.release != nil {
		f.release()
		f.release = nil
	}
}

func pixelFormatFor(f frame.PixelFormat) (astiav.PixelFormat, error) {
	switch f {
	case frame.PixelFormatBGRA:
		return astiav.PixelFormatBgra, nil
	case frame.PixelFormatRGBA:
		return astiav.PixelFormatRgba, nil
	case frame.PixelFormatBGRX:
		return astiav.PixelFormatBgr0, nil
	case frame.PixelFormatRGBX:
		return astiav.PixelFormatRgb0, nil
	default:
		return 0, errs.ErrUnsupportedFormat
	}
}

// WrapMemoryFrame builds a software AVFrame that references mf's
// pixel buffer directly, without a copy. mf must not be released by
// the caller; ownership transfers to the returned Frame's Release.
func WrapMemoryFrame(mf *frame.MemoryFrame) (*Frame, error) {
	pixFmt, err := pixelFormatFor(mf.Format)
	if err != nil {
		mf.Release()
		return nil, err
	}

	av := astiav.AllocFrame()
	av.SetWidth(int(mf.Width))
	av.SetHeight(int(mf.Height))
	av.SetPixelFormat(pixFmt)
	av.SetPts(mf.Pts.Microseconds())

	region := mf.Base[mf.Offset:]
	if err := av.Data().SetBytes(region, mf.Stride, astiav.NewDataRefCount(1)); err != nil {
		av.Free()
		mf.Release()
		return nil, err
	}

	return &Frame{AV: av, Pts: mf.Pts, release: mf.Release}, nil
}

// WrapDmaBufFrame builds an AV_PIX_FMT_DRM_PRIME AVFrame describing
// df's DRM object, ready to hand to the scaler's hwmap filter. df must
// not be released by the caller.
func WrapDmaBufFrame(df *frame.DmaBufFrame) (*Frame, error) {
	descriptor := astiav.NewDRMFrameDescriptor()
	descriptor.SetObject(0, df.Fd, df.TotalSize, df.Modifier)
	planes := make([]astiav.DRMPlaneDescriptor, df.PlaneCount)
	for i := 0; i < df.PlaneCount; i++ {
		planes[i] = astiav.DRMPlaneDescriptor{
			ObjectIndex: 0,
			Offset:      int(df.Planes[i].Offset),
			Pitch:       int(df.Planes[i].Pitch),
		}
	}
	descriptor.SetLayer(0, df.DrmFormat, planes)

	av := astiav.AllocFrame()
	av.SetPixelFormat(astiav.PixelFormatDrmPrime)
	av.SetWidth(int(df.Width))
	av.SetHeight(int(df.Height))
	av.SetPts(df.Pts.Microseconds())
	av.SetDRMDescriptor(descriptor)

	return &Frame{AV: av, Pts: df.Pts, release: df.Release}, nil
}

// Packet wraps an encoded astiav.Packet. The muxer reads and rewrites
// the stream index and timestamps on AV itself; the encoder does not
// fill in Pts or Dts.
type Packet struct {
	AV  *astiav.Packet
	Pts time.Duration
	Dts time.Duration
}

// Release frees the underlying astiav.Packet.
func (p *Packet) Release() {
	if p == nil || p.AV == nil {
		return
	}
	p.AV.Free()
	p.AV = nil
}
