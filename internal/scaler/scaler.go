// Package scaler runs the VA-API scale/upload worker stage: frames
// arriving as software memory or DRM PRIME dma-bufs are pushed through
// an avfilter graph (hwupload or hwmap, followed by scale_vaapi) that
// produces GPU-resident NV12 frames ready for the encoder.
package scaler

import (
	"fmt"

	"github.com/asticode/go-astiav"

	"wlcast.dev/capture/internal/errs"
	"wlcast.dev/capture/internal/frame"
	"wlcast.dev/capture/internal/gpuframe"
	"wlcast.dev/capture/internal/queue"
	"wlcast.dev/capture/internal/wllog"
)

const queueCapacity = 4

// Callback receives one scaled GPU frame. It runs on the scaler's own
// worker goroutine, so it must not block for long: the next queued
// frame is not dequeued until it returns.
type Callback func(*gpuframe.Frame)

// Scaler owns one avfilter graph targeting a fixed output size and a
// single hardware device. A Scaler is built for one negotiated input
// format and is not reusable across a Connected/Disconnected cycle.
type Scaler struct {
	graph             *astiav.FilterGraph
	src               *astiav.FilterContext
	sink              *astiav.FilterContext
	hwFrameFilterName string
	rewriteBGR0       bool

	queue    *queue.BoundedFrameQueue[*gpuframe.Frame]
	failures queue.FailureSlot
	done     chan struct{}
	onScaled Callback
}

// Options describes the negotiated input and desired output geometry.
type Options struct {
	SourceSize   frame.Rect
	SourceFormat frame.PixelFormat
	TargetSize   frame.Rect
	IsDmaBuf     bool
	VAAPIDevice  *astiav.HardwareDeviceContext
	DRMDevice    *astiav.HardwareDeviceContext
}

// New builds the filter graph and starts the worker goroutine. onScaled
// is invoked once per output frame, in submission order.
func New(opts Options, onScaled Callback) (*Scaler, error) {
	graph := astiav.AllocFilterGraph()

	hwFilterName := "hwupload"
	if opts.IsDmaBuf {
		hwFilterName = "hwmap"
	}

	srcArgs := fmt.Sprintf("video_size=%dx%d:pix_fmt=%d:time_base=1/1000000:pixel_aspect=1/1",
		opts.SourceSize.W, opts.SourceSize.H, sourcePixelFormat(opts))

	src, err := graph.NewBuffersrcFilterContext("in", srcArgs)
	if err != nil {
		return nil, fmt.Errorf("%w: create filter source: %v", errs.ErrGpuInitFailed, err)
	}
	sink, err := graph.NewBuffersinkFilterContext("out")
	if err != nil {
		return nil, fmt.Errorf("%w: create filter sink: %v", errs.ErrGpuInitFailed, err)
	}
	if err := sink.SetPixelFormats([]astiav.PixelFormat{astiav.PixelFormatVaapi}); err != nil {
		return nil, fmt.Errorf("%w: constrain output format: %v", errs.ErrGpuInitFailed, err)
	}

	if opts.IsDmaBuf {
		framesCtx, err := opts.DRMDevice.AllocHardwareFramesContext()
		if err != nil {
			return nil, fmt.Errorf("%w: alloc drm frames context: %v", errs.ErrGpuInitFailed, err)
		}
		framesCtx.SetPixelFormat(astiav.PixelFormatDrmPrime)
		framesCtx.SetSoftwarePixelFormat(sourcePixelFormat(opts))
		framesCtx.SetWidth(int(opts.SourceSize.W))
		framesCtx.SetHeight(int(opts.SourceSize.H))
		if err := framesCtx.Initialize(); err != nil {
			return nil, fmt.Errorf("%w: initializing GPU frame pool: %v", errs.ErrGpuInitFailed, err)
		}
		src.SetHardwareFramesContext(framesCtx)
	}

	filterDesc := fmt.Sprintf("%s,scale_vaapi=w=%d:h=%d:format=nv12:out_range=full",
		hwFilterName, opts.TargetSize.W, opts.TargetSize.H)
	hwCtx, err := graph.Parse(filterDesc, src, sink)
	if err != nil {
		return nil, fmt.Errorf("%w: parse filter graph: %v", errs.ErrGpuInitFailed, err)
	}
	hwCtx.SetHardwareDeviceContext(opts.VAAPIDevice)

	if err := graph.Configure(); err != nil {
		return nil, fmt.Errorf("%w: configure filter graph: %v", errs.ErrGpuInitFailed, err)
	}

	s := &Scaler{
		graph: graph, src: src, sink: sink,
		hwFrameFilterName: hwFilterName,
		rewriteBGR0:       !opts.IsDmaBuf && opts.SourceFormat == frame.PixelFormatBGRA,
		queue:             queue.New[*gpuframe.Frame](queueCapacity),
		done:              make(chan struct{}),
		onScaled:          onScaled,
	}
	go s.run()
	return s, nil
}

// Enqueue submits a frame for scaling. If the worker has already
// failed, in is released and the stored error is returned. Enqueue
// never blocks: a full internal queue silently drops
// the frame after releasing it.
func (s *Scaler) Enqueue(in *gpuframe.Frame) error {
	if err := s.failures.Raise(); err != nil {
		in.Release()
		return err
	}
	if !s.queue.Enqueue(in) {
		in.Release()
	}
	return nil
}

// Close stops the worker and releases the filter graph. The worker
// drains the queue before it exits, so frames still queued are scaled
// and delivered to onScaled before Close returns.
func (s *Scaler) Close() {
	s.queue.SignalEOF()
	<-s.done
	if s.graph != nil {
		s.graph.Free()
		s.graph = nil
	}
}

func (s *Scaler) run() {
	defer close(s.done)
	for {
		in, ok := s.queue.Dequeue()
		if !ok {
			return
		}
		if err := s.scaleOne(in); err != nil {
			s.failures.Store(fmt.Errorf("%w: %v", errs.ErrScaleFailed, err))
			wllog.Debugf("scaler", "scale failed: %v", err)
			return
		}
	}
}

func (s *Scaler) scaleOne(in *gpuframe.Frame) error {
	defer in.Release()
	if s.rewriteBGR0 {
		in.AV.SetPixelFormat(astiav.PixelFormatBgr0)
	}
	if err := s.src.BuffersrcAddFrame(in.AV, astiav.NewBuffersrcFlags()); err != nil {
		return err
	}
	for {
		out := astiav.AllocFrame()
		err := s.sink.BuffersinkGetFrame(out, astiav.NewBuffersinkFlags())
		if err != nil {
			out.Free()
			if err == astiav.ErrEagain || err == astiav.ErrEof {
				return nil
			}
			return err
		}
		s.onScaled(&gpuframe.Frame{AV: out, Pts: in.Pts})
	}
}

// sourcePixelFormat picks the format declared to the filter graph's
// buffersrc. libva-intel's hwupload claims not to support BGRA, only
// BGR0, even though it can import BGRA fine via DMA-BUF — so a memory
// frame's declared format is downgraded to BGR0 (same byte layout,
// alpha ignored) while a dma-buf frame keeps its real format.
func sourcePixelFormat(opts Options) astiav.PixelFormat {
	if opts.IsDmaBuf {
		return astiav.PixelFormatDrmPrime
	}
	switch opts.SourceFormat {
	case frame.PixelFormatBGRA:
		return astiav.PixelFormatBgr0
	case frame.PixelFormatRGBA:
		return astiav.PixelFormatRgba
	case frame.PixelFormatBGRX:
		return astiav.PixelFormatBgr0
	case frame.PixelFormatRGBX:
		return astiav.PixelFormatRgb0
	default:
		return astiav.PixelFormatNone
	}
}
