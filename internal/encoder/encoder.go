// Package encoder runs the VA-API encoder worker stage: scaled GPU
// frames are handed to a hardware-accelerated codec context and the
// resulting packets are delivered to a callback in encode order.
package encoder

import (
	"fmt"

	"github.com/asticode/go-astiav"

	"wlcast.dev/capture/internal/errs"
	"wlcast.dev/capture/internal/gpuframe"
	"wlcast.dev/capture/internal/queue"
	"wlcast.dev/capture/internal/wllog"
)

const queueCapacity = 8

// Codec selects which VA-API encoder profile to open.
type Codec int

const (
	CodecH264 Codec = iota
	CodecHEVC
	CodecVP9
)

func (c Codec) encoderName() string {
	switch c {
	case CodecHEVC:
		return "hevc_vaapi"
	case CodecVP9:
		return "vp9_vaapi"
	default:
		return "h264_vaapi"
	}
}

// Callback receives one encoded packet, in encode order, on the
// encoder's worker goroutine.
type Callback func(*gpuframe.Packet)

// Encoder owns an open VA-API codec context and its GPU frame pool.
type Encoder struct {
	codecCtx *astiav.CodecContext

	queue     *queue.BoundedFrameQueue[*gpuframe.Frame]
	failures  queue.FailureSlot
	done      chan struct{}
	onEncoded Callback
}

// Options describes the fixed geometry and target codec for an
// encoder instance. GlobalHeader must be true for containers (like
// MP4) that carry extradata in the container header rather than in
// every keyframe.
type Options struct {
	Width, Height int
	Codec         Codec
	VAAPIDevice   *astiav.HardwareDeviceContext
	GlobalHeader  bool
}

// New opens the encoder and starts its worker goroutine.
func New(opts Options, onEncoded Callback) (*Encoder, error) {
	codec := astiav.FindEncoderByName(opts.Codec.encoderName())
	if codec == nil {
		return nil, fmt.Errorf("%w: no encoder named %q", errs.ErrGpuInitFailed, opts.Codec.encoderName())
	}

	framesCtx, err := opts.VAAPIDevice.AllocHardwareFramesContext()
	if err != nil {
		return nil, fmt.Errorf("%w: alloc frames context: %v", errs.ErrGpuInitFailed, err)
	}
	framesCtx.SetPixelFormat(astiav.PixelFormatVaapi)
	framesCtx.SetSoftwarePixelFormat(astiav.PixelFormatNv12)
	framesCtx.SetWidth(opts.Width)
	framesCtx.SetHeight(opts.Height)
	if err := framesCtx.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initializing GPU frame pool: %v", errs.ErrGpuInitFailed, err)
	}

	codecCtx := astiav.AllocCodecContext(codec)
	codecCtx.SetWidth(opts.Width)
	codecCtx.SetHeight(opts.Height)
	codecCtx.SetFramerate(astiav.NewRational(0, 1))
	codecCtx.SetTimeBase(astiav.NewRational(1, 1000000))
	codecCtx.SetSampleAspectRatio(astiav.NewRational(1, 1))
	codecCtx.SetColorRange(astiav.ColorRangeJpeg)
	codecCtx.SetPixelFormat(astiav.PixelFormatVaapi)
	if opts.GlobalHeader {
		codecCtx.SetFlags(codecCtx.Flags().Add(astiav.CodecContextFlagGlobalHeader))
	}
	codecCtx.SetHardwareFramesContext(framesCtx)

	if err := codecCtx.Open(codec, nil); err != nil {
		return nil, fmt.Errorf("%w: opening encoder: %v", errs.ErrGpuInitFailed, err)
	}

	e := &Encoder{
		codecCtx:  codecCtx,
		queue:     queue.New[*gpuframe.Frame](queueCapacity),
		done:      make(chan struct{}),
		onEncoded: onEncoded,
	}
	go e.run()
	return e, nil
}

// Enqueue submits one scaled GPU frame for encoding. Like Scaler's
// Enqueue, it never blocks: a full queue drops and releases the frame,
// and a prior worker failure is re-raised here instead of being
// swallowed.
func (e *Encoder) Enqueue(in *gpuframe.Frame) error {
	if err := e.failures.Raise(); err != nil {
		in.Release()
		return err
	}
	if !e.queue.Enqueue(in) {
		in.Release()
	}
	return nil
}

// Close stops the worker and frees the codec context.
func (e *Encoder) Close() {
	e.queue.SignalEOF()
	<-e.done
	if e.codecCtx != nil {
		e.codecCtx.Free()
		e.codecCtx = nil
	}
}

// CodecContext exposes the open codec context so the muxer can copy
// its parameters (including global-header extradata) into the output
// stream before the container header is written.
func (e *Encoder) CodecContext() *astiav.CodecContext {
	return e.codecCtx
}

func (e *Encoder) run() {
	defer close(e.done)
	for {
		in, ok := e.queue.Dequeue()
		if !ok {
			return
		}
		if err := e.encodeOne(in); err != nil {
			e.failures.Store(fmt.Errorf("%w: %v", errs.ErrEncodeFailed, err))
			wllog.Debugf("encoder", "encode failed: %v", err)
			return
		}
	}
}

func (e *Encoder) encodeOne(in *gpuframe.Frame) error {
	defer in.Release()
	if err := e.codecCtx.SendFrame(in.AV); err != nil {
		return err
	}
	for {
		pkt := astiav.AllocPacket()
		err := e.codecCtx.ReceivePacket(pkt)
		if err != nil {
			pkt.Free()
			if err == astiav.ErrEagain || err == astiav.ErrEof {
				return nil
			}
			return err
		}
		e.onEncoded(&gpuframe.Packet{AV: pkt})
	}
}
