// Package muxer wraps the single output video stream and container
// writer the pipeline feeds encoded packets into.
package muxer

import (
	"fmt"

	"github.com/asticode/go-astiav"

	"wlcast.dev/capture/internal/errs"
	"wlcast.dev/capture/internal/gpuframe"
	"wlcast.dev/capture/internal/wllog"
)

// Muxer owns one output container with exactly one video stream. It is
// not safe for concurrent WritePacket calls; the orchestrator serializes
// them from the encoder's callback.
type Muxer struct {
	formatCtx *astiav.FormatContext
	stream    *astiav.Stream
	ioCtx     *astiav.IOContext
	codecTB   astiav.Rational
	headerErr error

	haveLastDts bool
	lastDts     int64
}

// Options describes the container format and destination the original
// spec calls the "container library contract": any format name and
// output URL go-astiav's underlying libavformat recognizes.
type Options struct {
	ContainerFormat string
	OutputURL       string
	VideoCodecCtx   *astiav.CodecContext
}

// New allocates the output context, copies the encoder's codec
// parameters into a new video stream, and writes the container header.
func New(opts Options) (*Muxer, error) {
	formatCtx, err := astiav.AllocOutputFormatContext(nil, opts.ContainerFormat, opts.OutputURL)
	if err != nil {
		return nil, fmt.Errorf("%w: allocating output context: %v", errs.ErrMuxWriteFailed, err)
	}

	stream := formatCtx.NewStream(nil)
	if stream == nil {
		formatCtx.Free()
		return nil, fmt.Errorf("%w: creating output stream", errs.ErrMuxWriteFailed)
	}
	stream.SetID(0)
	if err := stream.CodecParameters().FromCodecContext(opts.VideoCodecCtx); err != nil {
		formatCtx.Free()
		return nil, fmt.Errorf("%w: copying codec parameters: %v", errs.ErrMuxWriteFailed, err)
	}
	stream.CodecParameters().SetPixelFormat(astiav.PixelFormatYuv420P)

	m := &Muxer{
		formatCtx: formatCtx,
		stream:    stream,
		codecTB:   opts.VideoCodecCtx.TimeBase(),
	}

	if formatCtx.OutputFormat().Flags().Has(astiav.IOFormatFlagNofile) {
		wllog.Debugf("muxer", "%s: format needs no file handle", opts.ContainerFormat)
	} else {
		ioCtx, err := astiav.OpenIOContext(opts.OutputURL, astiav.NewIOContextFlags(astiav.IOContextFlagWrite))
		if err != nil {
			formatCtx.Free()
			return nil, fmt.Errorf("%w: opening output: %v", errs.ErrMuxWriteFailed, err)
		}
		m.ioCtx = ioCtx
		formatCtx.SetPb(ioCtx)
	}

	wllog.Debugf("muxer", "opening container %q -> %q, video stream time_base=%s",
		opts.ContainerFormat, opts.OutputURL, m.codecTB)

	if err := formatCtx.WriteHeader(nil); err != nil {
		m.closeIO()
		formatCtx.Free()
		return nil, fmt.Errorf("%w: writing container header: %v", errs.ErrMuxWriteFailed, err)
	}

	return m, nil
}

// WritePacket rescales p's timestamps from the encoder's time base to
// the output stream's and interleaves it into the container.
func (m *Muxer) WritePacket(p *gpuframe.Packet) error {
	defer p.Release()
	p.AV.SetStreamIndex(m.stream.Index())
	p.AV.RescaleTs(m.codecTB, m.stream.TimeBase())

	dts := nextDts(m.lastDts, p.AV.Dts(), m.haveLastDts)
	if dts != p.AV.Dts() {
		p.AV.SetDts(dts)
	}
	m.lastDts = dts
	m.haveLastDts = true

	if err := m.formatCtx.WriteFrame(p.AV); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrMuxWriteFailed, err)
	}
	return nil
}

// nextDts enforces the strictly-increasing decode timestamp order most
// container muxers require. The VA-API encoder never reorders frames
// (no B-frames in this pipeline), so candidate is expected to already
// be increasing; this only guards against a rescale rounding two
// adjacent packets onto the same output tick.
func nextDts(last, candidate int64, haveLast bool) int64 {
	if !haveLast || candidate > last {
		return candidate
	}
	return last + 1
}

// Close writes the trailer and releases the container. Safe to call
// once; a second call is a no-op returning the first error, if any.
func (m *Muxer) Close() error {
	if m.formatCtx == nil {
		return m.headerErr
	}
	err := m.formatCtx.WriteTrailer()
	m.closeIO()
	m.formatCtx.Free()
	m.formatCtx = nil
	if err != nil {
		m.headerErr = fmt.Errorf("%w: writing trailer: %v", errs.ErrMuxWriteFailed, err)
	}
	return m.headerErr
}

func (m *Muxer) closeIO() {
	if m.ioCtx != nil {
		m.ioCtx.Close()
		m.ioCtx = nil
	}
}
