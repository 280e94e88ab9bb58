// Package orchestrator drives the full capture pipeline's lifecycle:
// it requests a portal session, attaches the capture producer, wires
// its events through the scaler, encoder and muxer collaborators, and
// tears everything down in the order that keeps every collaborator's
// buffers valid until its consumers are gone.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/asticode/go-astiav"
	"golang.org/x/sys/unix"

	"wlcast.dev/capture/internal/encoder"
	"wlcast.dev/capture/internal/errs"
	"wlcast.dev/capture/internal/frame"
	"wlcast.dev/capture/internal/gpuframe"
	"wlcast.dev/capture/internal/muxer"
	"wlcast.dev/capture/internal/pipewire"
	"wlcast.dev/capture/internal/portal"
	"wlcast.dev/capture/internal/scaler"
	"wlcast.dev/capture/internal/wllog"
)

// Options configures one end-to-end run, gathered from the CLI flags.
type Options struct {
	WithCursor     bool
	OutputFormat   string
	OutputPath     string
	HardwareDevice string
	TargetSize     frame.Rect
}

// Run requests a screencast session, attaches to it, and pumps frames
// through scale/encode/mux until a Disconnected event, SIGINT, SIGTERM,
// or a worker failure ends the run. Returns nil for a clean stop
// (including a user-declined portal request) and a non-nil error
// otherwise; the caller maps that to the process exit code.
func Run(ctx context.Context, opts Options) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var (
		handle      *portal.Handle
		stream      *pipewire.Stream
		vaapiDevice *astiav.HardwareDeviceContext
		drmDevice   *astiav.HardwareDeviceContext
		pl          *pipeline
	)
	// Ordered teardown per §4.6: the capture producer dies first, while
	// its PipeWire pool is still alive to take back its queued frames'
	// release hooks; then the scaler→encoder→muxer chain; then the GPU
	// devices; then the portal connection.
	defer func() {
		if stream != nil {
			stream.Close()
		}
		if pl != nil {
			pl.close()
		}
		if drmDevice != nil {
			drmDevice.Free()
		}
		if vaapiDevice != nil {
			vaapiDevice.Free()
		}
		if handle != nil {
			handle.Conn.Close()
		}
	}()

	cursorMode := portal.CursorModeHidden
	if opts.WithCursor {
		cursorMode = portal.CursorModeEmbedded
	}

	h, err := portal.Open(portal.Options{CursorMode: cursorMode})
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrPortalBroken, err)
	}
	if h == nil {
		wllog.Debugf("orchestrator", "user cancelled the screencast request")
		return nil
	}
	handle = h

	wllog.Debugf("orchestrator", "shared fd=%d node=%d", handle.PipeWireFd, handle.PipeWireNode)

	stream, err = pipewire.Connect(handle.PipeWireFd, handle.PipeWireNode, true)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrProtocolFailed, err)
	}

	vaapiDevice, err = astiav.CreateHardwareDeviceContext(astiav.HardwareDeviceTypeVaapi, opts.HardwareDevice, nil, 0)
	if err != nil {
		return fmt.Errorf("%w: opening VA-API device %s: %v", errs.ErrGpuInitFailed, opts.HardwareDevice, err)
	}

	drmDevice, err = astiav.CreateHardwareDeviceContext(astiav.HardwareDeviceTypeDrm, opts.HardwareDevice, nil, 0)
	if err != nil {
		return fmt.Errorf("%w: opening DRM device %s: %v", errs.ErrGpuInitFailed, opts.HardwareDevice, err)
	}

	pl = &pipeline{
		opts:        opts,
		vaapiDevice: vaapiDevice,
		drmDevice:   drmDevice,
	}

	pollFds := []unix.PollFd{
		{Fd: int32(stream.EventFd()), Events: unix.POLLIN},
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			wllog.Debugf("orchestrator", "signal received, stopping")
			return pl.failure()
		case <-handle.SessionClosed:
			wllog.Debugf("orchestrator", "portal session closed by compositor, stopping")
			return pl.failure()
		default:
		}

		pollFds[0].Revents = 0
		n, err := unix.Poll(pollFds, 250)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("%w: poll: %v", errs.ErrStreamTerminated, err)
		}
		if n == 0 {
			continue
		}
		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		for {
			ev, err := stream.NextEvent()
			if err != nil {
				return fmt.Errorf("%w: %v", errs.ErrStreamTerminated, err)
			}
			if ev == nil {
				break
			}
			if stop, err := pl.handle(ev); stop {
				return err
			}
		}

		if err := pl.failure(); err != nil {
			return err
		}
	}
}

// pipeline holds the collaborators created lazily once the first
// Connected event tells us the negotiated format and size.
type pipeline struct {
	opts        Options
	vaapiDevice *astiav.HardwareDeviceContext
	drmDevice   *astiav.HardwareDeviceContext

	mu       sync.Mutex
	scaler   *scaler.Scaler
	encoder  *encoder.Encoder
	muxer    *muxer.Muxer
	fps      fpsCounter
	stopErr  error
}

func (p *pipeline) handle(ev frame.StreamEvent) (stop bool, err error) {
	switch e := ev.(type) {
	case frame.Connected:
		if err := p.connect(e); err != nil {
			return true, err
		}
		return false, nil
	case frame.Disconnected:
		return true, nil
	case frame.MemoryFrameReceived:
		p.pushFrame(func() (*gpuframe.Frame, error) { return gpuframe.WrapMemoryFrame(e.Frame) })
		return false, nil
	case frame.DmaBufFrameReceived:
		p.pushFrame(func() (*gpuframe.Frame, error) { return gpuframe.WrapDmaBufFrame(e.Frame) })
		return false, nil
	default:
		return false, nil
	}
}

func (p *pipeline) connect(e frame.Connected) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	target := p.opts.TargetSize
	if !target.Valid() {
		target = e.Dimensions
	}

	sc, err := scaler.New(scaler.Options{
		SourceSize:   e.Dimensions,
		SourceFormat: e.Format,
		TargetSize:   target,
		IsDmaBuf:     e.IsDmaBuf,
		VAAPIDevice:  p.vaapiDevice,
		DRMDevice:    p.drmDevice,
	}, p.onScaled)
	if err != nil {
		return err
	}

	enc, err := encoder.New(encoder.Options{
		Width: int(target.W), Height: int(target.H),
		Codec:        encoder.CodecH264,
		VAAPIDevice:  p.vaapiDevice,
		GlobalHeader: true,
	}, p.onEncoded)
	if err != nil {
		sc.Close()
		return err
	}

	mx, err := muxer.New(muxer.Options{
		ContainerFormat: p.opts.OutputFormat,
		OutputURL:       p.opts.OutputPath,
		VideoCodecCtx:   enc.CodecContext(),
	})
	if err != nil {
		enc.Close()
		sc.Close()
		return err
	}

	p.scaler, p.encoder, p.muxer = sc, enc, mx
	p.fps = newFPSCounter()
	return nil
}

func (p *pipeline) onScaled(out *gpuframe.Frame) {
	p.mu.Lock()
	enc := p.encoder
	p.mu.Unlock()
	if enc == nil {
		out.Release()
		return
	}
	if err := enc.Enqueue(out); err != nil {
		p.setFailure(err)
	}
}

func (p *pipeline) onEncoded(pkt *gpuframe.Packet) {
	p.mu.Lock()
	mx := p.muxer
	p.mu.Unlock()
	if mx == nil {
		pkt.Release()
		return
	}
	if err := mx.WritePacket(pkt); err != nil {
		p.setFailure(err)
	}
}

func (p *pipeline) pushFrame(wrap func() (*gpuframe.Frame, error)) {
	p.mu.Lock()
	sc := p.scaler
	p.mu.Unlock()
	if sc == nil {
		return
	}
	gf, err := wrap()
	if err != nil {
		p.setFailure(err)
		return
	}
	if err := sc.Enqueue(gf); err != nil {
		p.setFailure(err)
		return
	}
	p.mu.Lock()
	p.fps.increment()
	p.mu.Unlock()
}

func (p *pipeline) setFailure(err error) {
	p.mu.Lock()
	if p.stopErr == nil {
		p.stopErr = err
	}
	p.mu.Unlock()
}

func (p *pipeline) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopErr
}

// close tears the pipeline down in the order that keeps every stage's
// input buffers valid until its consumer has stopped reading them:
// muxer last, since it is the final consumer of encoded packets.
func (p *pipeline) close() {
	p.mu.Lock()
	sc, enc, mx := p.scaler, p.encoder, p.muxer
	p.scaler, p.encoder, p.muxer = nil, nil, nil
	p.mu.Unlock()

	if sc != nil {
		sc.Close()
	}
	if enc != nil {
		enc.Close()
	}
	if mx != nil {
		_ = mx.Close()
	}
}

// fpsCounter logs a running frames-per-second figure once per second,
// resetting whenever a new Connected event restarts the pipeline.
type fpsCounter struct {
	windowStart time.Time
	count       int
}

func newFPSCounter() fpsCounter {
	return fpsCounter{windowStart: time.Now()}
}

func (f *fpsCounter) increment() {
	f.count++
	if since := time.Since(f.windowStart); since >= time.Second {
		wllog.Debugf("orchestrator", "fps: %d", f.count)
		f.windowStart = time.Now()
		f.count = 0
	}
}
