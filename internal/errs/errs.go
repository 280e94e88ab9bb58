// Package errs centralizes the sentinel error taxonomy shared by every
// pipeline stage, mirroring the exception classes of the C++ original.
package errs

import "errors"

var (
	// ErrConfigInvalid marks a configuration problem caught before any
	// work begins (zero dimensions, missing device path, missing output).
	ErrConfigInvalid = errors.New("config invalid")

	// ErrPortalBroken marks a portal collaborator failure at startup.
	ErrPortalBroken = errors.New("portal broken")

	// ErrProtocolFailed marks a failure to connect the PipeWire capture
	// stream, surfaced synchronously from construction. A stream that
	// fails later is reported as ErrStreamTerminated.
	ErrProtocolFailed = errors.New("capture protocol failed")

	// ErrUnsupportedFormat marks a negotiated pixel format outside the
	// enumerated set.
	ErrUnsupportedFormat = errors.New("unsupported pixel format")

	// ErrGpuInitFailed marks a GPU device, frame-pool, encoder, or
	// filter-graph initialization failure.
	ErrGpuInitFailed = errors.New("gpu init failed")

	// ErrEncodeFailed marks a fatal encoder-worker failure, re-raised on
	// the next enqueue.
	ErrEncodeFailed = errors.New("encode failed")

	// ErrScaleFailed marks a fatal scaler-worker failure, re-raised on
	// the next enqueue.
	ErrScaleFailed = errors.New("scale failed")

	// ErrMuxWriteFailed marks a container-append failure.
	ErrMuxWriteFailed = errors.New("mux write failed")

	// ErrStreamTerminated marks the capture stream ending in failure: a
	// poll error on its event descriptor or an error returned by
	// NextEvent. NextEvent itself does not reject calls made after a
	// Disconnected event.
	ErrStreamTerminated = errors.New("stream terminated")
)
