// Command wlcast captures a Wayland screencast session through
// xdg-desktop-portal and PipeWire, and encodes it to a file or
// streaming URL with a VA-API hardware encoder.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"wlcast.dev/capture/internal/frame"
	"wlcast.dev/capture/internal/orchestrator"
	"wlcast.dev/capture/internal/wllog"
)

func usage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: %s [-c] -f <output format> -o <output path> -d <hardware device path>\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "\tWhere <hardware device path> is a DRM render node like /dev/dri/renderD128")
	fmt.Fprintln(os.Stderr, "\tWhere <output format> and <output path> can be any string that is recognized by libav")
	fs.PrintDefaults()
}

func main() {
	fs := pflag.NewFlagSet(os.Args[0], pflag.ContinueOnError)
	fs.Usage = func() { usage(fs) }

	withCursor := fs.BoolP("cursor", "c", false, "embed the mouse cursor in the captured video")
	outputFormat := fs.StringP("format", "f", "", "container format name passed to libav (required)")
	outputPath := fs.StringP("output", "o", "", "output file path or streaming URL (required)")
	hardwareDevice := fs.StringP("device", "d", "", "DRM render node used for VA-API (required)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		usage(fs)
		os.Exit(1)
	}

	if *outputFormat == "" || *outputPath == "" {
		fmt.Fprintln(os.Stderr, "Both output path and format must be specified")
		usage(fs)
		os.Exit(1)
	}
	if *hardwareDevice == "" {
		fmt.Fprintln(os.Stderr, "Missing hardware device path")
		usage(fs)
		os.Exit(1)
	}

	opts := orchestrator.Options{
		WithCursor:     *withCursor,
		OutputFormat:   *outputFormat,
		OutputPath:     *outputPath,
		HardwareDevice: *hardwareDevice,
		TargetSize:     frame.Rect{W: 1920, H: 1080},
	}

	if err := orchestrator.Run(context.Background(), opts); err != nil {
		wllog.Fatal(err)
		os.Exit(1)
	}
}
