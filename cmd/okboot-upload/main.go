// Command okboot-upload is the host-side CLI that uploads an image to a
// device running the OKBOOT bootloader protocol over a serial link. Flag
// declarations and logging follow this module's usual command idiom; this
// command runs to completion instead of serving forever, so it skips
// signal-handling and Redis-subscription setup beyond the optional progress
// reporter.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/librescoot/okboot/pkg/clock"
	"github.com/librescoot/okboot/pkg/hostupload"
	"github.com/librescoot/okboot/pkg/message"
	"github.com/librescoot/okboot/pkg/progress"
	"github.com/librescoot/okboot/pkg/transfer"
	"github.com/librescoot/okboot/pkg/transport"
)

// Exit codes, spec.md §6.
const (
	exitBootDispatched = 0
	exitProtocolFailed = 1
	exitBadInput       = 2
	exitTransportError = 3
)

var (
	serialDevice = flag.String("serial", "", "serial device path (required)")
	imagePath    = flag.String("image", "", "path to the image file to upload (required)")
	baud         = flag.Uint("baud", 0, "requested baud rate after handshake (0 picks the device's fastest)")
	version      = flag.Uint("protocol-version", 0, "requested protocol version (0 picks the device's newest)")
	loadAt       = flag.Uint("load-at", 0, "flat-binary load address")
	format       = flag.String("format", "flat", "v2 image format: flat or elf")
	chunkSize    = flag.Uint("chunk-size", transfer.ChunkSize, "informational only: the wire chunk size is fixed by the device")
	redisAddr    = flag.String("redis-addr", "", "optional Redis address to publish progress to, in addition to stdout")
)

func fail(code int, format string, args ...interface{}) {
	log.Printf(format, args...)
	os.Exit(code)
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if *serialDevice == "" || *imagePath == "" {
		flag.Usage()
		fail(exitBadInput, "both -serial and -image are required")
	}

	imgFormat, err := parseFormat(*format)
	if err != nil {
		fail(exitBadInput, "%v", err)
	}
	if uint32(*chunkSize) != transfer.ChunkSize {
		log.Printf("warning: -chunk-size is informational; the wire chunk size is fixed at %d bytes", transfer.ChunkSize)
	}

	raw, err := os.ReadFile(*imagePath)
	if err != nil {
		fail(exitBadInput, "failed to read %s: %v", *imagePath, err)
	}
	log.Printf("loaded %s (%d bytes)", *imagePath, len(raw))

	reporter, err := buildReporter(*redisAddr, *serialDevice)
	if err != nil {
		fail(exitTransportError, "%v", err)
	}

	t, err := transport.Open(*serialDevice, initialBaud)
	if err != nil {
		fail(exitTransportError, "failed to open %s: %v", *serialDevice, err)
	}
	defer t.Close()

	cfg := hostupload.Config{
		Version: uint32(*version),
		Baud:    uint32(*baud),
		LoadAt:  uint32(*loadAt),
		Format:  imgFormat,
	}
	session := hostupload.NewSession(t, clock.System, cfg, raw, reporter)

	log.Printf("starting upload on %s", *serialDevice)
	if err := session.Run(); err != nil {
		os.Exit(exitCodeFor(err))
	}
	os.Exit(exitBootDispatched)
}

// initialBaud is the link speed the device boots up listening at, before
// any handshake reclocks it (spec.md §6's "initial transport settings").
// It's duplicated here rather than imported from pkg/reactor to avoid a
// CLI-to-reactor dependency that only exists for one constant.
const initialBaud = 115200

func exitCodeFor(err error) int {
	if errors.Is(err, hostupload.ErrAbend) || errors.Is(err, hostupload.ErrSilence) {
		return exitProtocolFailed
	}
	return exitTransportError
}

func parseFormat(s string) (message.Format, error) {
	switch s {
	case "flat":
		return message.FormatFlat, nil
	case "elf":
		return message.FormatELF, nil
	default:
		return 0, fmt.Errorf("unrecognized -format %q (want flat or elf)", s)
	}
}

func buildReporter(redisAddr, label string) (progress.Reporter, error) {
	if redisAddr == "" {
		return progress.NewStdout(label), nil
	}
	return progress.NewRedis(redisAddr, label)
}
