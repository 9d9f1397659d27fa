// Command okboot-device stands in for the bare-metal firmware's main():
// it opens a real serial port and drives pkg/reactor's loop forever,
// standing in for the ROM/flash loader that would otherwise run this same
// state machine on the target MCU. Actual boot dispatch (branching to the
// freshly-loaded image) is out of scope (spec.md §1); this just logs the
// relocation plan it would have jumped to.
//
// Flag declarations and logging follow the rest of this module's command
// idiom. The flags cover only what this stand-in needs (spec.md §6:
// "None on the device"): the serial path, the size of an in-memory backing
// store standing in for the real device's mapped RAM window, and the
// address range of the loader's own code.
package main

import (
	"flag"
	"log"

	"github.com/librescoot/okboot/pkg/clock"
	"github.com/librescoot/okboot/pkg/reactor"
	"github.com/librescoot/okboot/pkg/relocation"
	"github.com/librescoot/okboot/pkg/transport"
)

var (
	serialDevice = flag.String("serial", "", "serial device path (required)")
	memSize      = flag.Uint64("mem-size", 1<<24, "size of the simulated destination address space")
	ownCodeStart = flag.Uint64("own-code-start", 0, "start address of the loader's own code, never overwritten directly")
	ownCodeEnd   = flag.Uint64("own-code-end", 0x8000, "end address (exclusive) of the loader's own code")
)

// simMemory is a flat in-process byte slice standing in for the device's
// real, directly-addressable RAM — the same role memBuf plays in every
// package's tests, promoted here to the one concrete Memory a standalone
// binary needs.
type simMemory struct {
	data []byte
}

func (m *simMemory) WriteAt(p []byte, off int64) error {
	copy(m.data[off:], p)
	return nil
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if *serialDevice == "" {
		flag.Usage()
		log.Fatal("-serial is required")
	}

	t, err := transport.Open(*serialDevice, reactor.InitialBaud)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *serialDevice, err)
	}
	defer t.Close()

	layout := relocation.Layout{OwnCodeStart: *ownCodeStart, OwnCodeEnd: *ownCodeEnd}
	mem := &simMemory{data: make([]byte, *memSize)}
	r := reactor.New(t, clock.System, layout, mem)

	log.Printf("listening on %s at %d baud", *serialDevice, reactor.InitialBaud)
	for {
		ev, err := r.Tick()
		if err != nil {
			log.Printf("reactor error: %v", err)
			continue
		}
		if ev.Outcome == reactor.OutcomeBooting {
			log.Printf("boot dispatched: entry=%#x dest=%#x overlaps=%v side-buffer=%d bytes",
				ev.CopyPlan.EntryPoint, ev.CopyPlan.Dest, ev.CopyPlan.Overlaps, len(ev.CopyPlan.SideBuffer))
		}
	}
}
