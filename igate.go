package main

import (
	"log"
	"sync"
)

// IGateForwarder is the contract for the external APRS-IS collaborator.
// The channel manager hands it frames routed to the igate pseudo-channel,
// already serviced, in both raw and parsed form; the forwarder owns the
// upstream connection, login, and filtering.
type IGateForwarder interface {
	Forward(ev IGateEvent) error
}

// AttachIGate subscribes a forwarder to the channel manager's igate
// events. Forward errors are logged and the frame is dropped; the RF side
// never blocks on the internet side.
func AttachIGate(cm *ChannelManager, fwd IGateForwarder) {
	cm.OnIGate(func(ev IGateEvent) {
		if err := fwd.Forward(ev); err != nil {
			log.Printf("igate: forward: %v", err)
		}
	})
}

// RecordingIGate captures forwarded frames as TNC2 monitor lines. Status
// surfaces and tests use it in place of a live APRS-IS client.
type RecordingIGate struct {
	mu    sync.Mutex
	lines []string
}

func NewRecordingIGate() *RecordingIGate {
	return &RecordingIGate{}
}

func (r *RecordingIGate) Forward(ev IGateEvent) error {
	r.mu.Lock()
	r.lines = append(r.lines, FormatTNC2(ev.Frame))
	r.mu.Unlock()
	return nil
}

// Lines returns the TNC2 lines forwarded so far.
func (r *RecordingIGate) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}
