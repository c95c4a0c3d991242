package main

import (
	"fmt"
	"log"
	"sync"

	"go.bug.st/serial"
)

// SerialAdapter talks to a hardware KISS TNC on a tty/COM port. While the
// port is unavailable it buffers the most recent outbound packet and flushes
// it on reopen.
type SerialAdapter struct {
	adapterEvents
	device string
	baud   int

	mu      sync.Mutex
	port    serial.Port
	open    bool
	pending []byte // single-packet buffer while disconnected
}

func NewSerialAdapter(device string, baud int) *SerialAdapter {
	if baud <= 0 {
		baud = 9600
	}
	return &SerialAdapter{device: device, baud: baud}
}

func (a *SerialAdapter) Open() error {
	mode := &serial.Mode{BaudRate: a.baud}
	port, err := serial.Open(a.device, mode)
	if err != nil {
		return fmt.Errorf("open serial %s: %w", a.device, err)
	}

	a.mu.Lock()
	a.port = port
	a.open = true
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	log.Printf("Serial: opened %s at %d baud", a.device, a.baud)
	a.emitOpen()
	go a.readLoop(port)

	if pending != nil {
		return a.Send(pending)
	}
	return nil
}

func (a *SerialAdapter) Close() error {
	a.mu.Lock()
	port := a.port
	a.port = nil
	wasOpen := a.open
	a.open = false
	a.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}
	if wasOpen {
		a.emitClose()
	}
	return err
}

func (a *SerialAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

// Send KISS-wraps and writes a raw AX.25 frame. With the port closed the
// frame is held (one deep, newest wins) rather than failing the caller.
func (a *SerialAdapter) Send(frame []byte) error {
	a.mu.Lock()
	port := a.port
	if port == nil {
		a.pending = append([]byte(nil), frame...)
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if _, err := port.Write(KISSEncode(0, frame)); err != nil {
		a.emitError(fmt.Errorf("serial write %s: %w", a.device, err))
		a.mu.Lock()
		a.pending = append([]byte(nil), frame...)
		a.mu.Unlock()
	}
	return nil
}

func (a *SerialAdapter) readLoop(port serial.Port) {
	buf := make([]byte, 1024)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			a.emitData(chunk)
		}
		if err != nil {
			a.mu.Lock()
			stillOurs := a.port == port
			if stillOurs {
				a.port = nil
				a.open = false
			}
			a.mu.Unlock()
			if stillOurs {
				a.emitError(fmt.Errorf("serial read %s: %w", a.device, err))
				a.emitClose()
			}
			return
		}
	}
}
