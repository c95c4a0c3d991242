package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

// AGWAdapter speaks the AGWPE TCP protocol to hosts like AGWPE, ldsped or
// Direwolf's AGW port. Each message is a 36-byte header followed by a
// payload. On connect it enables raw-frame monitoring ('k'); received raw
// frames ('K') carry a one-byte port number followed by the AX.25 frame.
// Incoming frames are re-emitted KISS-wrapped so the channel manager's
// per-channel decoder applies to every adapter uniformly.
type AGWAdapter struct {
	adapterEvents
	host string
	port int

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	stopChan  chan struct{}
	started   bool
}

const agwHeaderLen = 36

func NewAGWAdapter(host string, port int) *AGWAdapter {
	return &AGWAdapter{
		host:     host,
		port:     port,
		stopChan: make(chan struct{}),
	}
}

func (a *AGWAdapter) Open() error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", a.host, a.port)
	conn, err := net.DialTimeout("tcp", addr, kissTCPConnectTimeout)
	if err != nil {
		a.mu.Lock()
		a.started = false
		a.mu.Unlock()
		return fmt.Errorf("AGW connect %s: %w", addr, err)
	}

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.mu.Unlock()

	// Ask for raw AX.25 frames.
	if err := a.writeMessage('k', 0, nil); err != nil {
		a.Close()
		return fmt.Errorf("AGW enable raw frames: %w", err)
	}

	log.Printf("AGW: connected to %s", addr)
	a.emitOpen()
	go a.readLoop(conn)
	return nil
}

func (a *AGWAdapter) Close() error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	close(a.stopChan)
	a.stopChan = make(chan struct{})
	conn := a.conn
	a.conn = nil
	wasConnected := a.connected
	a.connected = false
	a.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected {
		a.emitClose()
	}
	return nil
}

func (a *AGWAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Send transmits a raw AX.25 frame as an AGW 'K' message on port 0. A
// disconnected link drops the frame with an error event.
func (a *AGWAdapter) Send(frame []byte) error {
	payload := make([]byte, 1+len(frame))
	payload[0] = 0 // AGW radio port
	copy(payload[1:], frame)
	if err := a.writeMessage('K', 0, payload); err != nil {
		a.emitError(fmt.Errorf("AGW send: %w", err))
	}
	return nil
}

func (a *AGWAdapter) writeMessage(kind byte, port byte, payload []byte) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	hdr := make([]byte, agwHeaderLen)
	hdr[0] = port
	hdr[4] = kind
	binary.LittleEndian.PutUint32(hdr[28:], uint32(len(payload)))
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(append(hdr, payload...)); err != nil {
		return err
	}
	return nil
}

func (a *AGWAdapter) readLoop(conn net.Conn) {
	defer func() {
		a.mu.Lock()
		stillOurs := a.conn == conn
		if stillOurs {
			a.conn = nil
			a.connected = false
		}
		a.mu.Unlock()
		if stillOurs {
			conn.Close()
			a.emitClose()
		}
	}()

	hdr := make([]byte, agwHeaderLen)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			a.reportReadErr(err)
			return
		}
		kind := hdr[4]
		dataLen := binary.LittleEndian.Uint32(hdr[28:])
		if dataLen > 4096 {
			a.emitError(fmt.Errorf("AGW message kind %q length %d too large", kind, dataLen))
			return
		}
		data := make([]byte, dataLen)
		if _, err := io.ReadFull(conn, data); err != nil {
			a.reportReadErr(err)
			return
		}
		if kind != 'K' || len(data) < 1 {
			// Version replies, heard lists and so on are ignored.
			continue
		}
		a.emitData(KISSEncode(int(data[0]), data[1:]))
	}
}

func (a *AGWAdapter) reportReadErr(err error) {
	select {
	case <-a.stopChan:
	default:
		a.emitError(fmt.Errorf("AGW read: %w", err))
	}
}
