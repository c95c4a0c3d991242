package main

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// KISSTCPAdapter connects to a network KISS TNC (Direwolf, kissattach -l,
// etc). It reconnects on failure with exponential backoff: 1 s initial,
// x1.5 per attempt, capped at 30 s; after ten consecutive failures it goes
// idle for five minutes before starting over.
type KISSTCPAdapter struct {
	adapterEvents
	host string
	port int

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	stopChan  chan struct{}
	started   bool
}

const (
	kissTCPInitialBackoff = 1 * time.Second
	kissTCPBackoffFactor  = 1.5
	kissTCPMaxBackoff     = 30 * time.Second
	kissTCPMaxTries       = 10
	kissTCPIdlePeriod     = 5 * time.Minute
	kissTCPConnectTimeout = 3 * time.Second
)

func NewKISSTCPAdapter(host string, port int) *KISSTCPAdapter {
	return &KISSTCPAdapter{
		host:     host,
		port:     port,
		stopChan: make(chan struct{}),
	}
}

// Open starts the connection loop in the background. The first connect
// attempt failing is not an Open error; the adapter keeps retrying.
func (a *KISSTCPAdapter) Open() error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	if a.host == "" {
		return fmt.Errorf("KISS TCP host not configured")
	}
	go a.connectionLoop()
	return nil
}

func (a *KISSTCPAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	close(a.stopChan)
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.connected = false
	return nil
}

func (a *KISSTCPAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Send KISS-wraps a raw AX.25 frame and writes it to the socket. On a
// disconnected link the frame is dropped and reported through the error
// handlers rather than returned as a hard failure.
func (a *KISSTCPAdapter) Send(frame []byte) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		err := fmt.Errorf("KISS TCP %s:%d not connected, frame dropped", a.host, a.port)
		a.emitError(err)
		return nil
	}
	if _, err := conn.Write(KISSEncode(0, frame)); err != nil {
		a.emitError(fmt.Errorf("KISS TCP write: %w", err))
		a.disconnect()
	}
	return nil
}

func (a *KISSTCPAdapter) connectionLoop() {
	backoff := kissTCPInitialBackoff
	tries := 0
	for {
		select {
		case <-a.stopChan:
			return
		default:
		}

		if err := a.connect(); err != nil {
			tries++
			a.emitError(err)
			wait := backoff
			backoff = time.Duration(float64(backoff) * kissTCPBackoffFactor)
			if backoff > kissTCPMaxBackoff {
				backoff = kissTCPMaxBackoff
			}
			if tries >= kissTCPMaxTries {
				log.Printf("KISS TCP %s:%d: %d failures, idling for %v", a.host, a.port, tries, kissTCPIdlePeriod)
				wait = kissTCPIdlePeriod
				tries = 0
				backoff = kissTCPInitialBackoff
			}
			select {
			case <-time.After(wait):
			case <-a.stopChan:
				return
			}
			continue
		}

		tries = 0
		backoff = kissTCPInitialBackoff
		a.readLoop()
	}
}

func (a *KISSTCPAdapter) connect() error {
	addr := fmt.Sprintf("%s:%d", a.host, a.port)
	conn, err := net.DialTimeout("tcp", addr, kissTCPConnectTimeout)
	if err != nil {
		return fmt.Errorf("KISS TCP connect %s: %w", addr, err)
	}
	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.mu.Unlock()
	log.Printf("KISS TCP: connected to %s", addr)
	a.emitOpen()
	return nil
}

func (a *KISSTCPAdapter) disconnect() {
	a.mu.Lock()
	wasConnected := a.connected
	a.connected = false
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.mu.Unlock()
	if wasConnected {
		log.Printf("KISS TCP: disconnected from %s:%d", a.host, a.port)
		a.emitClose()
	}
}

// readLoop shovels socket bytes to the data handlers until the connection
// drops or the adapter is closed.
func (a *KISSTCPAdapter) readLoop() {
	defer a.disconnect()
	buf := make([]byte, 4096)
	for {
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn == nil {
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			a.emitData(chunk)
		}
		if err != nil {
			select {
			case <-a.stopChan:
			default:
				a.emitError(fmt.Errorf("KISS TCP read: %w", err))
			}
			return
		}
	}
}
