package main

import (
	"sync"
)

// ChannelAdapter is the uniform contract between the channel manager and a
// physical or virtual link. Adapters emit the raw byte stream they read (no
// framing guarantees; the channel manager runs a KISS decoder per channel)
// and accept whole AX.25 frames for transmission, applying their own link
// framing on the way out.
//
// Send never fails hard on a disconnected link: the serial adapter buffers
// one packet, the TCP adapters drop and report through the error handlers.
type ChannelAdapter interface {
	Open() error
	Close() error
	Send(frame []byte) error
	Connected() bool

	OnData(func([]byte))
	OnError(func(error))
	OnOpen(func())
	OnClose(func())
}

// adapterEvents is the shared handler fan-out embedded by every adapter.
type adapterEvents struct {
	mu            sync.RWMutex
	dataHandlers  []func([]byte)
	errorHandlers []func(error)
	openHandlers  []func()
	closeHandlers []func()
}

func (e *adapterEvents) OnData(h func([]byte)) {
	e.mu.Lock()
	e.dataHandlers = append(e.dataHandlers, h)
	e.mu.Unlock()
}

func (e *adapterEvents) OnError(h func(error)) {
	e.mu.Lock()
	e.errorHandlers = append(e.errorHandlers, h)
	e.mu.Unlock()
}

func (e *adapterEvents) OnOpen(h func()) {
	e.mu.Lock()
	e.openHandlers = append(e.openHandlers, h)
	e.mu.Unlock()
}

func (e *adapterEvents) OnClose(h func()) {
	e.mu.Lock()
	e.closeHandlers = append(e.closeHandlers, h)
	e.mu.Unlock()
}

func (e *adapterEvents) emitData(b []byte) {
	e.mu.RLock()
	handlers := e.dataHandlers
	e.mu.RUnlock()
	for _, h := range handlers {
		h(b)
	}
}

func (e *adapterEvents) emitError(err error) {
	e.mu.RLock()
	handlers := e.errorHandlers
	e.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

func (e *adapterEvents) emitOpen() {
	e.mu.RLock()
	handlers := e.openHandlers
	e.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (e *adapterEvents) emitClose() {
	e.mu.RLock()
	handlers := e.closeHandlers
	e.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

// MockAdapter is an in-process loopback: every frame sent is echoed back as
// received KISS data. Tests and the self-routing path use it.
type MockAdapter struct {
	adapterEvents
	mu       sync.Mutex
	open     bool
	sent     [][]byte // raw AX.25 frames handed to Send, newest last
	loopback bool
}

// NewMockAdapter creates a loopback adapter.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{loopback: true}
}

// NewSilentMockAdapter creates a mock that records sends without echoing.
func NewSilentMockAdapter() *MockAdapter {
	return &MockAdapter{}
}

func (m *MockAdapter) Open() error {
	m.mu.Lock()
	m.open = true
	m.mu.Unlock()
	m.emitOpen()
	return nil
}

func (m *MockAdapter) Close() error {
	m.mu.Lock()
	m.open = false
	m.mu.Unlock()
	m.emitClose()
	return nil
}

func (m *MockAdapter) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *MockAdapter) Send(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	m.mu.Lock()
	m.sent = append(m.sent, cp)
	loop := m.loopback && m.open
	m.mu.Unlock()
	if loop {
		m.emitData(KISSEncode(0, cp))
	}
	return nil
}

// Sent returns copies of the raw frames handed to Send.
func (m *MockAdapter) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// InjectData feeds bytes to the data handlers as if read from the link.
func (m *MockAdapter) InjectData(b []byte) {
	m.emitData(b)
}

// InjectFrame KISS-wraps a raw AX.25 frame and feeds it in.
func (m *MockAdapter) InjectFrame(frame []byte) {
	m.emitData(KISSEncode(0, frame))
}
