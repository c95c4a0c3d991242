package main

import (
	"bytes"
	"fmt"
	"log"
)

// KISS framing special characters (http://www.ka9q.net/papers/kiss.html)
const (
	KissFEND  = 0xC0
	KissFESC  = 0xDB
	KissTFEND = 0xDC
	KissTFESC = 0xDD
)

// KISS command nibbles (low nibble of the first byte of each frame).
const (
	KissCmdData        = 0x00
	KissCmdTXDelay     = 0x01
	KissCmdPersistence = 0x02
	KissCmdSlotTime    = 0x03
	KissCmdTXTail      = 0x04
	KissCmdFullDuplex  = 0x05
	KissCmdSetHardware = 0x06
	KissCmdReturn      = 0x0F
)

// maxKISSFrame bounds a single KISS frame. The KISS protocol calls for at
// least 1024; we allow a full-size AX.25 frame with every byte escaped.
const maxKISSFrame = 2048

// KISSPacket is one de-framed packet from a KISS byte stream.
type KISSPacket struct {
	Port    int    // high nibble of the command byte
	Command int    // low nibble: KissCmdData for AX.25 payloads
	Data    []byte // frame contents with the command byte stripped
}

// KISSDecoder turns an arbitrary byte stream into complete KISS packets.
// Feed it chunks as they arrive from a serial port or socket; it maintains
// the inter-chunk state itself. One decoder per stream.
type KISSDecoder struct {
	buf       bytes.Buffer
	inFrame   bool
	escaped   bool
	badEscape int // standalone-FESC protocol errors seen
	oversize  int // frames dropped for exceeding maxKISSFrame
}

// NewKISSDecoder creates a decoder in the searching state.
func NewKISSDecoder() *KISSDecoder {
	return &KISSDecoder{}
}

// Feed consumes a chunk of raw bytes and returns the packets completed by it.
// Empty frames between adjacent FENDs are discarded. A FESC followed by
// anything other than TFEND/TFESC is a protocol error; the byte is kept
// unaltered and the event logged, matching permissive TNC behaviour.
func (d *KISSDecoder) Feed(chunk []byte) []KISSPacket {
	var packets []KISSPacket

	for _, b := range chunk {
		if !d.inFrame {
			if b == KissFEND {
				d.inFrame = true
				d.buf.Reset()
				d.escaped = false
			}
			// Noise between frames is ignored.
			continue
		}

		if d.escaped {
			switch b {
			case KissTFEND:
				d.buf.WriteByte(KissFEND)
			case KissTFESC:
				d.buf.WriteByte(KissFESC)
			default:
				d.badEscape++
				log.Printf("KISS: protocol error, found 0x%02x after FESC", b)
				d.buf.WriteByte(b)
			}
			d.escaped = false
			continue
		}

		switch b {
		case KissFESC:
			d.escaped = true
		case KissFEND:
			if d.buf.Len() > 0 {
				if p, ok := d.finish(); ok {
					packets = append(packets, p)
				}
			}
			// Stay in-frame: the trailing FEND of one frame is the
			// leading FEND of the next.
			d.buf.Reset()
			d.escaped = false
		default:
			if d.buf.Len() >= maxKISSFrame {
				d.oversize++
				log.Printf("KISS: frame exceeds %d bytes, dropping", maxKISSFrame)
				d.inFrame = false
				d.buf.Reset()
				continue
			}
			d.buf.WriteByte(b)
		}
	}

	return packets
}

// finish converts the accumulated buffer into a packet.
func (d *KISSDecoder) finish() (KISSPacket, bool) {
	raw := d.buf.Bytes()
	if len(raw) == 0 {
		return KISSPacket{}, false
	}
	p := KISSPacket{
		Port:    int(raw[0] >> 4),
		Command: int(raw[0] & 0x0F),
	}
	p.Data = make([]byte, len(raw)-1)
	copy(p.Data, raw[1:])
	return p, true
}

// BadEscapes reports how many malformed escape sequences this stream has seen.
func (d *KISSDecoder) BadEscapes() int {
	return d.badEscape
}

// KISSEncode wraps an AX.25 frame for transmission to a TNC on the given
// port. Interior FEND/FESC bytes are escaped.
func KISSEncode(port int, frame []byte) []byte {
	return kissEncode(byte(port&0x0F)<<4|KissCmdData, frame)
}

// KISSEncodeControl builds a single-value TNC parameter frame
// (TXDELAY, Persistence, SlotTime, ...).
func KISSEncodeControl(port, command int, value byte) ([]byte, error) {
	if command <= KissCmdData || command > KissCmdSetHardware {
		return nil, fmt.Errorf("invalid KISS control command %d", command)
	}
	return kissEncode(byte(port&0x0F)<<4|byte(command&0x0F), []byte{value}), nil
}

func kissEncode(cmdByte byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, KissFEND)
	out = appendEscaped(out, cmdByte)
	for _, b := range payload {
		out = appendEscaped(out, b)
	}
	out = append(out, KissFEND)
	return out
}

func appendEscaped(out []byte, b byte) []byte {
	switch b {
	case KissFEND:
		return append(out, KissFESC, KissTFEND)
	case KissFESC:
		return append(out, KissFESC, KissTFESC)
	default:
		return append(out, b)
	}
}
