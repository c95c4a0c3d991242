package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// AX.25 v2.0 link-layer framing. Addresses are 7 bytes on the wire: six
// callsign characters shifted left one bit, then an SSID byte packing
// C/H, two reserved bits, the 4-bit SSID and the EA (end of address) flag.

const (
	AX25MinAddresses = 2  // destination + source
	AX25MaxAddresses = 10 // destination + source + 8 digipeaters
	AX25MaxRepeaters = 8

	AX25PIDNoLayer3 = 0xF0
)

// Unnumbered frame control values. The second value of each pair has the
// P/F bit (0x10) set.
const (
	AX25ControlUI     = 0x03
	AX25ControlSABM   = 0x2F
	AX25ControlSABMP  = 0x3F
	AX25ControlUA     = 0x63
	AX25ControlUAF    = 0x73
	AX25ControlDISC   = 0x43
	AX25ControlDISCP  = 0x53
	AX25ControlDM     = 0x0F
	AX25ControlDMF    = 0x1F
	AX25ControlPFMask = 0x10
)

// Supervisory frame subtypes (bits 2-3 of the control byte).
const (
	AX25SupervisoryRR   = 0
	AX25SupervisoryRNR  = 1
	AX25SupervisoryREJ  = 2
	AX25SupervisorySREJ = 3
)

// AX25FrameType classifies a control byte.
type AX25FrameType int

const (
	AX25FrameI AX25FrameType = iota
	AX25FrameRR
	AX25FrameRNR
	AX25FrameREJ
	AX25FrameSREJ
	AX25FrameUI
	AX25FrameSABM
	AX25FrameUA
	AX25FrameDISC
	AX25FrameDM
	AX25FrameUnknownU
)

func (t AX25FrameType) String() string {
	switch t {
	case AX25FrameI:
		return "I"
	case AX25FrameRR:
		return "RR"
	case AX25FrameRNR:
		return "RNR"
	case AX25FrameREJ:
		return "REJ"
	case AX25FrameSREJ:
		return "SREJ"
	case AX25FrameUI:
		return "UI"
	case AX25FrameSABM:
		return "SABM"
	case AX25FrameUA:
		return "UA"
	case AX25FrameDISC:
		return "DISC"
	case AX25FrameDM:
		return "DM"
	default:
		return "U?"
	}
}

// Parse/build error kinds. Callers distinguish them with errors.Is.
var (
	ErrTruncated  = errors.New("truncated frame")
	ErrBadAddress = errors.New("bad address")
)

// Callsign is an amateur callsign base (1-6 uppercase alphanumerics) plus a
// 0..15 SSID. The zero value is invalid.
type Callsign struct {
	Base string
	SSID int
}

// ParseCallsign parses "BASE" or "BASE-SSID" textual form.
func ParseCallsign(s string) (Callsign, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	base := s
	ssid := 0
	if i := strings.IndexByte(s, '-'); i >= 0 {
		base = s[:i]
		n, err := strconv.Atoi(s[i+1:])
		if err != nil || n < 0 || n > 15 {
			return Callsign{}, fmt.Errorf("%w: bad SSID in %q", ErrBadAddress, s)
		}
		ssid = n
	}
	if len(base) < 1 || len(base) > 6 {
		return Callsign{}, fmt.Errorf("%w: callsign %q length out of range", ErrBadAddress, s)
	}
	for i := 0; i < len(base); i++ {
		c := base[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return Callsign{}, fmt.Errorf("%w: callsign %q contains %q", ErrBadAddress, s, c)
		}
	}
	return Callsign{Base: base, SSID: ssid}, nil
}

// MustCallsign is ParseCallsign for known-good literals; it panics on error.
func MustCallsign(s string) Callsign {
	c, err := ParseCallsign(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Callsign) String() string {
	if c.SSID == 0 {
		return c.Base
	}
	return fmt.Sprintf("%s-%d", c.Base, c.SSID)
}

// Equal compares base and SSID.
func (c Callsign) Equal(o Callsign) bool {
	return c.Base == o.Base && c.SSID == o.SSID
}

// BaseEqual ignores the SSID. Personal-message lookup in the BBS uses this
// so N0CALL-7 can read mail addressed to N0CALL-2.
func (c Callsign) BaseEqual(o Callsign) bool {
	return c.Base == o.Base
}

func (c Callsign) IsZero() bool {
	return c.Base == ""
}

// AX25Address is one entry of a frame's address list. CH carries the
// command/response bit for destination and source, and the has-been-repeated
// bit for digipeater entries. The two reserved bits are preserved so a
// parsed frame rebuilds byte-exact.
type AX25Address struct {
	Callsign
	CH        bool
	Reserved1 bool // bit 6, set on normal frames
	Reserved2 bool // bit 5, set on normal frames
}

// NewAX25Address returns an address with the reserved bits set, as every
// conventional station transmits them.
func NewAX25Address(c Callsign) AX25Address {
	return AX25Address{Callsign: c, Reserved1: true, Reserved2: true}
}

// Repeated reports the H bit for a digipeater address.
func (a AX25Address) Repeated() bool {
	return a.CH
}

func (a AX25Address) String() string {
	if a.CH {
		return a.Callsign.String() + "*"
	}
	return a.Callsign.String()
}

// ssidByte packs the 7th wire byte, without the EA bit.
func (a AX25Address) ssidByte() byte {
	var b byte
	if a.CH {
		b |= 0x80
	}
	if a.Reserved1 {
		b |= 0x40
	}
	if a.Reserved2 {
		b |= 0x20
	}
	b |= byte(a.SSID&0x0F) << 1
	return b
}

// AX25Frame is a parsed frame: address list [dest, src, digi...], control,
// optional PID (I and UI frames), payload.
type AX25Frame struct {
	Addresses []AX25Address
	Control   byte
	PID       byte
	HasPID    bool
	Payload   []byte
}

func (f *AX25Frame) Dest() AX25Address { return f.Addresses[0] }
func (f *AX25Frame) Src() AX25Address  { return f.Addresses[1] }

// Digis returns the digipeater portion of the address list.
func (f *AX25Frame) Digis() []AX25Address {
	if len(f.Addresses) <= 2 {
		return nil
	}
	return f.Addresses[2:]
}

// Type classifies the control byte, ignoring the P/F bit.
func (f *AX25Frame) Type() AX25FrameType {
	c := f.Control
	if c&0x01 == 0 {
		return AX25FrameI
	}
	if c&0x03 == 0x01 {
		switch (c >> 2) & 0x03 {
		case AX25SupervisoryRR:
			return AX25FrameRR
		case AX25SupervisoryRNR:
			return AX25FrameRNR
		case AX25SupervisoryREJ:
			return AX25FrameREJ
		default:
			return AX25FrameSREJ
		}
	}
	switch c &^ AX25ControlPFMask {
	case AX25ControlUI:
		return AX25FrameUI
	case AX25ControlSABM &^ AX25ControlPFMask:
		return AX25FrameSABM
	case AX25ControlUA &^ AX25ControlPFMask:
		return AX25FrameUA
	case AX25ControlDISC &^ AX25ControlPFMask:
		return AX25FrameDISC
	case AX25ControlDM &^ AX25ControlPFMask:
		return AX25FrameDM
	default:
		return AX25FrameUnknownU
	}
}

// NS returns N(S) of an I-frame control byte.
func (f *AX25Frame) NS() int { return int(f.Control>>1) & 0x07 }

// NR returns N(R) of an I- or S-frame control byte.
func (f *AX25Frame) NR() int { return int(f.Control>>5) & 0x07 }

// PF reports the poll/final bit.
func (f *AX25Frame) PF() bool { return f.Control&AX25ControlPFMask != 0 }

// IsCommand reports the command/response sense from the dest/src C bits.
// C=1 on destination means command; C=1 on source means response.
func (f *AX25Frame) IsCommand() bool {
	return f.Addresses[0].CH && !f.Addresses[1].CH
}

// SetCommand sets the dest/src C bits for a command (true) or response.
func (f *AX25Frame) SetCommand(command bool) {
	f.Addresses[0].CH = command
	f.Addresses[1].CH = !command
}

// NewUIFrame builds a UI frame, the connectionless carrier used by APRS.
func NewUIFrame(src, dest Callsign, path []Callsign, payload []byte) *AX25Frame {
	f := &AX25Frame{
		Addresses: make([]AX25Address, 0, 2+len(path)),
		Control:   AX25ControlUI,
		PID:       AX25PIDNoLayer3,
		HasPID:    true,
		Payload:   payload,
	}
	f.Addresses = append(f.Addresses, NewAX25Address(dest), NewAX25Address(src))
	for _, d := range path {
		f.Addresses = append(f.Addresses, NewAX25Address(d))
	}
	f.SetCommand(true)
	return f
}

// ParseAX25 decodes a raw frame. It walks address blocks until EA=1 (at most
// ten), then the control byte, then a PID byte for I and UI frames when
// present, with the remainder as payload.
func ParseAX25(data []byte) (*AX25Frame, error) {
	f := &AX25Frame{}
	off := 0
	for {
		if len(f.Addresses) >= AX25MaxAddresses {
			return nil, fmt.Errorf("%w: more than %d addresses", ErrBadAddress, AX25MaxAddresses)
		}
		if off+7 > len(data) {
			return nil, fmt.Errorf("%w: address list at byte %d", ErrTruncated, off)
		}
		addr, last, err := parseAddressBlock(data[off : off+7])
		if err != nil {
			return nil, err
		}
		f.Addresses = append(f.Addresses, addr)
		off += 7
		if last {
			break
		}
	}
	if len(f.Addresses) < AX25MinAddresses {
		return nil, fmt.Errorf("%w: only %d addresses", ErrBadAddress, len(f.Addresses))
	}

	if off >= len(data) {
		return nil, fmt.Errorf("%w: missing control byte", ErrTruncated)
	}
	f.Control = data[off]
	off++

	// PID follows the control byte for I and UI frames. SABM/UA/DISC/DM
	// end right after control.
	t := f.Type()
	if (t == AX25FrameI || t == AX25FrameUI) && off < len(data) {
		f.PID = data[off]
		f.HasPID = true
		off++
	}
	if off < len(data) {
		f.Payload = make([]byte, len(data)-off)
		copy(f.Payload, data[off:])
	}
	return f, nil
}

func parseAddressBlock(b []byte) (AX25Address, bool, error) {
	var base [6]byte
	n := 0
	for i := 0; i < 6; i++ {
		c := b[i] >> 1
		if c == ' ' {
			// Space padding; anything after it must be space too.
			for j := i; j < 6; j++ {
				if b[j]>>1 != ' ' {
					return AX25Address{}, false, fmt.Errorf("%w: interior space", ErrBadAddress)
				}
			}
			break
		}
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return AX25Address{}, false, fmt.Errorf("%w: character 0x%02x", ErrBadAddress, c)
		}
		base[n] = c
		n++
	}
	if n == 0 {
		return AX25Address{}, false, fmt.Errorf("%w: empty callsign", ErrBadAddress)
	}
	ssid := b[6]
	a := AX25Address{
		Callsign: Callsign{
			Base: string(base[:n]),
			SSID: int(ssid>>1) & 0x0F,
		},
		CH:        ssid&0x80 != 0,
		Reserved1: ssid&0x40 != 0,
		Reserved2: ssid&0x20 != 0,
	}
	return a, ssid&0x01 != 0, nil
}

// Build is the deterministic inverse of ParseAX25. EA is set only on the
// last address.
func (f *AX25Frame) Build() []byte {
	out := make([]byte, 0, len(f.Addresses)*7+2+len(f.Payload))
	for i, a := range f.Addresses {
		for j := 0; j < 6; j++ {
			var c byte = ' '
			if j < len(a.Base) {
				c = a.Base[j]
			}
			out = append(out, c<<1)
		}
		ssid := a.ssidByte()
		if i == len(f.Addresses)-1 {
			ssid |= 0x01
		}
		out = append(out, ssid)
	}
	out = append(out, f.Control)
	if f.HasPID {
		out = append(out, f.PID)
	}
	out = append(out, f.Payload...)
	return out
}

// String renders the familiar monitor form SRC>DEST,DIGI1,DIGI2*:payload.
func (f *AX25Frame) String() string {
	var sb strings.Builder
	sb.WriteString(f.Src().Callsign.String())
	sb.WriteByte('>')
	sb.WriteString(f.Dest().Callsign.String())
	for _, d := range f.Digis() {
		sb.WriteByte(',')
		sb.WriteString(d.String())
	}
	sb.WriteByte(':')
	sb.Write(f.Payload)
	return sb.String()
}

// ServiceOutcome reports what ServiceAddressInBuffer did to a frame.
type ServiceOutcome int

const (
	ServiceNoMatch      ServiceOutcome = iota // no unrepeated digi matched
	ServiceServiced                           // a slot was consumed
	ServiceAllRepeated                        // every digi already has H set
	ServiceNoDigis                            // frame carries no digipeater path
)

// wideInfo decodes a WIDEn-N digipeater alias: base "WIDE"+n with the
// remaining hop count N carried in the SSID.
func wideInfo(c Callsign) (n int, ok bool) {
	if len(c.Base) != 5 || c.Base[:4] != "WIDE" {
		return 0, false
	}
	d := c.Base[4]
	if d < '1' || d > '7' {
		return 0, false
	}
	return int(d - '0'), true
}

// firstUnrepeatedDigi locates the first digipeater address block without the
// H bit in a raw frame. Returns the byte offset of the block, its parsed
// address, and an outcome when there is nothing to service.
func firstUnrepeatedDigi(buf []byte) (off int, addr AX25Address, out ServiceOutcome) {
	idx := 0
	for off = 0; off+7 <= len(buf); off += 7 {
		a, last, err := parseAddressBlock(buf[off : off+7])
		if err != nil {
			return 0, AX25Address{}, ServiceNoMatch
		}
		if idx >= 2 && !a.CH {
			return off, a, ServiceServiced
		}
		idx++
		if last {
			break
		}
	}
	if idx <= 2 {
		return 0, AX25Address{}, ServiceNoDigis
	}
	return 0, AX25Address{}, ServiceAllRepeated
}

// FirstUnrepeatedDigi reports the next digipeater slot of a raw frame still
// awaiting service, without modifying the buffer.
func FirstUnrepeatedDigi(buf []byte) (AX25Address, ServiceOutcome) {
	_, addr, out := firstUnrepeatedDigi(buf)
	return addr, out
}

// ServiceAddressInBuffer rewrites the next unrepeated digipeater slot of a
// raw frame in place when its textual form matches one of matches (either a
// "WIDEn-N" form with its numeric suffix, or an explicit callsign). WIDEn-N
// aliases have the hop-count nibble decremented, gaining the H bit at zero;
// an explicit callsign match gains the H bit directly. The EA bit of the
// rewritten byte is preserved, and the buffer is untouched when nothing
// matches.
func ServiceAddressInBuffer(buf []byte, matches []string) ServiceOutcome {
	off, addr, out := firstUnrepeatedDigi(buf)
	if out != ServiceServiced {
		return out
	}

	matched := false
	for _, m := range matches {
		if strings.EqualFold(m, addr.Callsign.String()) {
			matched = true
			break
		}
	}
	if !matched {
		return ServiceNoMatch
	}

	ssidOff := off + 6
	if _, wide := wideInfo(addr.Callsign); wide && addr.SSID >= 1 {
		// A WIDEn-N alias drains hop by hop even on a textual match.
		buf[ssidOff] = decrementSSID(buf[ssidOff])
	} else {
		buf[ssidOff] |= 0x80
	}
	return ServiceServiced
}

// ServiceFirstWide decrements the first unserviced WIDEn-N slot of a raw
// frame. Used as the fallback when no configured alias matched.
func ServiceFirstWide(buf []byte) ServiceOutcome {
	off, addr, out := firstUnrepeatedDigi(buf)
	if out != ServiceServiced {
		return out
	}
	if _, ok := wideInfo(addr.Callsign); !ok || addr.SSID < 1 {
		return ServiceNoMatch
	}
	buf[off+6] = decrementSSID(buf[off+6])
	return ServiceServiced
}

// decrementSSID drops the hop-count nibble by one, setting H when it hits
// zero. All other bits, including EA, pass through.
func decrementSSID(b byte) byte {
	ssid := (b >> 1) & 0x0F
	if ssid > 0 {
		ssid--
	}
	b = b&^0x1E | ssid<<1
	if ssid == 0 {
		b |= 0x80
	}
	return b
}
