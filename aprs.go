package main

import (
	"fmt"
	"strings"
)

// APRS text conventions carried in UI-frame payloads. A directed message is
//
//	:ADDRESSEE:text{ID
//
// where the addressee field is padded to exactly 9 characters and the
// optional {ID suffix (1-5 characters) requests an ack. An ack is
//
//	:ADDRESSEE:ackID
//
// with no {} suffix of its own.

const (
	aprsAddresseeWidth = 9
	aprsMaxMsgIDLen    = 5

	// APRSMaxPayload is the conventional message-text budget. Longer
	// bulletins are chunked across frames.
	APRSMaxPayload = 67
)

// APRSMessage is a decoded directed-message payload.
type APRSMessage struct {
	Addressee Callsign
	Text      string
	MsgID     string // empty when no ack requested
	AckFor    string // set when this payload is "ackNNN"
}

// IsAck reports whether the payload acknowledges another message.
func (m *APRSMessage) IsAck() bool {
	return m.AckFor != ""
}

// ComposeAPRSMessage renders a directed message payload. msgID may be empty.
func ComposeAPRSMessage(addressee Callsign, text, msgID string) string {
	var sb strings.Builder
	sb.WriteByte(':')
	sb.WriteString(padAddressee(addressee.String()))
	sb.WriteByte(':')
	sb.WriteString(text)
	if msgID != "" {
		sb.WriteByte('{')
		if len(msgID) > aprsMaxMsgIDLen {
			msgID = msgID[:aprsMaxMsgIDLen]
		}
		sb.WriteString(msgID)
	}
	return sb.String()
}

// ComposeAPRSAck renders the acknowledgement for a received message ID.
func ComposeAPRSAck(addressee Callsign, msgID string) string {
	return ":" + padAddressee(addressee.String()) + ":ack" + msgID
}

// ParseAPRSMessage decodes a directed-message payload. It returns false for
// any payload that is not in message format (position reports, status,
// bulletin bodies and so on).
func ParseAPRSMessage(payload []byte) (*APRSMessage, bool) {
	s := string(payload)
	if len(s) < aprsAddresseeWidth+2 || s[0] != ':' || s[aprsAddresseeWidth+1] != ':' {
		return nil, false
	}
	addr, err := ParseCallsign(strings.TrimRight(s[1:aprsAddresseeWidth+1], " "))
	if err != nil {
		return nil, false
	}
	body := s[aprsAddresseeWidth+2:]

	m := &APRSMessage{Addressee: addr}
	if strings.HasPrefix(body, "ack") && len(body) > 3 && len(body) <= 3+aprsMaxMsgIDLen && !strings.ContainsAny(body[3:], "{ ") {
		m.AckFor = body[3:]
		return m, true
	}
	if i := strings.LastIndexByte(body, '{'); i >= 0 && len(body)-i-1 >= 1 && len(body)-i-1 <= aprsMaxMsgIDLen {
		m.MsgID = body[i+1:]
		body = body[:i]
	}
	m.Text = body
	return m, true
}

// IsBulletinDest reports whether a payload token is a BLN bulletin tag
// (BLN1WX, BLN2TOR, ...). Tags ride in the payload, not the AX.25 address
// field, and may exceed the 6-character callsign limit.
func IsBulletinDest(dest string) bool {
	return strings.HasPrefix(dest, "BLN")
}

func padAddressee(s string) string {
	if len(s) >= aprsAddresseeWidth {
		return s[:aprsAddresseeWidth]
	}
	return s + strings.Repeat(" ", aprsAddresseeWidth-len(s))
}

// ChunkAPRSText word-wraps text into payload-budget pieces, hard-wrapping
// any word longer than the budget.
func ChunkAPRSText(text string, budget int) []string {
	if budget <= 0 {
		budget = APRSMaxPayload
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var chunks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}
	for _, w := range words {
		for len(w) > budget {
			flush()
			chunks = append(chunks, w[:budget])
			w = w[budget:]
		}
		if w == "" {
			continue
		}
		need := len(w)
		if cur.Len() > 0 {
			need++
		}
		if cur.Len()+need > budget {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	flush()
	return chunks
}

// FormatTNC2 renders the APRS-IS TNC2 monitor form of a frame:
// SRC>DEST,PATH:payload. The IGate collaborator consumes this.
func FormatTNC2(f *AX25Frame) string {
	var sb strings.Builder
	sb.WriteString(f.Src().Callsign.String())
	sb.WriteByte('>')
	sb.WriteString(f.Dest().Callsign.String())
	for _, d := range f.Digis() {
		fmt.Fprintf(&sb, ",%s", d.String())
	}
	sb.WriteByte(':')
	sb.Write(f.Payload)
	return sb.String()
}
