package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseCallsign(t *testing.T) {
	c, err := ParseCallsign("NA4WX-7")
	require.NoError(t, err)
	assert.Equal(t, "NA4WX", c.Base)
	assert.Equal(t, 7, c.SSID)
	assert.Equal(t, "NA4WX-7", c.String())

	c, err = ParseCallsign("wide2-1")
	require.NoError(t, err)
	assert.Equal(t, "WIDE2", c.Base)
	assert.Equal(t, 1, c.SSID)

	c, err = ParseCallsign("APRS")
	require.NoError(t, err)
	assert.Equal(t, 0, c.SSID)
	assert.Equal(t, "APRS", c.String())

	for _, bad := range []string{"", "TOOLONGCALL", "N0C-16", "N0C-X", "BAD CALL", "N0C-"} {
		_, err := ParseCallsign(bad)
		assert.Error(t, err, "expected error for %q", bad)
	}
}

func TestCallsignBaseEqual(t *testing.T) {
	a := MustCallsign("N0CALL-7")
	b := MustCallsign("N0CALL-2")
	assert.True(t, a.BaseEqual(b))
	assert.False(t, a.Equal(b))
	assert.True(t, a.Equal(MustCallsign("N0CALL-7")))
}

func TestUIFrameBuildParseRoundTrip(t *testing.T) {
	src := MustCallsign("N0CALL-1")
	dest := MustCallsign("APRS")
	path := []Callsign{MustCallsign("WIDE1-1"), MustCallsign("WIDE2-2")}
	f := NewUIFrame(src, dest, path, []byte("!test payload"))

	raw := f.Build()
	parsed, err := ParseAX25(raw)
	require.NoError(t, err)

	assert.Equal(t, AX25FrameUI, parsed.Type())
	assert.True(t, parsed.Src().Callsign.Equal(src))
	assert.True(t, parsed.Dest().Callsign.Equal(dest))
	require.Len(t, parsed.Digis(), 2)
	assert.Equal(t, "WIDE1-1", parsed.Digis()[0].Callsign.String())
	assert.Equal(t, "WIDE2-2", parsed.Digis()[1].Callsign.String())
	assert.Equal(t, []byte("!test payload"), parsed.Payload)
	assert.True(t, parsed.HasPID)
	assert.Equal(t, byte(AX25PIDNoLayer3), parsed.PID)
}

func TestParseAX25Truncated(t *testing.T) {
	f := NewUIFrame(MustCallsign("N0CALL"), MustCallsign("APRS"), nil, []byte("x"))
	raw := f.Build()

	for _, n := range []int{0, 5, 13} {
		_, err := ParseAX25(raw[:n])
		assert.Error(t, err, "expected error at %d bytes", n)
	}
}

func TestFrameTypeDecoding(t *testing.T) {
	frame := func(control byte) *AX25Frame {
		return &AX25Frame{
			Addresses: []AX25Address{
				NewAX25Address(MustCallsign("APRS")),
				NewAX25Address(MustCallsign("N0CALL")),
			},
			Control: control,
		}
	}

	assert.Equal(t, AX25FrameSABM, frame(0x3F).Type())
	assert.Equal(t, AX25FrameUA, frame(0x73).Type())
	assert.Equal(t, AX25FrameDISC, frame(0x43).Type())
	assert.Equal(t, AX25FrameDM, frame(0x0F).Type())
	assert.Equal(t, AX25FrameUI, frame(0x03).Type())
	assert.Equal(t, AX25FrameRR, frame(0x01).Type())
	assert.Equal(t, AX25FrameREJ, frame(0x09).Type())

	// I frame: bit0 clear, N(S)=2, N(R)=5, no P.
	iframe := frame(2<<1 | 5<<5)
	assert.Equal(t, AX25FrameI, iframe.Type())
	assert.Equal(t, 2, iframe.NS())
	assert.Equal(t, 5, iframe.NR())
	assert.False(t, iframe.PF())
}

func TestBuildParseRoundTripProperty(t *testing.T) {
	letters := rapid.StringOfN(rapid.RuneFrom([]rune("ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")), 1, 6, -1)

	rapid.Check(t, func(t *rapid.T) {
		src := Callsign{Base: letters.Draw(t, "src"), SSID: rapid.IntRange(0, 15).Draw(t, "srcSSID")}
		dest := Callsign{Base: letters.Draw(t, "dest"), SSID: rapid.IntRange(0, 15).Draw(t, "destSSID")}
		nDigis := rapid.IntRange(0, 8).Draw(t, "nDigis")
		path := make([]Callsign, nDigis)
		for i := range path {
			path[i] = Callsign{Base: letters.Draw(t, "digi"), SSID: rapid.IntRange(0, 15).Draw(t, "digiSSID")}
		}
		payload := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "payload")

		f := NewUIFrame(src, dest, path, payload)
		raw := f.Build()
		parsed, err := ParseAX25(raw)
		if err != nil {
			t.Fatalf("parse built frame: %v", err)
		}
		assert.True(t, parsed.Src().Callsign.Equal(src))
		assert.True(t, parsed.Dest().Callsign.Equal(dest))
		assert.Equal(t, len(path), len(parsed.Digis()))
		assert.Equal(t, raw, parsed.Build())
	})
}

func TestServiceFirstWideDecrements(t *testing.T) {
	f := NewUIFrame(MustCallsign("N0CALL"), MustCallsign("APRS"),
		[]Callsign{MustCallsign("WIDE2-2")}, []byte("x"))
	buf := f.Build()

	require.Equal(t, ServiceServiced, ServiceFirstWide(buf))
	parsed, err := ParseAX25(buf)
	require.NoError(t, err)
	require.Len(t, parsed.Digis(), 1)
	assert.Equal(t, "WIDE2-1", parsed.Digis()[0].Callsign.String())
	assert.False(t, parsed.Digis()[0].CH, "one hop left, H must stay clear")

	// Second hop: count hits zero and H is set.
	require.Equal(t, ServiceServiced, ServiceFirstWide(buf))
	parsed, err = ParseAX25(buf)
	require.NoError(t, err)
	assert.Equal(t, "WIDE2", parsed.Digis()[0].Callsign.String())
	assert.True(t, parsed.Digis()[0].CH)

	// Fully repeated: nothing left to service.
	assert.Equal(t, ServiceAllRepeated, ServiceFirstWide(buf))
}

func TestServiceAddressExplicitMatch(t *testing.T) {
	f := NewUIFrame(MustCallsign("N0CALL"), MustCallsign("APRS"),
		[]Callsign{MustCallsign("NA4WX-7"), MustCallsign("WIDE2-1")}, []byte("x"))
	buf := f.Build()

	assert.Equal(t, ServiceNoMatch, ServiceAddressInBuffer(buf, []string{"OTHER"}))

	require.Equal(t, ServiceServiced, ServiceAddressInBuffer(buf, []string{"NA4WX-7"}))
	parsed, err := ParseAX25(buf)
	require.NoError(t, err)
	assert.True(t, parsed.Digis()[0].CH, "explicit match gains H directly")
	assert.Equal(t, "NA4WX-7", parsed.Digis()[0].Callsign.String())
	assert.False(t, parsed.Digis()[1].CH)
}

func TestServiceNoDigis(t *testing.T) {
	f := NewUIFrame(MustCallsign("N0CALL"), MustCallsign("APRS"), nil, []byte("x"))
	buf := f.Build()
	assert.Equal(t, ServiceNoDigis, ServiceFirstWide(buf))
	_, out := FirstUnrepeatedDigi(buf)
	assert.Equal(t, ServiceNoDigis, out)
}

func TestWideTwoHopProperty(t *testing.T) {
	// A WIDEn-N alias is serviceable exactly N times, then reads as
	// fully repeated.
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 7).Draw(t, "hops")
		alias := Callsign{Base: "WIDE" + string(rune('0'+n)), SSID: n}
		f := NewUIFrame(MustCallsign("N0CALL"), MustCallsign("APRS"),
			[]Callsign{alias}, []byte("p"))
		buf := f.Build()

		for i := 0; i < n; i++ {
			if out := ServiceFirstWide(buf); out != ServiceServiced {
				t.Fatalf("hop %d: outcome %v", i, out)
			}
		}
		assert.Equal(t, ServiceAllRepeated, ServiceFirstWide(buf))
	})
}
