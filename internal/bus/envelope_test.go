package bus

import (
	"bytes"
	"encoding/binary"
	"math"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBcastPackLayout(t *testing.T) {
	b := &Bcast{
		IsIncoming: true,
		Proto:      "ZX:STATUS",
		IMEI:       "9018888888888888",
		When:       1700000000.25,
		PeerAddr:   netip.MustParseAddrPort("192.0.2.7:40121"),
		Packet:     []byte{0x07, 0x13, 85, 6, 2, 25, 4},
	}
	data := b.Pack()

	require.Len(t, data, 59+len(b.Packet))
	assert.Equal(t, byte(1), data[0])
	assert.Equal(t, append([]byte("ZX:STATUS"), bytes.Repeat([]byte{0}, 7)...), data[1:17])
	assert.Equal(t, []byte("9018888888888888"), data[17:33])
	assert.Equal(t, math.Float64bits(1700000000.25), binary.BigEndian.Uint64(data[33:41]))
	ip := netip.MustParseAddr("192.0.2.7").As16()
	assert.Equal(t, ip[:], data[41:57])
	assert.Equal(t, []byte{0x9C, 0xB9}, data[57:59])
	assert.Equal(t, b.Packet, data[59:])

	got, err := UnpackBcast(data)
	require.NoError(t, err)
	assert.True(t, got.IsIncoming)
	assert.Equal(t, "ZX:STATUS", got.Proto)
	assert.Equal(t, "9018888888888888", got.IMEI)
	assert.Equal(t, 1700000000.25, got.When)
	assert.Equal(t, "192.0.2.7", got.PeerAddr.Addr().Unmap().String())
	assert.Equal(t, uint16(40121), got.PeerAddr.Port())
	assert.Equal(t, b.Packet, got.Packet)
}

func TestBcastUnknownIMEI(t *testing.T) {
	b := &Bcast{Proto: "BS:UD", Packet: []byte("x")}
	data := b.Pack()

	// No identity yet: the wire form carries the all-zeros IMEI, the
	// decoded form goes back to empty.
	assert.Equal(t, []byte(UnknownIMEI), data[17:33])
	got, err := UnpackBcast(data)
	require.NoError(t, err)
	assert.Equal(t, "", got.IMEI)
	assert.False(t, got.IsIncoming)
	assert.False(t, got.PeerAddr.IsValid())
}

func TestBcastOverlongProto(t *testing.T) {
	b := &Bcast{Proto: "BS:SOME_VERY_LONG_VERB", Packet: []byte("x")}
	data := b.Pack()

	require.Len(t, data, 60)
	got, err := UnpackBcast(data)
	require.NoError(t, err)
	assert.Equal(t, "BS:SOME_VERY_LON", got.Proto)
}

func TestBcastTooShort(t *testing.T) {
	data := (&Bcast{Proto: "ZX:STATUS"}).Pack()
	_, err := UnpackBcast(data[:58])
	require.ErrorContains(t, err, "bcast too short")
}

func TestRespPackLayout(t *testing.T) {
	r := &Resp{
		IMEI:   "9018888888888888",
		When:   1700000000.25,
		Packet: []byte{0x02, 0x13, 25},
	}
	data := r.Pack()

	require.Len(t, data, 24+len(r.Packet))
	assert.Equal(t, []byte("9018888888888888"), data[:16])
	assert.Equal(t, math.Float64bits(1700000000.25), binary.BigEndian.Uint64(data[16:24]))
	assert.Equal(t, r.Packet, data[24:])

	got, err := UnpackResp(data)
	require.NoError(t, err)
	assert.Equal(t, r, got)

	_, err = UnpackResp(data[:23])
	require.ErrorContains(t, err, "resp too short")
}

func TestReptPackLayout(t *testing.T) {
	r := &Rept{
		IMEI:    "9018888888888888",
		Payload: []byte(`{"type": "location"}`),
	}
	data := r.Pack()

	require.Len(t, data, 16+len(r.Payload))
	assert.Equal(t, []byte("9018888888888888"), data[:16])
	assert.Equal(t, r.Payload, data[16:])

	got, err := UnpackRept(data)
	require.NoError(t, err)
	assert.Equal(t, r, got)

	_, err = UnpackRept(data[:15])
	require.ErrorContains(t, err, "rept too short")
}

func TestNow(t *testing.T) {
	assert.InDelta(t, 1700000000.25, Now(time.Unix(1700000000, 250_000_000)), 1e-6)
	assert.Equal(t, float64(0), Now(time.Unix(0, 0)))
}
