// Package bus carries the three internal envelope kinds between the
// daemons over NATS: raw device traffic fans out from the collector
// (Bcast), replies funnel back to it (Resp), and normalized reports
// fan out from the rectifier (Rept). Envelope layouts are fixed-offset
// binary so payloads survive any transport untouched.
package bus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
	"time"
)

const (
	protoLen = 16
	imeiLen  = 16
	// UnknownIMEI marks envelopes for connections that have not seen a
	// login yet.
	UnknownIMEI = "0000000000000000"
)

// Bcast is one raw device packet, incoming or outgoing, with routing
// metadata. Wire layout: is_incoming (1B) | proto (16B, NUL padded) |
// imei (16B, NUL padded) | when (big-endian float64 epoch seconds) |
// peer IP (16B, v4-mapped) | peer port (2B big-endian) | packet.
type Bcast struct {
	IsIncoming bool
	Proto      string
	IMEI       string // empty means unknown
	When       float64
	PeerAddr   netip.AddrPort
	Packet     []byte
}

func (b *Bcast) Pack() []byte {
	out := make([]byte, 0, 59+len(b.Packet))
	if b.IsIncoming {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = appendPadded(out, b.Proto, protoLen)
	imei := b.IMEI
	if imei == "" {
		imei = UnknownIMEI
	}
	out = appendPadded(out, imei, imeiLen)
	out = binary.BigEndian.AppendUint64(out, math.Float64bits(b.When))
	ip := b.PeerAddr.Addr().As16()
	out = append(out, ip[:]...)
	out = binary.BigEndian.AppendUint16(out, b.PeerAddr.Port())
	out = append(out, b.Packet...)
	return out
}

func UnpackBcast(data []byte) (*Bcast, error) {
	if len(data) < 59 {
		return nil, fmt.Errorf("bcast too short: %d bytes", len(data))
	}
	b := &Bcast{
		IsIncoming: data[0] != 0,
		Proto:      unpad(data[1:17]),
		IMEI:       unpad(data[17:33]),
		When:       math.Float64frombits(binary.BigEndian.Uint64(data[33:41])),
	}
	if b.IMEI == UnknownIMEI {
		b.IMEI = ""
	}
	ip, _ := netip.AddrFromSlice(data[41:57])
	port := binary.BigEndian.Uint16(data[57:59])
	if ip.IsValid() && (port != 0 || !ip.IsUnspecified()) {
		b.PeerAddr = netip.AddrPortFrom(ip, port)
	}
	b.Packet = append([]byte(nil), data[59:]...)
	return b, nil
}

// Resp is a reply bound for a device, addressed by IMEI. When carries
// the event time of the message that triggered it, not the send time.
// Wire layout: imei (16B) | when (big-endian float64) | packet.
type Resp struct {
	IMEI   string
	When   float64
	Packet []byte
}

func (r *Resp) Pack() []byte {
	out := make([]byte, 0, 24+len(r.Packet))
	out = appendPadded(out, r.IMEI, imeiLen)
	out = binary.BigEndian.AppendUint64(out, math.Float64bits(r.When))
	out = append(out, r.Packet...)
	return out
}

func UnpackResp(data []byte) (*Resp, error) {
	if len(data) < 24 {
		return nil, fmt.Errorf("resp too short: %d bytes", len(data))
	}
	return &Resp{
		IMEI:   unpad(data[:16]),
		When:   math.Float64frombits(binary.BigEndian.Uint64(data[16:24])),
		Packet: append([]byte(nil), data[24:]...),
	}, nil
}

// Rept is a normalized report. Wire layout: imei (16B) | UTF-8 JSON.
type Rept struct {
	IMEI    string
	Payload []byte
}

func (r *Rept) Pack() []byte {
	out := make([]byte, 0, 16+len(r.Payload))
	out = appendPadded(out, r.IMEI, imeiLen)
	out = append(out, r.Payload...)
	return out
}

func UnpackRept(data []byte) (*Rept, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("rept too short: %d bytes", len(data))
	}
	return &Rept{
		IMEI:    unpad(data[:16]),
		Payload: append([]byte(nil), data[16:]...),
	}, nil
}

// Now is the envelope timestamp for a wall-clock moment: float epoch
// seconds with fractional part.
func Now(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func appendPadded(out []byte, s string, n int) []byte {
	b := []byte(s)
	if len(b) > n {
		b = b[:n]
	}
	out = append(out, b...)
	for i := len(b); i < n; i++ {
		out = append(out, 0)
	}
	return out
}

func unpad(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}
