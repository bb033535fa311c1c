// Package beesure implements the ASCII watch-tracker protocol. Frames
// look like
//
//	"[" | vendor(2) | "*" | imei(10 digits) | "*" | dlen(4 hex) | "*" | payload(dlen bytes) | "]"
//
// where the payload is a comma-separated field list starting with the
// command verb. One verb (TK) carries escaped binary audio after the
// first comma, so only that comma may be split on.
package beesure

import (
	"bytes"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/trkplane/trkplane/internal/pmod"
)

const (
	// ModuleName is the identifier used in config and pmodmap rows.
	ModuleName = "beesure"
	// ProtoPrefix qualifies verbs into protocol identifiers.
	ProtoPrefix = "BS"

	headerLen = 20
	// A frame is at most 0xFFFF payload bytes plus framing, so any
	// buffer beyond that without a complete frame is junk.
	maxBuffer = 65557
)

var frameRE = regexp.MustCompile(`\[(\w\w)\*(\d{10})\*([0-9a-fA-F]{4})\*`)

// Module implements pmod.Module for the beesure protocol.
type Module struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Module {
	if log == nil {
		log = slog.Default()
	}
	return &Module{log: log}
}

func (m *Module) Name() string   { return ModuleName }
func (m *Module) Prefix() string { return ProtoPrefix }

func (m *Module) ProbeBuffer(buffer []byte) bool {
	return frameRE.Match(buffer)
}

func (m *Module) NewStream() pmod.Stream {
	return &stream{datalen: -1}
}

// Enframe swaps the real device IMEI into a packed frame, which
// carries the ten-zeros placeholder. The rest of the header and the
// payload pass through untouched.
func (m *Module) Enframe(packet []byte, imei string) ([]byte, error) {
	if len(imei) != 10 {
		return nil, fmt.Errorf("beesure needs a 10-digit imei, got %q", imei)
	}
	loc := frameRE.FindIndex(packet)
	if loc == nil || loc[0] != 0 {
		return nil, fmt.Errorf("not a framed beesure packet: %q", packet)
	}
	out := make([]byte, 0, len(packet))
	out = append(out, packet[:4]...)
	out = append(out, imei...)
	out = append(out, packet[14:]...)
	return out, nil
}

// IsGoodbyePacket is always false: beesure devices drop the socket
// without notice.
func (m *Module) IsGoodbyePacket(packet []byte) bool { return false }

// IMEIFromPacket returns the IMEI from the frame header. Every beesure
// frame carries one, so the collector binds on the first frame.
func (m *Module) IMEIFromPacket(packet []byte) string {
	groups := frameRE.FindSubmatchIndex(packet)
	if groups == nil || groups[0] != 0 {
		return ""
	}
	return string(packet[groups[4]:groups[5]])
}

func (m *Module) ProtoOfMessage(packet []byte) string {
	return ProtoPrefix + ":" + verbOf(packet)
}

func (m *Module) ProtoHandled(proto string) bool {
	return strings.HasPrefix(proto, ProtoPrefix+":")
}

// verbOf pulls the command verb out of a framed packet, tolerating
// arbitrary bytes by replacing anything non-ASCII.
func verbOf(packet []byte) string {
	if len(packet) < headerLen+1 {
		return "UNKNOWN"
	}
	payload := packet[headerLen : len(packet)-1]
	verb := payload
	if i := bytes.IndexByte(payload, ','); i >= 0 {
		verb = payload[:i]
	}
	var sb strings.Builder
	for _, b := range verb {
		if b < 0x80 {
			sb.WriteByte(b)
		} else {
			sb.WriteRune('�')
		}
	}
	return sb.String()
}

func (m *Module) ClassByPrefix(prefix string) (kind string, candidates []string) {
	p := strings.ToUpper(prefix)
	p = strings.TrimPrefix(p, ProtoPrefix+":")
	var found []string
	for _, k := range kindOrder {
		if strings.HasPrefix(kinds[k].name, p) {
			found = append(found, kinds[k].name)
		}
	}
	if len(found) == 1 {
		return found[0], nil
	}
	return "", found
}

func (m *Module) ExposedProtos() []pmod.ExposedProto {
	return []pmod.ExposedProto{
		{Proto: ProtoPrefix + ":UD", NeedsResponse: false},
		{Proto: ProtoPrefix + ":UD2", NeedsResponse: false},
		{Proto: ProtoPrefix + ":AL", NeedsResponse: false},
	}
}

// stream deframes the beesure wire format. The header regex anchors
// resynchronization; the first IMEI seen on the connection sticks, a
// different one later is reported but does not rebind.
type stream struct {
	buf     []byte
	imei    string
	datalen int
}

func (s *stream) Recv(segment []byte) []pmod.Frame {
	s.buf = append(s.buf, segment...)
	if len(s.buf) > maxBuffer {
		n := len(s.buf)
		s.buf = nil
		s.datalen = -1
		return []pmod.Frame{{Err: fmt.Errorf("buffer overflow, dropped %d bytes", n)}}
	}
	var frames []pmod.Frame
	for {
		if s.datalen < 0 {
			groups := frameRE.FindSubmatchIndex(s.buf)
			if groups == nil {
				break
			}
			if groups[0] > 0 {
				head := s.buf[:groups[0]]
				if len(head) > 64 {
					head = head[:64]
				}
				frames = append(frames, pmod.Frame{
					Err: fmt.Errorf("skipping %d bytes of undecodable data %q", groups[0], head),
				})
				s.buf = s.buf[groups[0]:]
				groups = frameRE.FindSubmatchIndex(s.buf)
			}
			imei := string(s.buf[groups[4]:groups[5]])
			if s.imei == "" {
				s.imei = imei
			} else if s.imei != imei {
				frames = append(frames, pmod.Frame{
					Err: fmt.Errorf("frame imei %s differs from connection imei %s, keeping the old one", imei, s.imei),
				})
			}
			dlen, _ := strconv.ParseInt(string(s.buf[groups[6]:groups[7]]), 16, 32)
			s.datalen = int(dlen)
		}
		if len(s.buf) < s.datalen+headerLen+1 {
			break
		}
		if s.buf[s.datalen+headerLen] != ']' {
			frames = append(frames, pmod.Frame{
				Err: fmt.Errorf("frame does not end with ], resyncing"),
			})
			s.buf = s.buf[1:]
			s.datalen = -1
			continue
		}
		packet := make([]byte, s.datalen+headerLen+1)
		copy(packet, s.buf[:s.datalen+headerLen+1])
		s.buf = s.buf[s.datalen+headerLen+1:]
		s.datalen = -1
		frames = append(frames, pmod.Frame{Packet: packet})
	}
	return frames
}

func (s *stream) Close() []byte {
	rem := s.buf
	s.buf = nil
	s.imei = ""
	s.datalen = -1
	return rem
}
