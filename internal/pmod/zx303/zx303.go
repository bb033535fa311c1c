// Package zx303 implements the binary watch-tracker protocol spoken by
// zx303-family devices. Frames look like
//
//	"xx" | length(1B) | proto(1B) | payload | "\r\n"
//
// with the quirk that the length byte understates the payload size for
// the Wi-Fi positioning kinds (there it counts access points instead),
// so the terminator search starts at the declared end and never before.
package zx303

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/trkplane/trkplane/internal/pmod"
)

const (
	// ModuleName is the identifier used in config and pmodmap rows.
	ModuleName = "zx303"
	// ProtoPrefix qualifies kind names into protocol identifiers.
	ProtoPrefix = "ZX"

	maxBuffer = 4096
)

var (
	signature  = []byte("xx")
	terminator = []byte("\r\n")
)

// Module implements pmod.Module for the zx303 protocol.
type Module struct {
	log   *slog.Logger
	clock clockwork.Clock
}

func New(log *slog.Logger, clock clockwork.Clock) *Module {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Module{log: log, clock: clock}
}

func (m *Module) Name() string   { return ModuleName }
func (m *Module) Prefix() string { return ProtoPrefix }

func (m *Module) ProbeBuffer(buffer []byte) bool {
	return bytes.Contains(buffer, signature)
}

func (m *Module) NewStream() pmod.Stream {
	return &stream{}
}

// Enframe wraps a packed packet into the wire framing. The imei is not
// part of this protocol's framing and is ignored.
func (m *Module) Enframe(packet []byte, imei string) ([]byte, error) {
	out := make([]byte, 0, len(packet)+4)
	out = append(out, signature...)
	out = append(out, packet...)
	out = append(out, terminator...)
	return out, nil
}

func (m *Module) IsGoodbyePacket(packet []byte) bool {
	return len(packet) >= 2 && int(packet[1]) == kindHibernation
}

func (m *Module) IMEIFromPacket(packet []byte) string {
	if len(packet) < 2 || int(packet[1]) != kindLogin {
		return ""
	}
	msg := m.ParseMessage(packet, true)
	return msg.(*Msg).IMEI
}

func (m *Module) ProtoOfMessage(packet []byte) string {
	if len(packet) < 2 {
		return protoID(kindUnknown)
	}
	if _, ok := kinds[int(packet[1])]; !ok {
		return protoID(kindUnknown)
	}
	return protoID(int(packet[1]))
}

func (m *Module) ProtoHandled(proto string) bool {
	return strings.HasPrefix(proto, ProtoPrefix+":")
}

// ClassByPrefix resolves an operator-supplied kind name. The prefix can
// be qualified ("ZX:DND_PER") or bare ("dnd_per"), case-insensitive. A
// unique match is returned in kind; otherwise candidates holds every
// kind name the prefix matches.
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
		{Proto: protoID(kindGPSPositioning), NeedsResponse: false},
		{Proto: protoID(kindGPSOfflinePositioning), NeedsResponse: false},
		{Proto: protoID(kindWiFiOfflinePositioning), NeedsResponse: false},
		{Proto: protoID(kindWiFiPositioning), NeedsResponse: true},
		{Proto: protoID(kindStatus), NeedsResponse: false},
	}
}

func protoID(kind int) string {
	spec, ok := kinds[kind]
	if !ok {
		kind = kindUnknown
		spec = kinds[kind]
	}
	return ProtoPrefix + ":" + spec.name
}

// stream deframes the zx303 wire format. The buffer rolls across Recv
// calls; anything over maxBuffer without a complete frame is junk and
// gets dropped wholesale.
type stream struct {
	buf []byte
}

func (s *stream) Recv(segment []byte) []pmod.Frame {
	s.buf = append(s.buf, segment...)
	if len(s.buf) > maxBuffer {
		n := len(s.buf)
		s.buf = nil
		return []pmod.Frame{{Err: fmt.Errorf("buffer overflow, dropped %d bytes", n)}}
	}
	var frames []pmod.Frame
	for {
		start := bytes.Index(s.buf, signature)
		if start == -1 {
			break
		}
		if start > 0 {
			head := s.buf[:start]
			if len(head) > 64 {
				head = head[:64]
			}
			frames = append(frames, pmod.Frame{
				Err: fmt.Errorf("undecodable data %q before frame start", fmt.Sprintf("%x", head)),
			})
			s.buf = s.buf[start:]
		}
		if len(s.buf) < 6 {
			break
		}
		// The length byte may understate the frame size, so skip any
		// "\r\n" that shows up before the declared end. It may also
		// overstate it by a couple of bytes, hence the -3 slack.
		expEnd := int(s.buf[2]) + 3
		frameEnd := 0
		for {
			idx := bytes.Index(s.buf[frameEnd+1:], terminator)
			if idx == -1 {
				frameEnd = -1
				break
			}
			frameEnd = frameEnd + 1 + idx
			if frameEnd >= expEnd-3 {
				break
			}
		}
		if frameEnd == -1 {
			break
		}
		packet := make([]byte, frameEnd-2)
		copy(packet, s.buf[2:frameEnd])
		s.buf = s.buf[frameEnd+2:]
		frames = append(frames, pmod.Frame{Packet: packet})
	}
	return frames
}

func (s *stream) Close() []byte {
	rem := s.buf
	s.buf = nil
	return rem
}
