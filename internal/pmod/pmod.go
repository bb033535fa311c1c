// Package pmod defines the contract implemented by the protocol modules
// (zx303, beesure) and the normalized report types every downstream
// consumer understands. The collector and the daemons speak to devices
// only through this interface and stay protocol-agnostic.
package pmod

import (
	"errors"
	"strings"
)

// RespondKind tells how a message kind is answered.
type RespondKind int

const (
	// RespondNone needs no reply.
	RespondNone RespondKind = iota
	// RespondInline is answered by the collector from the request alone.
	RespondInline
	// RespondExternal is answered by a downstream daemon via the pull channel.
	RespondExternal
)

func (r RespondKind) String() string {
	switch r {
	case RespondInline:
		return "INLINE"
	case RespondExternal:
		return "EXTERNAL"
	default:
		return "NONE"
	}
}

// ErrNoReport is returned by Msg.Rectified for kinds that carry no
// location or status payload.
var ErrNoReport = errors.New("message kind produces no report")

// Frame is one element of a Stream.Recv result: either a complete
// deframed packet or a framing violation notice. Exactly one of the
// fields is set.
type Frame struct {
	Packet []byte
	Err    error
}

// Stream is a stateful deframer owning a rolling buffer for one TCP
// connection. Recv absorbs a segment and returns completed frames in
// arrival order, interleaved with framing violations. Close returns the
// unparsed remainder and resets the state.
type Stream interface {
	Recv(segment []byte) []Frame
	Close() []byte
}

// Msg is one parsed device message. Implementations are tagged unions:
// a single struct per protocol with a kind tag and kind-specific decoded
// fields, driven by a dispatch table (no reflection).
type Msg interface {
	// Kind is the bare kind name, e.g. "LOGIN" or "UD".
	Kind() string
	// Proto is the qualified identifier, e.g. "ZX:LOGIN".
	Proto() string
	Respond() RespondKind
	// Rectified converts the message into a normalized report, or
	// returns ErrNoReport when the kind has none.
	Rectified() (Report, error)
	String() string
}

// ExposedProto is one entry of a module's downstream-subscription list.
type ExposedProto struct {
	Proto         string
	NeedsResponse bool
}

// Module is the uniform per-protocol surface.
type Module interface {
	// Name is the module name used in config and pmodmap, e.g. "zx303".
	Name() string
	// Prefix is the proto-id prefix without the colon, e.g. "ZX".
	Prefix() string

	// ProbeBuffer reports whether the byte slice contains a framing
	// signature of this protocol. Used once per connection to bind it
	// to a module.
	ProbeBuffer(buffer []byte) bool
	NewStream() Stream
	// Enframe puts the wire framing around an encoded packet. The ASCII
	// protocol needs the device IMEI for the frame header.
	Enframe(packet []byte, imei string) ([]byte, error)

	// ParseMessage never fails on protocol-level errors: malformed
	// packets come back as the UNKNOWN kind with the raw bytes kept.
	ParseMessage(packet []byte, incoming bool) Msg
	// InlineResponse returns the framed-payload reply for kinds whose
	// answer is a pure function of the request, nil otherwise.
	InlineResponse(packet []byte) []byte
	IsGoodbyePacket(packet []byte) bool
	// IMEIFromPacket returns the device identity when the packet binds
	// one (LOGIN frame, or any framed packet for the ASCII protocol),
	// else the empty string.
	IMEIFromPacket(packet []byte) string
	ProtoOfMessage(packet []byte) string
	ProtoHandled(proto string) bool

	// ClassByPrefix resolves an operator-supplied kind name, qualified
	// ("ZX:STOP_UP") or bare ("stop_up"), case-insensitively. A unique
	// match comes back in kind; otherwise candidates lists the options.
	ClassByPrefix(prefix string) (kind string, candidates []string)
	// MakeResponse encodes an outgoing message of the named kind from
	// keyword arguments (strings from the CLI, typed values from
	// config). The result is packed but not framed.
	MakeResponse(kind string, kwargs map[string]any) ([]byte, error)

	ExposedProtos() []ExposedProto
}

// SplitProto splits "ZX:LOGIN" into ("ZX", "LOGIN"). The kind part is
// empty when there is no colon.
func SplitProto(proto string) (prefix, kind string) {
	if i := strings.IndexByte(proto, ':'); i >= 0 {
		return proto[:i], proto[i+1:]
	}
	return proto, ""
}

// Registry is the ordered set of loaded protocol modules.
type Registry struct {
	mods []Module
}

func NewRegistry(mods ...Module) *Registry {
	return &Registry{mods: mods}
}

func (r *Registry) Modules() []Module {
	return r.mods
}

// Probe returns the first module whose framing signature matches the
// segment, or nil.
func (r *Registry) Probe(segment []byte) Module {
	for _, m := range r.mods {
		if m.ProbeBuffer(segment) {
			return m
		}
	}
	return nil
}

// ForProto returns the module owning a qualified proto id, or nil.
func (r *Registry) ForProto(proto string) Module {
	for _, m := range r.mods {
		if m.ProtoHandled(proto) {
			return m
		}
	}
	return nil
}

// ByName returns the module with the given config name, or nil.
func (r *Registry) ByName(name string) Module {
	for _, m := range r.mods {
		if m.Name() == name {
			return m
		}
	}
	return nil
}

// ExposedProtos concatenates the exposed lists of all modules in order.
func (r *Registry) ExposedProtos() []ExposedProto {
	var out []ExposedProto
	for _, m := range r.mods {
		out = append(out, m.ExposedProtos()...)
	}
	return out
}

// Ptr returns a pointer to v, for the optional report fields.
func Ptr[T any](v T) *T {
	return &v
}
