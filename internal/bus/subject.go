package bus

import "strings"

// Subjects follow a fixed shape so subscribers can filter server-side:
//
//	raw.I.ZX.STATUS   incoming device packet, per protocol id
//	raw.O.BS.LK       outgoing packet mirrored by the collector
//	resp              replies pulled by the collector
//	rept.<imei>       normalized reports, per device
const (
	SubjectResp    = "resp"
	subjectRawPfx  = "raw"
	subjectReptPfx = "rept"
)

// SubjectRaw names the topic for one direction of one protocol id,
// e.g. ("ZX:STATUS", true) -> "raw.I.ZX.STATUS".
func SubjectRaw(proto string, incoming bool) string {
	dir := "O"
	if incoming {
		dir = "I"
	}
	pmod, cmd := proto, ""
	if i := strings.IndexByte(proto, ':'); i >= 0 {
		pmod, cmd = proto[:i], proto[i+1:]
	}
	return subjectRawPfx + "." + dir + "." + token(pmod) + "." + token(cmd)
}

// SubjectRawAll matches every raw packet in both directions.
func SubjectRawAll() string {
	return subjectRawPfx + ".>"
}

func SubjectRept(imei string) string {
	return subjectReptPfx + "." + token(imei)
}

func SubjectReptAll() string {
	return subjectReptPfx + ".>"
}

// token makes an arbitrary string safe as a single NATS subject token.
// Unknown protocol verbs can contain anything the device sent.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}
