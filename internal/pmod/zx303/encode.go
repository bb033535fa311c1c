package zx303

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/trkplane/trkplane/internal/pmod"
)

func encodeByteKwarg(name string, def int) func(*Module, map[string]any) ([]byte, error) {
	return func(mod *Module, kw map[string]any) ([]byte, error) {
		v, err := pmod.KwInt(kw, name, def)
		if err != nil {
			return nil, err
		}
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%s: %d does not fit in a byte", name, v)
		}
		return []byte{byte(v)}, nil
	}
}

func encodePhone(mod *Module, kw map[string]any) ([]byte, error) {
	phone, err := pmod.KwString(kw, "phone", "")
	if err != nil {
		return nil, err
	}
	return []byte(phone), nil
}

// hhmm turns a "HHMM" wall-clock string into its two BCD bytes.
func hhmm(name, v string) ([]byte, error) {
	b, err := hex.DecodeString(v)
	if err != nil || len(b) != 2 {
		return nil, fmt.Errorf("%s: want HHMM digits, got %q", name, v)
	}
	return b, nil
}

func encodeGPSOffPeriod(mod *Module, kw map[string]any) ([]byte, error) {
	onoff, err := pmod.KwInt(kw, "onoff", 0)
	if err != nil {
		return nil, err
	}
	fm, err := pmod.KwString(kw, "fm", "0000")
	if err != nil {
		return nil, err
	}
	to, err := pmod.KwString(kw, "to", "2359")
	if err != nil {
		return nil, err
	}
	out := []byte{byte(onoff)}
	for _, arg := range []struct{ name, val string }{{"fm", fm}, {"to", to}} {
		b, err := hhmm(arg.name, arg.val)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func encodeDNDPeriod(mod *Module, kw map[string]any) ([]byte, error) {
	onoff, err := pmod.KwInt(kw, "onoff", 0)
	if err != nil {
		return nil, err
	}
	week, err := pmod.KwInt(kw, "week", 3)
	if err != nil {
		return nil, err
	}
	out := []byte{byte(onoff), byte(week)}
	for _, arg := range []struct{ name, def string }{
		{"fm1", "0000"}, {"to1", "2359"}, {"fm2", "0000"}, {"to2", "2359"},
	} {
		v, err := pmod.KwString(kw, arg.name, arg.def)
		if err != nil {
			return nil, err
		}
		b, err := hhmm(arg.name, v)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// encodeAlarmClock takes three alarms as "D:HHMM" strings, D being the
// day-of-week selector byte the device expects, e.g. "5:0730".
func encodeAlarmClock(mod *Module, kw map[string]any) ([]byte, error) {
	alarms, err := pmod.KwStringList(kw, "alarms",
		[]string{"0:0000", "0:0000", "0:0000"}, 3)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, a := range alarms {
		day, clock, found := strings.Cut(a, ":")
		if !found {
			return nil, fmt.Errorf("alarms: want D:HHMM, got %q", a)
		}
		d, err := strconv.Atoi(day)
		if err != nil || d < 0 || d > 255 {
			return nil, fmt.Errorf("alarms: bad day selector in %q", a)
		}
		b, err := hhmm("alarms", clock)
		if err != nil {
			return nil, err
		}
		out = append(out, byte(d))
		out = append(out, b...)
	}
	return out, nil
}

func putUint24(v int) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

func encodeSetup(mod *Module, kw map[string]any) ([]byte, error) {
	uploadInterval, err := pmod.KwInt(kw, "uploadintervalseconds", 0x0300)
	if err != nil {
		return nil, err
	}
	binarySwitch, err := pmod.KwInt(kw, "binaryswitch", 0b00110001)
	if err != nil {
		return nil, err
	}
	alarms, err := pmod.KwIntList(kw, "alarms", []int{0, 0, 0}, 3)
	if err != nil {
		return nil, err
	}
	dndSwitch, err := pmod.KwInt(kw, "dndtimeswitch", 0)
	if err != nil {
		return nil, err
	}
	dndTimes, err := pmod.KwIntList(kw, "dndtimes", []int{0, 0, 0}, 3)
	if err != nil {
		return nil, err
	}
	gpsTimeSwitch, err := pmod.KwInt(kw, "gpstimeswitch", 0)
	if err != nil {
		return nil, err
	}
	gpsTimeStart, err := pmod.KwInt(kw, "gpstimestart", 0)
	if err != nil {
		return nil, err
	}
	gpsTimeStop, err := pmod.KwInt(kw, "gpstimestop", 0)
	if err != nil {
		return nil, err
	}
	phones, err := pmod.KwStringList(kw, "phonenumbers", []string{"", "", ""}, 3)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 32)
	out = binary.BigEndian.AppendUint16(out, uint16(uploadInterval))
	out = append(out, byte(binarySwitch))
	for _, a := range alarms {
		out = append(out, putUint24(a)...)
	}
	out = append(out, byte(dndSwitch))
	for _, d := range dndTimes {
		out = append(out, putUint24(d)...)
	}
	out = append(out, byte(gpsTimeSwitch))
	out = binary.BigEndian.AppendUint16(out, uint16(gpsTimeStart))
	out = binary.BigEndian.AppendUint16(out, uint16(gpsTimeStop))
	out = append(out, []byte(strings.Join(phones, ";"))...)
	return out, nil
}

// encodeWiFiPositioning answers a Wi-Fi positioning request with the
// rectified coordinates as ASCII "+53.520000,+12.700000": eight
// significant digits with trailing zeros kept, explicit sign, and
// zero-padding to ten characters.
func encodeWiFiPositioning(mod *Module, kw map[string]any) ([]byte, error) {
	lat, err := pmod.KwFloat(kw, "latitude", 0)
	if err != nil {
		return nil, err
	}
	lon, err := pmod.KwFloat(kw, "longitude", 0)
	if err != nil {
		return nil, err
	}
	return []byte(fmtCoord(lat) + "," + fmtCoord(lon)), nil
}

func fmtCoord(v float64) string {
	s := strconv.FormatFloat(v, 'g', 8, 64)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	if !strings.ContainsAny(s, "eE") {
		s = padSignificant(s, 8)
	}
	if n := 10 - len(s) - 1; n > 0 {
		s = strings.Repeat("0", n) + s
	}
	if neg {
		return "-" + s
	}
	return "+" + s
}

// padSignificant appends zeros until the mantissa has prec significant
// digits, matching printf's %#g which keeps trailing zeros.
func padSignificant(s string, prec int) string {
	sig := 0
	nonZeroSeen := false
	for _, c := range s {
		if c < '0' || c > '9' {
			continue
		}
		if c != '0' {
			nonZeroSeen = true
		}
		if nonZeroSeen {
			sig++
		}
	}
	if !nonZeroSeen {
		sig = 1
	}
	if sig >= prec {
		return s
	}
	if !strings.Contains(s, ".") {
		s += "."
	}
	return s + strings.Repeat("0", prec-sig)
}
