package beesure

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/text/encoding/charmap"

	"github.com/trkplane/trkplane/internal/pmod"
)

const (
	kindLK = iota
	kindUD
	kindUD2
	kindAL
	kindTK
	kindTKQ
	kindTKQ2
	kindCR
	kindFind
	kindMonitor
	kindMessage
	kindPowerOff
	kindUpload
	kindSOS1
	kindSOS2
	kindSOS3
	kindUnknown
)

// kindSpec is one row of the verb dispatch table. Every kind encodes
// outgoing as its bare verb unless encode overrides that; inline is
// the reply body for kinds the collector acknowledges itself.
type kindSpec struct {
	name    string
	respond pmod.RespondKind
	decode  func(m *Msg, rest []byte) error
	inline  string
	encode  func(kw map[string]any) (string, error)
	kwargs  []string
	rectify func(m *Msg) (pmod.Report, error)
}

var kinds = map[int]*kindSpec{
	kindLK: {
		name:    "LK",
		respond: pmod.RespondInline,
		decode:  decodeLK,
		inline:  "LK",
		rectify: func(m *Msg) (pmod.Report, error) {
			return &pmod.StatusReport{BatteryPercentage: m.BatteryPercentage}, nil
		},
	},
	kindUD:  {name: "UD", decode: decodeUD, rectify: rectifyUD},
	kindUD2: {name: "UD2", decode: decodeUD, rectify: rectifyUD},
	kindAL: {
		name:    "AL",
		respond: pmod.RespondInline,
		decode:  decodeUD,
		inline:  "AL",
		rectify: rectifyUD,
	},
	kindTK: {
		name:    "TK",
		respond: pmod.RespondInline,
		decode:  decodeTK,
		inline:  "TK,1",
	},
	kindTKQ:  {name: "TKQ", respond: pmod.RespondInline, inline: "TKQ"},
	kindTKQ2: {name: "TKQ2", respond: pmod.RespondInline, inline: "TKQ2"},
	kindCR:      {name: "CR"},
	kindFind:    {name: "FIND"},
	kindMonitor: {name: "MONITOR"},
	kindMessage: {
		name: "MESSAGE",
		encode: func(kw map[string]any) (string, error) {
			text, err := pmod.KwString(kw, "msg", "")
			if err != nil {
				return "", err
			}
			return "MESSAGE," + text, nil
		},
		kwargs: []string{"msg"},
	},
	kindPowerOff: {name: "POWEROFF"},
	kindUpload: {
		name: "UPLOAD",
		encode: func(kw map[string]any) (string, error) {
			ivl, err := pmod.KwInt(kw, "interval", 600)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("UPLOAD,%d", ivl), nil
		},
		kwargs: []string{"interval"},
	},
	kindSOS1:    {name: "SOS1", encode: encodeSOS("SOS1"), kwargs: []string{"phone"}},
	kindSOS2:    {name: "SOS2", encode: encodeSOS("SOS2"), kwargs: []string{"phone"}},
	kindSOS3:    {name: "SOS3", encode: encodeSOS("SOS3"), kwargs: []string{"phone"}},
	kindUnknown: {name: "UNKNOWN"},
}

var kindOrder = []int{
	kindLK, kindUD, kindUD2, kindAL, kindTK, kindTKQ, kindTKQ2,
	kindCR, kindFind, kindMonitor, kindMessage, kindPowerOff,
	kindUpload, kindSOS1, kindSOS2, kindSOS3, kindUnknown,
}

var verbs = func() map[string]int {
	m := make(map[string]int, len(kindOrder))
	for _, k := range kindOrder {
		if k != kindUnknown {
			m[kinds[k].name] = k
		}
	}
	return m
}()

func encodeSOS(verb string) func(map[string]any) (string, error) {
	return func(kw map[string]any) (string, error) {
		phone, err := pmod.KwString(kw, "phone", "")
		if err != nil {
			return "", err
		}
		return verb + "," + phone, nil
	}
}

// Msg is the tagged union over every beesure message kind.
type Msg struct {
	kind     int
	incoming bool

	// Packet is the raw frame including framing bytes.
	Packet []byte
	Vendor string
	IMEI   string

	// LK
	Step              *int
	TumblingNumber    *int
	BatteryPercentage *int

	// UD / UD2 / AL
	DevTime       *time.Time
	GPSValid      bool
	Latitude      float64
	Longitude     float64
	Speed         float64
	Direction     float64
	Altitude      float64
	NumSats       int
	GSMStrength   int
	Pedometer     int
	TumblingTimes int
	DeviceStatus  string
	MCC           int
	MNC           int
	GSMCells      []pmod.GSMCell
	WiFiAPs       []pmod.WiFiAP
	Accuracy      float64

	// TK
	Audio []byte
}

func (m *Msg) Kind() string { return kinds[m.kind].name }

func (m *Msg) Proto() string { return ProtoPrefix + ":" + kinds[m.kind].name }

func (m *Msg) Respond() pmod.RespondKind { return kinds[m.kind].respond }

func (m *Msg) Rectified() (pmod.Report, error) {
	spec := kinds[m.kind]
	if spec.rectify == nil {
		return nil, pmod.ErrNoReport
	}
	return spec.rectify(m)
}

func (m *Msg) String() string {
	switch m.kind {
	case kindLK:
		return fmt.Sprintf("BS:LK(step=%s, tumbling_number=%s, battery_percentage=%s)",
			optInt(m.Step), optInt(m.TumblingNumber), optInt(m.BatteryPercentage))
	case kindUD, kindUD2, kindAL:
		return fmt.Sprintf("BS:%s(devtime=%s, valid=%v, lat=%v, lon=%v, battery=%s, cells=%d, aps=%d, accuracy=%v)",
			kinds[m.kind].name, optTime(m.DevTime), m.GPSValid,
			m.Latitude, m.Longitude, optInt(m.BatteryPercentage),
			len(m.GSMCells), len(m.WiFiAPs), m.Accuracy)
	case kindTK:
		return fmt.Sprintf("BS:TK(%d bytes of audio)", len(m.Audio))
	default:
		return fmt.Sprintf("BS:%s(imei=%s)", kinds[m.kind].name, m.IMEI)
	}
}

func optInt(v *int) string {
	if v == nil {
		return "<none>"
	}
	return fmt.Sprint(*v)
}

func optTime(t *time.Time) string {
	if t == nil {
		return "<none>"
	}
	return t.Format(pmod.DevTimeLayout)
}

// ParseMessage decodes a framed packet into a Msg. Malformed frames and
// unrecognized verbs come back as the UNKNOWN kind with the raw bytes.
func (m *Module) ParseMessage(packet []byte, incoming bool) pmod.Msg {
	msg := &Msg{kind: kindUnknown, incoming: incoming, Packet: packet}
	groups := frameRE.FindSubmatchIndex(packet)
	if groups == nil || groups[0] != 0 ||
		len(packet) < headerLen+1 || packet[len(packet)-1] != ']' {
		return msg
	}
	msg.Vendor = string(packet[groups[2]:groups[3]])
	msg.IMEI = string(packet[groups[4]:groups[5]])

	payload := packet[headerLen : len(packet)-1]
	var rest []byte
	if i := bytes.IndexByte(payload, ','); i >= 0 {
		rest = payload[i+1:]
	}
	kind, ok := verbs[verbOf(packet)]
	if !ok {
		return msg
	}
	msg.kind = kind
	spec := kinds[kind]
	if incoming && spec.decode != nil {
		if err := spec.decode(msg, rest); err != nil {
			m.log.Warn("undecodable payload",
				"pmod", ModuleName, "kind", spec.name,
				"error", err, "packet", fmt.Sprintf("%q", packet))
			msg.kind = kindUnknown
		}
	}
	return msg
}

// InlineResponse returns the packed acknowledgement frame for verbs the
// collector answers itself, nil for everything else.
func (m *Module) InlineResponse(packet []byte) []byte {
	msg, ok := m.ParseMessage(packet, true).(*Msg)
	if !ok || msg.kind == kindUnknown {
		return nil
	}
	spec := kinds[msg.kind]
	if spec.respond != pmod.RespondInline || spec.inline == "" {
		return nil
	}
	return packFrame(spec.inline)
}

// MakeResponse builds an outgoing frame of the named kind. The IMEI
// field holds the ten-zeros placeholder until Enframe fills it in.
func (m *Module) MakeResponse(kind string, kwargs map[string]any) ([]byte, error) {
	for _, k := range kindOrder {
		spec := kinds[k]
		if spec.name != kind || k == kindUnknown {
			continue
		}
		if err := pmod.UnknownKwargs(kwargs, spec.kwargs...); err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		body := spec.name
		if spec.encode != nil {
			var err error
			body, err = spec.encode(kwargs)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", kind, err)
			}
		}
		if len(body) > 0xFFFF {
			return nil, fmt.Errorf("%s: body too long (%d bytes)", kind, len(body))
		}
		return packFrame(body), nil
	}
	return nil, fmt.Errorf("no message kind %q in %s", kind, ModuleName)
}

func packFrame(body string) []byte {
	return []byte(fmt.Sprintf("[LT*0000000000*%04X*%s]", len(body), body))
}

func decodeLK(m *Msg, rest []byte) error {
	if rest == nil {
		return nil
	}
	fields := bytes.Split(rest, []byte{','})
	if len(fields) != 3 {
		return fmt.Errorf("lk: want 3 optional fields, got %d", len(fields))
	}
	vals := make([]*int, 3)
	for i, f := range fields {
		v, err := strconv.Atoi(string(f))
		if err != nil {
			return fmt.Errorf("lk: %w", err)
		}
		vals[i] = pmod.Ptr(v)
	}
	m.Step, m.TumblingNumber, m.BatteryPercentage = vals[0], vals[1], vals[2]
	return nil
}

// decodeUD parses the location fix shared by UD, UD2 and AL: sixteen
// fixed fields, then the GSM station section, the Wi-Fi section, and
// the accuracy estimate last.
func decodeUD(m *Msg, rest []byte) error {
	fields := bytes.Split(rest, []byte{','})
	if len(fields) < 20 {
		return fmt.Errorf("ud: want at least 20 fields, got %d", len(fields))
	}
	dt, err := time.Parse("020106150405", string(fields[0])+string(fields[1]))
	if err != nil {
		return fmt.Errorf("ud: devtime: %w", err)
	}
	m.DevTime = &dt
	switch string(fields[2]) {
	case "A":
		m.GPSValid = true
	case "V":
		m.GPSValid = false
	default:
		return fmt.Errorf("ud: bad fix flag %q", fields[2])
	}
	lat, err := strconv.ParseFloat(string(fields[3]), 64)
	if err != nil {
		return fmt.Errorf("ud: latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(string(fields[5]), 64)
	if err != nil {
		return fmt.Errorf("ud: longitude: %w", err)
	}
	switch string(fields[4]) {
	case "N":
	case "S":
		lat = -lat
	default:
		return fmt.Errorf("ud: bad hemisphere %q", fields[4])
	}
	switch string(fields[6]) {
	case "E":
	case "W":
		lon = -lon
	default:
		return fmt.Errorf("ud: bad hemisphere %q", fields[6])
	}
	m.Latitude, m.Longitude = lat, lon
	floats := []*float64{&m.Speed, &m.Direction, &m.Altitude}
	for i, dst := range floats {
		v, err := strconv.ParseFloat(string(fields[7+i]), 64)
		if err != nil {
			return fmt.Errorf("ud: field %d: %w", 7+i, err)
		}
		*dst = v
	}
	var battery int
	ints := []*int{&m.NumSats, &m.GSMStrength, &battery, &m.Pedometer, &m.TumblingTimes}
	for i, dst := range ints {
		v, err := strconv.Atoi(string(fields[10+i]))
		if err != nil {
			return fmt.Errorf("ud: field %d: %w", 10+i, err)
		}
		*dst = v
	}
	m.BatteryPercentage = pmod.Ptr(battery)
	m.DeviceStatus = decodeField(fields[15])

	nstations, err := strconv.Atoi(string(fields[16]))
	if err != nil {
		return fmt.Errorf("ud: station count: %w", err)
	}
	m.MCC, err = strconv.Atoi(string(fields[18]))
	if err != nil {
		return fmt.Errorf("ud: mcc: %w", err)
	}
	m.MNC, err = strconv.Atoi(string(fields[19]))
	if err != nil {
		return fmt.Errorf("ud: mnc: %w", err)
	}
	idx := 20
	if len(fields) < idx+nstations*3+1 {
		return fmt.Errorf("ud: %d stations do not fit in %d fields", nstations, len(fields))
	}
	for i := 0; i < nstations; i++ {
		var cell pmod.GSMCell
		for j, dst := range []*int{&cell.LocAC, &cell.CellID, &cell.Signal} {
			v, err := strconv.Atoi(string(fields[idx+i*3+j]))
			if err != nil {
				return fmt.Errorf("ud: station %d: %w", i, err)
			}
			*dst = v
		}
		m.GSMCells = append(m.GSMCells, cell)
	}
	idx += nstations * 3
	nwifi, err := strconv.Atoi(string(fields[idx]))
	if err != nil {
		return fmt.Errorf("ud: wifi count: %w", err)
	}
	idx++
	if len(fields) < idx+nwifi*3+1 {
		return fmt.Errorf("ud: %d wifi aps do not fit in %d fields", nwifi, len(fields))
	}
	for i := 0; i < nwifi; i++ {
		rssi, err := strconv.Atoi(string(fields[idx+i*3+2]))
		if err != nil {
			return fmt.Errorf("ud: wifi ap %d: %w", i, err)
		}
		m.WiFiAPs = append(m.WiFiAPs, pmod.WiFiAP{
			SSID:   decodeField(fields[idx+i*3]),
			MAC:    decodeField(fields[idx+i*3+1]),
			Signal: rssi,
		})
	}
	idx += nwifi * 3
	m.Accuracy, err = strconv.ParseFloat(string(fields[idx]), 64)
	if err != nil {
		return fmt.Errorf("ud: accuracy: %w", err)
	}
	return nil
}

func decodeTK(m *Msg, rest []byte) error {
	if rest == nil {
		return fmt.Errorf("tk: no audio payload")
	}
	m.Audio = unescapeTK(rest)
	return nil
}

// decodeField turns raw field bytes into a string. SSIDs and free-text
// fields are not guaranteed to be UTF-8, so they go through a tolerant
// 8-bit decoding.
func decodeField(b []byte) string {
	s, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}

// unescapeTK reverses the escaping the devices apply to binary audio:
// "}" followed by one of * , [ ] } stands for that literal byte.
func unescapeTK(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] == '}' && i+1 < len(b) {
			switch b[i+1] {
			case '*', ',', '[', ']', '}':
				out = append(out, b[i+1])
				i++
				continue
			}
		}
		out = append(out, b[i])
	}
	return out
}

func rectifyUD(m *Msg) (pmod.Report, error) {
	devtime := pmod.Ptr(m.DevTime.Format(pmod.DevTimeLayout))
	if m.GPSValid {
		return &pmod.CoordReport{
			DevTime:           devtime,
			BatteryPercentage: m.BatteryPercentage,
			Accuracy:          pmod.Ptr(m.Accuracy),
			Altitude:          pmod.Ptr(m.Altitude),
			Speed:             pmod.Ptr(m.Speed),
			Direction:         pmod.Ptr(m.Direction),
			Latitude:          m.Latitude,
			Longitude:         m.Longitude,
		}, nil
	}
	return &pmod.HintReport{
		DevTime:           devtime,
		BatteryPercentage: m.BatteryPercentage,
		MCC:               m.MCC,
		MNC:               m.MNC,
		GSMCells:          m.GSMCells,
		WiFiAPs:           m.WiFiAPs,
	}, nil
}
