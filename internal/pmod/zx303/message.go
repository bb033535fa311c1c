package zx303

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/trkplane/trkplane/internal/pmod"
)

// Kind numbers are the wire proto byte values, except kindUnknown which
// is out of byte range on purpose.
const (
	kindLogin                  = 0x01
	kindSupervision            = 0x05
	kindHeartbeat              = 0x08
	kindGPSPositioning         = 0x10
	kindGPSOfflinePositioning  = 0x11
	kindStatus                 = 0x13
	kindHibernation            = 0x14
	kindReset                  = 0x15
	kindWhitelistTotal         = 0x16
	kindWiFiOfflinePositioning = 0x17
	kindTime                   = 0x30
	kindProhibitLBS            = 0x33
	kindGPSLBSSwitchTimes      = 0x34
	kindRemoteMonitorPhone     = 0x40
	kindSOSPhone               = 0x41
	kindDadPhone               = 0x42
	kindMomPhone               = 0x43
	kindStopUpload             = 0x44
	kindGPSOffPeriod           = 0x46
	kindDNDPeriod              = 0x47
	kindRestartShutdown        = 0x48
	kindDevice                 = 0x49
	kindAlarmClock             = 0x50
	kindStopAlarm              = 0x56
	kindSetup                  = 0x57
	kindSynchronousWhitelist   = 0x58
	kindRestorePassword        = 0x67
	kindWiFiPositioning        = 0x69
	kindManualPositioning      = 0x80
	kindBatteryCharge          = 0x81
	kindChargerConnected       = 0x82
	kindChargerDisconnected    = 0x83
	kindVibrationReceived      = 0x94
	kindPositionUploadInterval = 0x98
	kindSOSAlarm               = 0x99
	kindUnknown                = 256
)

// kindSpec is one row of the dispatch table: how a kind decodes, how it
// replies inline, how it encodes outgoing, and its length-byte rule.
type kindSpec struct {
	name    string
	respond pmod.RespondKind
	// decode fills kind-specific fields from an incoming payload.
	decode func(m *Msg, length byte, payload []byte) error
	// inline builds the packed reply for kinds answered by the
	// collector without external state.
	inline func(mod *Module, m *Msg) []byte
	// encode builds the outgoing payload from keyword arguments.
	encode func(mod *Module, kw map[string]any) ([]byte, error)
	kwargs []string
	// lengthByte overrides the default len(payload)+1 packed length.
	lengthByte func(payload []byte) byte
	rectify    func(m *Msg) (pmod.Report, error)
}

var kinds = map[int]*kindSpec{
	kindLogin: {
		name:    "LOGIN",
		respond: pmod.RespondInline,
		decode:  decodeLogin,
		inline: func(mod *Module, m *Msg) []byte {
			return []byte{0x05, kindLogin, 0x00, 0x01}
		},
		encode: func(mod *Module, kw map[string]any) ([]byte, error) {
			return []byte{0x00, 0x01}, nil
		},
		lengthByte: func(payload []byte) byte { return 0x05 },
	},
	kindSupervision: {
		name:   "SUPERVISION",
		encode: encodeByteKwarg("status", 1),
		kwargs: []string{"status"},
	},
	kindHeartbeat: {
		name:    "HEARTBEAT",
		respond: pmod.RespondInline,
		inline: func(mod *Module, m *Msg) []byte {
			return packed(kindHeartbeat, nil)
		},
	},
	kindGPSPositioning: {
		name:    "GPS_POSITIONING",
		respond: pmod.RespondInline,
		decode:  decodeGPS,
		inline:  inlineEchoDevtime,
		rectify: rectifyGPS,
	},
	kindGPSOfflinePositioning: {
		name:    "GPS_OFFLINE_POSITIONING",
		respond: pmod.RespondInline,
		decode:  decodeGPS,
		inline:  inlineEchoDevtime,
		rectify: rectifyGPS,
	},
	kindStatus: {
		name:    "STATUS",
		respond: pmod.RespondExternal,
		decode:  decodeStatus,
		encode:  encodeByteKwarg("upload_interval", 25),
		kwargs:  []string{"upload_interval"},
		rectify: func(m *Msg) (pmod.Report, error) {
			return &pmod.StatusReport{BatteryPercentage: pmod.Ptr(m.Batt)}, nil
		},
	},
	kindHibernation: {name: "HIBERNATION"},
	kindReset:       {name: "RESET"},
	kindWhitelistTotal: {
		name:   "WHITELIST_TOTAL",
		encode: encodeByteKwarg("number", 3),
		kwargs: []string{"number"},
	},
	kindWiFiOfflinePositioning: {
		name:    "WIFI_OFFLINE_POSITIONING",
		respond: pmod.RespondInline,
		decode:  decodeWiFi,
		inline:  inlineEchoDevtime,
		rectify: rectifyWiFi,
	},
	kindTime: {
		name:    "TIME",
		respond: pmod.RespondInline,
		inline: func(mod *Module, m *Msg) []byte {
			payload := packTime(mod.clock.Now().UTC())
			return append([]byte{byte(len(payload)), kindTime}, payload...)
		},
		encode: func(mod *Module, kw map[string]any) ([]byte, error) {
			return packTime(mod.clock.Now().UTC()), nil
		},
		lengthByte: func(payload []byte) byte { return byte(len(payload)) },
	},
	kindProhibitLBS: {
		name:   "PROHIBIT_LBS",
		encode: encodeByteKwarg("status", 1),
		kwargs: []string{"status"},
	},
	kindGPSLBSSwitchTimes: {name: "GPS_LBS_SWITCH_TIMES"},
	kindRemoteMonitorPhone: {
		name:   "REMOTE_MONITOR_PHONE",
		encode: encodePhone,
		kwargs: []string{"phone"},
	},
	kindSOSPhone: {
		name:   "SOS_PHONE",
		encode: encodePhone,
		kwargs: []string{"phone"},
	},
	kindDadPhone: {
		name:   "DAD_PHONE",
		encode: encodePhone,
		kwargs: []string{"phone"},
	},
	kindMomPhone: {
		name:   "MOM_PHONE",
		encode: encodePhone,
		kwargs: []string{"phone"},
	},
	kindStopUpload: {name: "STOP_UPLOAD"},
	kindGPSOffPeriod: {
		name:   "GPS_OFF_PERIOD",
		encode: encodeGPSOffPeriod,
		kwargs: []string{"onoff", "fm", "to"},
	},
	kindDNDPeriod: {
		name:   "DND_PERIOD",
		encode: encodeDNDPeriod,
		kwargs: []string{"onoff", "week", "fm1", "to1", "fm2", "to2"},
	},
	kindRestartShutdown: {
		name:   "RESTART_SHUTDOWN",
		encode: encodeByteKwarg("flag", 2),
		kwargs: []string{"flag"},
	},
	kindDevice: {
		name:   "DEVICE",
		encode: encodeByteKwarg("flag", 0),
		kwargs: []string{"flag"},
	},
	kindAlarmClock: {
		name:   "ALARM_CLOCK",
		encode: encodeAlarmClock,
		kwargs: []string{"alarms"},
	},
	kindStopAlarm: {
		name: "STOP_ALARM",
		decode: func(m *Msg, length byte, payload []byte) error {
			if len(payload) < 1 {
				return fmt.Errorf("stop alarm: empty payload")
			}
			m.Flag = int(payload[0])
			return nil
		},
	},
	kindSetup: {
		name:    "SETUP",
		respond: pmod.RespondExternal,
		encode:  encodeSetup,
		kwargs: []string{
			"uploadintervalseconds", "binaryswitch", "alarms",
			"dndtimeswitch", "dndtimes", "gpstimeswitch",
			"gpstimestart", "gpstimestop", "phonenumbers",
		},
	},
	kindSynchronousWhitelist: {name: "SYNCHRONOUS_WHITELIST"},
	kindRestorePassword:      {name: "RESTORE_PASSWORD"},
	kindWiFiPositioning: {
		name:    "WIFI_POSITIONING",
		respond: pmod.RespondExternal,
		decode:  decodeWiFi,
		encode:  encodeWiFiPositioning,
		kwargs:  []string{"latitude", "longitude"},
		rectify: rectifyWiFi,
	},
	kindManualPositioning: {
		name:   "MANUAL_POSITIONING",
		decode: decodeManualPositioning,
	},
	kindBatteryCharge:       {name: "BATTERY_CHARGE"},
	kindChargerConnected:    {name: "CHARGER_CONNECTED"},
	kindChargerDisconnected: {name: "CHARGER_DISCONNECTED"},
	kindVibrationReceived:   {name: "VIBRATION_RECEIVED"},
	kindPositionUploadInterval: {
		name:    "POSITION_UPLOAD_INTERVAL",
		respond: pmod.RespondExternal,
		decode: func(m *Msg, length byte, payload []byte) error {
			if len(payload) < 2 {
				return fmt.Errorf("position upload interval: payload too short")
			}
			m.Interval = int(binary.BigEndian.Uint16(payload[:2]))
			return nil
		},
		encode: func(mod *Module, kw map[string]any) ([]byte, error) {
			ivl, err := pmod.KwInt(kw, "interval", 10)
			if err != nil {
				return nil, err
			}
			out := make([]byte, 2)
			binary.BigEndian.PutUint16(out, uint16(ivl))
			return out, nil
		},
		kwargs: []string{"interval"},
	},
	kindSOSAlarm: {name: "SOS_ALARM"},
	kindUnknown:  {name: "UNKNOWN"},
}

// kindOrder fixes the iteration order for ClassByPrefix.
var kindOrder = []int{
	kindLogin, kindSupervision, kindHeartbeat, kindGPSPositioning,
	kindGPSOfflinePositioning, kindStatus, kindHibernation, kindReset,
	kindWhitelistTotal, kindWiFiOfflinePositioning, kindTime,
	kindProhibitLBS, kindGPSLBSSwitchTimes, kindRemoteMonitorPhone,
	kindSOSPhone, kindDadPhone, kindMomPhone, kindStopUpload,
	kindGPSOffPeriod, kindDNDPeriod, kindRestartShutdown, kindDevice,
	kindAlarmClock, kindStopAlarm, kindSetup, kindSynchronousWhitelist,
	kindRestorePassword, kindWiFiPositioning, kindManualPositioning,
	kindBatteryCharge, kindChargerConnected, kindChargerDisconnected,
	kindVibrationReceived, kindPositionUploadInterval, kindSOSAlarm,
	kindUnknown,
}

// Msg is the tagged union over every zx303 message kind. Only the
// fields of the decoded kind are meaningful.
type Msg struct {
	kind     int
	incoming bool

	// Packet is the raw length|proto|payload bytes as seen on the wire.
	Packet  []byte
	Payload []byte

	// LOGIN
	IMEI string
	Ver  int

	// GPS and Wi-Fi positioning
	DevTime       *time.Time
	GPSDataLength int
	NumSats       int
	Latitude      float64
	Longitude     float64
	Speed         int
	Flags         uint16
	Heading       int
	Valid         bool

	// STATUS
	Batt     int
	VerNum   int
	Timezone int
	Intvl    int
	Signal   *int

	// Wi-Fi / LBS observations
	WiFiAPs  []pmod.WiFiAP
	MCC      int
	MNC      int
	GSMCells []pmod.GSMCell

	// POSITION_UPLOAD_INTERVAL
	Interval int

	// STOP_ALARM / MANUAL_POSITIONING
	Flag   int
	Reason string
}

func (m *Msg) Kind() string { return kinds[m.kind].name }

func (m *Msg) Proto() string { return protoID(m.kind) }

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
	case kindLogin:
		return fmt.Sprintf("ZX:LOGIN(imei=%q, ver=%d)", m.IMEI, m.Ver)
	case kindGPSPositioning, kindGPSOfflinePositioning:
		return fmt.Sprintf("ZX:%s(devtime=%s, sats=%d, lat=%v, lon=%v, speed=%d, heading=%d, valid=%v)",
			kinds[m.kind].name, fmtDevTime(m.DevTime), m.NumSats,
			m.Latitude, m.Longitude, m.Speed, m.Heading, m.Valid)
	case kindStatus:
		return fmt.Sprintf("ZX:STATUS(batt=%d, ver=%d, timezone=%d, intvl=%d, signal=%s)",
			m.Batt, m.VerNum, m.Timezone, m.Intvl, fmtOptInt(m.Signal))
	case kindWiFiOfflinePositioning, kindWiFiPositioning:
		return fmt.Sprintf("ZX:%s(devtime=%s, mcc=%d, mnc=%d, aps=%d, cells=%d)",
			kinds[m.kind].name, fmtDevTime(m.DevTime), m.MCC, m.MNC,
			len(m.WiFiAPs), len(m.GSMCells))
	case kindManualPositioning:
		return fmt.Sprintf("ZX:MANUAL_POSITIONING(flag=%d, reason=%q)", m.Flag, m.Reason)
	case kindStopAlarm:
		return fmt.Sprintf("ZX:STOP_ALARM(flag=%d)", m.Flag)
	case kindPositionUploadInterval:
		return fmt.Sprintf("ZX:POSITION_UPLOAD_INTERVAL(interval=%d)", m.Interval)
	default:
		return fmt.Sprintf("ZX:%s(payload=%x)", kinds[m.kind].name, m.Payload)
	}
}

func fmtDevTime(t *time.Time) string {
	if t == nil {
		return "<none>"
	}
	return t.Format(pmod.DevTimeLayout)
}

func fmtOptInt(v *int) string {
	if v == nil {
		return "<none>"
	}
	return fmt.Sprint(*v)
}

// ParseMessage decodes a packet into a Msg. Protocol-level problems
// never surface as errors: a malformed or unrecognized packet comes
// back as the UNKNOWN kind holding the raw bytes.
func (m *Module) ParseMessage(packet []byte, incoming bool) pmod.Msg {
	msg := &Msg{kind: kindUnknown, incoming: incoming, Packet: packet}
	if len(packet) < 2 {
		return msg
	}
	length, proto := packet[0], int(packet[1])
	payload := packet[2:]
	msg.Payload = payload
	spec, ok := kinds[proto]
	if !ok {
		m.log.Warn("unrecognized proto byte", "pmod", ModuleName, "proto", proto, "packet", fmt.Sprintf("%x", packet))
		return msg
	}
	msg.kind = proto
	// The device length convention is len(payload)+4, except STATUS
	// which uses +2. Both are accepted; anything else is logged and
	// parsed anyway. Wi-Fi kinds reuse the length byte as the AP count
	// and are exempt.
	if incoming && length > 1 &&
		proto != kindWiFiPositioning && proto != kindWiFiOfflinePositioning {
		adjust := 4
		if proto == kindStatus {
			adjust = 2
		}
		if len(payload)+adjust != int(length) {
			m.log.Warn("length field mismatch",
				"pmod", ModuleName, "kind", spec.name,
				"length", length, "payload_size", len(payload))
		}
	}
	if incoming && spec.decode != nil {
		if err := spec.decode(msg, length, payload); err != nil {
			m.log.Warn("undecodable payload",
				"pmod", ModuleName, "kind", spec.name,
				"error", err, "packet", fmt.Sprintf("%x", packet))
			msg.kind = kindUnknown
			return msg
		}
	}
	return msg
}

// InlineResponse returns the packed reply for kinds the collector can
// answer on its own, nil for everything else.
func (m *Module) InlineResponse(packet []byte) []byte {
	msg, ok := m.ParseMessage(packet, true).(*Msg)
	if !ok || msg.kind == kindUnknown {
		return nil
	}
	spec := kinds[msg.kind]
	if spec.respond != pmod.RespondInline || spec.inline == nil {
		return nil
	}
	return spec.inline(m, msg)
}

// MakeResponse encodes an outgoing message of the named kind. The
// result is packed (length|proto|payload) but not framed.
func (m *Module) MakeResponse(kind string, kwargs map[string]any) ([]byte, error) {
	for _, k := range kindOrder {
		spec := kinds[k]
		if spec.name != kind {
			continue
		}
		if k == kindUnknown {
			break
		}
		if err := pmod.UnknownKwargs(kwargs, spec.kwargs...); err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		var payload []byte
		if spec.encode != nil {
			var err error
			payload, err = spec.encode(m, kwargs)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", kind, err)
			}
		}
		if len(payload) > 254 {
			return nil, fmt.Errorf("%s: payload too long (%d bytes)", kind, len(payload))
		}
		lb := byte(len(payload) + 1)
		if spec.lengthByte != nil {
			lb = spec.lengthByte(payload)
		}
		return append([]byte{lb, byte(k)}, payload...), nil
	}
	return nil, fmt.Errorf("no message kind %q in %s", kind, ModuleName)
}

// packed puts the default length byte in front of proto and payload.
func packed(proto byte, payload []byte) []byte {
	return append([]byte{byte(len(payload) + 1), proto}, payload...)
}

// inlineEchoDevtime replies with the device's own six timestamp bytes
// under the same proto byte. GPS acknowledgements and the offline
// Wi-Fi kind all use this shape.
func inlineEchoDevtime(mod *Module, m *Msg) []byte {
	if len(m.Payload) < 6 {
		return nil
	}
	return packed(byte(m.kind), m.Payload[:6])
}

func decodeLogin(m *Msg, length byte, payload []byte) error {
	if len(payload) < 9 {
		return fmt.Errorf("login: payload too short (%d bytes)", len(payload))
	}
	m.IMEI = hex.EncodeToString(payload[:8])
	m.Ver = int(payload[8])
	return nil
}

// decodeGPS handles GPS_POSITIONING and GPS_OFFLINE_POSITIONING:
// 6 bytes of raw binary date/time, one packed precision/satellite
// byte, then !IIBH with latitude, longitude, speed and flags.
func decodeGPS(m *Msg, length byte, payload []byte) error {
	if len(payload) < 18 {
		return fmt.Errorf("gps: payload too short (%d bytes)", len(payload))
	}
	dt, err := rawDevTime(payload[:6])
	if err != nil {
		return err
	}
	m.DevTime = dt
	m.GPSDataLength = int(payload[6] >> 4)
	m.NumSats = int(payload[6] & 0x0F)
	lat := binary.BigEndian.Uint32(payload[7:11])
	lon := binary.BigEndian.Uint32(payload[11:15])
	m.Speed = int(payload[15])
	m.Flags = binary.BigEndian.Uint16(payload[16:18])
	m.Valid = m.Flags&0b0001000000000000 != 0
	flipLon := m.Flags&0b0000100000000000 != 0
	// Latitude polarity is inverted: the bit set means north.
	flipLat := m.Flags&0b0000010000000000 == 0
	m.Heading = int(m.Flags & 0b0000001111111111)
	m.Latitude = float64(lat) / (30000.0 * 60.0)
	m.Longitude = float64(lon) / (30000.0 * 60.0)
	if flipLat {
		m.Latitude = -m.Latitude
	}
	if flipLon {
		m.Longitude = -m.Longitude
	}
	return nil
}

// rawDevTime reads six bytes that each hold a binary calendar value,
// YY MM DD HH MM SS. All zeros means the device has no clock fix yet.
func rawDevTime(b []byte) (*time.Time, error) {
	if bytes6Zero(b) {
		return nil, nil
	}
	y, mo, d, h, mi, s := 2000+int(b[0]), int(b[1]), int(b[2]), int(b[3]), int(b[4]), int(b[5])
	t := time.Date(y, time.Month(mo), d, h, mi, s, 0, time.UTC)
	if t.Year() != y || t.Month() != time.Month(mo) || t.Day() != d ||
		t.Hour() != h || t.Minute() != mi || t.Second() != s {
		return nil, fmt.Errorf("devtime out of range: %x", b)
	}
	return &t, nil
}

// bcdDevTime reads six BCD bytes, %y%m%d%H%M%S.
func bcdDevTime(b []byte) (*time.Time, error) {
	t, err := time.Parse("060102150405", hex.EncodeToString(b))
	if err != nil {
		return nil, fmt.Errorf("devtime: %w", err)
	}
	return &t, nil
}

func bytes6Zero(b []byte) bool {
	for _, c := range b[:6] {
		if c != 0 {
			return false
		}
	}
	return true
}

func decodeStatus(m *Msg, length byte, payload []byte) error {
	switch len(payload) {
	case 5:
		m.Batt = int(payload[0])
		m.VerNum = int(payload[1])
		m.Timezone = int(payload[2])
		m.Intvl = int(payload[3])
		m.Signal = pmod.Ptr(int(payload[4]))
	case 4:
		m.Batt = int(payload[0])
		m.VerNum = int(payload[1])
		m.Timezone = int(payload[2])
		m.Intvl = int(payload[3])
		m.Signal = nil
	default:
		return fmt.Errorf("status: unexpected payload size %d", len(payload))
	}
	return nil
}

// decodeWiFi handles both Wi-Fi positioning kinds. The frame length
// byte is repurposed as the access point count: 6 BCD timestamp bytes,
// then count 7-byte AP records (MAC + negated RSSI), then the GSM
// section: count byte, MCC (2B), MNC (1B) and 5-byte cell records.
func decodeWiFi(m *Msg, length byte, payload []byte) error {
	dt, err := bcdDevTime(payload[:min(6, len(payload))])
	if err != nil {
		return err
	}
	m.DevTime = dt
	naps := int(length)
	if len(payload) < 6+naps*7 {
		return fmt.Errorf("wifi: %d aps do not fit in %d bytes", naps, len(payload))
	}
	for i := 0; i < naps; i++ {
		rec := payload[6+i*7 : 6+i*7+7]
		m.WiFiAPs = append(m.WiFiAPs, pmod.WiFiAP{
			SSID:   "",
			MAC:    formatMAC(rec[:6]),
			Signal: -int(rec[6]),
		})
	}
	gsm := payload[6+naps*7:]
	if len(gsm) < 4 {
		return fmt.Errorf("wifi: gsm section too short (%d bytes)", len(gsm))
	}
	ncells := int(gsm[0])
	m.MCC = int(binary.BigEndian.Uint16(gsm[1:3]))
	m.MNC = int(gsm[3])
	cells := gsm[4:]
	if len(cells) < ncells*5 {
		return fmt.Errorf("wifi: %d cells do not fit in %d bytes", ncells, len(cells))
	}
	for i := 0; i < ncells; i++ {
		rec := cells[i*5 : i*5+5]
		m.GSMCells = append(m.GSMCells, pmod.GSMCell{
			LocAC:  int(binary.BigEndian.Uint16(rec[0:2])),
			CellID: int(binary.BigEndian.Uint16(rec[2:4])),
			Signal: -int(rec[4]),
		})
	}
	return nil
}

func formatMAC(b []byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5])
}

var manualPositioningReasons = map[int]string{
	1: "Incorrect time",
	2: "LBS less",
	3: "WiFi less",
	4: "LBS search > 3 times",
	5: "Same LBS and WiFi data",
	6: "LBS prohibited, WiFi absent",
	7: "GPS spacing < 50 m",
}

func decodeManualPositioning(m *Msg, length byte, payload []byte) error {
	m.Flag = -1
	if len(payload) > 0 {
		m.Flag = int(payload[0])
	}
	reason, ok := manualPositioningReasons[m.Flag]
	if !ok {
		reason = "Unknown"
	}
	m.Reason = reason
	return nil
}

func rectifyGPS(m *Msg) (pmod.Report, error) {
	return &pmod.CoordReport{
		DevTime:           devTimeString(m.DevTime),
		BatteryPercentage: nil,
		Accuracy:          nil,
		Altitude:          nil,
		Speed:             pmod.Ptr(float64(m.Speed)),
		Direction:         pmod.Ptr(float64(m.Heading)),
		Latitude:          m.Latitude,
		Longitude:         m.Longitude,
	}, nil
}

func rectifyWiFi(m *Msg) (pmod.Report, error) {
	return &pmod.HintReport{
		DevTime:           devTimeString(m.DevTime),
		BatteryPercentage: nil,
		MCC:               m.MCC,
		MNC:               m.MNC,
		GSMCells:          m.GSMCells,
		WiFiAPs:           m.WiFiAPs,
	}, nil
}

func devTimeString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	return pmod.Ptr(t.Format(pmod.DevTimeLayout))
}

// packTime encodes a moment as !HBBBBB: big-endian year then month,
// day, hour, minute, second bytes.
func packTime(t time.Time) []byte {
	out := make([]byte, 7)
	binary.BigEndian.PutUint16(out[0:2], uint16(t.Year()))
	out[2] = byte(t.Month())
	out[3] = byte(t.Day())
	out[4] = byte(t.Hour())
	out[5] = byte(t.Minute())
	out[6] = byte(t.Second())
	return out
}
