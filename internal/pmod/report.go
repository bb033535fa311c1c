package pmod

import (
	"encoding/json"
	"fmt"
)

// Report is a normalized, protocol-independent view of a device message.
// The JSON form carries the type discriminator as the last key; optional
// fields are null rather than omitted.
type Report interface {
	ReportType() string
}

// DevTimeLayout renders device timestamps the way reports carry them:
// UTC wall clock with an explicit +00:00 offset.
const DevTimeLayout = "2006-01-02 15:04:05-07:00"

// GSMCell is one observed cell tower. It marshals as the three-element
// array [locac, cellid, signal].
type GSMCell struct {
	LocAC  int
	CellID int
	Signal int
}

func (c GSMCell) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int{c.LocAC, c.CellID, c.Signal})
}

func (c *GSMCell) UnmarshalJSON(data []byte) error {
	var a [3]int
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("gsm cell: %w", err)
	}
	c.LocAC, c.CellID, c.Signal = a[0], a[1], a[2]
	return nil
}

// WiFiAP is one observed access point. It marshals as the three-element
// array [ssid, mac, signal].
type WiFiAP struct {
	SSID   string
	MAC    string
	Signal int
}

func (w WiFiAP) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]any{w.SSID, w.MAC, w.Signal})
}

func (w *WiFiAP) UnmarshalJSON(data []byte) error {
	var a [3]json.RawMessage
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("wifi ap: %w", err)
	}
	if err := json.Unmarshal(a[0], &w.SSID); err != nil {
		return fmt.Errorf("wifi ap ssid: %w", err)
	}
	if err := json.Unmarshal(a[1], &w.MAC); err != nil {
		return fmt.Errorf("wifi ap mac: %w", err)
	}
	if err := json.Unmarshal(a[2], &w.Signal); err != nil {
		return fmt.Errorf("wifi ap signal: %w", err)
	}
	return nil
}

// CoordReport carries resolved coordinates, either measured by the
// device GPS or rectified from an approximate-location report.
type CoordReport struct {
	DevTime           *string  `json:"devtime"`
	BatteryPercentage *int     `json:"battery_percentage"`
	Accuracy          *float64 `json:"accuracy"`
	Altitude          *float64 `json:"altitude"`
	Speed             *float64 `json:"speed"`
	Direction         *float64 `json:"direction"`
	Latitude          float64  `json:"latitude"`
	Longitude         float64  `json:"longitude"`
}

func (r *CoordReport) ReportType() string { return "location" }

func (r *CoordReport) MarshalJSON() ([]byte, error) {
	type alias CoordReport
	return json.Marshal(struct {
		*alias
		Type string `json:"type"`
	}{(*alias)(r), r.ReportType()})
}

// HintReport carries raw cell and Wi-Fi observations for a device that
// could not get a GPS fix. The rectifier turns it into a CoordReport.
type HintReport struct {
	DevTime           *string   `json:"devtime"`
	BatteryPercentage *int      `json:"battery_percentage"`
	MCC               int       `json:"mcc"`
	MNC               int       `json:"mnc"`
	GSMCells          []GSMCell `json:"gsm_cells"`
	WiFiAPs           []WiFiAP  `json:"wifi_aps"`
}

func (r *HintReport) ReportType() string { return "approximate_location" }

func (r *HintReport) MarshalJSON() ([]byte, error) {
	type alias HintReport
	return json.Marshal(struct {
		*alias
		Type string `json:"type"`
	}{(*alias)(r), r.ReportType()})
}

// StatusReport carries periodic device health data.
type StatusReport struct {
	BatteryPercentage *int `json:"battery_percentage"`
}

func (r *StatusReport) ReportType() string { return "status" }

func (r *StatusReport) MarshalJSON() ([]byte, error) {
	type alias StatusReport
	return json.Marshal(struct {
		*alias
		Type string `json:"type"`
	}{(*alias)(r), r.ReportType()})
}
