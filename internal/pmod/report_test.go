package pmod

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordReportJSON(t *testing.T) {
	r := &CoordReport{
		DevTime:           Ptr("2017-08-12 11:45:00+00:00"),
		BatteryPercentage: Ptr(90),
		Accuracy:          Ptr(34.1),
		Speed:             Ptr(4.5),
		Latitude:          53.5,
		Longitude:         12.7,
	}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"devtime": "2017-08-12 11:45:00+00:00",
		"battery_percentage": 90,
		"accuracy": 34.1,
		"altitude": null,
		"speed": 4.5,
		"direction": null,
		"latitude": 53.5,
		"longitude": 12.7,
		"type": "location"
	}`, string(data))
	// Unset optionals are null, never omitted, and the discriminator
	// closes the object.
	assert.True(t, strings.HasSuffix(string(data), `"type":"location"}`), string(data))
}

func TestHintReportJSON(t *testing.T) {
	r := &HintReport{
		DevTime: Ptr("2017-08-12 11:45:00+00:00"),
		MCC:     262,
		MNC:     3,
		GSMCells: []GSMCell{
			{LocAC: 24420, CellID: 27178, Signal: -90},
			{LocAC: 24420, CellID: 36243, Signal: -78},
		},
		WiFiAPs: []WiFiAP{
			{SSID: "TrackerAP", MAC: "38:F8:89:AB:CD:EF", Signal: -53},
		},
	}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"devtime": "2017-08-12 11:45:00+00:00",
		"battery_percentage": null,
		"mcc": 262,
		"mnc": 3,
		"gsm_cells": [[24420, 27178, -90], [24420, 36243, -78]],
		"wifi_aps": [["TrackerAP", "38:F8:89:AB:CD:EF", -53]],
		"type": "approximate_location"
	}`, string(data))

	var got HintReport
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, r.GSMCells, got.GSMCells)
	assert.Equal(t, r.WiFiAPs, got.WiFiAPs)
	assert.Equal(t, r.DevTime, got.DevTime)
}

func TestStatusReportJSON(t *testing.T) {
	data, err := json.Marshal(&StatusReport{BatteryPercentage: Ptr(85)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"battery_percentage": 85, "type": "status"}`, string(data))

	data, err = json.Marshal(&StatusReport{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"battery_percentage": null, "type": "status"}`, string(data))
}

func TestCellAndAPArrayForms(t *testing.T) {
	var cell GSMCell
	require.NoError(t, json.Unmarshal([]byte(`[24420, 16594, -63]`), &cell))
	assert.Equal(t, GSMCell{LocAC: 24420, CellID: 16594, Signal: -63}, cell)
	require.Error(t, json.Unmarshal([]byte(`[24420, 16594]`), &cell))

	var ap WiFiAP
	require.NoError(t, json.Unmarshal([]byte(`["", "00:11:22:33:44:55", -70]`), &ap))
	assert.Equal(t, WiFiAP{MAC: "00:11:22:33:44:55", Signal: -70}, ap)
	require.Error(t, json.Unmarshal([]byte(`["oops"]`), &ap))
}
