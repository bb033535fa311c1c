package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConf = `
common:
  protocols: [zx303]
collector:
  port: 14303
  busurl: nats://127.0.0.1:14222
  busembed: false
storage:
  dbfn: /var/lib/trkplane/trkplane.sqlite
  events: true
rectifier:
  lookaside: opencellid
opencellid:
  dbfn: /var/lib/trkplane/opencellid.sqlite
  downloadtoken: /etc/trkplane-ocid-token
  downloadmcc: "262"
googlemaps:
  accesstoken: /etc/trkplane-google-token
wsgateway:
  port: 15049
  htmlfile: /usr/share/trkplane/index.html
  backlog: 10
termconfig:
  statusintervalminutes: 5
  sosphones: ["0000000001", "0000000002"]
8354369077195560:
  statusintervalminutes: 60
  uploadintervalseconds: 300
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sampleConf))
	require.NoError(t, err)

	assert.Equal(t, []string{"zx303"}, f.Common.Protocols)
	assert.Equal(t, 14303, f.Collector.Port)
	assert.Equal(t, "nats://127.0.0.1:14222", f.Collector.BusURL)
	assert.False(t, f.Collector.BusEmbed)
	assert.Equal(t, "/var/lib/trkplane/trkplane.sqlite", f.Storage.DBFn)
	assert.True(t, f.Storage.Events)
	assert.Equal(t, "opencellid", f.Rectifier.Lookaside)
	assert.Equal(t, "262", f.OpenCellID.DownloadMCC)
	assert.Equal(t, "/etc/trkplane-google-token", f.GoogleMaps.AccessToken)
	assert.Equal(t, 15049, f.WSGateway.Port)
	assert.Equal(t, 10, f.WSGateway.Backlog)

	require.NotNil(t, f.TermConfig)
	assert.Equal(t, 5, f.TermConfig["statusintervalminutes"])
	assert.Equal(t, []string{"0000000001", "0000000002"}, f.TermConfig["sosphones"])
}

func TestParseDefaults(t *testing.T) {
	f, err := Parse([]byte("storage:\n  dbfn: /tmp/db.sqlite\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"zx303", "beesure"}, f.Common.Protocols)
	assert.Equal(t, 4303, f.Collector.Port)
	assert.Equal(t, "nats://127.0.0.1:4222", f.Collector.BusURL)
	assert.True(t, f.Collector.BusEmbed)
	assert.False(t, f.Storage.Events)
	assert.Equal(t, 5049, f.WSGateway.Port)
	assert.Equal(t, 5, f.WSGateway.Backlog)
	assert.Nil(t, f.TermConfig)
}

func TestTerminalSection(t *testing.T) {
	f, err := Parse([]byte(sampleConf))
	require.NoError(t, err)

	// The per-IMEI section completely replaces the defaults.
	own := f.TerminalSection("8354369077195560")
	require.NotNil(t, own)
	assert.Equal(t, 60, own["statusintervalminutes"])
	assert.Equal(t, 300, own["uploadintervalseconds"])
	assert.NotContains(t, own, "sosphones")

	// Unknown devices fall back to the termconfig section.
	other := f.TerminalSection("0000000000000001")
	require.NotNil(t, other)
	assert.Equal(t, 5, other["statusintervalminutes"])
}

func TestParseRejectsBadOptionValues(t *testing.T) {
	for name, doc := range map[string]string{
		"mixed list":   "termconfig:\n  opts: [1, two]\n",
		"bool value":   "termconfig:\n  enabled: true\n",
		"float value":  "termconfig:\n  ratio: 1.5\n",
		"nested map":   "termconfig:\n  sub:\n    k: v\n",
		"empty list":   "termconfig:\n  opts: []\n",
		"list of bool": "termconfig:\n  opts: [true, false]\n",
		"per-imei bad": "1234567890123456:\n  opts: [1, two]\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trkplane.conf")
	require.NoError(t, os.WriteFile(path, []byte(sampleConf), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 14303, f.Collector.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.conf"))
	require.Error(t, err)
}
