package rectifier

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trkplane/trkplane/internal/pmod"
)

func writeKey(t *testing.T, key string) string {
	t.Helper()
	fn := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(fn, []byte(key+"\n"), 0o600))
	return fn
}

func googleBackend(t *testing.T, baseURL string) *GoogleMaps {
	t.Helper()
	g, err := NewGoogleMaps(slog.New(slog.NewTextHandler(io.Discard, nil)), writeKey(t, "sekrit"), baseURL)
	require.NoError(t, err)
	return g
}

var googleHint = &pmod.HintReport{
	MCC: 262,
	MNC: 3,
	GSMCells: []pmod.GSMCell{
		{LocAC: 24420, CellID: 16594, Signal: -60},
		{LocAC: 24420, CellID: 36243, Signal: -78},
	},
	WiFiAPs: []pmod.WiFiAP{
		{SSID: "HOME", MAC: "38:F8:89:AB:CD:EF", Signal: -53},
	},
}

func TestGoogleMapsLookup(t *testing.T) {
	var (
		gotQuery string
		gotBody  []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"location": {"lat": 53.5, "lng": 12.7}, "accuracy": 20.5}`)
	}))
	t.Cleanup(srv.Close)

	g := googleBackend(t, srv.URL)
	lat, lon, acc, err := g.Lookup(context.Background(), googleHint)
	require.NoError(t, err)
	assert.Equal(t, 53.5, lat)
	assert.Equal(t, 12.7, lon)
	assert.Equal(t, 20.5, acc)

	assert.Equal(t, "key=sekrit", gotQuery)
	assert.JSONEq(t, `{
		"homeMobileCountryCode": 262,
		"homeMobileNetworkCode": 3,
		"radioType": "gsm",
		"carrier": "O2",
		"considerIp": false,
		"cellTowers": [
			{"locationAreaCode": 24420, "cellId": 16594, "signalStrength": -60},
			{"locationAreaCode": 24420, "cellId": 36243, "signalStrength": -78}
		],
		"wifiAccessPoints": [
			{"macAddress": "38:F8:89:AB:CD:EF", "signalStrength": -53}
		]
	}`, string(gotBody))
}

func TestGoogleMapsClientErrorNotRetried(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, `{"error": {"message": "keyInvalid"}}`, http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	g := googleBackend(t, srv.URL)
	_, _, _, err := g.Lookup(context.Background(), googleHint)
	require.ErrorContains(t, err, "403")
	assert.Equal(t, 1, requests)
}

func TestGoogleMapsRetriesServerError(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			http.Error(w, "backend wobble", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"location": {"lat": 1.5, "lng": 2.5}, "accuracy": 10}`)
	}))
	t.Cleanup(srv.Close)

	g := googleBackend(t, srv.URL)
	lat, lon, acc, err := g.Lookup(context.Background(), googleHint)
	require.NoError(t, err)
	assert.Equal(t, 1.5, lat)
	assert.Equal(t, 2.5, lon)
	assert.Equal(t, float64(10), acc)
	assert.Equal(t, 2, requests)
}

func TestGoogleMapsKeyFile(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewGoogleMaps(log, filepath.Join(t.TempDir(), "missing"), "")
	require.Error(t, err)

	_, err = NewGoogleMaps(log, writeKey(t, ""), "")
	require.ErrorContains(t, err, "empty")
}
