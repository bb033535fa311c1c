package rectifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/trkplane/trkplane/internal/pmod"
)

// googleGeolocateURL is the production endpoint of the geolocation API.
const googleGeolocateURL = "https://www.googleapis.com/geolocation/v1/geolocate"

// GoogleMaps answers lookups through the Google geolocation web API,
// sending both the cell towers and the access points of the hint.
type GoogleMaps struct {
	log   *slog.Logger
	key   string
	url   string
	httpc *http.Client
}

// NewGoogleMaps reads the API key from the named file. baseURL
// overrides the production endpoint, for tests.
func NewGoogleMaps(log *slog.Logger, keyfile, baseURL string) (*GoogleMaps, error) {
	if log == nil {
		log = slog.Default()
	}
	raw, err := os.ReadFile(keyfile)
	if err != nil {
		return nil, fmt.Errorf("read access token: %w", err)
	}
	key := strings.TrimSpace(string(raw))
	if key == "" {
		return nil, fmt.Errorf("access token file %s is empty", keyfile)
	}
	if baseURL == "" {
		baseURL = googleGeolocateURL
	}
	return &GoogleMaps{
		log:   log,
		key:   key,
		url:   baseURL,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (g *GoogleMaps) Close() error { return nil }

type geolocateCell struct {
	LocationAreaCode int `json:"locationAreaCode"`
	CellID           int `json:"cellId"`
	SignalStrength   int `json:"signalStrength"`
}

type geolocateAP struct {
	MACAddress     string `json:"macAddress"`
	SignalStrength int    `json:"signalStrength"`
}

type geolocateRequest struct {
	HomeMobileCountryCode int             `json:"homeMobileCountryCode"`
	HomeMobileNetworkCode int             `json:"homeMobileNetworkCode"`
	RadioType             string          `json:"radioType"`
	Carrier               string          `json:"carrier"`
	ConsiderIP            bool            `json:"considerIp"`
	CellTowers            []geolocateCell `json:"cellTowers"`
	WiFiAccessPoints      []geolocateAP   `json:"wifiAccessPoints"`
}

type geolocateResponse struct {
	Location struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"location"`
	Accuracy float64 `json:"accuracy"`
}

func (g *GoogleMaps) Lookup(ctx context.Context, hint *pmod.HintReport) (float64, float64, float64, error) {
	req := geolocateRequest{
		HomeMobileCountryCode: hint.MCC,
		HomeMobileNetworkCode: hint.MNC,
		RadioType:             "gsm",
		Carrier:               "O2",
		ConsiderIP:            false,
		CellTowers:            make([]geolocateCell, 0, len(hint.GSMCells)),
		WiFiAccessPoints:      make([]geolocateAP, 0, len(hint.WiFiAPs)),
	}
	for _, c := range hint.GSMCells {
		req.CellTowers = append(req.CellTowers, geolocateCell{
			LocationAreaCode: c.LocAC,
			CellID:           c.CellID,
			SignalStrength:   c.Signal,
		})
	}
	for _, ap := range hint.WiFiAPs {
		req.WiFiAccessPoints = append(req.WiFiAccessPoints, geolocateAP{
			MACAddress:     ap.MAC,
			SignalStrength: ap.Signal,
		})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("encode geolocate request: %w", err)
	}

	var loc geolocateResponse
	op := func() error {
		return g.post(ctx, body, &loc)
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxElapsedTime(15*time.Second),
	)
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return 0, 0, 0, err
	}
	return loc.Location.Lat, loc.Location.Lng, loc.Accuracy, nil
}

func (g *GoogleMaps) post(ctx context.Context, body []byte, loc *geolocateResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.url+"?key="+url.QueryEscape(g.key), bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("geolocate: %s: %s", resp.Status, strings.TrimSpace(string(data)))
		// Client-side errors will not get better on retry, except for
		// rate limiting.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := json.Unmarshal(data, loc); err != nil {
		return backoff.Permanent(fmt.Errorf("decode geolocate response: %w", err))
	}
	return nil
}
