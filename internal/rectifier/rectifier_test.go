package rectifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trkplane/trkplane/internal/bus"
	"github.com/trkplane/trkplane/internal/pmod"
	"github.com/trkplane/trkplane/internal/pmod/beesure"
	"github.com/trkplane/trkplane/internal/pmod/zx303"
)

func bsFrame(imei, body string) []byte {
	return []byte(fmt.Sprintf("[LT*%s*%04X*%s]", imei, len(body), body))
}

// lookasideFunc adapts a plain function to the Lookaside interface.
type lookasideFunc func(ctx context.Context, hint *pmod.HintReport) (float64, float64, float64, error)

func (f lookasideFunc) Lookup(ctx context.Context, hint *pmod.HintReport) (lat, lon, accuracy float64, err error) {
	return f(ctx, hint)
}

func (lookasideFunc) Close() error { return nil }

func startBus(t *testing.T) *bus.Conn {
	t.Helper()
	srv, err := bus.StartServer("127.0.0.1", -1)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	conn, err := bus.Connect(srv.ClientURL(), "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func startRectifier(t *testing.T, conn *bus.Conn, look Lookaside) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := New(Config{
		Logger:    log,
		Bus:       conn,
		Registry:  pmod.NewRegistry(zx303.New(log, clockwork.NewRealClock()), beesure.New(log)),
		Lookaside: look,
		Workers:   2,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func subscribeResp(t *testing.T, conn *bus.Conn) <-chan *bus.Resp {
	t.Helper()
	ch := make(chan *bus.Resp, 64)
	sub, err := conn.SubscribeResp(ch)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Unsubscribe() })
	require.NoError(t, conn.Flush())
	return ch
}

func subscribeRept(t *testing.T, conn *bus.Conn, imei string) <-chan *bus.Rept {
	t.Helper()
	ch := make(chan *bus.Rept, 64)
	sub, err := conn.SubscribeRept(bus.SubjectRept(imei), ch)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Unsubscribe() })
	require.NoError(t, conn.Flush())
	return ch
}

func nextResp(t *testing.T, ch <-chan *bus.Resp) *bus.Resp {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for resp")
		return nil
	}
}

func nextRept(t *testing.T, ch <-chan *bus.Rept) map[string]any {
	t.Helper()
	select {
	case r := <-ch:
		var report map[string]any
		require.NoError(t, json.Unmarshal(r.Payload, &report))
		return report
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for rept")
		return nil
	}
}

// Online Wi-Fi positioning observation: two access points and three
// towers, one of which is absent from the tower database.
func wifiPositioningPacket() []byte {
	payload := []byte{0x17, 0x08, 0x12, 0x11, 0x45, 0x00} // 2017-08-12 11:45:00 in BCD
	payload = append(payload,
		0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 89,
		0x92, 0x93, 0x94, 0x95, 0x96, 0x97, 70,
	)
	payload = append(payload, 3)          // cells
	payload = append(payload, 0x01, 0x06) // mcc 262
	payload = append(payload, 3)          // mnc
	for _, cell := range []struct {
		lac, cid uint16
		sig      byte
	}{
		{24420, 27178, 90},
		{24420, 36243, 78},
		{24420, 17012, 44},
	} {
		payload = append(payload,
			byte(cell.lac>>8), byte(cell.lac),
			byte(cell.cid>>8), byte(cell.cid),
			cell.sig,
		)
	}
	return append([]byte{2, 0x69}, payload...)
}

func TestDaemonRectifiesWiFiPositioning(t *testing.T) {
	conn := startBus(t)
	look, err := NewOpenCellID(slog.New(slog.NewTextHandler(io.Discard, nil)), towerDB(t))
	require.NoError(t, err)
	t.Cleanup(func() { look.Close() })
	startRectifier(t, conn, look)

	const imei = "3590001234567890"
	resps := subscribeResp(t, conn)
	repts := subscribeRept(t, conn, imei)

	envelope := &bus.Bcast{
		IsIncoming: true,
		Proto:      "ZX:WIFI_POSITIONING",
		IMEI:       imei,
		When:       1700000000.25,
		Packet:     wifiPositioningPacket(),
	}
	// Republishing while the daemon's subscription settles yields
	// identical responses, so asserting on the first of each is safe.
	require.Eventually(t, func() bool {
		require.NoError(t, conn.PublishBcast(envelope))
		return len(repts) > 0
	}, 3*time.Second, 50*time.Millisecond)

	// The device is online and waits for the fix on its socket.
	resp := nextResp(t, resps)
	assert.Equal(t, imei, resp.IMEI)
	assert.Equal(t, 1700000000.25, resp.When)
	require.GreaterOrEqual(t, len(resp.Packet), 2)
	assert.Equal(t, byte(len(resp.Packet)-1), resp.Packet[0])
	assert.Equal(t, byte(0x69), resp.Packet[1])
	coords := strings.Split(string(resp.Packet[2:]), ",")
	require.Len(t, coords, 2)
	lat, err := strconv.ParseFloat(coords[0], 64)
	require.NoError(t, err)
	lon, err := strconv.ParseFloat(coords[1], 64)
	require.NoError(t, err)
	assert.InDelta(t, 53.52902, lat, 0.0001)
	assert.InDelta(t, 12.71344, lon, 0.0001)

	report := nextRept(t, repts)
	assert.Equal(t, "location", report["type"])
	assert.Equal(t, "2017-08-12 11:45:00+00:00", report["devtime"])
	assert.Equal(t, 99.9, report["accuracy"])
	assert.InDelta(t, 53.52902, report["latitude"], 0.0001)
	assert.InDelta(t, 12.71344, report["longitude"], 0.0001)
	assert.Nil(t, report["battery_percentage"])
}

func TestDaemonForwardsCoordAndStatusReports(t *testing.T) {
	conn := startBus(t)
	var lookups atomic.Int64
	look := lookasideFunc(func(context.Context, *pmod.HintReport) (float64, float64, float64, error) {
		lookups.Add(1)
		return 0, 0, 0, errors.New("unexpected lookup")
	})
	startRectifier(t, conn, look)

	const bsIMEI = "0123456789"
	const zxIMEI = "3590001234567890"
	resps := subscribeResp(t, conn)
	bsRepts := subscribeRept(t, conn, bsIMEI)
	zxRepts := subscribeRept(t, conn, zxIMEI)

	// A terminal with a GPS fix reports coordinates directly.
	body := "UD,220414,134652,A,53.5,N,12.7,E,0.1,0.0,100,7,60,90,1000,50,0000," +
		"1,1,262,3,24420,16594,131,1,HOME-AP,38:F8:89:AB:CD:EF,-53,34.1"
	ud := &bus.Bcast{
		IsIncoming: true,
		Proto:      "BS:UD",
		IMEI:       bsIMEI,
		When:       1700000001.5,
		Packet:     bsFrame(bsIMEI, body),
	}
	require.Eventually(t, func() bool {
		require.NoError(t, conn.PublishBcast(ud))
		return len(bsRepts) > 0
	}, 3*time.Second, 50*time.Millisecond)

	report := nextRept(t, bsRepts)
	assert.Equal(t, "location", report["type"])
	assert.Equal(t, 53.5, report["latitude"])
	assert.Equal(t, 12.7, report["longitude"])
	assert.Equal(t, 34.1, report["accuracy"])
	assert.Equal(t, float64(90), report["battery_percentage"])
	assert.Equal(t, "2014-04-22 13:46:52+00:00", report["devtime"])

	status := &bus.Bcast{
		IsIncoming: true,
		Proto:      "ZX:STATUS",
		IMEI:       zxIMEI,
		When:       1700000002.75,
		Packet:     []byte{0x07, 0x13, 85, 6, 2, 25, 4},
	}
	require.Eventually(t, func() bool {
		require.NoError(t, conn.PublishBcast(status))
		return len(zxRepts) > 0
	}, 3*time.Second, 50*time.Millisecond)

	report = nextRept(t, zxRepts)
	assert.Equal(t, "status", report["type"])
	assert.Equal(t, float64(85), report["battery_percentage"])

	// Neither message needed the lookaside or a device response.
	assert.Zero(t, lookups.Load())
	assert.Zero(t, len(resps))
}

func TestDaemonSkipsFailedLookups(t *testing.T) {
	conn := startBus(t)
	var lookups atomic.Int64
	look := lookasideFunc(func(context.Context, *pmod.HintReport) (float64, float64, float64, error) {
		lookups.Add(1)
		return 0, 0, 0, errors.New("backend down")
	})
	startRectifier(t, conn, look)

	const wifiIMEI = "3590001234567890"
	const udIMEI = "0123456789"
	resps := subscribeResp(t, conn)
	wifiRepts := subscribeRept(t, conn, wifiIMEI)
	udRepts := subscribeRept(t, conn, udIMEI)

	envelope := &bus.Bcast{
		IsIncoming: true,
		Proto:      "ZX:WIFI_POSITIONING",
		IMEI:       wifiIMEI,
		When:       1700000000.25,
		Packet:     wifiPositioningPacket(),
	}
	require.Eventually(t, func() bool {
		require.NoError(t, conn.PublishBcast(envelope))
		return lookups.Load() > 0
	}, 3*time.Second, 50*time.Millisecond)

	// Push an unrelated report through to flush anything the failed
	// lookup might have produced, then check nothing arrived.
	body := "UD,220414,134652,A,53.5,N,12.7,E,0.1,0.0,100,7,60,90,1000,50,0000," +
		"1,1,262,3,24420,16594,131,1,HOME-AP,38:F8:89:AB:CD:EF,-53,34.1"
	require.Eventually(t, func() bool {
		require.NoError(t, conn.PublishBcast(&bus.Bcast{
			IsIncoming: true,
			Proto:      "BS:UD",
			IMEI:       udIMEI,
			When:       1700000003.0,
			Packet:     bsFrame(udIMEI, body),
		}))
		return len(udRepts) > 0
	}, 3*time.Second, 50*time.Millisecond)

	assert.Zero(t, len(wifiRepts))
	assert.Zero(t, len(resps))
}

func TestDaemonConfigValidation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
