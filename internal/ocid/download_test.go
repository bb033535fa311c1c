package ocid

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const csvHeader = "radio,mcc,net,area,cell,unit,lon,lat,range,samples,changeable,created,updated,averageSignal"

var csvRows = []string{
	"GSM,262,3,24420,16594,-1,12.681939,53.52603,22733,1999,1,1556575612,1653387028,0",
	"GSM,262,3,24420,36243,-1,12.66442,53.527534,21679,1980,1,1540870608,1653387028,0",
	"UMTS,262,2,24420,36243,-1,12.61111,53.536626,1000,4,1,1623218739,1652696033,0",
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func gzCSV(t *testing.T, lines ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func writeToken(t *testing.T, token string) string {
	t.Helper()
	fn := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(fn, []byte(token+"\n"), 0o600))
	return fn
}

func openCells(t *testing.T, dbfn string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+dbfn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func cellCount(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`select count(*) from cells`).Scan(&n))
	return n
}

func TestDownloadPopulatesCells(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write(gzCSV(t, append([]string{csvHeader}, csvRows...)...))
	}))
	defer srv.Close()
	old := endpoint
	endpoint = srv.URL
	t.Cleanup(func() { endpoint = old })

	dbfn := filepath.Join(t.TempDir(), "ocid.sqlite")
	err := Download(context.Background(), Config{
		Logger:    discard(),
		DBFn:      dbfn,
		TokenFile: writeToken(t, "sekrit"),
		MCC:       "262",
	})
	require.NoError(t, err)
	assert.Equal(t, "token=sekrit&type=mcc&file=262.csv.gz", gotQuery)

	db := openCells(t, dbfn)
	assert.Equal(t, 3, cellCount(t, db))

	// Column affinity turns the CSV strings into numbers.
	var (
		mcc int
		lat float64
	)
	require.NoError(t, db.QueryRow(
		`select mcc, lat from cells where area = 24420 and cell = 16594`,
	).Scan(&mcc, &lat))
	assert.Equal(t, 262, mcc)
	assert.InDelta(t, 53.52603, lat, 1e-9)
}

func TestDownloadFullRequestsWorldFile(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write(gzCSV(t, csvHeader, csvRows[0]))
	}))
	defer srv.Close()
	old := endpoint
	endpoint = srv.URL
	t.Cleanup(func() { endpoint = old })

	err := Download(context.Background(), Config{
		Logger:    discard(),
		DBFn:      filepath.Join(t.TempDir(), "ocid.sqlite"),
		TokenFile: writeToken(t, "sekrit"),
		MCC:       "full",
	})
	require.NoError(t, err)
	assert.Equal(t, "token=sekrit&type=full&file=cell_towers.csv.gz", gotQuery)
}

func TestDownloadReplacesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(gzCSV(t, csvHeader, csvRows[0]))
	}))
	defer srv.Close()

	dbfn := filepath.Join(t.TempDir(), "ocid.sqlite")
	db := openCells(t, dbfn)
	_, err := db.Exec(Schema)
	require.NoError(t, err)
	_, err = db.Exec(`insert into cells values
		('GSM', 1, 1, 1, 1, -1, 0.0, 0.0, 0, 0, 1, 0, 0, 0)`)
	require.NoError(t, err)

	cfg := Config{Logger: discard(), DBFn: dbfn, URL: srv.URL}
	require.NoError(t, Download(context.Background(), cfg))

	assert.Equal(t, 1, cellCount(t, db))
	var radio string
	require.NoError(t, db.QueryRow(`select radio from cells`).Scan(&radio))
	assert.Equal(t, "GSM", radio)
	var cell int
	require.NoError(t, db.QueryRow(`select cell from cells`).Scan(&cell))
	assert.Equal(t, 16594, cell)
}

func TestDownloadEmptyExportKeepsSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(gzCSV(t, csvHeader))
	}))
	defer srv.Close()

	dbfn := filepath.Join(t.TempDir(), "ocid.sqlite")
	db := openCells(t, dbfn)
	_, err := db.Exec(Schema)
	require.NoError(t, err)
	_, err = db.Exec(`insert into cells values
		('GSM', 262, 3, 24420, 16594, -1, 12.681939, 53.52603, 22733, 1999, 1, 1556575612, 1653387028, 0)`)
	require.NoError(t, err)

	cfg := Config{Logger: discard(), DBFn: dbfn, URL: srv.URL}
	require.NoError(t, Download(context.Background(), cfg))

	assert.Equal(t, 1, cellCount(t, db), "empty export must not clear the snapshot")
}

func TestDownloadWithoutTokenIsANoop(t *testing.T) {
	dbfn := filepath.Join(t.TempDir(), "ocid.sqlite")
	err := Download(context.Background(), Config{
		Logger:    discard(),
		DBFn:      dbfn,
		TokenFile: filepath.Join(t.TempDir(), "missing"),
		MCC:       "262",
	})
	require.NoError(t, err)
	_, err = os.Stat(dbfn)
	assert.True(t, os.IsNotExist(err), "no download, no database")
}

func TestDownloadErrorStatus(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, "no such file", http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := Config{
		Logger: discard(),
		DBFn:   filepath.Join(t.TempDir(), "ocid.sqlite"),
		URL:    srv.URL,
	}
	err := Download(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, 1, requests, "client errors are not retried")
}
