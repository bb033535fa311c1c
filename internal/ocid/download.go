// Package ocid populates the local snapshot of the OpenCellID tower
// database that the rectifier resolves cell observations against.
package ocid

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"

	_ "modernc.org/sqlite"
)

// endpoint is the OpenCellID download service. The file parameter of
// the query is "cell_towers" for the worldwide database or a bare MCC
// for one country's slice. Tests point this at a local server.
var endpoint = "https://opencellid.org/ocid/downloads"

// Schema is the cells table, one column per CSV field of the
// OpenCellID export. Column affinity does the number conversion, so
// rows can be inserted as the raw CSV strings.
const Schema = `create table if not exists cells (
  "radio" text,
  "mcc" int,
  "net" int,
  "area" int,
  "cell" int,
  "unit" int,
  "lon" int,
  "lat" int,
  "range" int,
  "samples" int,
  "changeable" int,
  "created" int,
  "updated" int,
  "averageSignal" int
)`

// indexDDL backs the rectifier's (area, cell) lookups.
const indexDDL = `create index if not exists cell_idx on cells (area, cell)`

const columns = 14

type Config struct {
	Logger *slog.Logger
	DBFn   string
	// URL is the complete download URL. When empty it is built from
	// TokenFile and MCC.
	URL string
	// TokenFile names a file holding the OpenCellID API token.
	TokenFile string
	// MCC selects one country's towers, or "full" for the whole world.
	MCC string
	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DBFn == "" {
		return errors.New("dbfn is required")
	}
	if cfg.HTTPClient == nil {
		// Worldwide exports run to gigabytes, allow for a slow pipe.
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Minute}
	}
	return nil
}

// Download streams the configured CSV export into the cells table,
// replacing the previous content in one transaction. With no token
// configured it logs and returns nil, so a scheduled run on a host
// without credentials is not an error. An empty download rolls back,
// keeping the previous snapshot.
func Download(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	dlurl := cfg.URL
	mcc := "<unspecified>"
	if dlurl == "" {
		raw, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			cfg.Logger.Warn("opencellid access token not configured, cannot download", "error", err)
			return nil
		}
		token := strings.TrimSpace(string(raw))
		mcc = cfg.MCC
		dltype, fname := "mcc", mcc
		if mcc == "full" {
			dltype, fname = "full", "cell_towers"
		}
		dlurl = fmt.Sprintf("%s?token=%s&type=%s&file=%s.csv.gz",
			endpoint, url.QueryEscape(token), dltype, url.QueryEscape(fname))
	}

	db, err := sql.Open("sqlite", "file:"+cfg.DBFn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.DBFn, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create cells table: %w", err)
	}

	resp, err := get(ctx, cfg.HTTPClient, dlurl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin repopulation: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `delete from cells`); err != nil {
		return fmt.Errorf("clear cells: %w", err)
	}
	count, err := insertRows(ctx, tx, gz)
	if err != nil {
		return err
	}
	if count == 0 {
		cfg.Logger.Warn("no rows in the download, keeping the previous snapshot", "mcc", mcc)
		return nil
	}
	if _, err := tx.ExecContext(ctx, indexDDL); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit repopulation: %w", err)
	}
	cfg.Logger.Info("repopulated cells", "dbfn", cfg.DBFn, "rows", count, "mcc", mcc)
	return nil
}

func insertRows(ctx context.Context, tx *sql.Tx, r io.Reader) (int, error) {
	ins, err := tx.PrepareContext(ctx,
		`insert into cells values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer ins.Close()

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = columns
	cr.ReuseRecord = true
	args := make([]any, columns)
	count := 0
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("read csv row: %w", err)
		}
		if count == 0 && row[0] == "radio" {
			// Header line of the export.
			continue
		}
		for i, f := range row {
			args[i] = f
		}
		if _, err := ins.ExecContext(ctx, args...); err != nil {
			return count, fmt.Errorf("insert row %d: %w", count+1, err)
		}
		count++
	}
}

func get(ctx context.Context, client *http.Client, dlurl string) (*http.Response, error) {
	var resp *http.Response
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, dlurl, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		r, err := client.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode != http.StatusOK {
			r.Body.Close()
			err := fmt.Errorf("download: %s", r.Status)
			if r.StatusCode >= 400 && r.StatusCode < 500 &&
				r.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxElapsedTime(time.Minute),
	)
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}
