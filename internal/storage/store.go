// Package storage persists bus traffic in the single write-ahead-log
// sqlite database: location reports always, raw traffic events when
// enabled, and the imei-to-protocol map used to address commands to
// devices that are currently offline.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

// PmodTTL bounds how long a pmodmap row counts as current. Commands to
// devices last seen longer ago than this are refused.
const PmodTTL = time.Hour

const schema = `
create table if not exists events (
	tstamp real not null,
	imei text,
	peeraddr text not null,
	is_incoming int not null default TRUE,
	proto text not null,
	packet blob,
	unique (tstamp, imei, peeraddr, is_incoming, proto, packet)
);
create table if not exists reports (
	imei text,
	devtime text not null,
	accuracy real,
	latitude real,
	longitude real,
	remainder text,
	unique (imei, devtime, accuracy, latitude, longitude, remainder)
);
create table if not exists pmodmap (
	imei text unique,
	pmod text,
	tstamp real
);
`

type StoreConfig struct {
	Logger *slog.Logger
	DBFn   string
	// ReadOnly opens the database for backlog and pmodmap queries
	// only. The storage daemon is the single writer.
	ReadOnly bool
	Clock    clockwork.Clock
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DBFn == "" {
		return errors.New("dbfn is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store wraps the sqlite database holding events, reports and pmodmap.
type Store struct {
	log   *slog.Logger
	db    *sql.DB
	clock clockwork.Clock
}

// OpenStore opens (and in read-write mode initializes) the database.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dsn := "file:" + cfg.DBFn + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if cfg.ReadOnly {
		dsn += "&mode=ro"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DBFn, err)
	}
	// sqlite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY between our own statements.
	db.SetMaxOpenConns(1)
	s := &Store{log: cfg.Logger, db: db, clock: cfg.Clock}
	if !cfg.ReadOnly {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Event is one row of raw terminal traffic.
type Event struct {
	When       float64
	IMEI       string // empty means unknown
	PeerAddr   string
	IsIncoming bool
	Proto      string
	Packet     []byte
}

// StowEvent archives one raw packet. Replayed duplicates are ignored.
func (s *Store) StowEvent(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx,
		`insert or ignore into events
		    (tstamp, imei, peeraddr, proto, packet, is_incoming)
		    values (?, ?, ?, ?, ?, ?)`,
		ev.When, nullIfEmpty(ev.IMEI), ev.PeerAddr, ev.Proto, ev.Packet, ev.IsIncoming)
	if err != nil {
		return fmt.Errorf("stow event: %w", err)
	}
	return nil
}

// StowLoc stores one rectified location report. The known columns are
// taken out of the report map; everything else lands in the remainder
// JSON so later schema additions round-trip unharmed.
func (s *Store) StowLoc(ctx context.Context, imei string, report map[string]any) error {
	devtime, _ := popValue(report, "devtime").(string)
	if devtime == "" {
		devtime = s.clock.Now().Format("2006-01-02 15:04:05")
	}
	accuracy := popFloat(report, "accuracy")
	latitude := popFloat(report, "latitude")
	longitude := popFloat(report, "longitude")
	remainder, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("stow report remainder: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`insert or ignore into reports
		    (imei, devtime, accuracy, latitude, longitude, remainder)
		    values (?, ?, ?, ?, ?, ?)`,
		nullIfEmpty(imei), devtime, accuracy, latitude, longitude, string(remainder))
	if err != nil {
		return fmt.Errorf("stow report: %w", err)
	}
	return nil
}

// StowPmod records the protocol module a device was last seen speaking.
func (s *Store) StowPmod(ctx context.Context, imei, pmod string, when float64) error {
	_, err := s.db.ExecContext(ctx,
		`insert or replace into pmodmap (imei, pmod, tstamp) values (?, ?, ?)`,
		imei, pmod, when)
	if err != nil {
		return fmt.Errorf("stow pmod: %w", err)
	}
	return nil
}

// FetchPmod returns the protocol module name last recorded for the
// device, or the empty string when there is none or the record is
// older than PmodTTL.
func (s *Store) FetchPmod(ctx context.Context, imei string) (string, error) {
	var (
		pmod   string
		tstamp float64
	)
	err := s.db.QueryRowContext(ctx,
		`select pmod, tstamp from pmodmap where imei = ?`, imei,
	).Scan(&pmod, &tstamp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fetch pmod: %w", err)
	}
	if float64(s.clock.Now().UnixNano())/1e9-tstamp > PmodTTL.Seconds() {
		return "", nil
	}
	return pmod, nil
}

// FetchBacklog returns up to backlog stored reports for one device,
// oldest first, each as the flat map the gateway hands to subscribers.
func (s *Store) FetchBacklog(ctx context.Context, imei string, backlog int) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`select imei, devtime, accuracy, latitude, longitude, remainder
		    from reports where imei = ? order by rowid desc limit ?`,
		imei, backlog)
	if err != nil {
		return nil, fmt.Errorf("fetch backlog: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var (
			rimei, devtime string
			acc, lat, lon  sql.NullFloat64
			remainder      sql.NullString
		)
		if err := rows.Scan(&rimei, &devtime, &acc, &lat, &lon, &remainder); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		report := make(map[string]any)
		if remainder.Valid && remainder.String != "" {
			if err := json.Unmarshal([]byte(remainder.String), &report); err != nil {
				return nil, fmt.Errorf("report remainder: %w", err)
			}
		}
		report["imei"] = rimei
		report["devtime"] = devtime
		report["accuracy"] = nullFloat(acc)
		report["latitude"] = nullFloat(lat)
		report["longitude"] = nullFloat(lon)
		out = append(out, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backlog: %w", err)
	}
	// Stored newest-first for the limit, replayed oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f sql.NullFloat64) any {
	if !f.Valid {
		return nil
	}
	return f.Float64
}

func popValue(m map[string]any, key string) any {
	v := m[key]
	delete(m, key)
	return v
}

func popFloat(m map[string]any, key string) any {
	v := popValue(m, key)
	if f, ok := v.(float64); ok {
		return f
	}
	return nil
}
