package rectifier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/trkplane/trkplane/internal/pmod"

	_ "modernc.org/sqlite"
)

// openCellIDAccuracy is reported for every hit until the database grows
// a real per-cell estimate worth aggregating.
const openCellIDAccuracy = 99.9

// OpenCellID answers lookups from a local snapshot of the OpenCellID
// tower database. Wi-Fi observations are ignored: the snapshot carries
// cell towers only. The position is the average of the matched towers
// weighted by inverse signal strength, so stronger (less negative)
// readings pull harder.
type OpenCellID struct {
	log *slog.Logger
	db  *sql.DB
}

// NewOpenCellID opens the snapshot read-only. The downloader owns
// writes to it.
func NewOpenCellID(log *slog.Logger, dbfn string) (*OpenCellID, error) {
	if log == nil {
		log = slog.Default()
	}
	if dbfn == "" {
		return nil, errors.New("opencellid dbfn is required")
	}
	db, err := sql.Open("sqlite", "file:"+dbfn+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbfn, err)
	}
	db.SetMaxOpenConns(1)
	return &OpenCellID{log: log, db: db}, nil
}

func (o *OpenCellID) Close() error {
	return o.db.Close()
}

func (o *OpenCellID) Lookup(ctx context.Context, hint *pmod.HintReport) (float64, float64, float64, error) {
	if len(hint.GSMCells) == 0 {
		return 0, 0, 0, errors.New("no cell observations to look up")
	}
	stmt, err := o.db.PrepareContext(ctx,
		`select lat, lon from cells where mcc = ? and net = ? and area = ? and cell = ?`)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("prepare cell query: %w", err)
	}
	defer stmt.Close()

	var sumInv, sumLat, sumLon float64
	matched := 0
	for _, c := range hint.GSMCells {
		if c.Signal == 0 {
			return 0, 0, 0, fmt.Errorf("cell %d:%d reports zero signal strength", c.LocAC, c.CellID)
		}
		n, err := o.accumulate(ctx, stmt, hint, c, &sumInv, &sumLat, &sumLon)
		if err != nil {
			return 0, 0, 0, err
		}
		matched += n
	}
	if matched == 0 {
		return 0, 0, 0, fmt.Errorf("no location data for %d cells (mcc %d mnc %d)",
			len(hint.GSMCells), hint.MCC, hint.MNC)
	}
	return sumLat / sumInv, sumLon / sumInv, openCellIDAccuracy, nil
}

func (o *OpenCellID) accumulate(ctx context.Context, stmt *sql.Stmt, hint *pmod.HintReport, c pmod.GSMCell, sumInv, sumLat, sumLon *float64) (int, error) {
	rows, err := stmt.QueryContext(ctx, hint.MCC, hint.MNC, c.LocAC, c.CellID)
	if err != nil {
		return 0, fmt.Errorf("query cell %d:%d: %w", c.LocAC, c.CellID, err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var lat, lon float64
		if err := rows.Scan(&lat, &lon); err != nil {
			return n, fmt.Errorf("scan cell %d:%d: %w", c.LocAC, c.CellID, err)
		}
		w := 1 / float64(c.Signal)
		*sumInv += w
		*sumLat += lat * w
		*sumLon += lon * w
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("iterate cell %d:%d: %w", c.LocAC, c.CellID, err)
	}
	return n, nil
}
