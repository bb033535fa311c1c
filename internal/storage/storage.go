package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/trkplane/trkplane/internal/bus"
	"github.com/trkplane/trkplane/internal/pmod"
)

// Config configures the storage daemon.
type Config struct {
	Logger   *slog.Logger
	Bus      *bus.Conn
	Store    *Store
	Registry *pmod.Registry
	// Events enables raw traffic archival on top of location reports.
	Events bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Bus == nil {
		return errors.New("bus connection is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Registry == nil {
		return errors.New("protocol registry is required")
	}
	return nil
}

// Daemon subscribes to the raw and report channels and stows what
// arrives. Storage failures are logged and never stop the loop.
type Daemon struct {
	log      *slog.Logger
	bus      *bus.Conn
	store    *Store
	registry *pmod.Registry
	events   bool
}

func New(cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Daemon{
		log:      cfg.Logger,
		bus:      cfg.Bus,
		store:    cfg.Store,
		registry: cfg.Registry,
		events:   cfg.Events,
	}, nil
}

func (d *Daemon) Run(ctx context.Context) error {
	bcasts := make(chan *bus.Bcast, 256)
	bsub, err := d.bus.SubscribeBcast(bus.SubjectRawAll(), bcasts)
	if err != nil {
		return fmt.Errorf("subscribe raw: %w", err)
	}
	defer bsub.Unsubscribe()

	repts := make(chan *bus.Rept, 256)
	rsub, err := d.bus.SubscribeRept(bus.SubjectReptAll(), repts)
	if err != nil {
		return fmt.Errorf("subscribe reports: %w", err)
	}
	defer rsub.Unsubscribe()

	d.log.Info("storage started", "events", d.events)
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-bcasts:
			d.handleBcast(ctx, b)
		case r := <-repts:
			d.handleRept(ctx, r)
		}
	}
}

func (d *Daemon) handleBcast(ctx context.Context, b *bus.Bcast) {
	dir := "O"
	if b.IsIncoming {
		dir = "I"
	}
	d.log.Debug("bcast",
		"dir", dir, "imei", b.IMEI, "peer", peerString(b.PeerAddr),
		"proto", b.Proto, "packet", hex.EncodeToString(b.Packet))
	if b.IMEI != "" {
		if mod := d.registry.ForProto(b.Proto); mod != nil {
			if err := d.store.StowPmod(ctx, b.IMEI, mod.Name(), b.When); err != nil {
				d.log.Error("pmodmap update failed", "imei", b.IMEI, "error", err)
			} else {
				pmodUpdates.Inc()
			}
		}
	}
	if !d.events {
		return
	}
	ev := Event{
		When:       b.When,
		IMEI:       b.IMEI,
		PeerAddr:   peerString(b.PeerAddr),
		IsIncoming: b.IsIncoming,
		Proto:      b.Proto,
		Packet:     b.Packet,
	}
	if err := d.store.StowEvent(ctx, ev); err != nil {
		d.log.Error("event archival failed", "imei", b.IMEI, "error", err)
		return
	}
	eventsStored.Inc()
}

func (d *Daemon) handleRept(ctx context.Context, r *bus.Rept) {
	var report map[string]any
	if err := json.Unmarshal(r.Payload, &report); err != nil {
		d.log.Error("bad report payload", "imei", r.IMEI, "error", err)
		return
	}
	d.log.Debug("rept", "imei", r.IMEI, "report", report)
	if typ, _ := popValue(report, "type").(string); typ != "location" {
		return
	}
	if err := d.store.StowLoc(ctx, r.IMEI, report); err != nil {
		d.log.Error("report stow failed", "imei", r.IMEI, "error", err)
		return
	}
	reportsStored.Inc()
}

func peerString(ap netip.AddrPort) string {
	if !ap.IsValid() {
		return ""
	}
	return ap.String()
}
