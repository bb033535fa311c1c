// Package rectifier turns raw positioning messages into normalized
// reports on the per-device report channel. Messages that carry
// coordinates pass through; cell and Wi-Fi observations go through a
// lookaside backend, and devices that wait for the fix get it pushed
// back through the response channel.
package rectifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/trkplane/trkplane/internal/bus"
	"github.com/trkplane/trkplane/internal/pmod"
)

// Lookaside resolves observed cell towers and access points into
// coordinates and an accuracy estimate in meters.
type Lookaside interface {
	Lookup(ctx context.Context, hint *pmod.HintReport) (lat, lon, accuracy float64, err error)
	Close() error
}

type Config struct {
	Logger    *slog.Logger
	Bus       *bus.Conn
	Registry  *pmod.Registry
	Lookaside Lookaside
	// Workers bounds concurrent lookaside queries.
	Workers int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Bus == nil {
		return errors.New("bus connection is required")
	}
	if cfg.Registry == nil {
		return errors.New("protocol registry is required")
	}
	if cfg.Lookaside == nil {
		return errors.New("lookaside backend is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return nil
}

// Daemon subscribes to the positioning subset of the raw channel and
// publishes one report per message. Lookaside failures are logged and
// the message is skipped, never answered with made-up coordinates.
type Daemon struct {
	log       *slog.Logger
	bus       *bus.Conn
	registry  *pmod.Registry
	lookaside Lookaside
	workers   int
	needsResp map[string]bool
}

func New(cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	needsResp := make(map[string]bool)
	for _, ep := range cfg.Registry.ExposedProtos() {
		needsResp[ep.Proto] = ep.NeedsResponse
	}
	return &Daemon{
		log:       cfg.Logger,
		bus:       cfg.Bus,
		registry:  cfg.Registry,
		lookaside: cfg.Lookaside,
		workers:   cfg.Workers,
		needsResp: needsResp,
	}, nil
}

func (d *Daemon) Run(ctx context.Context) error {
	bcasts := make(chan *bus.Bcast, 256)
	var subs []*bus.Sub
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()
	for proto := range d.needsResp {
		sub, err := d.bus.SubscribeBcast(bus.SubjectRaw(proto, true), bcasts)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", proto, err)
		}
		subs = append(subs, sub)
	}

	pool := pond.NewPool(d.workers)
	defer pool.StopAndWait()

	d.log.Info("rectifier started", "protocols", len(subs), "workers", d.workers)
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-bcasts:
			d.handleBcast(ctx, pool, b)
		}
	}
}

func (d *Daemon) handleBcast(ctx context.Context, pool pond.Pool, b *bus.Bcast) {
	mod := d.registry.ForProto(b.Proto)
	if mod == nil {
		d.log.Warn("no module for proto", "proto", b.Proto)
		return
	}
	msg := mod.ParseMessage(b.Packet, b.IsIncoming)
	d.log.Debug("bcast", "imei", b.IMEI, "peer", b.PeerAddr, "msg", msg.String())
	report, err := msg.Rectified()
	if err != nil {
		if !errors.Is(err, pmod.ErrNoReport) {
			d.log.Warn("unrectifiable message", "imei", b.IMEI, "proto", b.Proto, "error", err)
		}
		return
	}
	if hint, ok := report.(*pmod.HintReport); ok {
		pool.Submit(func() { d.resolve(ctx, b, mod, hint) })
		return
	}
	d.publishRept(b.IMEI, report)
}

// resolve runs on the worker pool: one lookaside query, the response to
// the waiting device if its protocol expects one, and the report.
func (d *Daemon) resolve(ctx context.Context, b *bus.Bcast, mod pmod.Module, hint *pmod.HintReport) {
	start := time.Now()
	lat, lon, acc, err := d.lookaside.Lookup(ctx, hint)
	lookupDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		lookupsFailed.Inc()
		d.log.Warn("lookaside lookup failed",
			"imei", b.IMEI, "proto", b.Proto,
			"cells", len(hint.GSMCells), "aps", len(hint.WiFiAPs), "error", err)
		return
	}
	d.log.Debug("approximated location",
		"imei", b.IMEI, "lat", lat, "lon", lon, "accuracy", acc)
	if d.needsResp[b.Proto] {
		_, kind := pmod.SplitProto(b.Proto)
		packet, err := mod.MakeResponse(kind, map[string]any{
			"latitude":  lat,
			"longitude": lon,
		})
		if err != nil {
			d.log.Error("response encoding failed", "proto", b.Proto, "error", err)
		} else {
			// The response keeps the event time of the request, not
			// the time the lookup finished.
			resp := &bus.Resp{IMEI: b.IMEI, When: b.When, Packet: packet}
			if err := d.bus.PublishResp(resp); err != nil {
				d.log.Error("response publish failed", "imei", b.IMEI, "error", err)
			} else {
				responsesSent.Inc()
			}
		}
	}
	d.publishRept(b.IMEI, &pmod.CoordReport{
		DevTime:           hint.DevTime,
		BatteryPercentage: hint.BatteryPercentage,
		Accuracy:          &acc,
		Latitude:          lat,
		Longitude:         lon,
	})
}

func (d *Daemon) publishRept(imei string, report pmod.Report) {
	payload, err := json.Marshal(report)
	if err != nil {
		d.log.Error("report marshal failed", "imei", imei, "error", err)
		return
	}
	if err := d.bus.PublishRept(&bus.Rept{IMEI: imei, Payload: payload}); err != nil {
		d.log.Error("report publish failed", "imei", imei, "error", err)
		return
	}
	reportsPublished.Inc()
}
