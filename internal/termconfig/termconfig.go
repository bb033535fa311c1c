// Package termconfig answers the requests a terminal expects the
// operator, not the collector, to respond to: it watches the
// configurable message kinds and builds each response from the
// device's section of the configuration file.
package termconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/trkplane/trkplane/internal/bus"
	"github.com/trkplane/trkplane/internal/config"
	"github.com/trkplane/trkplane/internal/pmod"
)

// configurableProtos lists the message kinds whose responses carry
// settings from the configuration file.
var configurableProtos = []string{
	"ZX:STATUS",
	"ZX:SETUP",
	"ZX:POSITION_UPLOAD_INTERVAL",
}

// setupKeys are copied verbatim from the device's section into a SETUP
// response. Keys the section does not set fall back to the encoder's
// defaults.
var setupKeys = []string{
	"uploadintervalseconds",
	"binaryswitch",
	"alarms",
	"dndtimeswitch",
	"dndtimes",
	"gpstimeswitch",
	"gpstimestart",
	"gpstimestop",
	"phonenumbers",
}

type Config struct {
	Logger   *slog.Logger
	Bus      *bus.Conn
	Registry *pmod.Registry
	Conf     *config.File
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
	if cfg.Conf == nil {
		return errors.New("configuration is required")
	}
	return nil
}

// Daemon responds to configuration requests from terminals.
type Daemon struct {
	log      *slog.Logger
	bus      *bus.Conn
	registry *pmod.Registry
	conf     *config.File
}

func New(cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Daemon{
		log:      cfg.Logger,
		bus:      cfg.Bus,
		registry: cfg.Registry,
		conf:     cfg.Conf,
	}, nil
}

func (d *Daemon) Run(ctx context.Context) error {
	bcasts := make(chan *bus.Bcast, 64)
	var subs []*bus.Sub
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()
	for _, proto := range configurableProtos {
		sub, err := d.bus.SubscribeBcast(bus.SubjectRaw(proto, true), bcasts)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", proto, err)
		}
		subs = append(subs, sub)
	}

	d.log.Info("termconfig started", "kinds", len(subs))
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-bcasts:
			d.handle(b)
		}
	}
}

func (d *Daemon) handle(b *bus.Bcast) {
	mod := d.registry.ForProto(b.Proto)
	if mod == nil {
		d.log.Warn("no module for proto", "proto", b.Proto)
		return
	}
	msg := mod.ParseMessage(b.Packet, b.IsIncoming)
	d.log.Debug("bcast", "imei", b.IMEI, "peer", b.PeerAddr, "msg", msg.String())
	if msg.Respond() != pmod.RespondExternal {
		// Respond anyway: the device is waiting and a stock answer
		// beats silence.
		d.log.Error("message does not expect an external response",
			"proto", b.Proto, "imei", b.IMEI)
	}
	_, kind := pmod.SplitProto(b.Proto)
	packet, err := mod.MakeResponse(kind, d.kwargsFor(kind, b.IMEI))
	if err != nil {
		encodeFailures.Inc()
		d.log.Error("response encoding failed", "proto", b.Proto, "error", err)
		return
	}
	// The response carries the event time of the request so the
	// collector can correlate it in the raw stream.
	if err := d.bus.PublishResp(&bus.Resp{IMEI: b.IMEI, When: b.When, Packet: packet}); err != nil {
		d.log.Error("response publish failed", "imei", b.IMEI, "error", err)
		return
	}
	responsesSent.Inc()
}

// kwargsFor builds the encoder arguments for one response from the
// device's configuration section.
func (d *Daemon) kwargsFor(kind, imei string) map[string]any {
	section := d.conf.TerminalSection(imei)
	kwargs := map[string]any{}
	switch kind {
	case "STATUS":
		kwargs["upload_interval"] = 25
		if v, ok := section["statusintervalminutes"]; ok {
			kwargs["upload_interval"] = v
		}
	case "SETUP":
		for _, key := range setupKeys {
			if v, ok := section[key]; ok {
				kwargs[key] = v
			}
		}
	}
	return kwargs
}
