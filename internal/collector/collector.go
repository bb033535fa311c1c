// Package collector runs the terminal-facing TCP listener. It probes
// each connection for its protocol, deframes the byte stream, publishes
// every packet on the raw channel, answers inline-respondable messages
// itself, and delivers pull-channel responses to the addressed device.
package collector

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/trkplane/trkplane/internal/bus"
	"github.com/trkplane/trkplane/internal/pmod"
)

type Config struct {
	Logger   *slog.Logger
	Bus      *bus.Conn
	Registry *pmod.Registry
	Clock    clockwork.Clock
	// Port is the TCP listen port. Zero lets the kernel pick one.
	Port int
	// IgnoreHibernate keeps a connection open after a goodbye packet.
	// Mock terminals in tests keep talking after sending one.
	IgnoreHibernate bool
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
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Collector serves terminal connections. All registry state (byID,
// byIMEI, per-client imei) is owned by the single router goroutine.
type Collector struct {
	log      *slog.Logger
	bus      *bus.Conn
	registry *pmod.Registry
	clock    clockwork.Clock
	cfg      Config

	byID   map[uint64]*client
	byIMEI map[string]*client

	mu   sync.Mutex
	addr net.Addr
}

func New(cfg Config) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Collector{
		log:      cfg.Logger,
		bus:      cfg.Bus,
		registry: cfg.Registry,
		clock:    cfg.Clock,
		cfg:      cfg,
		byID:     make(map[uint64]*client),
		byIMEI:   make(map[string]*client),
	}, nil
}

// Addr returns the bound listener address, or nil before Run is
// serving.
func (c *Collector) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Run binds the listener and serves until ctx is canceled.
func (c *Collector) Run(ctx context.Context) error {
	lc := net.ListenConfig{KeepAlive: 30 * time.Second}
	lis, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", c.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer lis.Close()
	c.mu.Lock()
	c.addr = lis.Addr()
	c.mu.Unlock()

	resps := make(chan *bus.Resp, 256)
	sub, err := c.bus.SubscribeResp(resps)
	if err != nil {
		return fmt.Errorf("subscribe responses: %w", err)
	}
	defer sub.Unsubscribe()

	c.log.Info("collector listening", "addr", lis.Addr().String())

	events := make(chan event, 256)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.accept(ctx, g, lis, events) })
	g.Go(func() error { c.route(ctx, events, resps); return nil })
	g.Go(func() error {
		<-ctx.Done()
		lis.Close()
		return nil
	})
	return g.Wait()
}

func (c *Collector) accept(ctx context.Context, g *errgroup.Group, lis net.Listener, events chan<- event) error {
	var id uint64
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		id++
		clnt := newClient(id, conn)
		connectionsAccepted.Inc()
		select {
		case events <- event{clnt: clnt, opened: true}:
		case <-ctx.Done():
			conn.Close()
			return nil
		}
		g.Go(func() error {
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			defer stop()
			clnt.run(ctx, c.registry, c.clock, c.log, events)
			return nil
		})
	}
}

func (c *Collector) route(ctx context.Context, events <-chan event, resps <-chan *bus.Resp) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			c.handleEvent(ev)
		case r := <-resps:
			c.deliverResp(r)
		}
	}
}

func (c *Collector) handleEvent(ev event) {
	clnt := ev.clnt
	switch {
	case ev.opened:
		c.log.Info("start serving connection", "id", clnt.id, "peer", clnt.peer.String())
		c.byID[clnt.id] = clnt
		activeConnections.Set(float64(len(c.byID)))
	case ev.closed:
		if len(ev.rest) > 0 {
			c.log.Warn("bytes left in buffer on close",
				"id", clnt.id, "bytes", len(ev.rest),
				"head", hex.EncodeToString(head(ev.rest, 64)))
		}
		c.dropClient(clnt, "terminal gone")
	default:
		for _, fr := range ev.frames {
			if fr.Err != nil {
				c.log.Warn("framing violation", "id", clnt.id, "imei", clnt.imei, "error", fr.Err)
				framingViolations.Inc()
				continue
			}
			c.handlePacket(clnt, ev.when, fr.Packet)
		}
	}
}

func (c *Collector) handlePacket(clnt *client, when float64, packet []byte) {
	mod := clnt.pmod
	if clnt.imei == "" {
		if imei := mod.IMEIFromPacket(packet); imei != "" {
			c.log.Info("login", "id", clnt.id, "imei", imei)
			clnt.imei = imei
			if old := c.byIMEI[imei]; old != nil {
				c.log.Info("evicting stale connection", "id", old.id, "imei", imei)
				// Clear the imei first so the eviction does not unbind
				// the new owner from byIMEI.
				old.imei = ""
				c.dropClient(old, "evicted")
			}
			c.byIMEI[imei] = clnt
		}
	}
	c.log.Debug("received",
		"peer", clnt.peer.String(), "imei", clnt.imei,
		"packet", hex.EncodeToString(packet))
	packetsReceived.Inc()
	c.publish(&bus.Bcast{
		IsIncoming: true,
		Proto:      mod.ProtoOfMessage(packet),
		IMEI:       clnt.imei,
		When:       when,
		PeerAddr:   clnt.peer,
		Packet:     packet,
	})
	if mod.IsGoodbyePacket(packet) && !c.cfg.IgnoreHibernate {
		c.log.Debug("goodbye", "id", clnt.id, "imei", clnt.imei)
		c.dropClient(clnt, "goodbye")
	}
	if resp := mod.InlineResponse(packet); resp != nil {
		c.deliverResp(&bus.Resp{IMEI: clnt.imei, When: when, Packet: resp})
	}
}

// deliverResp sends one response packet to the addressed device and,
// once the bytes are handed to the kernel, publishes the outgoing
// Bcast with the response's original timestamp.
func (c *Collector) deliverResp(r *bus.Resp) {
	c.log.Debug("sending to terminal", "imei", r.IMEI, "packet", hex.EncodeToString(r.Packet))
	clnt := c.byIMEI[r.IMEI]
	if clnt == nil {
		c.log.Info("not connected", "imei", r.IMEI)
		responsesDropped.Inc()
		return
	}
	if err := clnt.send(r.Packet); err != nil {
		c.log.Error("send failed", "id", clnt.id, "imei", r.IMEI, "error", err)
		return
	}
	responsesSent.Inc()
	c.publish(&bus.Bcast{
		IsIncoming: false,
		Proto:      clnt.pmod.ProtoOfMessage(r.Packet),
		IMEI:       r.IMEI,
		When:       r.When,
		Packet:     r.Packet,
	})
}

func (c *Collector) dropClient(clnt *client, reason string) {
	if _, ok := c.byID[clnt.id]; !ok {
		c.log.Debug("connection already stopped", "id", clnt.id)
		return
	}
	c.log.Info("stop serving connection", "id", clnt.id, "imei", clnt.imei, "reason", reason)
	delete(c.byID, clnt.id)
	if clnt.imei != "" && c.byIMEI[clnt.imei] == clnt {
		delete(c.byIMEI, clnt.imei)
	}
	clnt.conn.Close()
	activeConnections.Set(float64(len(c.byID)))
}

// publish is fire-and-forget: a bus hiccup must not take down device
// connections.
func (c *Collector) publish(b *bus.Bcast) {
	if err := c.bus.PublishBcast(b); err != nil {
		c.log.Error("bcast publish failed", "proto", b.Proto, "error", err)
	}
}
