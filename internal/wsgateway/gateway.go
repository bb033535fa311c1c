// Package wsgateway serves the live map: browsers connect over
// websocket, subscribe to a set of devices, get the stored backlog
// followed by reports as they arrive, and can push commands back to a
// terminal. Plain HTTP requests on the same port get the configured
// HTML page so the gateway is self-hosting.
package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/trkplane/trkplane/internal/bus"
	"github.com/trkplane/trkplane/internal/pmod"
	"github.com/trkplane/trkplane/internal/storage"
)

// pmodCacheTTL bounds how long a terminal's protocol name is served
// from memory before the store is consulted again.
const pmodCacheTTL = time.Minute

type Config struct {
	Logger   *slog.Logger
	Bus      *bus.Conn
	Store    *storage.Store
	Registry *pmod.Registry
	Clock    clockwork.Clock
	// Port is the HTTP listen port. Zero lets the kernel pick one.
	Port int
	// HTMLFile is served to plain HTTP GETs. Empty means no page.
	HTMLFile string
	// Backlog is the replay depth used when a subscription does not
	// carry its own.
	Backlog int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Bus == nil {
		return errors.New("bus connection is required")
	}
	if cfg.Store == nil {
		return errors.New("report store is required")
	}
	if cfg.Registry == nil {
		return errors.New("protocol registry is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 5
	}
	return nil
}

// inboundMsg is one decoded client message with its origin.
type inboundMsg struct {
	sess *session
	msg  map[string]any
}

// Daemon is the websocket gateway. Session and subscription state is
// owned by the single hub goroutine; pumps talk to it over channels.
type Daemon struct {
	log      *slog.Logger
	bus      *bus.Conn
	store    *storage.Store
	registry *pmod.Registry
	clock    clockwork.Clock
	htmlFile string
	backlog  int
	port     int

	pmods    *ttlcache.Cache[string, string]
	upgrader websocket.Upgrader

	register   chan *session
	unregister chan *session
	inbound    chan inboundMsg
	done       chan struct{}

	mu   sync.Mutex
	addr net.Addr
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
		clock:    cfg.Clock,
		htmlFile: cfg.HTMLFile,
		backlog:  cfg.Backlog,
		port:     cfg.Port,
		pmods: ttlcache.New(
			ttlcache.WithTTL[string, string](pmodCacheTTL),
		),
		upgrader: websocket.Upgrader{
			// The page may be served from anywhere, same as the data.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		register:   make(chan *session, 16),
		unregister: make(chan *session, 16),
		inbound:    make(chan inboundMsg, 64),
		done:       make(chan struct{}),
	}, nil
}

// Addr returns the bound listener address, or nil before Run is
// serving.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Run binds the listener and serves until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", d.port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	d.mu.Lock()
	d.addr = lis.Addr()
	d.mu.Unlock()

	d.log.Info("wsgateway listening", "addr", lis.Addr().String())

	srv := &http.Server{Handler: d, ReadHeaderTimeout: 10 * time.Second}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.Serve(lis)
		if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error { d.hub(ctx); return nil })
	g.Go(func() error {
		<-ctx.Done()
		return srv.Close()
	})
	return g.Wait()
}

// ServeHTTP upgrades websocket requests and falls back to serving the
// map page for anything else, so one port carries both.
func (d *Daemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		d.serveWS(w, r)
		return
	}
	d.serveHTML(w, r)
}

func (d *Daemon) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		d.log.Warn("websocket upgrade failed", "peer", r.RemoteAddr, "error", err)
		return
	}
	s := newSession(conn)
	select {
	case d.register <- s:
	case <-d.done:
		conn.Close()
		return
	}
	go s.writePump()
	go s.readPump(d)
}

func (d *Daemon) serveHTML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "Bad request\r\n")
		return
	}
	if d.htmlFile == "" {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "HTML data not configured on the server\r\n")
		return
	}
	data, err := os.ReadFile(d.htmlFile)
	if err != nil {
		d.log.Error("html page unreadable", "htmlfile", d.htmlFile, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "HTML file could not be opened\r\n")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// hub owns the session set and keeps the bus subscriptions congruent
// with what the sessions collectively watch.
func (d *Daemon) hub(ctx context.Context) {
	repts := make(chan *bus.Rept, 256)
	sessions := make(map[*session]struct{})
	active := make(map[string]*bus.Sub)
	defer func() {
		close(d.done)
		for imei, sub := range active {
			sub.Unsubscribe()
			delete(active, imei)
		}
		for s := range sessions {
			close(s.send)
			s.conn.Close()
		}
	}()

	reconcile := func() {
		needed := make(map[string]struct{})
		for s := range sessions {
			for imei := range s.imeis {
				needed[imei] = struct{}{}
			}
		}
		changed := false
		for imei := range needed {
			if _, ok := active[imei]; ok {
				continue
			}
			sub, err := d.bus.SubscribeRept(bus.SubjectRept(imei), repts)
			if err != nil {
				d.log.Error("report subscribe failed", "imei", imei, "error", err)
				continue
			}
			active[imei] = sub
			changed = true
		}
		for imei, sub := range active {
			if _, ok := needed[imei]; ok {
				continue
			}
			sub.Unsubscribe()
			delete(active, imei)
			changed = true
		}
		if changed {
			// Settle the subscription changes on the server before the
			// caller replays backlog, so no report published after the
			// subscribe request slips past the client.
			if err := d.bus.Flush(); err != nil {
				d.log.Error("bus flush failed", "error", err)
			}
			watchedDevices.Set(float64(len(active)))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-d.register:
			sessions[s] = struct{}{}
			clients.Inc()
			d.log.Info("client connected", "client", s.id, "peer", s.conn.RemoteAddr().String())
		case s := <-d.unregister:
			if _, ok := sessions[s]; !ok {
				continue
			}
			delete(sessions, s)
			close(s.send)
			clients.Dec()
			reconcile()
			d.log.Info("client disconnected", "client", s.id)
		case in := <-d.inbound:
			if _, ok := sessions[in.sess]; !ok {
				continue
			}
			d.handleClient(in.sess, in.msg, reconcile)
		case r := <-repts:
			d.fanout(sessions, r)
		}
	}
}

// handleClient dispatches one decoded client message: a subscription
// replaces the session's device set and replays the backlog, anything
// else is a command for a terminal and gets a cmdresult reply.
func (d *Daemon) handleClient(s *session, msg map[string]any, reconcile func()) {
	if t, _ := msg["type"].(string); t == "subscribe" {
		imeis := stringList(msg["imei"])
		depth := d.backlog
		if n, ok := msg["backlog"].(float64); ok && n > 0 {
			depth = int(n)
		}
		s.imeis = make(map[string]struct{}, len(imeis))
		for _, imei := range imeis {
			s.imeis[imei] = struct{}{}
		}
		d.log.Debug("subscription", "client", s.id, "imeis", imeis, "backlog", depth)
		reconcile()
		for _, imei := range imeis {
			d.replayBacklog(s, imei, depth)
		}
		return
	}
	d.enqueue(s, d.sendCmd(msg))
}

// replayBacklog pushes up to depth stored reports for one device to
// the session, oldest first, shaped like live location reports.
func (d *Daemon) replayBacklog(s *session, imei string, depth int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rows, err := d.store.FetchBacklog(ctx, imei, depth)
	if err != nil {
		d.log.Error("backlog fetch failed", "imei", imei, "error", err)
		return
	}
	for _, report := range rows {
		report["type"] = "location"
		report["timestamp"] = report["devtime"]
		delete(report, "devtime")
		d.enqueue(s, report)
	}
}

// fanout delivers one live report to every session watching its device.
func (d *Daemon) fanout(sessions map[*session]struct{}, r *bus.Rept) {
	var msg map[string]any
	if err := json.Unmarshal(r.Payload, &msg); err != nil {
		d.log.Warn("undecodable report", "imei", r.IMEI, "error", err)
		return
	}
	msg["imei"] = r.IMEI
	for s := range sessions {
		if _, ok := s.imeis[r.IMEI]; ok {
			d.enqueue(s, msg)
		}
	}
}

// sendCmd turns a client message into a terminal command on the pull
// channel. The returned cmdresult goes back to the requesting session
// whether or not the command could be sent.
func (d *Daemon) sendCmd(msg map[string]any) map[string]any {
	imei, _ := popValue(msg, "imei").(string)
	cmd, _ := popValue(msg, "type").(string)
	result := func(text string) map[string]any {
		return map[string]any{"type": "cmdresult", "imei": imei, "result": text}
	}
	if imei == "" || cmd == "" {
		d.log.Info("unhandled client message", "cmd", cmd, "imei", imei)
		return result("Did not get imei or cmd")
	}
	name := d.pmodFor(imei)
	if name == "" {
		d.log.Info("recipient terminal type unknown", "cmd", cmd, "imei", imei)
		return result("Type of the terminal is unknown")
	}
	packet, err := d.makeCommand(name, cmd, msg)
	if err != nil {
		d.log.Info("command does not encode", "cmd", cmd, "imei", imei, "error", err)
		return result(fmt.Sprintf("%s unimplemented for terminal protocol %s", cmd, name))
	}
	resp := &bus.Resp{IMEI: imei, When: bus.Now(d.clock.Now()), Packet: packet}
	if err := d.bus.PublishResp(resp); err != nil {
		d.log.Error("command publish failed", "imei", imei, "error", err)
	}
	commandsSent.Inc()
	return result(fmt.Sprintf("%s sent to %s", cmd, imei))
}

// makeCommand resolves the kind prefix against the device's protocol
// module and encodes the packet. The leftover message keys are the
// encoder's keyword arguments.
func (d *Daemon) makeCommand(name, cmd string, kwargs map[string]any) ([]byte, error) {
	mod := d.registry.ByName(name)
	if mod == nil {
		return nil, fmt.Errorf("no protocol module %q", name)
	}
	kind, candidates := mod.ClassByPrefix(cmd)
	if kind == "" {
		return nil, fmt.Errorf("%q does not select a single kind (candidates %v)", cmd, candidates)
	}
	return mod.MakeResponse(kind, kwargs)
}

// pmodFor returns the protocol module name of a device, read through a
// short-lived cache so command bursts do not hammer the store.
func (d *Daemon) pmodFor(imei string) string {
	if item := d.pmods.Get(imei); item != nil {
		return item.Value()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	name, err := d.store.FetchPmod(ctx, imei)
	if err != nil {
		d.log.Error("pmod fetch failed", "imei", imei, "error", err)
		return ""
	}
	if name != "" {
		d.pmods.Set(imei, name, ttlcache.DefaultTTL)
	}
	return name
}

// enqueue serializes a message onto the session's send queue. A full
// queue drops the message rather than stalling the hub on one slow
// client.
func (d *Daemon) enqueue(s *session, msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		d.log.Error("message marshal failed", "error", err)
		return
	}
	select {
	case s.send <- data:
		messagesSent.Inc()
	default:
		messagesDropped.Inc()
		d.log.Warn("send queue full, dropping message", "client", s.id)
	}
}

func popValue(m map[string]any, key string) any {
	v := m[key]
	delete(m, key)
	return v
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, el := range list {
		if s, ok := el.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
