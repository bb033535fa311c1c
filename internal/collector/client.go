package collector

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/trkplane/trkplane/internal/bus"
	"github.com/trkplane/trkplane/internal/pmod"
)

// maxBuffer is the socket read chunk size. Larger frames assemble
// across reads inside the protocol stream.
const maxBuffer = 4096

// sendTimeout bounds response writes so a wedged terminal cannot stall
// the router loop.
const sendTimeout = 5 * time.Second

// client is one terminal connection. The reader goroutine owns the
// socket reads, the protocol probe and the stream; the router goroutine
// owns imei, the registry maps, and all writes to the socket.
type client struct {
	id   uint64
	conn net.Conn
	peer netip.AddrPort

	pmod   pmod.Module
	stream pmod.Stream

	imei string
}

// event is what reaches the router: a new connection, deframed packets
// stamped with the receive time, or a closed notice carrying the
// stream remainder.
type event struct {
	clnt   *client
	opened bool
	when   float64
	frames []pmod.Frame
	closed bool
	rest   []byte
}

func newClient(id uint64, conn net.Conn) *client {
	cl := &client{id: id, conn: conn}
	if ta, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		cl.peer = ta.AddrPort()
	}
	return cl
}

// run reads the socket until EOF or error, probing the protocol on
// first contact and handing deframed packets to the router. The first
// probe failure does not close the connection; later segments may
// still match.
func (cl *client) run(ctx context.Context, registry *pmod.Registry, clock clockwork.Clock, log *slog.Logger, events chan<- event) {
	buf := make([]byte, maxBuffer)
	for {
		n, err := cl.conn.Read(buf)
		if n > 0 {
			segment := buf[:n]
			if cl.stream == nil {
				if mod := registry.Probe(segment); mod != nil {
					cl.pmod = mod
					cl.stream = mod.NewStream()
				} else {
					log.Info("unrecognizable data",
						"id", cl.id, "peer", cl.peer.String(), "bytes", n,
						"head", hex.EncodeToString(head(segment, 32)))
				}
			}
			if cl.stream != nil {
				if frames := cl.stream.Recv(segment); len(frames) > 0 {
					select {
					case events <- event{clnt: cl, when: bus.Now(clock.Now()), frames: frames}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				log.Info("terminal closed connection", "id", cl.id, "peer", cl.peer.String())
			case errors.Is(err, net.ErrClosed):
				// Closed from our side: eviction, goodbye or shutdown.
			default:
				log.Warn("read failed", "id", cl.id, "peer", cl.peer.String(), "error", err)
			}
			var rest []byte
			if cl.stream != nil {
				rest = cl.stream.Close()
			}
			select {
			case events <- event{clnt: cl, closed: true, rest: rest}:
			case <-ctx.Done():
			}
			return
		}
	}
}

// send frames and writes one response packet. Only the router calls
// this.
func (cl *client) send(packet []byte) error {
	framed, err := cl.pmod.Enframe(packet, cl.imei)
	if err != nil {
		return fmt.Errorf("enframe: %w", err)
	}
	cl.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	if _, err := cl.conn.Write(framed); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func head(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
