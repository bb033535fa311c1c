package bus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Conn wraps a NATS connection with the envelope codecs. Undecodable
// messages are logged and dropped, never delivered to a subscriber.
type Conn struct {
	log *slog.Logger
	nc  *nats.Conn
}

// Connect dials the bus. The name shows up in server monitoring and in
// log lines, one per daemon.
func Connect(url, name string, log *slog.Logger) (*Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("bus reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Warn("bus subscription error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to bus at %s: %w", url, err)
	}
	return &Conn{log: log, nc: nc}, nil
}

// Close drains pending messages and shuts the connection down.
func (c *Conn) Close() {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
	}
}

// Flush blocks until the server has processed everything published so
// far. Used by tests and by the one-shot send command.
func (c *Conn) Flush() error {
	return c.nc.Flush()
}

func (c *Conn) PublishBcast(b *Bcast) error {
	return c.nc.Publish(SubjectRaw(b.Proto, b.IsIncoming), b.Pack())
}

func (c *Conn) PublishResp(r *Resp) error {
	return c.nc.Publish(SubjectResp, r.Pack())
}

func (c *Conn) PublishRept(r *Rept) error {
	return c.nc.Publish(SubjectRept(r.IMEI), r.Pack())
}

// Sub is one active subscription feeding a typed channel.
type Sub struct {
	sub *nats.Subscription
}

func (s *Sub) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (c *Conn) SubscribeBcast(subject string, ch chan<- *Bcast) (*Sub, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		b, err := UnpackBcast(m.Data)
		if err != nil {
			c.log.Warn("dropping undecodable bcast", "subject", m.Subject, "error", err)
			return
		}
		ch <- b
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return &Sub{sub: sub}, nil
}

func (c *Conn) SubscribeResp(ch chan<- *Resp) (*Sub, error) {
	sub, err := c.nc.Subscribe(SubjectResp, func(m *nats.Msg) {
		r, err := UnpackResp(m.Data)
		if err != nil {
			c.log.Warn("dropping undecodable resp", "error", err)
			return
		}
		ch <- r
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", SubjectResp, err)
	}
	return &Sub{sub: sub}, nil
}

func (c *Conn) SubscribeRept(subject string, ch chan<- *Rept) (*Sub, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		r, err := UnpackRept(m.Data)
		if err != nil {
			c.log.Warn("dropping undecodable rept", "subject", m.Subject, "error", err)
			return
		}
		ch <- r
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return &Sub{sub: sub}, nil
}
