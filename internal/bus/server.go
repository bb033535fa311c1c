package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// StartServer runs an embedded NATS server. The collector owns the bus
// endpoint, so every other daemon connects to it and nothing extra has
// to be deployed. Tests pass port -1 to get a random free port; use
// the returned server's ClientURL to reach it.
func StartServer(host string, port int) (*server.Server, error) {
	opts := &server.Options{
		Host:   host,
		Port:   port,
		NoSigs: true,
		NoLog:  true,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("bus server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("bus server on %s:%d did not become ready", host, port)
	}
	return srv, nil
}
