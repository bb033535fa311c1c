package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/spf13/cobra"

	"github.com/trkplane/trkplane/internal/bus"
	"github.com/trkplane/trkplane/internal/collector"
	"github.com/trkplane/trkplane/internal/config"
	"github.com/trkplane/trkplane/internal/pmod"
	"github.com/trkplane/trkplane/internal/rectifier"
	"github.com/trkplane/trkplane/internal/storage"
	"github.com/trkplane/trkplane/internal/termconfig"
	"github.com/trkplane/trkplane/internal/wsgateway"
)

// daemonEnv is what every service subcommand starts from: the parsed
// configuration, a signal-bound context, the bus connection, and the
// loaded protocol modules.
type daemonEnv struct {
	ctx      context.Context
	log      *slog.Logger
	cfg      *config.File
	bus      *bus.Conn
	registry *pmod.Registry
}

// daemonSetup is the shared daemon prologue. The collector passes
// embedBus to own the bus endpoint in-process when the configuration
// asks for it; everything else only dials.
func daemonSetup(name string, embedBus bool) (*daemonEnv, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	log := newLogger(debug)

	registry, err := buildRegistry(log, cfg.Common.Protocols)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	serveMetrics(log)

	var srv *server.Server
	if embedBus && cfg.Collector.BusEmbed {
		host, port, err := busHostPort(cfg.Collector.BusURL)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		srv, err = bus.StartServer(host, port)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		log.Info("embedded bus server ready", "url", srv.ClientURL())
	}

	conn, err := bus.Connect(cfg.Collector.BusURL, "trkplane-"+name, log)
	if err != nil {
		if srv != nil {
			srv.Shutdown()
		}
		cancel()
		return nil, nil, err
	}

	log.Info("daemon starting", "name", name, "version", version)
	env := &daemonEnv{ctx: ctx, log: log, cfg: cfg, bus: conn, registry: registry}
	cleanup := func() {
		conn.Close()
		if srv != nil {
			srv.Shutdown()
		}
		cancel()
	}
	return env, cleanup, nil
}

var collectorCmd = &cobra.Command{
	Use:   "collector",
	Short: "Accept terminal connections and bridge them to the bus",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := daemonSetup("collector", true)
		if err != nil {
			return err
		}
		defer cleanup()

		d, err := collector.New(collector.Config{
			Logger:   env.log,
			Bus:      env.bus,
			Registry: env.registry,
			Port:     env.cfg.Collector.Port,
		})
		if err != nil {
			return err
		}
		return d.Run(env.ctx)
	},
}

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Persist location reports and raw traffic",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := daemonSetup("storage", false)
		if err != nil {
			return err
		}
		defer cleanup()

		store, err := storage.OpenStore(storage.StoreConfig{
			Logger: env.log,
			DBFn:   env.cfg.Storage.DBFn,
		})
		if err != nil {
			return err
		}
		defer store.Close()

		d, err := storage.New(storage.Config{
			Logger:   env.log,
			Bus:      env.bus,
			Store:    store,
			Registry: env.registry,
			Events:   env.cfg.Storage.Events,
		})
		if err != nil {
			return err
		}
		return d.Run(env.ctx)
	},
}

var rectifierCmd = &cobra.Command{
	Use:   "rectifier",
	Short: "Turn raw positioning messages into normalized reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := daemonSetup("rectifier", false)
		if err != nil {
			return err
		}
		defer cleanup()

		lookaside, err := newLookaside(env.log, env.cfg)
		if err != nil {
			return err
		}
		defer lookaside.Close()

		d, err := rectifier.New(rectifier.Config{
			Logger:    env.log,
			Bus:       env.bus,
			Registry:  env.registry,
			Lookaside: lookaside,
		})
		if err != nil {
			return err
		}
		return d.Run(env.ctx)
	},
}

// newLookaside picks the configured resolver for cell and Wi-Fi
// observations.
func newLookaside(log *slog.Logger, cfg *config.File) (rectifier.Lookaside, error) {
	switch cfg.Rectifier.Lookaside {
	case "opencellid":
		return rectifier.NewOpenCellID(log, cfg.OpenCellID.DBFn)
	case "googlemaps":
		return rectifier.NewGoogleMaps(log, cfg.GoogleMaps.AccessToken, "")
	default:
		return nil, fmt.Errorf("unknown lookaside backend %q", cfg.Rectifier.Lookaside)
	}
}

var termconfigCmd = &cobra.Command{
	Use:   "termconfig",
	Short: "Answer terminal configuration requests from the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := daemonSetup("termconfig", false)
		if err != nil {
			return err
		}
		defer cleanup()

		d, err := termconfig.New(termconfig.Config{
			Logger:   env.log,
			Bus:      env.bus,
			Registry: env.registry,
			Conf:     env.cfg,
		})
		if err != nil {
			return err
		}
		return d.Run(env.ctx)
	},
}

var wsgatewayCmd = &cobra.Command{
	Use:   "wsgateway",
	Short: "Serve the live map over websocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := daemonSetup("wsgateway", false)
		if err != nil {
			return err
		}
		defer cleanup()

		store, err := storage.OpenStore(storage.StoreConfig{
			Logger:   env.log,
			DBFn:     env.cfg.Storage.DBFn,
			ReadOnly: true,
		})
		if err != nil {
			return err
		}
		defer store.Close()

		d, err := wsgateway.New(wsgateway.Config{
			Logger:   env.log,
			Bus:      env.bus,
			Store:    store,
			Registry: env.registry,
			Port:     env.cfg.WSGateway.Port,
			HTMLFile: env.cfg.WSGateway.HTMLFile,
			Backlog:  env.cfg.WSGateway.Backlog,
		})
		if err != nil {
			return err
		}
		return d.Run(env.ctx)
	},
}
