package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/trkplane/trkplane/internal/bus"
	"github.com/trkplane/trkplane/internal/config"
	"github.com/trkplane/trkplane/internal/ocid"
)

var ocidDownloadCmd = &cobra.Command{
	Use:     "ocid-download",
	Aliases: []string{"ocid_download"},
	Short:   "Download the OpenCellID tower database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		log := newLogger(debug)
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return ocid.Download(ctx, ocid.Config{
			Logger:    log,
			DBFn:      cfg.OpenCellID.DBFn,
			URL:       cfg.OpenCellID.DownloadURL,
			TokenFile: cfg.OpenCellID.DownloadToken,
			MCC:       cfg.OpenCellID.DownloadMCC,
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <imei> <proto:kind> [key=value ...]",
	Short: "Queue a one-off command for a terminal",
	Long: `Queue a one-off command for a terminal, e.g.

  trkplane send 9018888888888888 ZX:POSITION_UPLOAD_INTERVAL interval=30

The kind may be abbreviated to any prefix that selects it uniquely.
The command is delivered when the device next talks to the collector.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		log := newLogger(debug)
		registry, err := buildRegistry(log, cfg.Common.Protocols)
		if err != nil {
			return err
		}

		imei, name := args[0], args[1]
		mod := registry.ForProto(name)
		if mod == nil {
			return fmt.Errorf("no protocol can handle %s", name)
		}
		kind, candidates := mod.ClassByPrefix(name)
		if kind == "" {
			return fmt.Errorf("%q does not select a single kind, candidates: %s",
				name, strings.Join(candidates, " "))
		}
		kwargs := make(map[string]any, len(args)-2)
		for _, arg := range args[2:] {
			k, v, ok := strings.Cut(arg, "=")
			if !ok {
				return fmt.Errorf("argument %q is not key=value", arg)
			}
			kwargs[k] = v
		}
		packet, err := mod.MakeResponse(kind, kwargs)
		if err != nil {
			return err
		}

		conn, err := bus.Connect(cfg.Collector.BusURL, "trkplane-send", log)
		if err != nil {
			return err
		}
		defer conn.Close()
		resp := &bus.Resp{IMEI: imei, When: bus.Now(time.Now()), Packet: packet}
		if err := conn.PublishResp(resp); err != nil {
			return err
		}
		if err := conn.Flush(); err != nil {
			return err
		}
		log.Info("command queued", "imei", imei, "kind", mod.Prefix()+":"+kind)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print raw bus traffic as it happens",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		log := newLogger(debug)
		registry, err := buildRegistry(log, cfg.Common.Protocols)
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		conn, err := bus.Connect(cfg.Collector.BusURL, "trkplane-watch", log)
		if err != nil {
			return err
		}
		defer conn.Close()

		ch := make(chan *bus.Bcast, 256)
		sub, err := conn.SubscribeBcast(bus.SubjectRawAll(), ch)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return nil
			case b := <-ch:
				dir := "O"
				if b.IsIncoming {
					dir = "I"
				}
				fmt.Println(dir, b.Proto, b.IMEI)
				mod := registry.ForProto(b.Proto)
				if mod == nil {
					continue
				}
				msg := mod.ParseMessage(b.Packet, b.IsIncoming)
				fmt.Println(msg.String())
				if !b.IsIncoming {
					continue
				}
				if report, err := msg.Rectified(); err == nil {
					if data, err := json.Marshal(report); err == nil {
						fmt.Println(string(data))
					}
				}
			}
		}
	},
}

var protosCmd = &cobra.Command{
	Use:   "protos",
	Short: "List the message kinds the loaded protocol modules know",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		registry, err := buildRegistry(newLogger(debug), cfg.Common.Protocols)
		if err != nil {
			return err
		}

		// The exposed subset feeds the location pipeline; of those, some
		// kinds leave the device waiting for a pushed answer.
		exposed := make(map[string]bool)
		for _, ep := range registry.ExposedProtos() {
			exposed[ep.Proto] = ep.NeedsResponse
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetAutoWrapText(false)
		table.SetAutoFormatHeaders(false)
		table.SetHeader([]string{"Module", "Proto", "Location", "Response"})
		for _, mod := range registry.Modules() {
			kind, kinds := mod.ClassByPrefix("")
			if kind != "" {
				kinds = []string{kind}
			}
			for _, k := range kinds {
				proto := mod.Prefix() + ":" + k
				loc, resp := "", ""
				if needs, ok := exposed[proto]; ok {
					loc = "yes"
					if needs {
						resp = "yes"
					}
				}
				table.Append([]string{mod.Name(), proto, loc, resp})
			}
		}
		table.Render()
		return nil
	},
}
