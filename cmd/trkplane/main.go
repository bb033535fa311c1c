// trkplane is the tracker backend in one binary: the service daemons
// (collector, storage, rectifier, termconfig, wsgateway) and the
// operator tools (send, watch, protos, ocid-download) are subcommands
// sharing one configuration file.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/trkplane/trkplane/internal/config"
	"github.com/trkplane/trkplane/internal/pmod"
	"github.com/trkplane/trkplane/internal/pmod/beesure"
	"github.com/trkplane/trkplane/internal/pmod/zx303"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var buildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "trkplane_build_info",
	Help: "Build information.",
}, []string{"version", "commit", "date"})

var (
	cfgPath     string
	debug       bool
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:           "trkplane",
	Short:         "Backend for cheap GPS/GPRS tracker terminals",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("trkplane %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultPath, "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "show debug logs")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on, empty disables")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(collectorCmd)
	rootCmd.AddCommand(storageCmd)
	rootCmd.AddCommand(rectifierCmd)
	rootCmd.AddCommand(termconfigCmd)
	rootCmd.AddCommand(wsgatewayCmd)
	rootCmd.AddCommand(ocidDownloadCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(protosCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}

// buildRegistry loads the configured protocol modules in probe order.
func buildRegistry(log *slog.Logger, names []string) (*pmod.Registry, error) {
	mods := make([]pmod.Module, 0, len(names))
	for _, name := range names {
		switch name {
		case zx303.ModuleName:
			mods = append(mods, zx303.New(log, clockwork.NewRealClock()))
		case beesure.ModuleName:
			mods = append(mods, beesure.New(log))
		default:
			return nil, fmt.Errorf("unknown protocol module %q", name)
		}
	}
	if len(mods) == 0 {
		return nil, fmt.Errorf("no protocol modules configured")
	}
	return pmod.NewRegistry(mods...), nil
}

// serveMetrics exposes /metrics when --metrics-addr is set.
func serveMetrics(log *slog.Logger) {
	if metricsAddr == "" {
		return
	}
	buildInfo.WithLabelValues(version, commit, date).Set(1)
	go func() {
		listener, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			log.Error("failed to start prometheus metrics server listener", "error", err)
			os.Exit(1)
		}
		log.Info("prometheus metrics server listening", "address", listener.Addr().String())
		http.Handle("/metrics", promhttp.Handler())
		if err := http.Serve(listener, nil); err != nil {
			log.Error("failed to start prometheus metrics server", "error", err)
			os.Exit(1)
		}
	}()
}

// busHostPort extracts the embedded bus server's bind address from the
// URL the daemons dial.
func busHostPort(busurl string) (string, int, error) {
	u, err := url.Parse(busurl)
	if err != nil {
		return "", 0, fmt.Errorf("bus url %q: %w", busurl, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("bus url %q has no host", busurl)
	}
	port := 4222
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return "", 0, fmt.Errorf("bus url %q: %w", busurl, err)
		}
	}
	return host, port, nil
}
