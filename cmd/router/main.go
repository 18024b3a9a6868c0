// Command router runs the userspace IPv4 forwarding plane over a set of TAP
// devices, seeded from a static interface list and routing table.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/soypat/ctcpr/arp"
	"github.com/soypat/ctcpr/config"
	"github.com/soypat/ctcpr/router"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configDir   string
		tick        time.Duration
		logLevel    string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "router",
		Short: "Userspace IPv4 router with ARP resolution and longest-prefix-match forwarding",
		RunE: func(_ *cobra.Command, _ []string) error {
			logger := newLogger(logLevel)
			ifaces, err := config.LoadInterfaces(configDir + "/interfaces.yaml")
			if err != nil {
				return err
			}
			table, err := config.LoadRoutingTable(configDir + "/routing-table.yaml")
			if err != nil {
				return err
			}
			return run(ifaces, table, tick, metricsAddr, logger)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&configDir, "config", ".", "directory containing interfaces.yaml and routing-table.yaml")
	flags.DurationVar(&tick, "tick", arp.RetryInterval, "ARP-pending sweep interval")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address")
	return cmd
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// run wires the configured interfaces to TAP devices and drives the router
// from a single event loop: received frames and the ARP-pending sweep tick
// are serialized through one select, since HandleFrame and Sweep must never
// run concurrently.
func run(ifaces []router.Interface, table router.Table, tick time.Duration, metricsAddr string, logger *slog.Logger) error {
	sub := newTapSubstrate()
	defer sub.Close()

	for _, ifc := range ifaces {
		if err := sub.AddInterface(ifc); err != nil {
			return fmt.Errorf("bringing up interface %q: %w", ifc.Name, err)
		}
	}

	r := router.New(ifaces, table, sub, logger)

	rx := make(chan rxEvent, 64)
	for _, ifc := range ifaces {
		go sub.readLoop(ifc.Name, rx, logger)
	}

	go serveMetrics(metricsAddr, logger)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case ev := <-rx:
			if err := r.HandleFrame(ev.iface, ev.frame, time.Now()); err != nil {
				logger.Debug("router: handle frame error", "iface", ev.iface, "err", err)
			}
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Error("metrics server exited", "err", http.ListenAndServe(addr, mux))
}
