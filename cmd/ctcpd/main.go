// Command ctcpd runs one cTCP connection, paced by a BBR controller, over a
// UDP socket, piping application bytes through stdin/stdout.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/soypat/ctcpr/bbr"
	"github.com/soypat/ctcpr/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		listenAddr  string
		remoteAddr  string
		tick        time.Duration
		logLevel    string
		metricsAddr string
		mss         uint32
	)
	cmd := &cobra.Command{
		Use:   "ctcpd",
		Short: "Run a cTCP connection, paced by BBR, over UDP",
		RunE: func(_ *cobra.Command, _ []string) error {
			logger := newLogger(logLevel)
			local, err := net.ResolveUDPAddr("udp", listenAddr)
			if err != nil {
				return fmt.Errorf("resolving listen address: %w", err)
			}
			remote, err := net.ResolveUDPAddr("udp", remoteAddr)
			if err != nil {
				return fmt.Errorf("resolving remote address: %w", err)
			}
			conn, err := net.ListenUDP("udp", local)
			if err != nil {
				return fmt.Errorf("binding udp socket: %w", err)
			}
			defer conn.Close()
			go serveMetrics(metricsAddr, logger)
			return run(conn, remote, tick, mss, logger)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&listenAddr, "listen", ":9999", "local UDP address to bind")
	flags.StringVar(&remoteAddr, "remote", "", "peer UDP address")
	flags.DurationVar(&tick, "tick", transport.DefaultTick, "connection tick interval")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&metricsAddr, "metrics-addr", ":9091", "Prometheus metrics listen address")
	flags.Uint32Var(&mss, "mss", 1460, "maximum segment size handed to the BBR controller")
	cmd.MarkFlagRequired("remote")
	return cmd
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// run drives one Connection from a single event loop: incoming UDP segments
// and the periodic tick are serialized through one select, matching the
// cooperative single-threaded scheduling this system assumes.
func run(conn *net.UDPConn, remote *net.UDPAddr, tick time.Duration, mss uint32, logger *slog.Logger) error {
	now := time.Now()
	sub := newUDPSubstrate(conn, remote)
	ctrl := bbr.New(mss, now)
	c := transport.NewConnection(sub, ctrl, transport.Config{
		RecvWindow: 65535,
		SendWindow: 65535,
		Logger:     logger,
	})

	rx := make(chan []byte, 64)
	go func() {
		buf := make([]byte, 65536)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				logger.Warn("ctcpd: udp read failed", "err", err)
				return
			}
			seg := make([]byte, n)
			copy(seg, buf[:n])
			rx <- seg
		}
	}()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case seg := <-rx:
			c.Receive(seg, len(seg), time.Now())
		case now := <-ticker.C:
			c.ReadFromApp()
			c.Tick(now)
			c.DrainToApp(now)
			if c.Destroyed() {
				return nil
			}
		}
	}
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Error("metrics server exited", "err", http.ListenAndServe(addr, mux))
}
