// Command webserv is the event-driven HTTP/1.1 server of spec.md: it reads
// an nginx-style config, binds every declared listen endpoint, and runs
// one reactor loop per process, handing accepted connections to
// internal/session's Controller.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	ejson "github.com/goccy/go-json"

	"github.com/kztakada/go-webserv/internal/applog"
	"github.com/kztakada/go-webserv/internal/config"
	"github.com/kztakada/go-webserv/internal/metrics"
	"github.com/kztakada/go-webserv/internal/reactor"
	"github.com/kztakada/go-webserv/internal/session"
)

var (
	configPath  string
	testConfig  bool
	verbose     bool
	metricsAddr string
	uploadTemp  string
)

func main() {
	root := &cobra.Command{
		Use:   "webserv",
		Short: "An event-driven HTTP/1.1 server with CGI and virtual hosts",
		RunE:  run,
	}
	flags := root.Flags()
	flags.StringVarP(&configPath, "config", "c", "webserv.conf", "path to the server config file")
	flags.BoolVarP(&testConfig, "test", "t", false, "parse the config file and exit")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "loopback address to serve /metrics and /__status on (disabled if empty)")
	flags.StringVar(&uploadTemp, "upload-temp", os.TempDir(), "directory for in-flight request bodies")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := applog.New(verbose)
	log := logrus.NewEntry(logger)

	src, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("webserv: read config: %w", err)
	}
	cfg, err := config.Parse(string(src))
	if err != nil {
		return fmt.Errorf("webserv: parse config: %w", err)
	}
	if testConfig {
		log.Infof("config %s: %d server block(s) OK", configPath, len(cfg.Servers))
		return nil
	}

	// Ignore SIGPIPE: a client closing mid-write must surface as an EPIPE
	// from the failing syscall, never kill the process, per spec.md §5.
	signal.Ignore(syscall.SIGPIPE)

	upg, err := tableflip.New(tableflip.Options{})
	if err != nil {
		return fmt.Errorf("webserv: tableflip: %w", err)
	}
	defer upg.Stop()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGHUP)
		for range sig {
			log.Info("received SIGHUP, upgrading")
			if err := upg.Upgrade(); err != nil {
				log.WithError(err).Warn("upgrade failed")
			}
		}
	}()

	rx, err := reactor.New()
	if err != nil {
		return fmt.Errorf("webserv: reactor: %w", err)
	}
	defer rx.Close()

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	ctrl := session.NewController(rx, log.WithField("component", "controller"), met)

	listenFDs, err := bindListeners(upg, cfg)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		go serveDiagnostics(metricsAddr, reg, ctrl, log)
	}

	if err := upg.Ready(); err != nil {
		return fmt.Errorf("webserv: tableflip ready: %w", err)
	}
	log.Infof("listening on %d endpoint(s)", len(listenFDs))

	acceptAll(rx, ctrl, cfg, met, listenFDs, log)

	loop(rx, ctrl, upg, met, log)
	return nil
}

// listenEndpoint pairs an accepting fd with the host/port it was bound to,
// used to stamp Request.ListenHost/ListenPort for virtual-host selection.
type listenEndpoint struct {
	fd   int
	host string
	port int
}

// bindListeners opens one TCP listener per distinct endpoint declared
// across every server block, through tableflip so a SIGHUP-triggered
// restart can rebind without dropping connections, per spec.md §4.12's
// ambient process-lifecycle expectations.
func bindListeners(upg *tableflip.Upgrader, cfg *config.ServerConfig) ([]listenEndpoint, error) {
	seen := make(map[string]bool)
	var out []listenEndpoint
	for _, srv := range cfg.Servers {
		for _, ep := range srv.Listens {
			addr := fmt.Sprintf("%s:%d", ep.IP.String(), ep.Port)
			if seen[addr] {
				continue
			}
			seen[addr] = true

			ln, err := upg.Listen("tcp", addr)
			if err != nil {
				return nil, fmt.Errorf("webserv: listen %s: %w", addr, err)
			}
			tcpLn, ok := ln.(*net.TCPListener)
			if !ok {
				return nil, fmt.Errorf("webserv: listen %s: not a TCP listener", addr)
			}
			f, err := tcpLn.File()
			if err != nil {
				return nil, fmt.Errorf("webserv: listen %s: %w", addr, err)
			}
			fd := int(f.Fd())
			if err := unix.SetNonblock(fd, true); err != nil {
				return nil, fmt.Errorf("webserv: setnonblock %s: %w", addr, err)
			}
			out = append(out, listenEndpoint{fd: fd, host: ep.IP.String(), port: ep.Port})
		}
	}
	return out, nil
}

// acceptAll registers a read-watch on every listening fd; loop hands
// readiness on one of these fds to acceptOne before the rest of the batch
// reaches DispatchBatch, since listener fds never belong to an HTTPSession.
func acceptAll(rx *reactor.Reactor, ctrl *session.Controller, cfg *config.ServerConfig, met *metrics.Metrics, endpoints []listenEndpoint, log *logrus.Entry) {
	for _, ep := range endpoints {
		ep := ep
		_ = rx.AddWatch(ep.fd, reactor.Read, listenerRef{ep: ep, cfg: cfg, ctrl: ctrl, met: met, log: log})
	}
}

// listenerRef is the reactor.SessionRef carried by a listening fd's watch;
// loop's dispatch recognizes it and calls acceptOne instead of routing
// through the Controller.
type listenerRef struct {
	ep   listenEndpoint
	cfg  *config.ServerConfig
	ctrl *session.Controller
	met  *metrics.Metrics
	log  *logrus.Entry
}

func acceptOne(ref listenerRef) {
	for {
		connFD, sa, err := unix.Accept(ref.ep.fd)
		if err != nil {
			return // EAGAIN: no more pending connections this round
		}
		_ = unix.SetNonblock(connFD, true)
		remote := formatSockaddr(sa)

		s := session.New(connFD, ref.cfg, uploadTemp, ref.ep.host, ref.ep.port, remote, ref.log)
		ref.ctrl.Adopt(s)
		ref.met.ActiveSessions.Set(float64(ref.ctrl.Count()))
	}
}

func formatSockaddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(a.Addr[:]).String(), a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(a.Addr[:]).String(), a.Port)
	default:
		return ""
	}
}

const timeoutSweepInterval = time.Second

// loop runs the single-goroutine reactor wait/dispatch cycle of spec.md
// §4.1/§4.12 until tableflip signals process exit.
func loop(rx *reactor.Reactor, ctrl *session.Controller, upg *tableflip.Upgrader, met *metrics.Metrics, log *logrus.Entry) {
	exit := upg.Exit()
	lastSweep := time.Now()
	for {
		select {
		case <-exit:
			log.Info("exiting")
			return
		default:
		}

		waitStart := time.Now()
		events, err := rx.Wait(1000)
		met.ReactorWait.Observe(time.Since(waitStart).Seconds())
		if err != nil {
			log.WithError(err).Warn("reactor wait failed")
			continue
		}

		var sessionEvents []reactor.Event
		for _, ev := range events {
			if ref, ok := ev.Session.(listenerRef); ok {
				acceptOne(ref)
				continue
			}
			sessionEvents = append(sessionEvents, ev)
		}
		ctrl.DispatchBatch(sessionEvents)

		if time.Since(lastSweep) >= timeoutSweepInterval {
			ctrl.TimeoutSweep(time.Now())
			lastSweep = time.Now()
		}
	}
}

// serveDiagnostics runs the ambient /metrics (Prometheus) and /__status
// (JSON, via goccy/go-json) endpoints on a loopback address, entirely
// independent of the reactor loop — this is the one place net/http's own
// blocking server model is acceptable, since it never touches a client
// connection's fd.
func serveDiagnostics(addr string, reg *prometheus.Registry, ctrl *session.Controller, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/__status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = ejson.NewEncoder(w).Encode(map[string]any{
			"active_sessions": ctrl.Count(),
		})
	})
	log.Infof("diagnostics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("diagnostics server stopped")
	}
}
