// Command speed-server runs the Protohackers speed-camera enforcement
// protocol: a TCP listener on :9000 with no configuration surface (§6),
// plus the ambient metrics/readiness HTTP listener and mDNS announcement
// carried over from the teacher's packaged-service defaults.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/protohackers/speed-server/internal/discovery"
	"github.com/protohackers/speed-server/internal/metrics"
	"github.com/protohackers/speed-server/internal/server"
)

// listenAddr and metricsAddr are hardcoded per SPEC_FULL.md §6: the
// protocol port and the ambient metrics/ready listener are fixed ambient
// behavior, not configuration surfaces.
const (
	listenAddr  = ":9000"
	metricsAddr = ":9090"
)

const (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	l := setupLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	startMetricsLogger(ctx, &wg)

	srv := server.NewServer(
		server.WithListenAddr(listenAddr),
		server.WithLogger(l),
	)

	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()

	go func() {
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		port := portOf(srv.Addr())
		cleanup, err := discovery.Announce(ctx, port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", discovery.ServiceType, "port", port)
		go func() { <-ctx.Done(); cleanup() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	metrics.InitBuildInfo(version, commit, date)
	httpSrv := metrics.StartHTTP(metricsAddr)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	_ = srv.Shutdown(context.Background())
	wg.Wait()
}

func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}

