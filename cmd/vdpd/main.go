package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shikamaru-ctrl/vdp-server/internal/bridge"
	"github.com/shikamaru-ctrl/vdp-server/internal/metrics"
	"github.com/shikamaru-ctrl/vdp-server/internal/transport"
	"github.com/shikamaru-ctrl/vdp-server/internal/vdp"
	"github.com/shikamaru-ctrl/vdp-server/internal/vdpengine"
)

// asyncTxBuf bounds the outbound queue between the engine's send path and
// the transport, so a stalled device never blocks Send/SendAndWait callers.
const asyncTxBuf = 256

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("vdpd %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	hub := bridge.New()
	hub.OutBufSize = cfg.bridgeBuf
	switch cfg.bridgePolicy {
	case "kick":
		hub.Policy = bridge.PolicyKick
	default:
		hub.Policy = bridge.PolicyDrop
	}

	tr, err := openTransport(ctx, cfg)
	if err != nil {
		l.Error("transport_init_error", "error", err)
		return
	}
	l.Info("transport_open", "kind", cfg.transport)

	atx := transport.NewAsyncTx(ctx, asyncTxBuf, func(wire []byte) error {
		_, err := tr.Send(wire)
		return err
	}, transport.Hooks{
		OnError: func(err error) {
			l.Warn("transport_send_error", "error", err)
			metrics.IncError(metrics.ErrTransportWrite)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrTransportWrite)
			return fmt.Errorf("vdpd: outbound queue full")
		},
	})

	eng := vdpengine.New(atx.SendFrame)
	eng.SetObserver(func(f vdp.Frame) { hub.Broadcast(f) })
	eng.SetUnsolicitedSink(func(f vdp.Frame) {
		l.Debug("unsolicited_frame", "ecu", f.EcuID, "command", f.Command)
	})

	startRxLoop(ctx, tr, eng, l, &wg)
	cleanupTransport := func() { atx.Close(); _ = tr.Close() }

	br := bridge.NewServer(cfg.bridgeAddr, hub, cfg.bridgeHSTO)
	go func() {
		if err := br.Serve(ctx); err != nil {
			l.Error("bridge_server_error", "error", err)
			cancel()
		}
	}()

	// Periodic timeout sweep so pending transactions expire even with no
	// inbound traffic to trigger Intake.
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(250 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				eng.Table().CheckTimeouts()
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-br.Ready():
		case <-ctx.Done():
			return
		}
		addr := br.Addr()
		var portNum int
		if _, p, err := net.SplitHostPort(addr); err == nil {
			if pn, perr := strconv.Atoi(p); perr == nil {
				portNum = pn
			}
		}
		if portNum == 0 {
			lastColon := strings.LastIndex(addr, ":")
			if lastColon >= 0 {
				if pn, perr := strconv.Atoi(addr[lastColon+1:]); perr == nil {
					portNum = pn
				}
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-br.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	cleanupTransport()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := br.Shutdown(shutdownCtx); err != nil {
		l.Warn("bridge_shutdown_error", "error", err)
	}
	wg.Wait()
}
