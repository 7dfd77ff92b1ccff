package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shikamaru-ctrl/vdp-server/internal/metrics"
	"github.com/shikamaru-ctrl/vdp-server/internal/mocktransport"
	"github.com/shikamaru-ctrl/vdp-server/internal/serialtransport"
	"github.com/shikamaru-ctrl/vdp-server/internal/transport"
	"github.com/shikamaru-ctrl/vdp-server/internal/vdpengine"
)

const rxBufSize = 4096

// openTransport constructs and opens the selected transport.
func openTransport(ctx context.Context, cfg *appConfig) (transport.Transport, error) {
	var tr transport.Transport
	switch cfg.transport {
	case "mock":
		tr = mocktransport.New()
	case "serial":
		tr = &serialtransport.Serial{Name: cfg.serialDev, Baud: cfg.baud, ReadTimeout: cfg.serialReadTO}
	default:
		return nil, fmt.Errorf("unknown transport %q (use mock|serial)", cfg.transport)
	}
	if err := tr.Open(ctx); err != nil {
		return nil, fmt.Errorf("open transport: %w", err)
	}
	return tr, nil
}

// startRxLoop launches tr's RX loop, feeding every read into eng.Intake
// until ctx is cancelled or the transport reports EOF.
func startRxLoop(ctx context.Context, tr transport.Transport, eng *vdpengine.Engine, l *slog.Logger, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("transport_rx_end")
		buf := make([]byte, rxBufSize)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := tr.Read(buf)
			if n > 0 {
				eng.Intake(append([]byte(nil), buf[:n]...))
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, io.EOF) {
					return
				}
				l.Warn("transport_read_error", "error", err)
				metrics.IncError(metrics.ErrTransportRead)
				time.Sleep(20 * time.Millisecond)
			}
		}
	}()
}
