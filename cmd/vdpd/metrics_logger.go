package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shikamaru-ctrl/vdp-server/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"frames_decoded", snap.FramesDecoded,
					"invalid_frames", snap.InvalidFrames,
					"naks_sent", snap.NaksSent,
					"txn_registered", snap.TxnRegistered,
					"txn_completed", snap.TxnCompleted,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
