package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-bxcan/internal/driver"
	"github.com/kstaniek/go-bxcan/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, drv *driver.Driver, l *slog.Logger, wg *sync.WaitGroup) {
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
				st := drv.Stats()
				l.Info("metrics_snapshot",
					"tx", snap.Tx,
					"rx", snap.Rx,
					"loopback", snap.Loopback,
					"rx_overflows", snap.RxOverflows,
					"bus_errors", snap.BusErrors,
					"bus_off", snap.BusOff,
					"send_timeouts", snap.SendTimeouts,
					"slcan_tx", snap.SlcanTx,
					"errors", snap.Errors,
					"last_error_code", st.LastErrorCode,
					"peak_tx_mailbox", st.PeakTxMailbox,
					"rx_queue_len", st.RxQueueLen,
					"active", drv.HadActivity(),
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
