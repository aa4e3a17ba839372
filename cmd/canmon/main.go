package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/driver"
	"github.com/kstaniek/go-bxcan/internal/metrics"
	"github.com/kstaniek/go-bxcan/internal/serial"
	"github.com/kstaniek/go-bxcan/internal/sim"
)

// Helper implementations live in dedicated files: version.go, config.go,
// logger.go, backend.go, metrics_logger.go, mdns.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("canmon %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	regs, cleanupRegs, err := openRegisters(cfg, l)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		os.Exit(1)
	}
	defer cleanupRegs()

	drv := driver.New(regs, driver.Config{ClockHz: uint32(cfg.clockHz)})
	if b, ok := regs.(irqBinder); ok {
		b.BindIRQ(drv.ServiceInterrupt)
	}

	if err := drv.Start(uint32(cfg.bitrate), driver.Options{
		Loopback: cfg.loopback || cfg.selfTest, // the self-test needs the echo
		Silent:   cfg.silent,
	}); err != nil {
		metrics.IncError(metrics.ErrStart)
		l.Error("driver_start_error", "error", err, "bitrate", cfg.bitrate)
		os.Exit(1)
	}
	defer drv.Stop()

	// Backends without an in-process interrupt line get their causes drained
	// by polling.
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(cfg.pollInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				drv.ServiceInterrupt()
			case <-ctx.Done():
				return
			}
		}
	}()

	if cfg.selfTest {
		err := runSelfTest(drv)
		cancel()
		drv.Stop()
		wg.Wait()
		if err != nil {
			l.Error("self_test_failed", "error", err)
			os.Exit(1)
		}
		l.Info("self_test_ok")
		return
	}

	var dump *serial.TXWriter
	if cfg.serialDev != "" {
		sp, err := serial.Open(cfg.serialDev, cfg.baud, 50*time.Millisecond)
		if err != nil {
			l.Error("serial_open_error", "device", cfg.serialDev, "error", err)
			os.Exit(1)
		}
		defer func() { _ = sp.Close() }()
		dump = serial.NewTXWriter(ctx, sp, cfg.txBuffer)
		defer dump.Close()
		l.Info("slcan_dump", "device", cfg.serialDev, "baud", cfg.baud)
	}

	// The receive pump: drain the driver queue, forward to the SLCAN dump.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			rxf, ok := drv.Receive(200 * time.Millisecond)
			if !ok {
				continue
			}
			if rxf.Failed {
				continue // aborted loopback reports, nothing to dump
			}
			if dump != nil {
				_ = dump.SendFrame(rxf.Frame) // overflow already counted by the writer
			}
			l.Debug("rx_frame",
				"id", fmt.Sprintf("0x%X", rxf.Frame.ID&can.MaskExtended),
				"len", rxf.Frame.Len,
				"ext", rxf.Frame.IsExtended(),
				"rtr", rxf.Frame.IsRemote(),
				"loopback", rxf.Loopback)
		}
	}()

	startMetricsLogger(ctx, cfg.logMetricsEvery, drv, l, &wg)
	startSimTraffic(ctx, cfg, regs, &wg)

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()

		if cfg.mdnsEnable {
			if port := addrPort(cfg.metricsAddr); port > 0 {
				cleanupMDNS, err := startMDNS(ctx, cfg, port)
				if err != nil {
					l.Warn("mdns_start_failed", "error", err)
				} else {
					l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
					defer cleanupMDNS()
				}
			}
		}
	}

	l.Info("canmon_running", "backend", cfg.backend, "bitrate", cfg.bitrate,
		"loopback", cfg.loopback, "silent", cfg.silent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	drv.Stop()
	wg.Wait()
}

// runSelfTest sends one frame through the loopback echo and checks it comes
// back intact. Proves the register path, the mailbox load, the interrupt
// drain and the receive queue end to end.
func runSelfTest(drv *driver.Driver) error {
	sent := can.Frame{ID: 0x7E5, Len: 8, Data: [8]byte{0xCA, 0xFE, 0xC0, 0x01, 1, 2, 3, 4}}
	outcome, err := drv.Send(sent, time.Second)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if outcome != driver.Transmitted {
		return fmt.Errorf("send: frame not accepted within budget")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rxf, ok := drv.Receive(200 * time.Millisecond)
		if !ok {
			continue
		}
		if !rxf.Loopback || !rxf.Frame.Equal(sent) {
			continue // unrelated bus traffic
		}
		if rxf.Failed {
			return fmt.Errorf("loopback reports transmission failed")
		}
		return nil
	}
	return fmt.Errorf("loopback echo not received")
}

// startSimTraffic injects a synthetic frame at the configured period so the
// whole pipeline can be exercised without silicon or bus peers.
func startSimTraffic(ctx context.Context, cfg *appConfig, regs any, wg *sync.WaitGroup) {
	bus, ok := regs.(*sim.Bus)
	if !ok || cfg.simTrafficEvery <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(cfg.simTrafficEvery)
		defer t.Stop()
		var seq uint32
		for {
			select {
			case <-t.C:
				f := can.Frame{ID: 0x100 + seq%16, Len: 4}
				f.Data[0] = byte(seq)
				f.Data[1] = byte(seq >> 8)
				f.Data[2] = byte(seq >> 16)
				f.Data[3] = byte(seq >> 24)
				bus.InjectFrame(int(seq%2), f)
				seq++
			case <-ctx.Done():
				return
			}
		}
	}()
}

// addrPort extracts the numeric port from a listen address (host:port or :port).
func addrPort(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if pn, perr := strconv.Atoi(p); perr == nil {
			return pn
		}
	}
	return 0
}
