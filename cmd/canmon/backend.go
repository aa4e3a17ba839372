package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-bxcan/internal/bxcan"
	"github.com/kstaniek/go-bxcan/internal/metrics"
	"github.com/kstaniek/go-bxcan/internal/sim"
)

// irqBinder is satisfied by register backends that can deliver interrupts in
// process (the simulator). MMIO backends rely on the poll loop instead.
type irqBinder interface {
	BindIRQ(func())
}

// openRegisters maps the configured register backend and returns it with a
// cleanup function.
func openRegisters(cfg *appConfig, l *slog.Logger) (bxcan.Registers, func(), error) {
	switch cfg.backend {
	case "sim":
		l.Info("backend_sim")
		return sim.New(sim.Options{}), func() {}, nil
	case "mmio":
		m, err := bxcan.OpenMMIO(uintptr(cfg.mmioBase))
		if err != nil {
			metrics.IncError(metrics.ErrMMIO)
			return nil, nil, fmt.Errorf("map registers at 0x%x: %w", cfg.mmioBase, err)
		}
		l.Info("backend_mmio", "base", fmt.Sprintf("0x%x", cfg.mmioBase))
		return m, func() { _ = m.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q (use sim|mmio)", cfg.backend)
	}
}
