package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	backend         string
	mmioBase        uint64
	clockHz         uint
	bitrate         uint
	loopback        bool
	silent          bool
	selfTest        bool
	pollInterval    time.Duration
	serialDev       string
	baud            int
	txBuffer        int
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	simTrafficEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	backend := flag.String("backend", "sim", "Register backend: sim|mmio")
	mmioBase := flag.String("mmio-base", "0x40006400", "Physical base address of the bxCAN block (when --backend=mmio)")
	clockHz := flag.Uint("clock-hz", 36_000_000, "Peripheral clock feeding the CAN kernel (Hz)")
	bitrate := flag.Uint("bitrate", 500_000, "CAN bit rate (bit/s)")
	loopback := flag.Bool("loopback", false, "Echo completed transmissions into the receive path")
	silent := flag.Bool("silent", false, "Listen-only mode, never drive the bus")
	selfTest := flag.Bool("self-test", false, "Run a loopback send/receive self-test and exit")
	pollInterval := flag.Duration("poll-interval", time.Millisecond, "Interrupt-cause polling period for backends without an interrupt line")
	serialDev := flag.String("serial", "", "Serial device for the SLCAN dump (empty disables)")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	txBuffer := flag.Int("tx-buffer", 256, "SLCAN writer buffer (frames)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	simTrafficEvery := flag.Duration("sim-traffic-interval", 0, "If >0 with --backend=sim, inject a synthetic frame at this period")
	mdnsEnable := flag.Bool("mdns-enable", false, "Advertise the metrics endpoint via mDNS")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default canmon-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.backend = *backend
	cfg.clockHz = *clockHz
	cfg.bitrate = *bitrate
	cfg.loopback = *loopback
	cfg.silent = *silent
	cfg.selfTest = *selfTest
	cfg.pollInterval = *pollInterval
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.txBuffer = *txBuffer
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.simTrafficEvery = *simTrafficEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if base, err := parseBase(*mmioBase); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	} else {
		cfg.mmioBase = base
	}

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

func parseBase(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid mmio-base %q: %w", s, err)
	}
	return v, nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or map registers – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.backend {
	case "sim", "mmio":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.backend == "mmio" && c.mmioBase == 0 {
		return errors.New("mmio backend requires a non-zero mmio-base")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.clockHz == 0 {
		return errors.New("clock-hz must be > 0")
	}
	if c.bitrate == 0 {
		return errors.New("bitrate must be > 0")
	}
	if c.pollInterval <= 0 {
		return errors.New("poll-interval must be > 0")
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.txBuffer <= 0 {
		return fmt.Errorf("tx-buffer must be > 0 (got %d)", c.txBuffer)
	}
	if c.simTrafficEvery > 0 && c.backend != "sim" {
		return errors.New("sim-traffic-interval requires --backend=sim")
	}
	if c.selfTest && c.silent {
		return errors.New("self-test cannot run in silent mode")
	}
	return nil
}

// applyEnvOverrides maps CANMON_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored;
// durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["backend"]; !ok {
		if v, ok := get("CANMON_BACKEND"); ok && v != "" {
			c.backend = v
		}
	}
	if _, ok := set["mmio-base"]; !ok {
		if v, ok := get("CANMON_MMIO_BASE"); ok && v != "" {
			if base, err := parseBase(v); err == nil {
				c.mmioBase = base
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CANMON_MMIO_BASE: %w", err)
			}
		}
	}
	if _, ok := set["clock-hz"]; !ok {
		if v, ok := get("CANMON_CLOCK_HZ"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.clockHz = uint(n)
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANMON_CLOCK_HZ: %w", err)
			}
		}
	}
	if _, ok := set["bitrate"]; !ok {
		if v, ok := get("CANMON_BITRATE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.bitrate = uint(n)
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANMON_BITRATE: %w", err)
			}
		}
	}
	if _, ok := set["loopback"]; !ok {
		if v, ok := get("CANMON_LOOPBACK"); ok && v != "" {
			c.loopback = parseBool(v, c.loopback)
		}
	}
	if _, ok := set["silent"]; !ok {
		if v, ok := get("CANMON_SILENT"); ok && v != "" {
			c.silent = parseBool(v, c.silent)
		}
	}
	if _, ok := set["self-test"]; !ok {
		if v, ok := get("CANMON_SELF_TEST"); ok && v != "" {
			c.selfTest = parseBool(v, c.selfTest)
		}
	}
	if _, ok := set["poll-interval"]; !ok {
		if v, ok := get("CANMON_POLL_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.pollInterval = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANMON_POLL_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["serial"]; !ok {
		if v, ok := get("CANMON_SERIAL"); ok {
			c.serialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("CANMON_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANMON_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["tx-buffer"]; !ok {
		if v, ok := get("CANMON_TX_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.txBuffer = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANMON_TX_BUFFER: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CANMON_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CANMON_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CANMON_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CANMON_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANMON_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["sim-traffic-interval"]; !ok {
		if v, ok := get("CANMON_SIM_TRAFFIC_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.simTrafficEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANMON_SIM_TRAFFIC_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CANMON_MDNS_ENABLE"); ok && v != "" {
			c.mdnsEnable = parseBool(v, c.mdnsEnable)
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CANMON_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}

func parseBool(v string, def bool) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
