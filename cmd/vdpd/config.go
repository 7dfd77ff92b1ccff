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
	transport    string // mock|serial
	serialDev    string
	baud         int
	serialReadTO time.Duration

	bridgeAddr  string
	bridgeHSTO  time.Duration
	bridgeBuf   int
	bridgePolicy string

	logFormat string
	logLevel  string

	metricsAddr     string
	logMetricsEvery time.Duration

	mdnsEnable bool
	mdnsName   string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	transport := flag.String("transport", "mock", "Transport: mock|serial")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path (when --transport=serial)")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	bridgeAddr := flag.String("bridge-listen", ":20100", "Bus-monitor bridge TCP listen address")
	bridgeHSTO := flag.Duration("bridge-handshake-timeout", 3*time.Second, "Bridge observer handshake timeout")
	bridgeBuf := flag.Int("bridge-buffer", 512, "Per-observer bridge buffer (frames)")
	bridgePolicy := flag.String("bridge-policy", "drop", "Bridge backpressure policy: drop|kick")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement of the bridge port")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default vdpd-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.transport = *transport
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.bridgeAddr = *bridgeAddr
	cfg.bridgeHSTO = *bridgeHSTO
	cfg.bridgeBuf = *bridgeBuf
	cfg.bridgePolicy = *bridgePolicy
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

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

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners, only checks values.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.transport {
	case "mock", "serial":
	default:
		return fmt.Errorf("invalid transport: %s", c.transport)
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
	switch c.bridgePolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid bridge-policy: %s", c.bridgePolicy)
	}
	if c.bridgeBuf <= 0 {
		return fmt.Errorf("bridge-buffer must be > 0 (got %d)", c.bridgeBuf)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.bridgeHSTO <= 0 {
		return fmt.Errorf("bridge-handshake-timeout must be > 0")
	}
	return nil
}

// applyEnvOverrides maps VDP_* environment variables to config fields unless
// a corresponding flag was explicitly set (flag wins). Duration accepts Go
// time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["transport"]; !ok {
		if v, ok := get("VDP_TRANSPORT"); ok && v != "" {
			c.transport = v
		}
	}
	if _, ok := set["serial"]; !ok {
		if v, ok := get("VDP_SERIAL"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("VDP_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid VDP_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["serial-read-timeout"]; !ok {
		if v, ok := get("VDP_SERIAL_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.serialReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid VDP_SERIAL_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["bridge-listen"]; !ok {
		if v, ok := get("VDP_BRIDGE_LISTEN"); ok && v != "" {
			c.bridgeAddr = v
		}
	}
	if _, ok := set["bridge-handshake-timeout"]; !ok {
		if v, ok := get("VDP_BRIDGE_HANDSHAKE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.bridgeHSTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid VDP_BRIDGE_HANDSHAKE_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["bridge-buffer"]; !ok {
		if v, ok := get("VDP_BRIDGE_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.bridgeBuf = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid VDP_BRIDGE_BUFFER: %w", err)
			}
		}
	}
	if _, ok := set["bridge-policy"]; !ok {
		if v, ok := get("VDP_BRIDGE_POLICY"); ok && v != "" {
			c.bridgePolicy = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("VDP_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("VDP_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("VDP_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("VDP_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid VDP_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("VDP_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("VDP_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
