package main

import (
	"context"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

// Exit codes understood by the process supervisor. Anything non-zero gets
// the process relaunched, which is how "reboot" works on a host agent.
const (
	exitCodeOK       = 0
	exitCodeFatal    = 1
	exitCodeReboot   = 10
	exitCodeRollback = 11
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		dataDir    = flag.String("data-dir", "", "override data directory")
		serverURL  = flag.String("server", "", "override fleet server base URL")
		logLevel   = flag.String("log-level", "info", "logrus level (debug, info, warn, error)")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(lvl)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *serverURL != "" {
		cfg.ServerBaseURL = *serverURL
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.WithError(err).Fatal("Failed to create data directory")
	}

	store, err := NewStore(filepath.Join(cfg.DataDir, "fleetd.db"), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer store.Close()

	bank, err := OpenFlashBank(ctx, store, cfg.DataDir, cfg.SlotSizeBytes, cfg.FirmwareVersion, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open flash bank")
	}

	running, err := bank.RunningSlot(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to resolve running slot")
	}

	// The running slot's recorded version supersedes the configured one
	// after an update has been committed.
	if running.Version != "" {
		cfg.FirmwareVersion = running.Version
	}

	clk := clock.WallClock
	driver := newHostDriver(probeAddr(cfg.ServerBaseURL), logger)

	// The reporter is built first so its identity can brand the AP SSID.
	reporter, err := NewReporter(ctx, store, cfg, staticRSSI{}, clk, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize reporter")
	}

	apSSID := cfg.APSSIDPrefix + ssidSuffix(reporter.Identity())
	netmgr := NewNetworkManager(store, driver, clk, cfg.PortalListenAddr, apSSID, logger)
	reporter.link = netmgr

	ota, err := NewUpdateManager(cfg.ServerBaseURL, reporter.Identity(), bank,
		cfg.HTTPTimeout, cfg.DownloadTimeout, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize update manager")
	}

	agent := NewAgent(cfg, netmgr, ota, reporter, bank, clk, logger)

	logger.WithFields(logrus.Fields{
		"device_id":        reporter.Identity(),
		"firmware_version": cfg.FirmwareVersion,
		"running_slot":     running.Label,
		"server":           cfg.ServerBaseURL,
	}).Info("fleet agent starting")

	switch agent.Run(ctx) {
	case ExitReboot:
		logger.Info("exiting for reboot into new image")
		os.Exit(exitCodeReboot)
	case ExitRollback:
		logger.Warn("exiting for rollback into previous image")
		os.Exit(exitCodeRollback)
	default:
		logger.Info("shutdown complete")
		os.Exit(exitCodeOK)
	}
}

// staticRSSI stands in for the link before the network manager exists.
type staticRSSI struct{}

func (staticRSSI) SignalStrength() int { return 0 }

// probeAddr derives the host:port the host driver dials to decide the link
// is up.
func probeAddr(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "localhost:80"
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host += ":443"
		default:
			host += ":80"
		}
	}
	return host
}

// ssidSuffix mirrors the firmware habit of branding the setup AP with the
// tail of the device identity.
func ssidSuffix(id string) string {
	if len(id) <= 4 {
		return id
	}
	return id[len(id)-4:]
}
