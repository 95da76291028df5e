package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/m-mcgowan/usb-device/internal/agent"
	"github.com/m-mcgowan/usb-device/internal/handlers"
	"github.com/m-mcgowan/usb-device/internal/logger"
	"github.com/m-mcgowan/usb-device/internal/models"
	"github.com/m-mcgowan/usb-device/internal/registry"
	"github.com/m-mcgowan/usb-device/internal/repository"
	"github.com/m-mcgowan/usb-device/internal/server"
	"github.com/m-mcgowan/usb-device/internal/usbbus"
)

func main() {
	once := pflag.Bool("once", false, "push the current state once and exit")
	status := pflag.Bool("status", false, "print a JSON status snapshot to stdout and exit")
	configDir := pflag.String("config", "configs", "directory containing config.yml")
	pflag.String("registry", "", "path to devices.conf (overrides config)")
	pflag.String("log-level", "", "debug | info | warn | error (overrides config)")
	pflag.Duration("interval", 0, "keepalive push interval (overrides config)")
	pflag.String("hub-port", "", "serial port of the hub controller (skips discovery)")
	pflag.String("hub-location", "", "bus location of the hub (skips discovery)")
	pflag.Parse()

	if err := loadConfig(*configDir); err != nil {
		fmt.Fprintln(os.Stderr, "error reading config:", err)
		os.Exit(1)
	}

	log := logger.Get(viper.GetString("log_level"))

	devices, err := registry.Load(viper.GetString("registry.path"))
	if err != nil {
		log.Fatalw("failed to load device registry", "err", err)
	}
	if len(devices) == 0 {
		log.Fatalw("device registry is empty; nothing to display",
			"path", viper.GetString("registry.path"))
	}
	log.Infow("device registry loaded", "devices", len(devices))

	scanner := usbbus.NewScanner(log)
	defer func() { _ = scanner.Close() }()

	cfg := agent.Config{
		Interval:         viper.GetDuration("hub.interval"),
		Settle:           viper.GetDuration("hub.settle"),
		ProbeTimeout:     viper.GetDuration("hub.probe_timeout"),
		PortOverride:     viper.GetString("hub.port"),
		LocationOverride: viper.GetString("hub.location"),
	}

	// One-shot modes skip the event log, the watcher, and the HTTP server.
	if *status {
		runStatus(log, devices, scanner, cfg)
		return
	}
	if *once {
		runOnce(log, devices, scanner, cfg)
		return
	}

	db, err := openDB(log)
	if err != nil {
		log.Fatalw("failed to init sqlite", "err", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.Errorw("failed to close sqlite", "err", cerr)
		}
	}()
	repos := repository.NewRepository(db)

	a := agent.New(log, devices, agent.Deps{
		Locator: scanner,
		Scanner: scanner,
		Watcher: usbbus.NewWatcher(log),
		Events:  repos.Events,
	}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		if err := a.Run(ctx); err != nil {
			log.Errorw("agent stopped", "err", err)
		}
	}()

	srv := &server.Server{}
	apiHandler := handlers.NewHandler(a, repos.Events, log)
	runHTTPServer(srv, viper.GetString("port"), apiHandler, log)

	waitForShutdown(cancel, srv, agentDone, log)
}

func loadConfig(dir string) error {
	viper.AddConfigPath(dir) // configs/config.yml
	viper.SetConfigName("config")

	viper.SetDefault("port", "8080")
	viper.SetDefault("log_level", logger.InfoLevel)
	viper.SetDefault("db.path", "hub-agent.db")
	viper.SetDefault("registry.path", "devices.conf")

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine: defaults plus flags cover every knob.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	bind := map[string]string{
		"registry.path": "registry",
		"log_level":     "log-level",
		"hub.interval":  "interval",
		"hub.port":      "hub-port",
		"hub.location":  "hub-location",
	}
	for key, flag := range bind {
		f := pflag.Lookup(flag)
		if f != nil && f.Changed {
			if err := viper.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// openDB initializes the SQLite event log using configuration.
func openDB(log *logger.Logger) (*sql.DB, error) {
	dbPath := viper.GetString("db.path")
	log.Infow("opening event log", "path", dbPath)
	return repository.InitDB(dbPath)
}

// runStatus prints a one-shot diagnostic snapshot to stdout.
func runStatus(log *logger.Logger, devices map[string]models.DeviceRecord, scanner *usbbus.Scanner, cfg agent.Config) {
	a := agent.New(log, devices, agent.Deps{Locator: scanner, Scanner: scanner}, cfg)
	st, err := a.Status()
	if err != nil {
		log.Fatalw("status failed", "err", err)
	}
	out, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		log.Fatalw("encode status", "err", err)
	}
	fmt.Println(string(out))
}

// runOnce performs a single scan-and-push cycle.
func runOnce(log *logger.Logger, devices map[string]models.DeviceRecord, scanner *usbbus.Scanner, cfg agent.Config) {
	a := agent.New(log, devices, agent.Deps{Locator: scanner, Scanner: scanner}, cfg)
	if err := a.RefreshOnce(context.Background()); err != nil {
		log.Fatalw("refresh failed", "err", err)
	}
}

// runHTTPServer runs the HTTP server in a separate goroutine.
func runHTTPServer(srv *server.Server, port string, handler *handlers.Handler, log *logger.Logger) {
	go func() {
		if err := srv.Run(port, handler.InitRoutes()); err != nil && err != http.ErrServerClosed {
			log.Fatalw("error starting server", "err", err)
		}
	}()
}

// waitForShutdown listens for termination signals and performs graceful shutdown.
func waitForShutdown(cancel context.CancelFunc, srv *server.Server, agentDone <-chan struct{}, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down...")

	// stop the reconciliation loop and wait for it to release the serial port
	cancel()
	<-agentDone

	// allow in-flight requests to complete
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("server forced to shutdown", "err", err)
	}
}
