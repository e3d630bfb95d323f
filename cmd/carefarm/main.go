// Command carefarm supervises the greenhouse microcontroller over serial,
// runs the automatic climate and irrigation loop, and serves the farm state
// over HTTP and MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/carefarm/internal/codec"
	"github.com/sweeney/carefarm/internal/config"
	"github.com/sweeney/carefarm/internal/control"
	"github.com/sweeney/carefarm/internal/gpio"
	"github.com/sweeney/carefarm/internal/history"
	"github.com/sweeney/carefarm/internal/link"
	"github.com/sweeney/carefarm/internal/logic"
	"github.com/sweeney/carefarm/internal/mqtt"
	"github.com/sweeney/carefarm/internal/state"
	"github.com/sweeney/carefarm/internal/status"
	"github.com/sweeney/carefarm/internal/web"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (empty for built-in defaults)")
	port := flag.String("port", "", "Serial port (overrides config; empty to auto-discover)")
	httpAddr := flag.String("http", "", `HTTP address (overrides config; "off" disables)`)
	broker := flag.String("broker", "", `MQTT broker URL (overrides config; "off" disables)`)
	printConfig := flag.Bool("print-config", false, "Print the effective config and exit")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	applyOverrides(&cfg, *port, *httpAddr, *broker)

	if *printConfig {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			log.Fatalf("fatal: %v", err)
		}
		return
	}

	logger := newLogger(cfg.Log, os.Stderr)
	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// applyOverrides layers non-empty command line flags over the config file.
func applyOverrides(cfg *config.Config, port, httpAddr, broker string) {
	if port != "" {
		cfg.Serial.Port = port
	}
	switch httpAddr {
	case "":
	case "off":
		cfg.HTTP.Addr = ""
	default:
		cfg.HTTP.Addr = httpAddr
	}
	switch broker {
	case "":
	case "off":
		cfg.MQTT.Broker = ""
	default:
		cfg.MQTT.Broker = broker
	}
}

func newLogger(lc config.Log, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(lc.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func statusConfig(cfg config.Config) status.Config {
	return status.Config{
		SerialPort:         cfg.Serial.Port,
		Codec:              cfg.Serial.Codec,
		Baud:               cfg.Serial.Baud,
		ControlIntervalMs:  cfg.Control.Interval.Milliseconds(),
		HeartbeatTimeoutMs: cfg.Serial.HeartbeatTimeout.Milliseconds(),
		Broker:             cfg.MQTT.Broker,
		HTTPAddr:           cfg.HTTP.Addr,
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	start := time.Now()

	// State first: every other component reads or writes it.
	var persister state.Persister // nil = memory only
	if cfg.State.Path != "" {
		persister = state.NewFilePersister(cfg.State.Path)
	}
	store := state.Open(persister, cfg.StateDefaults(), logger)

	c, err := codec.New(cfg.Serial.Codec)
	if err != nil {
		return fmt.Errorf("init codec: %w", err)
	}
	mgr := link.NewManager(cfg.Link(), link.NewSerialDriver(), c, store, logger)
	tracker := status.NewTracker(start, statusConfig(cfg))

	// Observers run inside the link manager's lock; hand off anything slow.
	linkEvents := make(chan link.State, 16)
	mgr.OnStateChange(func(s link.State) {
		select {
		case linkEvents <- s:
		default:
		}
	})

	if cfg.GPIO.LEDPin >= 0 {
		led, err := gpio.NewRealIndicator(cfg.GPIO.Chip, cfg.GPIO.LEDPin)
		if err != nil {
			logger.Warn("link LED disabled", "error", err)
		} else {
			defer led.Close()
			mgr.OnStateChange(gpio.LinkLED(led, logger.With("component", "gpio")))
		}
	}

	ctrl := control.New(cfg.AutoControl(), store, mgr, logger, start)

	var (
		publisher  mqtt.Publisher
		mqttStatus mqtt.ConnectionStatus
	)
	if cfg.MQTT.Broker != "" {
		tlsCfg, err := mqtt.LoadTLSConfig(cfg.MQTT.CAFile, cfg.MQTT.CertFile, cfg.MQTT.KeyFile)
		if err != nil {
			return fmt.Errorf("init mqtt tls: %w", err)
		}
		pub := mqtt.NewRealPublisher(mqtt.Options{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			StateTopic:     cfg.MQTT.StateTopic,
			SystemTopic:    cfg.MQTT.SystemTopic,
			ConditionTopic: cfg.MQTT.ConditionTopic,
			BufferSize:     cfg.MQTT.BufferSize,
			TLS:            tlsCfg,
			OnCondition: func(cond string) {
				store.ApplyUpdate(state.Update{PlantCondition: &cond}, state.ActorExternal)
			},
		}, logger.With("component", "mqtt"))
		defer pub.Close()
		publisher, mqttStatus = pub, pub
	}

	var recorder *history.Recorder
	if cfg.History.Path != "" {
		recorder, err = history.Open(cfg.History.Path, cfg.History.Retain, logger.With("component", "history"))
		if err != nil {
			return fmt.Errorf("init history: %w", err)
		}
		defer recorder.Close()
	}

	var srv *web.Server
	if cfg.HTTP.Addr != "" {
		opts := web.Options{
			Addr:              cfg.HTTP.Addr,
			APIKey:            cfg.HTTP.APIKey,
			BroadcastInterval: cfg.HTTP.BroadcastInterval,
			Tracker:           tracker,
			Store:             store,
			Commander:         mgr,
			Logger:            logger.With("component", "web"),
		}
		if recorder != nil {
			opts.History = recorder
		}
		srv = web.New(opts)
	}

	d := &daemon{
		store:      store,
		link:       mgr,
		control:    ctrl,
		tracker:    tracker,
		publisher:  publisher,
		mqttStatus: mqttStatus,
		stateEvery: cfg.MQTT.Interval,
		heartbeat:  cfg.MQTT.Heartbeat,
		start:      start,
		logger:     logger,
	}
	d.startup(start)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return ctrl.Run(gctx) })
	if srv != nil {
		g.Go(func() error { return srv.Run(gctx) })
	}
	if recorder != nil {
		g.Go(func() error { return recorder.Run(gctx, cfg.History.Interval, store.Snapshot) })
	}

	logger.Info("started",
		"port", orAuto(cfg.Serial.Port), "codec", c.Name(), "baud", cfg.Serial.Baud,
		"http", cfg.HTTP.Addr, "broker", cfg.MQTT.Broker, "mode", store.Snapshot().Mode)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	d.supervise(gctx, time.Now, ticker.C, sigCh, linkEvents)
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}

func orAuto(port string) string {
	if port == "" {
		return "auto"
	}
	return port
}

// linkStatus is the part of the link manager the supervisor reads.
type linkStatus interface {
	Status() link.Status
}

// controlCounts is the part of the controller the supervisor reads.
type controlCounts interface {
	Counts() logic.Counts
}

// daemon owns the periodic reporting done by the supervising goroutine.
type daemon struct {
	store      web.StateStore
	link       linkStatus
	control    controlCounts
	tracker    *status.Tracker
	publisher  mqtt.Publisher // nil = MQTT disabled
	mqttStatus mqtt.ConnectionStatus
	stateEvery time.Duration
	heartbeat  time.Duration
	start      time.Time
	logger     *slog.Logger
}

func (d *daemon) refresh() {
	d.tracker.SetLink(d.link.Status())
	d.tracker.SetControl(d.store.Snapshot().Mode, d.control.Counts())
	if d.mqttStatus != nil {
		d.tracker.SetMQTTConnected(d.mqttStatus.IsConnected())
	}
}

func (d *daemon) publishSystem(event mqtt.SystemEvent) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.PublishSystem(event); err != nil {
		d.logger.Warn("failed to publish system event", "event", event.Event, "error", err, "err_class", "transport")
	}
}

// startup publishes the retained STARTUP event with a full status snapshot.
func (d *daemon) startup(now time.Time) {
	d.refresh()
	snap := d.tracker.Snapshot()
	d.publishSystem(mqtt.SystemEvent{
		Timestamp:  now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	})
}

// supervise runs until a shutdown signal arrives or ctx is cancelled. Each
// tick refreshes the status tracker and publishes state and heartbeats when
// due; link transitions are announced as they happen.
func (d *daemon) supervise(ctx context.Context, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal, linkEvents <-chan link.State) {
	hb := logic.NewHeartbeat(d.start)
	var lastState time.Time

	for {
		select {
		case <-ctx.Done():
			d.logger.Warn("worker stopped, shutting down", "error", context.Cause(ctx))
			d.shutdown(now(), "WORKER_EXIT")
			return

		case s := <-sig:
			d.logger.Info("shutting down", "signal", s.String())
			d.shutdown(now(), signalName(s))
			return

		case ls := <-linkEvents:
			d.refresh()
			d.logger.Info("link state", "state", ls)
			d.publishSystem(mqtt.SystemEvent{Timestamp: now(), Event: "LINK", Reason: string(ls)})

		case <-tick:
			t := now()
			d.refresh()

			if d.publisher != nil && d.stateEvery > 0 && t.Sub(lastState) >= d.stateEvery {
				if err := d.publisher.PublishState(t, d.store.Snapshot()); err != nil {
					d.logger.Warn("state publish failed", "error", err, "err_class", "transport")
				}
				lastState = t
			}

			if hbData := hb.Check(t, d.heartbeat, d.control.Counts()); hbData != nil {
				d.logger.Info("heartbeat", "uptime", hbData.Uptime,
					"heat_ticks", hbData.Counts.HeatTicks, "cool_ticks", hbData.Counts.CoolTicks,
					"pump_bursts", hbData.Counts.PumpBursts)
				snap := d.tracker.Snapshot()
				d.publishSystem(mqtt.SystemEvent{
					Timestamp:  hbData.Timestamp,
					Event:      "HEARTBEAT",
					RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
				})
			}
		}
	}
}

func (d *daemon) shutdown(at time.Time, reason string) {
	d.refresh()
	snap := d.tracker.Snapshot()
	d.publishSystem(mqtt.SystemEvent{
		Timestamp:  at,
		Event:      "SHUTDOWN",
		Reason:     reason,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", reason),
	})
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}
