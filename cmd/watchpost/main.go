package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"watchpost/internal/audio"
	"watchpost/internal/camera"
	"watchpost/internal/config"
	"watchpost/internal/database"
	"watchpost/internal/emitter"
	"watchpost/internal/motion"
	"watchpost/internal/pipeline"
	"watchpost/internal/services"
	"watchpost/internal/stream"
	"watchpost/internal/system"
	"watchpost/internal/telegram"
	"watchpost/internal/ws"
)

// extraDrivers is extended by build-tagged files
var extraDrivers []pipeline.Driver

func main() {
	// Define command line flags, add any other flag required to configure the
	// service.
	var (
		hostF     = flag.String("host", "", "Server host (overrides WATCHPOST_HOST)")
		httpPortF = flag.String("http-port", "", "HTTP port (overrides WATCHPOST_HTTP_PORT)")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
		envF      = flag.String("env", ".env", "Optional .env file loaded before reading the environment")
	)
	flag.Parse()

	// Setup logger.
	var (
		logger *log.Logger
	)
	{
		logger = log.New(os.Stderr, "[watchpost] ", log.Ltime)
	}

	cfg, err := config.Load(*envF)
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}
	if *hostF != "" {
		cfg.Host = *hostF
	}
	if *httpPortF != "" {
		cfg.HTTPPort = *httpPortF
	}
	if *dbgF {
		cfg.Debug = true
	}

	// Capture drivers
	drivers := pipeline.NewDriverRegistry()
	for _, d := range append([]pipeline.Driver{
		camera.NewFFmpegDriver(),
		camera.NewHTTPDriver(),
		camera.NewSyntheticDriver(),
		audio.NewALSADriver(),
	}, extraDrivers...) {
		if err := drivers.Register(d); err != nil {
			logger.Fatalf("registering driver: %v", err)
		}
	}
	logger.Printf("drivers: %v", drivers.Names())

	// Core pipeline
	aggregator := pipeline.NewAggregator(cfg.HistorySize, cfg.EventTTL)
	supervisor := pipeline.NewSupervisor(aggregator, drivers, motion.New, logger)
	hub := ws.NewHub(aggregator, logger)
	for _, sc := range cfg.SourceConfigs() {
		if err := supervisor.Add(sc); err != nil {
			logger.Fatalf("adding source: %v", err)
		}
		if sc.Device.Kind == pipeline.KindAudio {
			hub.SetSampleRate(sc.Device.ID, sc.Device.SampleRate)
		}
		logger.Printf("source %q: %s %s", sc.Device.ID, sc.Device.Driver, sc.Device.Device)
	}

	// Optional collaborators
	var (
		journal  *database.Database
		mqttEmit *emitter.MQTTEmitter
		notifier *telegram.Notifier
		health   = services.NewHealthReporter()
	)
	if cfg.JournalPath != "" {
		journal, err = database.New(cfg.JournalPath, logger)
		if err != nil {
			logger.Fatalf("opening journal: %v", err)
		}
		if err := journal.Migrate(); err != nil {
			logger.Fatalf("migrating journal: %v", err)
		}
	}

	if cfg.TelegramToken != "" {
		notifier, err = telegram.NewNotifier(telegram.Config{
			BotToken: cfg.TelegramToken,
			ChatID:   cfg.TelegramChatID,
			Cooldown: cfg.TelegramCooldown,
		}, aggregator, logger)
		if err != nil {
			logger.Fatalf("telegram: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	if cfg.MQTTBroker != "" {
		mqttEmit = emitter.NewMQTTEmitter(cfg.MQTTBroker, cfg.InstanceID, cfg.MQTTTopicPrefix, logger)
		if err := mqttEmit.Connect(ctx); err != nil {
			// The client keeps retrying in the background
			logger.Printf("[MQTT] %v", err)
		}
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the services to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup

	// Watchers run until the aggregator closes so they see the final
	// Stopped transitions.
	watch := func(w pipeline.Watcher) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			aggregator.Watch(context.Background(), w)
		}()
	}
	watch(health)
	if journal != nil {
		watch(journal)
		if cfg.EventTTL > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pruneJournal(ctx, journal, cfg.EventTTL, logger)
			}()
		}
	}
	if mqttEmit != nil {
		watch(mqttEmit)
	}
	if notifier != nil {
		watch(notifier)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	supervisor.Start(ctx)

	if cfg.GRPCAddr != "" {
		handleGRPCHealth(ctx, cfg.GRPCAddr, health, &wg, errc, logger)
	}

	// Start the HTTP server and send errors (if any) to the error channel.
	addr := fmt.Sprintf("http://%s", net.JoinHostPort(cfg.Host, cfg.HTTPPort))
	u, err := url.Parse(addr)
	if err != nil {
		logger.Fatalf("invalid URL %#v: %s\n", addr, err)
	}

	api := services.New(services.Options{
		Aggregator: aggregator,
		Controller: supervisor,
		Events:     eventStore(journal),
		System:     system.NewReporter(cfg.DevDir, devicesInUse(supervisor, aggregator)),
		Stream:     stream.NewMJPEGHandler(aggregator, true, logger),
		WebSocket:  ws.NewHandler(hub, supervisor),
		Logger:     logger,
	})
	handleHTTPServer(ctx, u, api, &wg, errc, logger, cfg.Debug)

	// Wait for signal.
	logger.Printf("exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines, release the devices, then
	// end every subscription so streaming clients and watchers return.
	cancel()
	supervisor.Shutdown()
	aggregator.Close()

	wg.Wait()
	health.Shutdown()
	if mqttEmit != nil {
		mqttEmit.Disconnect()
	}
	if journal != nil {
		if err := journal.Close(); err != nil {
			logger.Printf("closing journal: %v", err)
		}
	}
	logger.Println("exited")
}

// eventStore avoids handing the API a typed nil
func eventStore(journal *database.Database) services.EventStore {
	if journal == nil {
		return nil
	}
	return journal
}

// devicesInUse reports a device path as in use while a source holds it open
func devicesInUse(supervisor *pipeline.Supervisor, aggregator *pipeline.Aggregator) func(string) bool {
	return func(path string) bool {
		for _, sc := range supervisor.Configs() {
			if sc.Device.Device != path {
				continue
			}
			snap, ok := aggregator.Snapshot(sc.Device.ID)
			if !ok {
				continue
			}
			switch snap.Health.State {
			case pipeline.StateRunning, pipeline.StateDegraded, pipeline.StateStarting:
				return true
			}
		}
		return false
	}
}

// pruneJournal drops journal events older than ttl once an hour
func pruneJournal(ctx context.Context, journal *database.Database, ttl time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		if n, err := journal.DeleteEventsBefore(time.Now().Add(-ttl)); err != nil {
			logger.Printf("[Journal] pruning: %v", err)
		} else if n > 0 {
			logger.Printf("[Journal] pruned %d event(s) older than %s", n, ttl)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
