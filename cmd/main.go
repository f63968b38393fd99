package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"shadegate/internal/bridge"
	"shadegate/internal/calibration"
	"shadegate/internal/handlers"
	"shadegate/internal/logger"
	"shadegate/internal/registry"
	"shadegate/internal/repository"
	"shadegate/internal/repository/db"
	"shadegate/internal/server"
	"shadegate/internal/service"
	"shadegate/internal/session"

	"github.com/spf13/viper"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// load config.yml; defaults and SHADEGATE_* variables cover a missing file
	cfgErr := loadConfig()

	// init logger
	log := logger.Get(viper.GetString("log.level"))
	if cfgErr != nil {
		log.Fatalw("error reading config", "err", cfgErr)
	}

	// open DB
	sqlDB, err := openDB(log)
	if err != nil {
		log.Fatalw("failed to init sqlite", "err", err)
	}
	defer func() {
		if cerr := sqlDB.Close(); cerr != nil {
			log.Errorw("failed to close sqlite", "err", cerr)
		}
	}()

	if viper.GetString("auth.signing_key") == "" {
		log.Fatalw("auth.signing_key must be set")
	}

	cal, err := calibration.New(viper.GetInt("calibration.min"), viper.GetInt("calibration.max"))
	if err != nil {
		log.Fatalw("invalid calibration", "err", err)
	}

	// context for device sessions and background goroutines
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// wire dependencies
	repos := repository.NewRepository(sqlDB, deviceStore(log))
	reg := registry.New(repos.Devices, log, registryOptions())
	reg.Load(ctx)

	services := service.NewService(repos, reg, cal, service.AuthConfig{
		SigningKey: viper.GetString("auth.signing_key"),
		TokenTTL:   viper.GetDuration("auth.token_ttl"),
	}, log)

	apiHandler := handlers.NewHandler(services, log, handlers.Config{
		DevicePath: viper.GetString("device.path"),
		Sink:       reg,
		Session: session.Options{
			IdleTimeout:    viper.GetDuration("device.idle_timeout"),
			SupersedeGrace: viper.GetDuration("device.supersede_grace"),
		},
		BaseContext: ctx,
	})

	// background persistence; stopped only after device sessions have
	// released their devices so the final flush sees them offline
	persistCtx, stopPersist := context.WithCancel(context.Background())
	defer stopPersist()
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		reg.Run(persistCtx)
	}()

	// optional MQTT bridge
	if mqttClient := startBridge(ctx, services.Gateway, log); mqttClient != nil {
		defer mqttClient.Close()
	}

	// start HTTP server
	srv := &server.Server{}
	runHTTPServer(ctx, srv, viper.GetString("port"), apiHandler, log)

	// graceful shutdown
	waitForShutdown(cancel, srv, apiHandler, log)
	stopPersist()
	<-flushed
}

func loadConfig() error {
	viper.SetDefault("port", "8080")
	viper.SetDefault("log.level", logger.InfoLevel)
	viper.SetDefault("db.path", "shadegate.db")
	viper.SetDefault("store.driver", "sqlite")
	viper.SetDefault("store.file", "devices.json")
	viper.SetDefault("store.async", false)
	viper.SetDefault("store.flush_interval", 2*time.Second)
	viper.SetDefault("calibration.min", calibration.DefaultMin)
	viper.SetDefault("calibration.max", calibration.DefaultMax)
	viper.SetDefault("device.path", "/device")
	viper.SetDefault("device.idle_timeout", time.Duration(0))
	viper.SetDefault("device.supersede_grace", 5*time.Second)
	viper.SetDefault("auth.token_ttl", time.Hour)
	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.qos", 1)

	viper.SetEnvPrefix("shadegate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.AddConfigPath("configs") // configs/config.yml
	viper.SetConfigName("config")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

// openDB initializes the SQLite database using configuration.
func openDB(log *logger.Logger) (*sql.DB, error) {
	dbPath := viper.GetString("db.path")
	log.Infow("opening sqlite", "path", dbPath)
	return db.Open(dbPath)
}

// deviceStore returns the configured record store, or nil for the SQLite default.
func deviceStore(log *logger.Logger) repository.DeviceStore {
	switch driver := strings.ToLower(viper.GetString("store.driver")); driver {
	case "file":
		path := viper.GetString("store.file")
		log.Infow("device records in snapshot file", "path", path)
		return repository.NewDeviceFile(path)
	case "", "sqlite":
		return nil
	default:
		log.Fatalw("unknown store.driver", "driver", driver)
		return nil
	}
}

func registryOptions() registry.Options {
	opts := registry.Options{FlushInterval: viper.GetDuration("store.flush_interval")}
	if viper.GetBool("store.async") {
		opts.Persist = registry.PersistAsync
	}
	return opts
}

// startBridge connects to the broker when enabled. A broker that cannot be
// reached is logged and the gateway runs without the bridge.
func startBridge(ctx context.Context, gw service.Gateway, log *logger.Logger) *bridge.PahoClient {
	if !viper.GetBool("mqtt.enabled") {
		return nil
	}
	cfg := bridge.Config{
		Broker:          viper.GetString("mqtt.broker"),
		ClientID:        viper.GetString("mqtt.client_id"),
		Username:        viper.GetString("mqtt.username"),
		Password:        viper.GetString("mqtt.password"),
		QoS:             byte(viper.GetUint("mqtt.qos")),
		TopicPrefix:     viper.GetString("mqtt.topic_prefix"),
		DiscoveryPrefix: viper.GetString("mqtt.discovery_prefix"),
	}
	client, err := bridge.Dial(cfg, log)
	if err != nil {
		log.Errorw("mqtt bridge disabled", "err", err)
		return nil
	}
	go func() {
		if err := bridge.New(client, gw, cfg, log).Run(ctx); err != nil {
			log.Errorw("mqtt bridge stopped", "err", err)
		}
	}()
	return client
}

// runHTTPServer runs the HTTP server in a separate goroutine.
func runHTTPServer(ctx context.Context, srv *server.Server, port string, handler *handlers.Handler, log *logger.Logger) {
	go func() {
		if port == "" {
			port = "8080"
		}
		log.Infow("listening", "port", port)
		if err := srv.Run(ctx, port, handler.InitRoutes()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("error starting server", "err", err)
		}
	}()
}

// waitForShutdown listens for termination signals and performs graceful shutdown.
func waitForShutdown(cancel context.CancelFunc, srv *server.Server, h *handlers.Handler, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down server...")

	// stop device sessions and background goroutines
	cancel()

	// allow in-flight requests to complete
	ctx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("server forced to shutdown", "err", err)
	}

	// hijacked device connections are not covered by Shutdown
	if err := h.WaitSessions(ctx); err != nil {
		log.Errorw("device sessions still open at shutdown", "err", err)
	}
}
