// Stargaze gateway
//
// The gateway keeps one authenticated broker connection for a gateway device
// and its attached leaf devices, rotating the connection before each signed
// credential expires. Telemetry from the sensor producer arrives over a local
// relay and is published on the devices' event topics.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	_ "github.com/danarchy-io/stargaze-gateway/migrations"

	"github.com/danarchy-io/stargaze-gateway/internal/api"
	"github.com/danarchy-io/stargaze-gateway/internal/credential"
	"github.com/danarchy-io/stargaze-gateway/internal/device"
	"github.com/danarchy-io/stargaze-gateway/internal/heartbeat"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/config"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/database"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/influxdb"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/logging"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/metrics"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/mqtt"
	"github.com/danarchy-io/stargaze-gateway/internal/process"
	"github.com/danarchy-io/stargaze-gateway/internal/relay"
	"github.com/danarchy-io/stargaze-gateway/internal/session"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	// caFetchTimeout bounds the one-time trust bundle download.
	caFetchTimeout = 30 * time.Second

	// telemetryQoS is the delivery level of relayed telemetry.
	telemetryQoS = 0
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) {
			if flagErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context, args []string) error {
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}
	if opts.Version {
		fmt.Printf("stargaze-gateway %s (%s, %s)\n", version, commit, date)
		return nil
	}

	log := logging.Default()
	log.Info("starting Stargaze gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := opts.apply(cfg); err != nil {
		return fmt.Errorf("applying flags: %w", err)
	}
	log.Info("configuration loaded", "path", opts.Config)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	lock, err := acquireInstanceLock(cfg.Gateway.LockFile)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			log.Error("error releasing lock", "error", releaseErr)
		}
	}()

	m := metrics.New()

	tlsConfig, err := loadTrust(ctx, cfg.Broker)
	if err != nil {
		return err
	}

	issuer, err := credential.NewIssuer(
		cfg.Credential.PrivateKeyFile,
		cfg.Credential.Algorithm,
		cfg.Gateway.Project,
		cfg.ValidFor(),
	)
	if err != nil {
		return fmt.Errorf("creating credential issuer: %w", err)
	}
	if err := issuer.CheckKey(); err != nil {
		return fmt.Errorf("checking private key: %w", err)
	}
	issuer.SetLogger(log)

	configs := device.NewConfigStore()
	registry, err := device.FromConfig(cfg.Gateway.GatewayID, cfg.Devices, device.BuiltinHandlers(configs, log))
	if err != nil {
		return fmt.Errorf("building device registry: %w", err)
	}
	log.Info("device registry built",
		"gateway", registry.Gateway().ID,
		"leaves", len(registry.Leaves()),
		"subscriptions", len(registry.Subscriptions()),
	)

	transport := mqtt.NewSession(mqtt.OptionsFromConfig(cfg.Broker, tlsConfig))
	transport.SetLogger(log)
	transport.SetDefaultHandler(registry.Dispatch)

	coordinator := session.New(session.OptionsFromConfig(cfg), transport, issuer, registry)
	coordinator.SetLogger(log)
	coordinator.SetMetrics(m)

	var journal *session.SQLiteJournal
	if cfg.Database.Enabled {
		db, dbErr := openJournalDB(ctx, cfg.Database)
		if dbErr != nil {
			return dbErr
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("session journal ready", "path", db.Path())
		journal = session.NewSQLiteJournal(db)
		coordinator.SetJournal(journal)
	}

	if cfg.Heartbeat.Enabled {
		ids := make([]string, 0, len(registry.Devices()))
		for _, d := range registry.Devices() {
			ids = append(ids, d.ID)
		}
		hb := heartbeat.New(heartbeat.Config{
			DeviceIDs: ids,
			Interval:  cfg.Heartbeat.Interval,
			QoS:       byte(cfg.Heartbeat.QoS),
		}, coordinator)
		hb.SetLogger(log)
		hb.SetMetrics(m)
		coordinator.AddRunningTask(hb.Run)
	}

	forwarder := relay.NewDeviceForwarder(registry, coordinator, telemetryQoS)
	forwarder.SetLogger(log)
	forwarder.SetMetrics(m)

	if cfg.InfluxDB.Enabled {
		mirror, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			log.Warn("telemetry mirror unavailable, continuing without it", "error", influxErr)
		} else {
			defer func() {
				log.Info("closing InfluxDB connection")
				if closeErr := mirror.Close(); closeErr != nil {
					log.Error("error closing InfluxDB", "error", closeErr)
				}
			}()
			mirror.SetOnError(func(err error) {
				log.Error("InfluxDB write error", "error", err)
			})
			forwarder.SetMirror(mirror)
			log.Info("telemetry mirror connected",
				"url", cfg.InfluxDB.URL,
				"org", cfg.InfluxDB.Org,
				"bucket", cfg.InfluxDB.Bucket,
			)
		}
	}

	if err := resolveRelaySecret(&cfg.Relay); err != nil {
		return err
	}
	if cfg.Relay.SecretFile != "" {
		log.Info("relay secret file ready", "path", cfg.Relay.SecretFile)
	}
	relayServer, err := relay.NewServer(cfg.Relay, forwarder)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}
	relayServer.SetLogger(log)
	if err := relayServer.Listen(); err != nil {
		return err
	}
	relayAddr := relayServer.Addr().String()
	log.Info("relay listening", "network", cfg.Relay.Network, "address", relayAddr)

	var producer *process.Supervisor
	if cfg.Producer.Enabled {
		producer = process.New(process.ConfigFromProducer(cfg.Producer, []string{
			"STARGAZE_RELAY_NETWORK=" + cfg.Relay.Network,
			"STARGAZE_RELAY_ADDRESS=" + relayAddr,
			"STARGAZE_RELAY_SECRET=" + cfg.Relay.Secret,
		}))
		producer.SetLogger(log)
		producer.SetMetrics(m)
	}

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:  cfg.API,
			Logger:  log,
			Session: coordinator,
			Configs: configs,
			Relay:   relayServer,
			Metrics: m.Handler(),
			Version: version,
		}
		if journal != nil {
			deps.Journal = journal
		}
		if producer != nil {
			deps.Producer = producer
		}
		server, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	log.Info("initialisation complete", "client_id", cfg.Gateway.ClientID())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coordinator.Run(gctx)
	})
	g.Go(func() error {
		return relayServer.Serve(gctx)
	})
	if producer != nil {
		g.Go(func() error {
			// The gateway keeps running without telemetry if the producer gives up.
			if err := producer.Run(gctx); err != nil {
				log.Error("producer supervision stopped", "error", err)
			}
			return nil
		})
	}

	err = g.Wait()
	if err != nil {
		return fmt.Errorf("gateway stopped: %w", err)
	}

	log.Info("Stargaze gateway stopped")
	return nil
}

// loadTrust fetches the broker CA bundle when TLS is enabled.
func loadTrust(ctx context.Context, cfg config.BrokerConfig) (*tls.Config, error) {
	if !cfg.TLS {
		return nil, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, caFetchTimeout)
	defer cancel()

	pool, err := mqtt.FetchCABundle(fetchCtx, &http.Client{Timeout: caFetchTimeout}, cfg.CABundleURL)
	if err != nil {
		return nil, fmt.Errorf("loading broker trust: %w", err)
	}
	return mqtt.TLSConfig(pool), nil
}

// openJournalDB opens the SQLite database and applies migrations.
func openJournalDB(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // Already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// resolveRelaySecret fills an empty relay secret from the secret file,
// creating the file when missing. Without a file the secret is generated in
// memory and only a supervised producer receives it.
func resolveRelaySecret(cfg *config.RelayConfig) error {
	if cfg.Secret != "" {
		return nil
	}
	var err error
	if cfg.SecretFile != "" {
		cfg.Secret, err = relay.LoadOrCreateSecretFile(cfg.SecretFile)
	} else {
		cfg.Secret, err = relay.NewSecret()
	}
	if err != nil {
		return fmt.Errorf("preparing relay secret: %w", err)
	}
	return nil
}
