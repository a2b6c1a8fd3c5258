// Stargaze sensor producer
//
// The producer samples humidity and temperature, flags missing values and
// spikes, and hands each reading to the gateway over the local relay. It never
// talks to the broker itself. The gateway can launch it with the relay
// address and secret in its environment; a separately started producer
// reads the secret from the gateway's relay secret file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/config"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/logging"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/mqtt"
	"github.com/danarchy-io/stargaze-gateway/internal/relay"
	"github.com/danarchy-io/stargaze-gateway/internal/sensor"
)

var version = "dev"

type options struct {
	Network    string        `long:"relay-network" env:"STARGAZE_RELAY_NETWORK" default:"tcp" description:"Relay network (tcp or unix)"`
	Address    string        `long:"relay-address" env:"STARGAZE_RELAY_ADDRESS" default:"127.0.0.1:6000" description:"Relay address or socket path"`
	Secret     string        `long:"relay-secret" env:"STARGAZE_RELAY_SECRET" description:"Shared relay secret"`
	SecretFile string        `long:"relay-secret-file" env:"STARGAZE_RELAY_SECRET_FILE" description:"File holding the shared relay secret, used when --relay-secret is empty"`
	DeviceID   string        `long:"device" env:"STARGAZE_SENSOR_DEVICE" default:"sensor" description:"Device whose events topic receives the readings"`
	Interval   time.Duration `long:"interval" env:"STARGAZE_SENSOR_INTERVAL" default:"5s" description:"Time between samples"`
	LogLevel   string        `long:"loglevel" default:"info" description:"Log level (debug, info, warn, error)"`

	Humidity    float64 `long:"humidity" default:"55" description:"Starting humidity of the simulated reader"`
	Temperature float64 `long:"temperature" default:"21.5" description:"Starting temperature of the simulated reader"`
	Dropout     float64 `long:"dropout" default:"0.02" description:"Probability that a simulated read fails"`
}

func parseOptions(args []string) (options, error) {
	_ = godotenv.Load()

	var opts options
	if _, err := flags.ParseArgs(&opts, args); err != nil {
		return options{}, err
	}
	if opts.Secret == "" && opts.SecretFile != "" {
		secret, err := relay.ReadSecretFile(opts.SecretFile)
		if err != nil {
			return options{}, err
		}
		opts.Secret = secret
	}
	if opts.Secret == "" {
		return options{}, fmt.Errorf("relay secret is required (--relay-secret, --relay-secret-file or STARGAZE_RELAY_SECRET)")
	}
	if opts.Network != "tcp" && opts.Network != "unix" {
		return options{}, fmt.Errorf("--relay-network must be tcp or unix")
	}
	if opts.Interval <= 0 {
		return options{}, fmt.Errorf("--interval must be positive")
	}
	if opts.Dropout < 0 || opts.Dropout > 1 {
		return options{}, fmt.Errorf("--dropout must be between 0 and 1")
	}
	return opts, nil
}

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

func run(ctx context.Context, args []string) error {
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}

	log := logging.New(config.LoggingConfig{
		Level:  opts.LogLevel,
		Format: "text",
		Output: "stderr",
	}, version).With("component", "sensor")

	reader := sensor.NewSimulatedReader(opts.Humidity, opts.Temperature, opts.Dropout, uint64(time.Now().UnixNano()))
	p := newProducer(
		sensor.NewSampler(reader),
		mqtt.Topics{}.Events(opts.DeviceID),
		opts.Interval,
		relayDialer(opts.Network, opts.Address, opts.Secret),
	)
	p.log = log

	log.Info("sensor producer starting",
		"relay", opts.Address,
		"topic", p.topic,
		"interval", opts.Interval,
	)
	if err := p.Run(ctx); err != nil {
		return err
	}
	log.Info("sensor producer stopped", "sent", p.sent)
	return nil
}
