package main

import (
	"fmt"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/config"
)

// options are the command-line flags. Set flags override the file and
// environment values they name.
type options struct {
	Config     string `long:"config" short:"c" env:"STARGAZE_CONFIG" default:"configs/config.yaml" description:"Path to the YAML configuration file"`
	PrivateKey string `long:"private-key" description:"Private key file used to sign broker credentials"`
	LogLevel   string `long:"loglevel" description:"Log level (debug, info, warn, error)"`
	Expire     int    `long:"expire" description:"Minutes a credential stays valid; the session reconnects before expiry"`
	Version    bool   `long:"version" description:"Print the version and exit"`
}

// parseOptions loads .env from the working directory, if present, and parses args.
func parseOptions(args []string) (options, error) {
	_ = godotenv.Load()

	var opts options
	if _, err := flags.ParseArgs(&opts, args); err != nil {
		return options{}, err
	}
	if opts.Expire < 0 {
		return options{}, fmt.Errorf("--expire must be positive")
	}
	return opts, nil
}

// apply writes set flags over cfg and revalidates it.
func (o options) apply(cfg *config.Config) error {
	if o.PrivateKey != "" {
		cfg.Credential.PrivateKeyFile = o.PrivateKey
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.Expire > 0 {
		cfg.Credential.ValidForMinutes = o.Expire
	}
	return cfg.Validate()
}
