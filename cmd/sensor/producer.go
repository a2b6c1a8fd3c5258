package main

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/logging"
	"github.com/danarchy-io/stargaze-gateway/internal/relay"
	"github.com/danarchy-io/stargaze-gateway/internal/sensor"
)

const (
	redialInitialDelay = 500 * time.Millisecond
	redialMaxDelay     = 30 * time.Second
)

// sender is a connected relay client.
type sender interface {
	Send(rec relay.Record) error
	Close() error
}

type dialFunc func(ctx context.Context) (sender, error)

func relayDialer(network, address, secret string) dialFunc {
	return func(ctx context.Context) (sender, error) {
		c, err := relay.Dial(ctx, network, address, secret)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// producer samples on every tick and sends each reading over the relay.
// A reading taken while the relay is down is dropped, not queued.
type producer struct {
	sampler  *sensor.Sampler
	topic    string
	interval time.Duration
	dial     dialFunc
	log      *logging.Logger

	redialInitial time.Duration
	redialMax     time.Duration

	sent int
}

func newProducer(sampler *sensor.Sampler, topic string, interval time.Duration, dial dialFunc) *producer {
	return &producer{
		sampler:       sampler,
		topic:         topic,
		interval:      interval,
		dial:          dial,
		log:           logging.Discard(),
		redialInitial: redialInitialDelay,
		redialMax:     redialMaxDelay,
	}
}

// Run samples until ctx is cancelled. It returns an error only when the
// gateway rejects the relay secret.
func (p *producer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var client sender
	defer func() {
		if client != nil {
			client.Close() //nolint:errcheck // Shutting down
		}
	}()

	for {
		if client == nil {
			c, err := p.connect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			client = c
			p.log.Info("relay connected")
		}

		reading := p.sampler.Sample(ctx)
		rec := relay.Record{
			Topic:     p.topic,
			Payload:   sensor.FormatPayload(reading),
			Timestamp: reading.Time,
		}
		if err := client.Send(rec); err != nil {
			p.log.Warn("relay send failed, reconnecting", "error", err)
			client.Close() //nolint:errcheck // Replaced on next pass
			client = nil
		} else {
			p.sent++
			p.log.Debug("reading sent",
				"payload", rec.Payload,
				"humidity_flag", reading.HumidityFlag.String(),
				"temperature_flag", reading.TemperatureFlag.String(),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// connect dials with backoff until it succeeds, ctx ends, or the secret is rejected.
func (p *producer) connect(ctx context.Context) (sender, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.redialInitial
	b.MaxInterval = p.redialMax

	return backoff.Retry(ctx, func() (sender, error) {
		c, err := p.dial(ctx)
		if errors.Is(err, relay.ErrUnauthorized) {
			return nil, backoff.Permanent(err)
		}
		return c, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.log.Warn("relay unavailable, retrying", "error", err, "retry_in", next)
		}),
	)
}
