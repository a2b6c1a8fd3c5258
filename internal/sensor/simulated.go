package sensor

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
)

// errSimulatedDropout is returned for a simulated failed read.
var errSimulatedDropout = errors.New("sensor: simulated read failure")

// SimulatedReader produces a slow random walk around a base humidity and
// temperature, with an occasional failed read.
type SimulatedReader struct {
	mu          sync.Mutex
	rng         *rand.Rand
	humidity    float64
	temperature float64
	dropout     float64
}

// NewSimulatedReader creates a reader starting at the given values.
// dropout is the probability in [0,1] that a read fails.
func NewSimulatedReader(humidity, temperature, dropout float64, seed uint64) *SimulatedReader {
	return &SimulatedReader{
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		humidity:    humidity,
		temperature: temperature,
		dropout:     dropout,
	}
}

// Read implements Reader.
func (r *SimulatedReader) Read(ctx context.Context) (Measurement, error) {
	if err := ctx.Err(); err != nil {
		return Measurement{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rng.Float64() < r.dropout {
		return Measurement{}, errSimulatedDropout
	}
	r.humidity = clamp(r.humidity+r.rng.NormFloat64()*0.3, 0, 100)
	r.temperature += r.rng.NormFloat64() * 0.1

	return Measurement{
		Humidity:         r.humidity,
		HumidityValid:    true,
		Temperature:      r.temperature,
		TemperatureValid: true,
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
