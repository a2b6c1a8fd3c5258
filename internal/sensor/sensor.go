package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// spikeThreshold is the change from the previous value at which a sample
// is treated as a spike and replaced by the previous value.
const spikeThreshold = 5.0

// ErrInvalidPayload is returned by ParseReading for a malformed payload.
var ErrInvalidPayload = errors.New("sensor: invalid payload")

// Flag qualifies a reported value.
type Flag int

// Value flags, as they appear in the payload.
const (
	FlagOK           Flag = 0
	FlagNotAvailable Flag = 1
	FlagSpike        Flag = 2
)

// String returns the flag name.
func (f Flag) String() string {
	switch f {
	case FlagOK:
		return "ok"
	case FlagNotAvailable:
		return "not_available"
	case FlagSpike:
		return "spike"
	default:
		return fmt.Sprintf("flag(%d)", int(f))
	}
}

// Measurement is a raw read. A value with Valid false was not available.
type Measurement struct {
	Humidity         float64
	HumidityValid    bool
	Temperature      float64
	TemperatureValid bool
}

// Reader reads the physical sensor. A returned error means neither value
// is available for this sample.
type Reader interface {
	Read(ctx context.Context) (Measurement, error)
}

// Reading is a flagged sample ready to publish.
type Reading struct {
	Time            time.Time
	Humidity        float64
	Temperature     float64
	HumidityFlag    Flag
	TemperatureFlag Flag
}

// Sampler turns raw reads into flagged readings. A value that is not
// available or that jumped by 5 or more since the previous reading is
// replaced by the previous value and flagged. The first reading is never
// flagged as a spike.
//
// Sampler is not safe for concurrent use.
type Sampler struct {
	reader Reader
	now    func() time.Time

	lastHumidity    float64
	lastTemperature float64
	started         bool
}

// NewSampler creates a sampler over reader.
func NewSampler(reader Reader) *Sampler {
	return &Sampler{reader: reader, now: time.Now}
}

// Sample reads the sensor once and returns the flagged reading.
func (s *Sampler) Sample(ctx context.Context) Reading {
	m, err := s.reader.Read(ctx)
	if err != nil {
		m = Measurement{}
	}

	r := Reading{Time: s.now()}
	r.Humidity, r.HumidityFlag = s.qualify(m.Humidity, m.HumidityValid, s.lastHumidity)
	r.Temperature, r.TemperatureFlag = s.qualify(m.Temperature, m.TemperatureValid, s.lastTemperature)

	s.lastHumidity = r.Humidity
	s.lastTemperature = r.Temperature
	s.started = true
	return r
}

func (s *Sampler) qualify(value float64, valid bool, last float64) (float64, Flag) {
	if !valid || math.IsNaN(value) {
		return last, FlagNotAvailable
	}
	if s.started && math.Abs(value-last) >= spikeThreshold {
		return last, FlagSpike
	}
	return value, FlagOK
}

// FormatPayload encodes a reading as "{RFC3339},{h:.2f},{t:.2f},{flag_h},{flag_t}".
func FormatPayload(r Reading) string {
	return fmt.Sprintf("%s,%.2f,%.2f,%d,%d",
		r.Time.Format(time.RFC3339),
		r.Humidity,
		r.Temperature,
		r.HumidityFlag,
		r.TemperatureFlag,
	)
}

// ParseReading decodes a payload produced by FormatPayload.
func ParseReading(payload string) (Reading, error) {
	fields := strings.Split(strings.TrimSpace(payload), ",")
	if len(fields) != 5 {
		return Reading{}, fmt.Errorf("%w: want 5 fields, got %d", ErrInvalidPayload, len(fields))
	}

	var (
		r   Reading
		err error
	)
	if r.Time, err = time.Parse(time.RFC3339, fields[0]); err != nil {
		return Reading{}, fmt.Errorf("%w: timestamp: %w", ErrInvalidPayload, err)
	}
	if r.Humidity, err = strconv.ParseFloat(fields[1], 64); err != nil {
		return Reading{}, fmt.Errorf("%w: humidity: %w", ErrInvalidPayload, err)
	}
	if r.Temperature, err = strconv.ParseFloat(fields[2], 64); err != nil {
		return Reading{}, fmt.Errorf("%w: temperature: %w", ErrInvalidPayload, err)
	}
	if r.HumidityFlag, err = parseFlag(fields[3]); err != nil {
		return Reading{}, fmt.Errorf("%w: humidity flag: %w", ErrInvalidPayload, err)
	}
	if r.TemperatureFlag, err = parseFlag(fields[4]); err != nil {
		return Reading{}, fmt.Errorf("%w: temperature flag: %w", ErrInvalidPayload, err)
	}
	return r, nil
}

func parseFlag(s string) (Flag, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	f := Flag(n)
	if f < FlagOK || f > FlagSpike {
		return 0, fmt.Errorf("unknown flag %d", n)
	}
	return f, nil
}
