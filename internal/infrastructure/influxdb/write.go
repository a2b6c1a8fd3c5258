package influxdb

import (
	"fmt"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/danarchy-io/stargaze-gateway/internal/sensor"
)

// measurementSensorReadings is the measurement holding mirrored readings.
const measurementSensorReadings = "sensor_readings"

// WriteReading writes one flagged reading, tagged with the device id.
//
// Example point:
//
//	sensor_readings,device_id=sensor humidity=21.5,temperature=55,humidity_flag=0i,temperature_flag=0i
func (c *Client) WriteReading(deviceID string, r sensor.Reading) {
	if !c.IsConnected() {
		return
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	point := write.NewPoint(
		measurementSensorReadings,
		map[string]string{
			"device_id": deviceID,
		},
		map[string]any{
			"humidity":         r.Humidity,
			"temperature":      r.Temperature,
			"humidity_flag":    int64(r.HumidityFlag),
			"temperature_flag": int64(r.TemperatureFlag),
		},
		ts,
	)
	c.writeAPI.WritePoint(point)
}

// WriteTelemetry decodes a relay events payload and writes it as a reading.
// ts is used only when the payload carries a zero timestamp.
func (c *Client) WriteTelemetry(deviceID string, payload []byte, ts time.Time) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	r, err := sensor.ParseReading(string(payload))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if r.Time.IsZero() {
		r.Time = ts
	}
	c.WriteReading(deviceID, r)
	return nil
}
