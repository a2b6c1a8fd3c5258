// Package influxdb mirrors the gateway's sensor telemetry into InfluxDB.
//
// Every events record the relay accepts is decoded into a sensor.Reading and
// written to the sensor_readings measurement, whether or not the broker
// session was running at the time. The mirror is an archive: it is never
// read back to replay records to the broker.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteReading("sensor", reading)
//
// Writes are batched according to batch_size and flush_interval and errors
// are delivered to the SetOnError callback.
package influxdb
