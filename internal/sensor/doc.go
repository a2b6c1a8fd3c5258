// Package sensor turns raw humidity and temperature reads into flagged
// readings and encodes them as the CSV payload published on a device's
// events topic:
//
//	2024-01-01T00:00:00Z,21.50,55.00,0,0
//
// The fields are timestamp, humidity, temperature, humidity flag and
// temperature flag. Flag 1 marks a value that was not available and
// flag 2 a spike; in both cases the previous value is reported instead.
package sensor
