// Package gps provides location fixes from a serial NMEA receiver or a
// simulated source.
package gps

// Provider is the interface for location sources.
type Provider interface {
	Name() string
	Connect() error
	Close() error
	// Read returns the latest fix. May block briefly.
	Read() (*Data, error)
}

// Point is a WGS-84 position in decimal degrees.
type Point struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// Data holds a single receiver fix.
type Data struct {
	Valid      bool    `json:"valid"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Speed      float64 `json:"speed"`   // km/h
	Heading    float64 `json:"heading"` // degrees true, course over ground
	Altitude   float64 `json:"altitude"`
	Satellites int     `json:"satellites"`
	FixQuality int     `json:"fixQuality"` // 0=none, 1=GPS, 2=DGPS
	HDOP       float64 `json:"hdop"`
	Timestamp  string  `json:"timestamp"` // UTC hhmmss.ss
}

// Point returns the fix position.
func (d *Data) Point() Point {
	return Point{Latitude: d.Latitude, Longitude: d.Longitude}
}
