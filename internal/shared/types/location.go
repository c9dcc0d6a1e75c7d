package types

import (
	"fmt"
	"time"
)

// Location is a best-effort device position.
type Location struct {
	Latitude   float64   `json:"latitude" validate:"latitude"`
	Longitude  float64   `json:"longitude" validate:"longitude"`
	Accuracy   float64   `json:"accuracy,omitempty"` // meters
	Address    string    `json:"address,omitempty"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
}

// String renders the location for human-readable messages
func (l Location) String() string {
	s := fmt.Sprintf("%.5f, %.5f", l.Latitude, l.Longitude)
	if l.Accuracy > 0 {
		s += fmt.Sprintf(" (±%.0f m)", l.Accuracy)
	}
	if l.Address != "" {
		s += " - " + l.Address
	}
	return s
}

// MapsURL returns a link that opens the position in a map application
func (l Location) MapsURL() string {
	return fmt.Sprintf("https://maps.google.com/?q=%.6f,%.6f", l.Latitude, l.Longitude)
}
