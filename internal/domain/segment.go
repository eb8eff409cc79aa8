// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"
)

// Segment is a monitored network object (pipeline segment or road segment).
type Segment struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Optional coordinates for map display
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	// OntologyClass links the segment to its class in the rule source
	// (e.g. "管段"). Rules are looked up by class.
	OntologyClass string `json:"ontologyClass"`

	// Props holds static per-segment features (elevation, drainage capacity)
	// merged under the latest sensor readings at evaluation time.
	Props map[string]any `json:"props,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Sensor is a measurement device attached to a segment.
type Sensor struct {
	ID        string    `json:"id"`
	SegmentID string    `json:"segmentId"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// Reading is an append-only sensor observation. Values maps metric name to
// the observed value; a reading may carry any subset of the profile's metrics.
type Reading struct {
	ID        string             `json:"id"`
	SensorID  string             `json:"sensorId"`
	SegmentID string             `json:"segmentId"`
	Values    map[string]float64 `json:"values"`
	Raw       map[string]any     `json:"raw,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Value returns the reading's value for a metric, if present.
func (r *Reading) Value(metric string) (float64, bool) {
	v, ok := r.Values[metric]
	return v, ok
}
