package domain

import (
	"time"
)

// Quality indicates how trustworthy a sample is (OPC UA style codes).
type Quality int16

const (
	QualityGood         Quality = 192
	QualityBad          Quality = 0
	QualityTimeout      Quality = 10
	QualityNotConnected Quality = 8
)

// Sample is one attribute value read from a source and destined for an
// attribute report.
type Sample struct {
	// Name is the attribute identifier in the device's data model
	Name string `json:"name"`

	// Value is the scaled value (nil if the read failed)
	Value interface{} `json:"value,omitempty"`

	// RawValue is the value before scaling was applied
	RawValue interface{} `json:"raw_value,omitempty"`

	// Unit is the engineering unit
	Unit string `json:"unit,omitempty"`

	// Quality indicates the data quality
	Quality Quality `json:"quality"`

	// Timestamp is when the sample was taken
	Timestamp time.Time `json:"timestamp"`
}

// NewSample creates a sample stamped with the current time.
func NewSample(name string, value interface{}, unit string, quality Quality) *Sample {
	return &Sample{
		Name:      name,
		Value:     value,
		Unit:      unit,
		Quality:   quality,
		Timestamp: time.Now(),
	}
}

// WithRawValue records the unscaled value and returns the sample.
func (s *Sample) WithRawValue(raw interface{}) *Sample {
	s.RawValue = raw
	return s
}

// IsGood reports whether the sample carries a usable value.
func (s *Sample) IsGood() bool {
	return s != nil && s.Quality == QualityGood && s.Value != nil
}
