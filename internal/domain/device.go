// Package domain contains the core entities of the Alink device adapter:
// the device identity, the credentials derived from it, the protocol topics
// and envelopes, and the register tags read from the attached field bus.
package domain

import (
	"fmt"
)

// DefaultRegion is used when no region is configured.
const DefaultRegion = "cn-shanghai"

// LinkStatus represents the connection state of the adapter towards the cloud.
type LinkStatus string

const (
	LinkStatusDisconnected LinkStatus = "disconnected"
	LinkStatusConnecting   LinkStatus = "connecting"
	LinkStatusConnected    LinkStatus = "connected"
)

// DeviceIdentity is the three-element device identity plus the platform region.
// It is never mutated once credentials have been derived from it.
type DeviceIdentity struct {
	// ProductKey identifies the product the device belongs to
	ProductKey string `json:"product_key" yaml:"product_key"`

	// DeviceName identifies the device within the product
	DeviceName string `json:"device_name" yaml:"device_name"`

	// DeviceSecret is the long-term signing key of the device
	DeviceSecret string `json:"-" yaml:"device_secret"`

	// Region is the platform region, e.g. "cn-shanghai"
	Region string `json:"region" yaml:"region"`
}

// Validate performs validation on the device identity.
func (d *DeviceIdentity) Validate() error {
	if d.ProductKey == "" {
		return ErrProductKeyRequired
	}
	if d.DeviceName == "" {
		return ErrDeviceNameRequired
	}
	if d.DeviceSecret == "" {
		return ErrDeviceSecretRequired
	}
	return nil
}

// RegionOrDefault returns the configured region, falling back to DefaultRegion.
func (d *DeviceIdentity) RegionOrDefault() string {
	if d.Region == "" {
		return DefaultRegion
	}
	return d.Region
}

// String returns a loggable representation that never includes the secret.
func (d DeviceIdentity) String() string {
	return fmt.Sprintf("%s/%s@%s", d.ProductKey, d.DeviceName, d.RegionOrDefault())
}
