package domain

import "errors"

// Identity and registry errors
var (
	ErrProductKeyRequired   = errors.New("product key is required")
	ErrDeviceNameRequired   = errors.New("device name is required")
	ErrDeviceSecretRequired = errors.New("device secret is required")
	ErrEmptyName            = errors.New("name cannot be empty")
	ErrRegistryFull         = errors.New("registry is full")
	ErrNotBound             = errors.New("name is not bound")
	ErrInvalidCapacity      = errors.New("registry capacity must be at least 1")
)

// Transport errors
var (
	ErrNotConnected      = errors.New("mqtt client not connected")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrSubscribeFailed   = errors.New("mqtt subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt unsubscribe failed")
	ErrPublishFailed     = errors.New("mqtt publish failed")
	ErrInvalidQoS        = errors.New("invalid QoS level (must be 0, 1, or 2)")
	ErrInvalidPayload    = errors.New("invalid JSON payload")
	ErrInvalidAttribute  = errors.New("attribute name cannot be empty")
	ErrInvalidEventID    = errors.New("event identifier cannot be empty")
	ErrTransportRequired = errors.New("transport is required")
)

// Field bus errors
var (
	ErrConnectionClosed    = errors.New("connection closed")
	ErrInvalidSlaveID      = errors.New("invalid slave ID (must be 1-247)")
	ErrReadFailed          = errors.New("read failed")
	ErrWriteFailed         = errors.New("write failed")
	ErrInvalidRegisterType = errors.New("invalid register type")
	ErrInvalidDataType     = errors.New("invalid data type")
	ErrInvalidDataLength   = errors.New("invalid data length")
	ErrTagNotWritable      = errors.New("tag is not writable")
	ErrTagNotFound         = errors.New("tag not found")
	ErrTagIDRequired       = errors.New("tag ID is required")
)
