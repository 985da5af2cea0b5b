// Package vio holds the error taxonomy and wire-level constants shared by
// every driver package in this module: status bits, feature bits, and the
// sentinel errors that distinguish fatal conditions (which drive a device to
// FAILED) from recoverable ones (which leave device state untouched).
package vio

import "errors"

// Fatal errors put the device into the FAILED state. A device that returns
// one of these from any operation must be reset before further use.
var (
	ErrNegotiationFailed = errors.New("virtio: feature negotiation failed")
	ErrQueueInitFailed   = errors.New("virtio: queue initialization failed")
	ErrOutOfMemory       = errors.New("virtio: out of memory")
	ErrTransportFault    = errors.New("virtio: transport returned an invalid value")
)

// Recoverable errors leave device state unchanged; the caller may retry or
// choose a different request.
var (
	ErrOutOfRange       = errors.New("virtio: request exceeds device capacity")
	ErrOversizedPayload = errors.New("virtio: payload exceeds buffer entry size")
	ErrReceiveTruncated = errors.New("virtio: received frame truncated to fit buffer")
)

// IsFatal reports whether err (or anything it wraps) is one of the fatal
// conditions that must drive a device to FAILED.
func IsFatal(err error) bool {
	switch {
	case errors.Is(err, ErrNegotiationFailed),
		errors.Is(err, ErrQueueInitFailed),
		errors.Is(err, ErrOutOfMemory),
		errors.Is(err, ErrTransportFault):
		return true
	default:
		return false
	}
}
