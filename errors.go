package transcodeq

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("transcodeq: no record store configured")
	ErrStoreClosed = errors.New("transcodeq: record store closed")

	// Broker errors.
	ErrNoBroker     = errors.New("transcodeq: no broker configured")
	ErrBrokerClosed = errors.New("transcodeq: broker closed")

	// Not found errors.
	ErrJobNotFound = errors.New("transcodeq: job not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("transcodeq: job already exists")

	// State errors.
	ErrInvalidState = errors.New("transcodeq: invalid state transition")
	ErrJobTerminal  = errors.New("transcodeq: job is in a terminal state")

	// Validation errors.
	ErrInvalidParams = errors.New("transcodeq: invalid encode parameters")
)
