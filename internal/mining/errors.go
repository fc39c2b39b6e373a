package mining

import "errors"

// Sentinel error kinds. Wrap with fmt.Errorf("...: %w", Err...) so callers
// can classify with errors.Is without parsing messages.
var (
	// ErrConfig marks invalid or missing configuration.
	ErrConfig = errors.New("config error")

	// ErrTransport marks socket-level failures (connect, read, write).
	ErrTransport = errors.New("transport error")

	// ErrProtocol marks malformed or unexpected pool messages.
	ErrProtocol = errors.New("protocol error")

	// ErrShare marks a share the pool refused.
	ErrShare = errors.New("share rejected")

	// ErrDevice marks compute-device failures (init, launch, readback).
	ErrDevice = errors.New("device error")

	// ErrLogic marks internal invariant violations.
	ErrLogic = errors.New("logic error")
)
