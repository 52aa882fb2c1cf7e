package rp

import (
	"errors"
)

var (
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrNilParameter       = errors.New("nil parameter")
	ErrIDGeneratorFailed  = errors.New("id generation failed")
	ErrMissingSetting     = errors.New("missing required setting")
	ErrStateMismatch      = errors.New("callback state does not match session state")
	ErrSessionTermination = errors.New("session termination failed")
)
