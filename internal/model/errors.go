package model

import (
	"errors"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrUnsupportedContent = errors.New("unsupported content")
	ErrConfigurationDrift = errors.New("configuration drift")
	ErrQueueUnavailable   = errors.New("queue unavailable")
	ErrInvalidResult      = errors.New("invalid result")
)
