package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")

	// ErrInvalidType is returned for notification types outside the supported enumeration.
	ErrInvalidType = fmt.Errorf("%w: invalid notification type", ErrValidation)
)
