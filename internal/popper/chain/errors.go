package chain

import "errors"

var (
	// ErrUnknownValue is returned when parsing an unknown enum name
	ErrUnknownValue = errors.New("unknown value")

	// ErrValidatorPanic wraps a recovered validator panic
	ErrValidatorPanic = errors.New("validator panicked")
)
