package domain

import "errors"

var (
	ErrNotInitialized   = errors.New("request not initialized")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrActorClosed      = errors.New("actor registry closed")
)
