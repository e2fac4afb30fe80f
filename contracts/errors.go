package contracts

import "errors"

var (
	ErrMissingID          = errors.New("contracts: request id is required")
	ErrMissingType        = errors.New("contracts: request type is required")
	ErrMissingDestination = errors.New("contracts: request destination is required")
	ErrMissingRequestID   = errors.New("contracts: response request id is required")
)
