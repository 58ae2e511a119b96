package fidelity

import "errors"

// Domain-level error values returned by the fidelity service.
var (
	ErrInvalidAccountID     = errors.New("invalid account id")
	ErrInvalidTicketDate    = errors.New("invalid ticket date")
	ErrInvalidMinutes       = errors.New("invalid minutes")
	ErrInvalidGrantType     = errors.New("invalid grant type")
	ErrDuplicateGrant       = errors.New("duplicate grant")
	ErrUnknownTicket        = errors.New("unknown ticket")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)
