package ledger

import "errors"

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrPlayerNotFound     = errors.New("player not found")
	ErrPersistenceFailure = errors.New("ledger persistence failure")
)
