package game

import "errors"

var (
	ErrValidation           = errors.New("validation error")
	ErrRoundClosed          = errors.New("round closed")
	ErrAlreadyCashedOut     = errors.New("already cashed out")
	ErrAlreadyCrashed       = errors.New("already crashed")
	ErrNoActiveBet          = errors.New("no active bet")
	ErrRoundNotFound        = errors.New("round not found")
	ErrRoundInProgress      = errors.New("round in progress")
	ErrMultiplierNotReached = errors.New("multiplier not reached")
)
