package domain

import "errors"

// Validation errors.
var (
	ErrZeroAmount            = errors.New("payout amount must be greater than zero")
	ErrExpirationNotFuture   = errors.New("expiration must be in the future")
	ErrInsufficientValue     = errors.New("insufficient value attached")
	ErrIncorrectValue        = errors.New("incorrect value attached")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInvalidTrigger        = errors.New("invalid trigger data")
	ErrZeroAddress           = errors.New("zero address")
)

// State errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrNotActive        = errors.New("condition not active")
	ErrNotMet           = errors.New("condition not met")
	ErrExpired          = errors.New("condition expired")
	ErrNotExpiredYet    = errors.New("condition not expired yet")
	ErrAlreadyApproved  = errors.New("already approved")
	ErrNotMultisig      = errors.New("condition is not multisig approval")
	ErrAlreadyReclaimed = errors.New("expired funds already reclaimed")
)

// Authorization errors.
var (
	ErrNotCreator   = errors.New("only creator")
	ErrNotOwner     = errors.New("caller is not the owner")
	ErrPaused       = errors.New("engine paused")
	ErrNotPaused    = errors.New("engine not paused")
	ErrUnauthorized = errors.New("unauthorized")
	ErrReplayed     = errors.New("request already seen")
)

// Transfer errors.
var (
	ErrTransferFailed = errors.New("transfer failed")
	ErrReentrantCall  = errors.New("reentrant call")
)

// Infrastructure errors.
var (
	ErrRateLimited  = errors.New("rate limited")
	ErrLockHeld     = errors.New("lock already held")
	ErrCommitFailed = errors.New("changes could not be stored")
)

// IsValidation reports whether err belongs to the validation class.
func IsValidation(err error) bool {
	return errors.Is(err, ErrZeroAmount) ||
		errors.Is(err, ErrExpirationNotFuture) ||
		errors.Is(err, ErrInsufficientValue) ||
		errors.Is(err, ErrIncorrectValue) ||
		errors.Is(err, ErrInsufficientAllowance) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidTrigger) ||
		errors.Is(err, ErrZeroAddress)
}

// IsState reports whether err belongs to the state class.
func IsState(err error) bool {
	return errors.Is(err, ErrNotActive) ||
		errors.Is(err, ErrNotMet) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrNotExpiredYet) ||
		errors.Is(err, ErrAlreadyApproved) ||
		errors.Is(err, ErrNotMultisig) ||
		errors.Is(err, ErrAlreadyReclaimed)
}

// IsAuthorization reports whether err belongs to the authorization class.
func IsAuthorization(err error) bool {
	return errors.Is(err, ErrNotCreator) ||
		errors.Is(err, ErrNotOwner) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrReplayed)
}
