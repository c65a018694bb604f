package engine

import "errors"

// The operation errors callers branch on. Each maps to a stable kind string
// surfaced over the API, because "grant permission", "lower leverage" and
// "retry later" are different remediations.
var (
	ErrInvalidParameters       = errors.New("invalid parameters")
	ErrInsufficientDeposit     = errors.New("insufficient deposit")
	ErrNoDebtPosition          = errors.New("no debt position")
	ErrAuthorizationNotGranted = errors.New("authorization not granted")
	ErrInsufficientDelegation  = errors.New("insufficient delegation")
	ErrInsufficientSwapOutput  = errors.New("insufficient swap output")
	ErrUnsafeLeverage          = errors.New("unsafe leverage")
	ErrInvalidCaller           = errors.New("invalid caller")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrPaused                  = errors.New("engine paused")
	ErrReentrantCall           = errors.New("reentrant call")
)

// Kind maps an operation error to its stable API identifier. Unrecognized
// errors report as internal.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidParameters):
		return "invalid_parameters"
	case errors.Is(err, ErrInsufficientDeposit):
		return "insufficient_deposit"
	case errors.Is(err, ErrNoDebtPosition):
		return "no_debt_position"
	case errors.Is(err, ErrAuthorizationNotGranted):
		return "authorization_not_granted"
	case errors.Is(err, ErrInsufficientDelegation):
		return "insufficient_delegation"
	case errors.Is(err, ErrInsufficientSwapOutput):
		return "insufficient_swap_output"
	case errors.Is(err, ErrUnsafeLeverage):
		return "unsafe_leverage"
	case errors.Is(err, ErrInvalidCaller):
		return "invalid_caller"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrPaused):
		return "paused"
	case errors.Is(err, ErrReentrantCall):
		return "reentrant_call"
	default:
		return "internal"
	}
}
