package types

import "errors"

// Failure taxonomy shared by the treasury, buyback, incentive and fee hook
// components. Every one of them aborts the whole triggering operation.
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrFillMismatch         = errors.New("fill mismatch")
	ErrInsufficientProfit   = errors.New("insufficient profit")
	ErrInvalidOrderState    = errors.New("invalid order state")
	ErrRewardTransferFailed = errors.New("reward transfer failed")
	ErrTransferFailed       = errors.New("transfer failed")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrOrderNotFound        = errors.New("order not found")
	ErrOperationInProgress  = errors.New("operation already in progress")
)
