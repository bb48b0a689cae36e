package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ksred/klear-treasury/internal/chain"
	"github.com/ksred/klear-treasury/internal/types"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeDuplicateResource  = "DUPLICATE_RESOURCE"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInvalidOrderState  = "INVALID_ORDER_STATE"
	ErrCodeInProgress         = "OPERATION_IN_PROGRESS"
	ErrCodeInsufficientProfit = "INSUFFICIENT_PROFIT"
	ErrCodeInsufficientFunds  = "INSUFFICIENT_FUNDS"
	ErrCodeFillMismatch       = "FILL_MISMATCH"
	ErrCodeTransferFailed     = "TRANSFER_FAILED"
	ErrCodeRewardFailed       = "REWARD_TRANSFER_FAILED"
	ErrCodeSwapFailed         = "SWAP_FAILED"
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, types.ErrOrderNotFound),
		errors.Is(err, chain.ErrPoolNotFound):
		NotFound(c, err.Error())
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		handleError(c, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	Fail(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	Fail(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	Fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	Fail(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	Fail(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	Fail(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	Fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, message)
}

// Fail sends an error envelope with the given status and code
func Fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// handleError maps the treasury error taxonomy onto HTTP statuses
func handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, types.ErrUnauthorized):
		Forbidden(c, err.Error())
	case errors.Is(err, types.ErrInvalidConfiguration):
		Fail(c, http.StatusBadRequest, ErrCodeValidationFailed, err.Error())
	case errors.Is(err, types.ErrInvalidOrderState):
		Fail(c, http.StatusConflict, ErrCodeInvalidOrderState, err.Error())
	case errors.Is(err, types.ErrOperationInProgress):
		Fail(c, http.StatusConflict, ErrCodeInProgress, err.Error())
	case errors.Is(err, types.ErrInsufficientProfit):
		Fail(c, http.StatusUnprocessableEntity, ErrCodeInsufficientProfit, err.Error())
	case errors.Is(err, types.ErrInsufficientFunds):
		Fail(c, http.StatusUnprocessableEntity, ErrCodeInsufficientFunds, err.Error())
	case errors.Is(err, types.ErrFillMismatch):
		Fail(c, http.StatusUnprocessableEntity, ErrCodeFillMismatch, err.Error())
	case errors.Is(err, types.ErrRewardTransferFailed):
		Fail(c, http.StatusBadGateway, ErrCodeRewardFailed, err.Error())
	case errors.Is(err, types.ErrTransferFailed):
		Fail(c, http.StatusBadGateway, ErrCodeTransferFailed, err.Error())
	case errors.Is(err, chain.ErrInsufficientOutput),
		errors.Is(err, chain.ErrExcessiveInput),
		errors.Is(err, chain.ErrInsufficientBalance),
		errors.Is(err, chain.ErrInsufficientLiquidity),
		errors.Is(err, chain.ErrTransferRejected),
		errors.Is(err, chain.ErrInvalidHookResponse):
		Fail(c, http.StatusUnprocessableEntity, ErrCodeSwapFailed, err.Error())
	default:
		InternalError(c, "An unexpected error occurred")
	}
}
