package feehook

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-treasury/pkg/middleware"
	"github.com/ksred/klear-treasury/pkg/response"
)

// View is the public state of the hook.
type View struct {
	Address        common.Address `json:"address"`
	FeePercent     uint32         `json:"fee_percent"`
	FeeDenominator uint32         `json:"fee_denominator"`
	Recipient      common.Address `json:"recipient"`
}

type GinHandlers struct {
	hook *Hook
}

func NewGinHandlers(hook *Hook) *GinHandlers {
	return &GinHandlers{hook: hook}
}

func (h *GinHandlers) GetHookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, View{
			Address:        h.hook.Address(),
			FeePercent:     h.hook.FeePercent(),
			FeeDenominator: FeeDenominator,
			Recipient:      h.hook.Recipient(),
		})
	}
}

type recipientRequest struct {
	Recipient common.Address `json:"recipient" binding:"required"`
}

// SetRecipientHandler handles PUT requests handing the fee stream over.
// Only the current recipient may call it.
func (h *GinHandlers) SetRecipientHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := middleware.Caller(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}
		var req recipientRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.hook.SetRecipient(c.Request.Context(), caller, req.Recipient)
		response.Handle(c, gin.H{"recipient": req.Recipient}, err)
	}
}
