package treasury

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-treasury/internal/audit"
	"github.com/ksred/klear-treasury/internal/types"
	"github.com/ksred/klear-treasury/pkg/middleware"
	"github.com/ksred/klear-treasury/pkg/response"
)

// GinHandlers contains HTTP handlers for order and treasury endpoints
type GinHandlers struct {
	service  *Service
	auditLog *audit.Log
}

// NewGinHandlers creates a new set of HTTP handlers for treasury endpoints
func NewGinHandlers(service *Service, auditLog *audit.Log) *GinHandlers {
	return &GinHandlers{
		service:  service,
		auditLog: auditLog,
	}
}

// OpenOrderHandler handles POST requests that open the next order.
// An Idempotency-Key header makes retries safe.
func (h *GinHandlers) OpenOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := middleware.Caller(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		var (
			result *BuyResult
			err    error
		)
		if key := c.GetHeader("Idempotency-Key"); key != "" {
			result, err = h.service.OpenAndBuyIdempotent(c.Request.Context(), caller, key)
		} else {
			result, err = h.service.OpenAndBuy(c.Request.Context(), caller)
		}
		response.Handle(c, result, err)
	}
}

// SellOrderHandler handles POST requests that close an order.
// URL parameter: order_id
func (h *GinHandlers) SellOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := middleware.Caller(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}
		orderID, ok := parseOrderID(c)
		if !ok {
			return
		}

		var (
			result *SellResult
			err    error
		)
		if key := c.GetHeader("Idempotency-Key"); key != "" {
			result, err = h.service.CloseAndSellIdempotent(c.Request.Context(), caller, orderID, key)
		} else {
			result, err = h.service.CloseAndSell(c.Request.Context(), caller, orderID)
		}
		response.Handle(c, result, err)
	}
}

// GetOrderHandler handles GET requests for one order.
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := parseOrderID(c)
		if !ok {
			return
		}
		order, err := h.service.GetOrder(orderID)
		response.Handle(c, order, err)
	}
}

// ListOrdersHandler handles GET requests for recent orders.
// Query parameter: limit
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
		orders, err := h.service.ListOrders(limit)
		response.Handle(c, orders, err)
	}
}

type configView struct {
	Config
	Admin common.Address `json:"admin"`
	Lane  Lane           `json:"lane"`
}

func (h *GinHandlers) GetConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, err := h.service.Config()
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		admin, err := h.service.Admin()
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		lane, err := h.service.Lane()
		response.Handle(c, configView{Config: cfg, Admin: admin, Lane: lane}, err)
	}
}

// UpdateConfigHandler handles PUT requests changing the trading
// configuration. Only the administrator may call it.
func (h *GinHandlers) UpdateConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := middleware.Caller(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}
		var update ConfigUpdate
		if err := c.ShouldBindJSON(&update); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		cfg, err := h.service.UpdateConfig(c.Request.Context(), caller, update)
		response.Handle(c, cfg, err)
	}
}

type transferAdminRequest struct {
	Admin common.Address `json:"admin" binding:"required"`
}

func (h *GinHandlers) TransferAdminHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := middleware.Caller(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}
		var req transferAdminRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.service.TransferAdmin(c.Request.Context(), caller, req.Admin)
		response.Handle(c, gin.H{"admin": req.Admin}, err)
	}
}

type withdrawalRequest struct {
	Asset  common.Address `json:"asset"`
	To     common.Address `json:"to" binding:"required"`
	Amount types.Amount   `json:"amount" binding:"required"`
}

// WithdrawHandler handles POST requests moving funds out of the treasury.
func (h *GinHandlers) WithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := middleware.Caller(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}
		var req withdrawalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.service.Withdraw(c.Request.Context(), caller, req.Asset, req.To, req.Amount)
		response.Handle(c, req, err)
	}
}

func (h *GinHandlers) BalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		balances, err := h.service.Balances(c.Request.Context())
		response.Handle(c, balances, err)
	}
}

func (h *GinHandlers) StatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := h.service.Stats()
		response.Handle(c, stats, err)
	}
}

// AuditHandler handles GET requests for the audit trail.
// Query parameters: kind, order_id, limit
func (h *GinHandlers) AuditHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := audit.Filter{Kind: types.AuditKind(c.Query("kind"))}
		if raw := c.Query("order_id"); raw != "" {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				response.BadRequest(c, "order_id must be a positive integer")
				return
			}
			filter.OrderID = id
		}
		filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "0"))

		records, err := h.auditLog.List(filter)
		response.Handle(c, records, err)
	}
}

func parseOrderID(c *gin.Context) (uint64, bool) {
	orderID, err := strconv.ParseUint(c.Param("order_id"), 10, 64)
	if err != nil || orderID == 0 {
		response.BadRequest(c, "order_id must be a positive integer")
		return 0, false
	}
	return orderID, true
}
