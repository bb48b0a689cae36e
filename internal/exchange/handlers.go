package exchange

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-treasury/internal/chain"
	"github.com/ksred/klear-treasury/internal/types"
	"github.com/ksred/klear-treasury/pkg/middleware"
	"github.com/ksred/klear-treasury/pkg/response"
)

// PoolView is the public description of a pool.
type PoolView struct {
	ID       chain.PoolID   `json:"pool_id"`
	Name     string         `json:"name"`
	Key      chain.PoolKey  `json:"key"`
	Address  common.Address `json:"address"`
	PriceNum types.Amount   `json:"price_num"`
	PriceDen types.Amount   `json:"price_den"`
	Reserve0 types.Amount   `json:"reserve0"`
	Reserve1 types.Amount   `json:"reserve1"`
}

// GinHandlers contains HTTP handlers for the venue endpoints
type GinHandlers struct {
	sim *Simulator
}

func NewGinHandlers(sim *Simulator) *GinHandlers {
	return &GinHandlers{sim: sim}
}

// ListPoolsHandler handles GET requests listing every pool with its rate
// and reserves.
func (h *GinHandlers) ListPoolsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pools := h.sim.Pools()
		views := make([]PoolView, 0, len(pools))
		for i := range pools {
			p := &pools[i]
			views = append(views, PoolView{
				ID:       p.ID(),
				Name:     p.Name,
				Key:      p.Key,
				Address:  p.Address(),
				PriceNum: types.AmountFromInt(p.PriceNum),
				PriceDen: types.AmountFromInt(p.PriceDen),
				Reserve0: types.AmountFromInt(h.sim.BalanceOf(p.Key.Currency0, p.Address())),
				Reserve1: types.AmountFromInt(h.sim.BalanceOf(p.Key.Currency1, p.Address())),
			})
		}
		response.Success(c, views)
	}
}

type swapRequest struct {
	PoolID     chain.PoolID `json:"pool_id" binding:"required"`
	ZeroForOne bool         `json:"zero_for_one"`
	// AmountSpecified is a signed decimal: negative for exact input,
	// positive for exact output.
	AmountSpecified string `json:"amount_specified" binding:"required"`
}

type swapResponse struct {
	PoolID chain.PoolID       `json:"pool_id"`
	Sender common.Address     `json:"sender"`
	Delta  chain.BalanceDelta `json:"delta"`
}

// SwapHandler handles POST requests swapping on a pool as the caller.
func (h *GinHandlers) SwapHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := middleware.Caller(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}
		var req swapRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		amount, ok := new(big.Int).SetString(req.AmountSpecified, 10)
		if !ok || amount.Sign() == 0 {
			response.BadRequest(c, "amount_specified must be a non-zero integer")
			return
		}
		pool, ok := h.sim.Pool(req.PoolID)
		if !ok {
			response.NotFound(c, "Pool not found")
			return
		}

		delta, err := h.sim.Swap(c.Request.Context(), caller, pool.Key, chain.SwapParams{
			ZeroForOne:      req.ZeroForOne,
			AmountSpecified: amount,
		})
		response.Handle(c, swapResponse{PoolID: req.PoolID, Sender: caller, Delta: delta}, err)
	}
}

type priceRequest struct {
	PriceNum types.Amount `json:"price_num" binding:"required"`
	PriceDen types.Amount `json:"price_den" binding:"required"`
}

// SetPriceHandler handles PUT requests moving a pool's rate.
// URL parameter: pool_id
func (h *GinHandlers) SetPriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Param("pool_id")
		if len(raw) != 2+2*common.HashLength {
			response.BadRequest(c, "pool_id must be a 32-byte hex string")
			return
		}
		var req priceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		id := common.HexToHash(raw)
		if err := h.sim.SetPrice(id, req.PriceNum.Int(), req.PriceDen.Int()); err != nil {
			response.Handle(c, nil, err)
			return
		}
		pool, _ := h.sim.Pool(id)
		response.Success(c, gin.H{
			"pool_id":   id,
			"price_num": types.AmountFromInt(pool.PriceNum),
			"price_den": types.AmountFromInt(pool.PriceDen),
		})
	}
}
