package trading

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ksred/pointmarket-api/internal/auth"
	"github.com/ksred/pointmarket-api/pkg/response"
)

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// OrderResponse pairs an order with the acceptance/cancellation message.
type OrderResponse struct {
	Order   interface{} `json:"order"`
	Message string      `json:"message"`
}

// PlaceOrderHandler handles POST requests to place orders
// Requires a valid JWT token; the order owner comes from the token claims
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := authUserID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		var req PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, message, err := h.service.PlaceOrder(userID, req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, OrderResponse{Order: order, Message: message})
	}
}

// CancelOrderHandler handles DELETE requests to cancel orders
// URL parameter: order_id; optional body carries a reason
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := authUserID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		var body struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&body)

		order, message, err := h.service.CancelOrder(userID, orderID, body.Reason)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, OrderResponse{Order: order, Message: message})
	}
}

// GetOrderStatusHandler handles GET requests to retrieve order status
// Requires a valid JWT token
// URL parameter: order_id
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := authUserID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrderStatus(userID, orderID)
		response.Handle(c, order, err)
	}
}

// GetOrderBookHandler handles GET requests for aggregated book depth
// URL parameter: symbol; query parameter: depth (default 10)
func (h *GinHandlers) GetOrderBookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")
		if symbol == "" {
			response.BadRequest(c, "Symbol is required")
			return
		}

		depth := 10
		if raw := c.Query("depth"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				response.BadRequest(c, "depth must be a positive integer")
				return
			}
			depth = parsed
		}

		book, err := h.service.GetOrderBook(symbol, depth)
		response.Handle(c, book, err)
	}
}

// SeedAccountHandler handles POST requests to provision accounts
// Requires internal authentication
func (h *GinHandlers) SeedAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SeedAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if err := h.service.SeedAccount(req); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"message": "account seeded"})
	}
}

// GetAccountHandler handles GET requests for an account summary
// Requires internal authentication
// URL parameter: user_id
func (h *GinHandlers) GetAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		summary, err := h.service.GetAccountSummary(userID)
		response.Handle(c, summary, err)
	}
}

// SetIPOInventoryHandler handles POST requests to set IPO inventory
// Requires internal authentication
func (h *GinHandlers) SetIPOInventoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SetIPOInventoryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if err := h.service.SetIPOInventory(req); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"message": "IPO inventory updated"})
	}
}

// UpdateMarketConfigHandler handles PUT requests to adjust market config
// Requires internal authentication
func (h *GinHandlers) UpdateMarketConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateMarketConfigRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if err := h.service.UpdateMarketConfig(req); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"message": "market config updated"})
	}
}

// TriggerMatchHandler handles POST requests to force a matching run
// Requires internal authentication
// URL parameter: symbol
func (h *GinHandlers) TriggerMatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")
		if symbol == "" {
			response.BadRequest(c, "Symbol is required")
			return
		}
		h.service.scheduler.Trigger(symbol)
		response.Success(c, gin.H{"message": "matching run triggered"})
	}
}

// authUserID extracts the authenticated participant from the request context.
func authUserID(c *gin.Context) string {
	claims, exists := c.Get("claims")
	if !exists {
		return ""
	}
	return auth.GetUserID(claims)
}
