package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/calldata"
	"github.com/mbd888/settlement/internal/settlement"
	"github.com/mbd888/settlement/internal/validation"
)

// Handler provides HTTP endpoints for escrow orders.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders/escrow", h.CreateOrder)

	orders := r.Group("/orders/:id", validation.IDParamMiddleware())
	orders.GET("", h.GetOrder)
	orders.POST("/complete", h.CompleteOrder)
	orders.POST("/cancel", h.CancelOrder)

	customers := r.Group("/customers/:id", validation.IDParamMiddleware())
	customers.GET("/orders", h.ListOrders)
	customers.GET("/escrow-events", h.ListEscrowEvents)
}

// createOrderBody is the POST /v1/orders/escrow body. An absent quantity
// means one unit; an explicit 0 is rejected by the service.
type createOrderBody struct {
	CustomerID      int64  `json:"customerId" binding:"required"`
	ProductID       int64  `json:"productId" binding:"required"`
	Quantity        *int   `json:"quantity"`
	WalletAddress   string `json:"walletAddress" binding:"required"`
	ShippingAddress string `json:"shippingAddress"`
}

func (b createOrderBody) request() CreateOrderRequest {
	qty := 1
	if b.Quantity != nil {
		qty = *b.Quantity
	}
	return CreateOrderRequest{
		CustomerID:      b.CustomerID,
		ProductID:       b.ProductID,
		Quantity:        qty,
		WalletAddress:   b.WalletAddress,
		ShippingAddress: b.ShippingAddress,
	}
}

// CreateOrder handles POST /v1/orders/escrow
func (h *Handler) CreateOrder(c *gin.Context) {
	var body createOrderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.service.CreateEscrowOrder(c.Request.Context(), body.request())
	if err != nil {
		writeError(c, err)
		return
	}

	message := "Order created and settlement fee burned"
	if result.SettlementStatus == string(settlement.StatusQueued) {
		message = "Order created; settlement fee burn queued for automatic retry"
	}
	c.JSON(http.StatusCreated, gin.H{"order": result, "message": message})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	id, _ := validation.ParseID(c.Param("id"))
	detail, err := h.service.GetOrder(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": detail})
}

// CompleteOrder handles POST /v1/orders/:id/complete
func (h *Handler) CompleteOrder(c *gin.Context) {
	id, _ := validation.ParseID(c.Param("id"))
	result, err := h.service.MarkOrderCompleted(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	id, _ := validation.ParseID(c.Param("id"))
	result, err := h.service.MarkOrderCancelled(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListOrders handles GET /v1/customers/:id/orders
func (h *Handler) ListOrders(c *gin.Context) {
	id, _ := validation.ParseID(c.Param("id"))
	limit := validation.Limit(c.Query("limit"), DefaultListLimit, MaxListLimit)

	orders, err := h.service.ListOrdersForCustomer(c.Request.Context(), id, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if orders == nil {
		orders = []*OrderDetail{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// ListEscrowEvents handles GET /v1/customers/:id/escrow-events
func (h *Handler) ListEscrowEvents(c *gin.Context) {
	id, _ := validation.ParseID(c.Param("id"))
	limit := validation.Limit(c.Query("limit"), DefaultListLimit, MaxListLimit)

	events, err := h.service.ListEscrowEventsForCustomer(c.Request.Context(), id, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []*EscrowEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func writeError(c *gin.Context, err error) {
	var (
		verr *ValidationError
		perm *settlement.PermanentChainError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verr.Error(),
			"details": verr,
		})
	case calldata.IsEncodingError(err):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_call",
			"message": err.Error(),
		})
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Order not found",
		})
	case errors.Is(err, ErrProductNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Product not found",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": "Only pending orders can be completed or cancelled",
		})
	case errors.Is(err, settlement.ErrCallerNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "caller_not_allowed",
			"message": "Wallet is not allowed to settle orders",
		})
	case errors.As(err, &perm):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "settlement_failed",
			"message": err.Error(),
			"callId":  perm.CallID,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}
