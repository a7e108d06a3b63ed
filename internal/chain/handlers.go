package chain

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler proxies read-only chain endpoints.
type Handler struct {
	client *Client
}

// NewHandler creates a new chain handler.
func NewHandler(client *Client) *Handler {
	return &Handler{client: client}
}

// RegisterRoutes sets up the /chain read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/chain/blocks", h.proxy(h.client.Blocks))
	r.GET("/chain/info", h.proxy(h.client.Info))
	r.GET("/chain/accounts", h.proxy(h.client.Accounts))
	r.GET("/chain/donation-stats", h.proxy(h.client.DonationStats))
	r.GET("/chain/donations", h.proxy(h.client.AllDonations))
}

func (h *Handler) proxy(fn func(context.Context) (*Response, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := fn(c.Request.Context())
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
				c.JSON(http.StatusNotFound, gin.H{
					"error":   "not_found",
					"message": apiErr.Message,
				})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "chain_unavailable",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, resp.Body)
	}
}
