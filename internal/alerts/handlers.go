package alerts

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/validation"
)

// Handler provides HTTP endpoints for alerts and notifications.
type Handler struct {
	dispatcher *Dispatcher
}

// NewHandler creates a new alerts handler.
func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// RegisterRoutes sets up alert and notification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/alerts", h.ListAlerts)

	users := r.Group("/users/:id", validation.IDParamMiddleware())
	users.GET("/notifications", h.ListNotifications)
	users.POST("/notifications/:notificationId/read", h.MarkRead)
}

// ListAlerts handles GET /v1/alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	var severity Severity
	if raw := c.Query("severity"); raw != "" {
		s, err := ParseSeverity(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_severity",
				"message": "severity must be one of info, warning, critical",
			})
			return
		}
		severity = s
	}

	limit := validation.Limit(c.Query("limit"), DefaultListLimit, MaxListLimit)
	list, err := h.dispatcher.ListAlerts(c.Request.Context(), severity, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list alerts",
		})
		return
	}
	if list == nil {
		list = []*Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": list, "count": len(list)})
}

// ListNotifications handles GET /v1/users/:id/notifications
func (h *Handler) ListNotifications(c *gin.Context) {
	userID, _ := validation.ParseID(c.Param("id"))
	limit := validation.Limit(c.Query("limit"), DefaultListLimit, MaxListLimit)

	list, err := h.dispatcher.ListNotifications(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list notifications",
		})
		return
	}
	if list == nil {
		list = []*Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list, "count": len(list)})
}

// MarkRead handles POST /v1/users/:id/notifications/:notificationId/read
func (h *Handler) MarkRead(c *gin.Context) {
	userID, _ := validation.ParseID(c.Param("id"))
	id, ok := validation.ParseID(c.Param("notificationId"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "notificationId must be a positive integer",
		})
		return
	}

	if err := h.dispatcher.MarkRead(c.Request.Context(), userID, id); err != nil {
		if errors.Is(err, ErrNotificationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Notification not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to update notification",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "read": true})
}
