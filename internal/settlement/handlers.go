package settlement

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/calldata"
	"github.com/mbd888/settlement/internal/pagination"
	"github.com/mbd888/settlement/internal/validation"
)

// Handler provides HTTP endpoints for settlement calls.
type Handler struct {
	executor *Executor
	queue    *Queue
	worker   *Worker
}

// NewHandler creates a new settlement handler. worker may be nil, in which
// case the manual tick endpoint reports 503.
func NewHandler(executor *Executor, queue *Queue, worker *Worker) *Handler {
	return &Handler{executor: executor, queue: queue, worker: worker}
}

// RegisterRoutes sets up settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/settlement/execute", h.Execute)
	r.POST("/settlement/enqueue", h.Enqueue)
	r.GET("/settlement/calls", h.ListCalls)
	r.GET("/settlement/calls/export", h.ExportCalls)
	r.GET("/settlement/calls/:id", h.GetCall)
	r.POST("/settlement/worker/run", h.RunWorker)
}

// Execute handles POST /v1/settlement/execute
func (h *Handler) Execute(c *gin.Context) {
	var req CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.executor.Submit(c.Request.Context(), req)
	if err != nil {
		var perm *PermanentChainError
		if errors.As(err, &perm) {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "chain_call_failed",
				"message": err.Error(),
				"callId":  perm.CallID,
			})
			return
		}
		writeSubmitError(c, err)
		return
	}

	status := http.StatusOK
	if result.Job.Status == StatusQueued {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

// Enqueue handles POST /v1/settlement/enqueue
func (h *Handler) Enqueue(c *gin.Context) {
	var req CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	job, err := h.executor.SubmitAsync(c.Request.Context(), req)
	if err != nil {
		writeSubmitError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func writeSubmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrCallerNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "caller_not_allowed",
			"message": err.Error(),
		})
	case calldata.IsEncodingError(err):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}

func (h *Handler) filterFromQuery(c *gin.Context, maxLimit int) (Filter, bool) {
	f := Filter{
		Caller: c.Query("caller"),
		Limit:  validation.Limit(c.Query("limit"), 50, maxLimit),
	}
	if s := c.Query("status"); s != "" {
		st, err := ParseStatus(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return Filter{}, false
		}
		f.Status = st
	}
	if s := c.Query("orderId"); s != "" {
		id, ok := validation.ParseID(s)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "orderId must be a positive integer",
			})
			return Filter{}, false
		}
		f.OrderID = id
	}
	return f, true
}

// ListCalls handles GET /v1/settlement/calls
func (h *Handler) ListCalls(c *gin.Context) {
	f, ok := h.filterFromQuery(c, 200)
	if !ok {
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}
	f.Before = cursor

	limit := f.Limit
	f.Limit = limit + 1
	jobs, err := h.queue.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	jobs, next, more := pagination.ComputePage(jobs, limit, func(j *Job) (time.Time, string) {
		return j.CreatedAt, j.ID
	})
	resp := gin.H{
		"calls":   jobs,
		"count":   len(jobs),
		"hasMore": more,
	}
	if more {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetCall handles GET /v1/settlement/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	job, err := h.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Settlement call not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": job})
}

// ExportCalls handles GET /v1/settlement/calls/export
func (h *Handler) ExportCalls(c *gin.Context) {
	f, ok := h.filterFromQuery(c, 10000)
	if !ok {
		return
	}
	if c.Query("limit") == "" {
		f.Limit = 10000
	}

	jobs, err := h.queue.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	data, err := ExportXLSX(jobs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "export_failed",
			"message": err.Error(),
		})
		return
	}

	filename := "settlement-calls-" + strconv.FormatInt(time.Now().Unix(), 10) + ".xlsx"
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

// RunWorker handles POST /v1/settlement/worker/run
func (h *Handler) RunWorker(c *gin.Context) {
	if h.worker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "worker_disabled",
			"message": "Settlement worker is not configured",
		})
		return
	}

	summary, err := h.worker.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "worker_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}
