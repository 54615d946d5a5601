package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prismq/taskqueue/internal/domain"
	"github.com/prismq/taskqueue/internal/errval"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxTaskTypeLength = 128

// NewRouter exposes serverLogic over HTTP. Metrics are served from gatherer, or from the
// default registry when it is nil.
func NewRouter(serverLogic *ServerLogic, gatherer prometheus.Gatherer) (*gin.Engine, error) {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		if err := v.RegisterValidation("validate_task_type", validateTaskType); err != nil {
			return nil, err
		}
		if err := v.RegisterValidation("validate_parameters", validateParameters); err != nil {
			return nil, err
		}
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := gin.Default()
	tasks := r.Group("/tasks")
	tasks.POST("", func(c *gin.Context) {
		req := domain.RouterRequestAddTask{}
		if !bind(c, &req) {
			return
		}

		task, err := serverLogic.AddTask(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{"task": task})
	})

	tasks.GET("", func(c *gin.Context) {
		status := domain.TaskStatus(c.Query("status"))
		limit := 0
		if limitStr := c.Query("limit"); limitStr != "" {
			var err error
			limit, err = strconv.Atoi(limitStr)
			if err != nil {
				writeError(c, fmt.Errorf("%w: limit must be an integer", errval.ErrInvalidArgument))
				return
			}
		}

		list, err := serverLogic.ListTasks(c.Request.Context(), status, limit)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"tasks": list})
	})

	tasks.POST("/claim", func(c *gin.Context) {
		req := domain.RouterRequestClaimTask{}
		if !bind(c, &req) {
			return
		}

		task, err := serverLogic.ClaimTask(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		if task == nil {
			c.Status(http.StatusNoContent)
			return
		}

		c.JSON(http.StatusOK, gin.H{"task": task})
	})

	tasks.POST("/reap", func(c *gin.Context) {
		req := domain.RouterRequestReap{}
		if !bind(c, &req) {
			return
		}

		n, err := serverLogic.ReapStale(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"reaped": n})
	})

	tasks.GET("/:id", func(c *gin.Context) {
		id, ok := taskID(c)
		if !ok {
			return
		}

		task, err := serverLogic.GetTask(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"task": task})
	})

	tasks.GET("/:id/history", func(c *gin.Context) {
		id, ok := taskID(c)
		if !ok {
			return
		}

		history, err := serverLogic.GetTaskStatusHistory(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"history": history})
	})

	tasks.DELETE("/:id", func(c *gin.Context) {
		id, ok := taskID(c)
		if !ok {
			return
		}

		if err := serverLogic.CancelTask(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}

		c.Status(http.StatusNoContent)
	})

	tasks.POST("/:id/running", func(c *gin.Context) {
		id, ok := taskID(c)
		if !ok {
			return
		}
		req := domain.RouterRequestMarkRunning{}
		if !bind(c, &req) {
			return
		}

		if err := serverLogic.MarkRunning(c.Request.Context(), id, req); err != nil {
			writeError(c, err)
			return
		}

		c.Status(http.StatusNoContent)
	})

	tasks.POST("/:id/result", func(c *gin.Context) {
		id, ok := taskID(c)
		if !ok {
			return
		}
		req := domain.RouterRequestReportResult{}
		if !bind(c, &req) {
			return
		}

		task, err := serverLogic.ReportResult(c.Request.Context(), id, req)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"task": task})
	})

	r.GET("/readiness", func(c *gin.Context) {
		if serverLogic.IsReady() {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		}
	})
	r.GET("/liveness", func(c *gin.Context) {
		// Checking health of depending upon infra connections
		if err := serverLogic.Healthy(c.Request.Context()); err != nil {
			slog.Error("task manager is not healthy", "error", err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r, nil
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		slog.Info("error occurred while binding request", "path", c.FullPath(), "error", err)
		writeError(c, fmt.Errorf("%w: %w", errval.ErrInvalidArgument, err))
		return false
	}

	return true
}

func taskID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, fmt.Errorf("%w: invalid task id %q", errval.ErrInvalidArgument, c.Param("id")))
		return 0, false
	}

	return id, true
}

// StatusCode maps an error to the HTTP status the API answers with.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, errval.ErrInvalidArgument), errors.Is(err, errval.ErrUnknownStrategy),
		errors.Is(err, errval.ErrUnknownTaskType):
		return http.StatusBadRequest
	case errors.Is(err, errval.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errval.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, errval.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := StatusCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = errval.ErrInternal.Error()
	}

	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": errval.Code(err)})
}

var validateTaskType validator.Func = func(fl validator.FieldLevel) bool {
	taskType := fl.Field().String()
	return taskType != "" && len(taskType) <= maxTaskTypeLength && strings.TrimSpace(taskType) == taskType
}

var validateParameters validator.Func = func(fl validator.FieldLevel) bool {
	params, ok := fl.Field().Interface().(map[string]string)
	if !ok {
		return false
	}

	for key := range params {
		if strings.TrimSpace(key) == "" {
			return false
		}
	}
	return true
}
