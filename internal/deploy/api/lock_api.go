package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type lockRequest struct {
	Message string `json:"message"`
}

func (api *Api) setupLockRouters(v1 *gin.RouterGroup) {
	v1.GET("/lock", api.LockStatus)
	v1.POST("/lock", api.AcquireLock)
	v1.DELETE("/lock", api.ReleaseLock)
}

// LockStatus 发布锁状态（GET /v1/lock）
func (api *Api) LockStatus(c *gin.Context) {
	info, err := api.service.LockStatus(c.Request.Context())
	if err != nil {
		sendErrorResponse(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"locked": info != nil, "lock": info})
}

// AcquireLock 手动加锁（POST /v1/lock）
func (api *Api) AcquireLock(c *gin.Context) {
	var req lockRequest
	if err := bindOptional(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{Code: ErrorCodeInvalidParameter, Message: err.Error()}})
		return
	}
	info, err := api.service.AcquireLock(c.Request.Context(), req.Message)
	if err != nil {
		sendErrorResponse(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, info)
}

// ReleaseLock 解锁（DELETE /v1/lock）
func (api *Api) ReleaseLock(c *gin.Context) {
	if err := api.service.ReleaseLock(c.Request.Context()); err != nil {
		sendErrorResponse(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}
