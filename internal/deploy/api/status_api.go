package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

func (api *Api) setupStatusRouters(v1 *gin.RouterGroup) {
	v1.GET("/status", api.Status)
	v1.GET("/logs", api.Logs)
	v1.GET("/releases", api.Releases)
	v1.GET("/rollouts", api.Rollouts)
}

// Status 部署状态（GET /v1/status）
func (api *Api) Status(c *gin.Context) {
	st, err := api.service.Status(c.Request.Context())
	if err != nil {
		sendErrorResponse(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Logs 容器日志（GET /v1/logs?role=web&host=10.0.0.1&lines=100）
func (api *Api) Logs(c *gin.Context) {
	var params model.LogsParams
	if err := c.ShouldBindQuery(&params); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{Code: ErrorCodeInvalidParameter, Message: err.Error()}})
		return
	}
	logs, err := api.service.Logs(c.Request.Context(), &params)
	if err != nil {
		sendErrorResponse(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"items": logs})
}

// Releases 版本列表，新版本在前（GET /v1/releases）
func (api *Api) Releases(c *gin.Context) {
	releases, err := api.service.Releases(c.Request.Context())
	if err != nil {
		sendErrorResponse(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"items": releases})
}

// Rollouts 发布历史（GET /v1/rollouts?limit=20）
func (api *Api) Rollouts(c *gin.Context) {
	limit := 20
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{Code: ErrorCodeInvalidParameter, Message: "参数 'limit' 必须为非负整数"}})
			return
		}
		limit = n
	}
	rollouts, err := api.service.Rollouts(c.Request.Context(), limit)
	if err != nil {
		sendErrorResponse(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"items": rollouts})
}
