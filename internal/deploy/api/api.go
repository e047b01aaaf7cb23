// Package api exposes the deploy service over HTTP.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
	"github.com/qiniu/zerodeploy/internal/deploy/orchestrator"
	"github.com/qiniu/zerodeploy/internal/deploy/service"
)

// 错误码
const (
	ErrorCodeInvalidParameter = "INVALID_PARAMETER"
	ErrorCodeNotFound         = "NOT_FOUND"
	ErrorCodeConflict         = "CONFLICT"
	ErrorCodeLocked           = "LOCKED"
	ErrorCodeUnhealthy        = "UNHEALTHY"
	ErrorCodeAborted          = "ABORTED"
	ErrorCodeTransport        = "TRANSPORT_ERROR"
	ErrorCodeInternalError    = "INTERNAL_ERROR"
)

// ErrorDetail 错误详情
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error  ErrorDetail          `json:"error"`
	Report *orchestrator.Report `json:"report,omitempty"` // 发布已开始时附带执行报告
}

// Api 发布 HTTP API
type Api struct {
	service service.DeployService
	router  *gin.Engine
}

// NewApi 创建 API 并注册路由
func NewApi(svc service.DeployService, router *gin.Engine, handlers ...gin.HandlerFunc) (*Api, error) {
	if svc == nil {
		return nil, errors.New("deploy service is nil")
	}
	api := &Api{
		service: svc,
		router:  router,
	}

	api.setupRouters(router.Group("/v1", handlers...))
	return api, nil
}

func (api *Api) setupRouters(v1 *gin.RouterGroup) {
	// 发布与回滚
	api.setupDeployRouters(v1)

	// 状态查询
	api.setupStatusRouters(v1)

	// 发布锁
	api.setupLockRouters(v1)
}

// sendErrorResponse 按错误类型映射状态码
func sendErrorResponse(c *gin.Context, err error, report *orchestrator.Report) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, ErrorResponse{
		Error:  ErrorDetail{Code: code, Message: err.Error()},
		Report: report,
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrInvalidBatchConfig), errors.Is(err, model.ErrInvalidDescriptor):
		return http.StatusBadRequest, ErrorCodeInvalidParameter
	case errors.Is(err, model.ErrLocked):
		return http.StatusLocked, ErrorCodeLocked
	case errors.Is(err, model.ErrNoPreviousRelease),
		errors.Is(err, model.ErrAlreadyExists),
		errors.Is(err, model.ErrRouteConflict):
		return http.StatusConflict, ErrorCodeConflict
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, ErrorCodeNotFound
	case errors.Is(err, model.ErrUnhealthy):
		return http.StatusUnprocessableEntity, ErrorCodeUnhealthy
	case errors.Is(err, model.ErrAborted):
		return http.StatusServiceUnavailable, ErrorCodeAborted
	case errors.Is(err, model.ErrTransport):
		return http.StatusBadGateway, ErrorCodeTransport
	}
	return http.StatusInternalServerError, ErrorCodeInternalError
}
