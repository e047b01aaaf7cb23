package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

func (api *Api) setupDeployRouters(v1 *gin.RouterGroup) {
	v1.POST("/deployments", api.Deploy)
	v1.POST("/plans", api.Plan)
	v1.POST("/rollbacks", api.Rollback)
}

// bindOptional 允许空请求体
func bindOptional(c *gin.Context, obj any) error {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Deploy 发布新版本（POST /v1/deployments）
func (api *Api) Deploy(c *gin.Context) {
	var params model.DeployParams
	if err := bindOptional(c, &params); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{Code: ErrorCodeInvalidParameter, Message: err.Error()}})
		return
	}
	log.Info().Str("version", params.Version).Strs("roles", params.Roles).Msg("deploy requested")

	report, err := api.service.Deploy(c.Request.Context(), &params)
	if err != nil {
		sendErrorResponse(c, err, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Plan 预览发布批次（POST /v1/plans）
func (api *Api) Plan(c *gin.Context) {
	var params model.DeployParams
	if err := bindOptional(c, &params); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{Code: ErrorCodeInvalidParameter, Message: err.Error()}})
		return
	}
	plan, err := api.service.Plan(c.Request.Context(), &params)
	if err != nil {
		sendErrorResponse(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// Rollback 回滚（POST /v1/rollbacks）
func (api *Api) Rollback(c *gin.Context) {
	var params model.RollbackParams
	if err := bindOptional(c, &params); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{Code: ErrorCodeInvalidParameter, Message: err.Error()}})
		return
	}
	log.Info().Str("version", params.Version).Strs("roles", params.Roles).Msg("rollback requested")

	report, err := api.service.Rollback(c.Request.Context(), &params)
	if err != nil {
		sendErrorResponse(c, err, report)
		return
	}
	c.JSON(http.StatusOK, report)
}
