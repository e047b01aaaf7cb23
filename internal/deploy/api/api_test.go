package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/zerodeploy/internal/deploy/deploytest"
	"github.com/qiniu/zerodeploy/internal/deploy/image"
	"github.com/qiniu/zerodeploy/internal/deploy/lock"
	"github.com/qiniu/zerodeploy/internal/deploy/model"
	"github.com/qiniu/zerodeploy/internal/deploy/orchestrator"
	"github.com/qiniu/zerodeploy/internal/deploy/service"
	"github.com/qiniu/zerodeploy/internal/middleware"
)

func newTestRouter(t *testing.T, handlers ...gin.HandlerFunc) (*deploytest.Fixture, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := deploytest.New(t, "")
	resolver, err := image.NewResolver(f.Desc.Image, "", "", func(context.Context, string, ...string) (string, error) {
		return "", fmt.Errorf("no git in tests")
	}, f.Clock)
	require.NoError(t, err)
	svc := service.NewDeployService(service.Deps{
		Registry:  f.Registry,
		Resolver:  resolver,
		Store:     f.Store,
		Driver:    f.Driver,
		Proxy:     f.Proxy,
		Orch:      f.Orch,
		Rollback:  f.Rollback,
		Lock:      lock.NewMemory(),
		BootLimit: f.BootLimit,
		Holder:    "api",
		Clock:     f.Clock,
	})
	router := gin.New()
	_, err = NewApi(svc, router, handlers...)
	require.NoError(t, err)
	return f, router
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestDeployAndStatus(t *testing.T) {
	_, router := newTestRouter(t)

	w := do(router, http.MethodPost, "/v1/deployments", `{"version":"v1","message":"first"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rep := decode[orchestrator.Report](t, w)
	assert.Equal(t, model.RolloutSucceeded, rep.Rollout.Status)
	assert.Equal(t, 3, rep.BatchesRun)

	w = do(router, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[model.StatusReport](t, w)
	assert.Equal(t, "app", st.Service)
	require.NotEmpty(t, st.Roles)
	assert.Equal(t, "v1", st.Roles[0].Hosts[0].Current)

	w = do(router, http.MethodGet, "/v1/releases", "")
	require.Equal(t, http.StatusOK, w.Code)
	releases := decode[struct{ Items []model.Release }](t, w)
	require.Len(t, releases.Items, 1)
	assert.Equal(t, "registry.example.com/app:v1", releases.Items[0].Image)

	w = do(router, http.MethodGet, "/v1/logs?role=web&lines=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	logs := decode[struct{ Items []model.HostLogs }](t, w)
	assert.Len(t, logs.Items, 4)
}

func TestPlanDoesNotDeploy(t *testing.T) {
	f, router := newTestRouter(t)

	w := do(router, http.MethodPost, "/v1/plans", `{"version":"v1","roles":["jobs"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	plan := decode[model.RolloutPlan](t, w)
	require.Len(t, plan.Batches, 1)
	assert.Equal(t, "jobs", plan.Batches[0].Role)
	assert.Empty(t, f.Docker.Commands())
}

func TestLockEndpoints(t *testing.T) {
	_, router := newTestRouter(t)

	w := do(router, http.MethodPost, "/v1/lock", `{"message":"maintenance"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(router, http.MethodGet, "/v1/lock", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"locked":true`)
	assert.Contains(t, w.Body.String(), "maintenance")

	w = do(router, http.MethodPost, "/v1/deployments", `{"version":"v1"}`)
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Equal(t, ErrorCodeLocked, decode[ErrorResponse](t, w).Error.Code)

	w = do(router, http.MethodDelete, "/v1/lock", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(router, http.MethodDelete, "/v1/lock", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFailedDeployReturnsReport(t *testing.T) {
	f, router := newTestRouter(t)
	w := do(router, http.MethodPost, "/v1/deployments", `{"version":"v1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	f.Docker.Unhealthy = func(_, container string) bool { return strings.HasSuffix(container, "-v2") }
	w = do(router, http.MethodPost, "/v1/deployments", `{"version":"v2"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, ErrorCodeUnhealthy, resp.Error.Code)
	require.NotNil(t, resp.Report)
	assert.Equal(t, model.RolloutFailed, resp.Report.Rollout.Status)
	assert.Equal(t, 1, resp.Report.BatchesRun)
}

func TestBadRequests(t *testing.T) {
	_, router := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "malformed json", method: http.MethodPost, path: "/v1/deployments", body: `{"version":`, want: http.StatusBadRequest},
		{name: "unknown role", method: http.MethodPost, path: "/v1/plans", body: `{"version":"v1","roles":["api"]}`, want: http.StatusNotFound},
		{name: "nothing to roll back", method: http.MethodPost, path: "/v1/rollbacks", want: http.StatusConflict},
		{name: "bad limit", method: http.MethodGet, path: "/v1/rollouts?limit=x", want: http.StatusBadRequest},
		{name: "unknown host", method: http.MethodGet, path: "/v1/logs?host=10.9.9.9", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestRoutesRequireToken(t *testing.T) {
	_, router := newTestRouter(t, middleware.Authentication("s3cr3t"))

	w := do(router, http.MethodGet, "/v1/status", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer s3cr3t")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("plan: %w", model.ErrInvalidBatchConfig), http.StatusBadRequest},
		{model.ErrInvalidDescriptor, http.StatusBadRequest},
		{model.ErrLocked, http.StatusLocked},
		{model.ErrNoPreviousRelease, http.StatusConflict},
		{model.ErrRouteConflict, http.StatusConflict},
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrUnhealthy, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: %w", model.ErrAborted, context.Canceled), http.StatusServiceUnavailable},
		{&model.TransportError{Host: "h", Op: "dial", Err: fmt.Errorf("refused")}, http.StatusBadGateway},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		code, _ := classify(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
