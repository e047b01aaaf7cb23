package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestAuthentication(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{name: "disabled", token: "", header: "", want: http.StatusOK},
		{name: "valid", token: "s3cr3t", header: "Bearer s3cr3t", want: http.StatusOK},
		{name: "missing", token: "s3cr3t", header: "", want: http.StatusUnauthorized},
		{name: "wrong", token: "s3cr3t", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "not bearer", token: "s3cr3t", header: "Basic s3cr3t", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(Authentication(tt.token))
			r.GET("/v1/status", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

			req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
