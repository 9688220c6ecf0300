package validation

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"u1", true},
		{"fa_9f1c2e", true},
		{"alice@example.com", true},
		{"svc.billing:worker-2", true},
		{"", false},
		{"has space", false},
		{"../etc/passwd", false},
		{"semi;colon", false},
		{strings.Repeat("a", MaxIdentifierLength), true},
		{strings.Repeat("a", MaxIdentifierLength+1), false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidIdentifier(tc.id), "%q", tc.id)
	}
}

func TestParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/v1/fraud", ParamMiddleware("id", "userId"))
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	g.GET("/alerts/:id", ok)
	g.GET("/profiles/:userId", ok)
	g.GET("/stats", ok)

	tests := []struct {
		path string
		code int
	}{
		{"/v1/fraud/alerts/fa_123", http.StatusOK},
		{"/v1/fraud/profiles/alice@example.com", http.StatusOK},
		{"/v1/fraud/profiles/bad%20id", http.StatusBadRequest},
		{"/v1/fraud/alerts/" + strings.Repeat("x", 200), http.StatusBadRequest},
		{"/v1/fraud/stats", http.StatusOK},
	}
	for _, tc := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		assert.Equal(t, tc.code, w.Code, tc.path)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/v1/activity", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusAccepted)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/activity", strings.NewReader(`{"a":1}`)))
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/activity", strings.NewReader(strings.Repeat("x", 64))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
