package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/common"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
)

func init() { gin.SetMode(gin.TestMode) }

func TestReqIdAndRecover(t *testing.T) {
	r := gin.New()
	r.Use(ReqId(), Recover())
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	r.GET("/rid", func(c *gin.Context) {
		common.Success(c, common.RequestIDFromGin(c))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rid", nil)
	req.Header.Set(common.HeaderRequestID, "rid-123")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rid-123")
	assert.Equal(t, "rid-123", w.Header().Get(common.HeaderRequestID))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotEmpty(t, w.Header().Get(common.HeaderRequestID), "没带 header 时自动生成")
}

func TestRateLimit(t *testing.T) {
	store := ratelimit.NewStore(0.001, 2, time.Minute)
	r := gin.New()
	r.Use(RateLimit(store))
	r.GET("/api/price/:currency", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/price/USD", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
