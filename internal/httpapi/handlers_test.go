package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"offline-phone/internal/auth"
	"offline-phone/internal/config"
	"offline-phone/internal/history"

	"github.com/gin-gonic/gin"
)

func testAuthManager(t *testing.T) *auth.Manager {
	t.Helper()
	m, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "test-secret",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}
	return m
}

func TestRegister_IssuesTokenPair(t *testing.T) {
	gin.SetMode(gin.TestMode)

	h := Handlers{Auth: testAuthManager(t)}
	r := gin.New()
	r.POST("/register", h.Register)

	w := httptest.NewRecorder()
	body := `{"phone_number":"(555) 000-0001","username":"alice"}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "access_token") {
		t.Fatalf("expected token pair, got %s", w.Body.String())
	}
}

func TestRegister_RejectsMissingFields(t *testing.T) {
	gin.SetMode(gin.TestMode)

	h := Handlers{Auth: testAuthManager(t)}
	r := gin.New()
	r.POST("/register", h.Register)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"phone_number":"5550000001"}`))
	r.ServeHTTP(w, req)
	if w.Code != 400 {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRefresh_RejectsGarbageToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	h := Handlers{Auth: testAuthManager(t)}
	r := gin.New()
	r.POST("/refresh", h.Refresh)

	w := httptest.NewRecorder()
	body := `{"refresh_token":"not-a-token","username":"alice"}`
	req := httptest.NewRequest(http.MethodPost, "/refresh", strings.NewReader(body))
	r.ServeHTTP(w, req)
	if w.Code != 401 {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func withIdentity(number, username string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), number, username))
		c.Next()
	}
}

func TestCallHistory_RejectsBadRange(t *testing.T) {
	gin.SetMode(gin.TestMode)

	h := Handlers{History: history.NewService(&history.MemoryRepo{})}
	r := gin.New()
	r.GET("/history", withIdentity("5550000001", "alice"), h.CallHistory)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/history?from=yesterday", nil)
	r.ServeHTTP(w, req)
	if w.Code != 400 {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCallHistory_EmptyRangeDefaultsToLastMonth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	h := Handlers{History: history.NewService(&history.MemoryRepo{})}
	r := gin.New()
	r.GET("/history", withIdentity("5550000001", "alice"), h.CallHistory)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}
