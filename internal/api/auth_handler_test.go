package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"resumeforge/internal/api/middleware"
	"resumeforge/internal/auth"
	"resumeforge/internal/database"
)

func newAuthTestRouter(t *testing.T, db *gorm.DB) (*gin.Engine, *auth.SessionService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	sessions, err := auth.NewSessionService("test-secret", time.Hour, redisClient)
	if err != nil {
		t.Fatalf("new session service: %v", err)
	}

	users := database.NewUserStore(db)
	google := auth.NewGoogleOAuth("client-id", "client-secret", "http://localhost/v1/auth/google/callback")
	h := NewAuthHandler(users, sessions, google, redisClient, nil, "http://localhost:3000", "")
	sessionMiddleware := middleware.SessionMiddleware(sessions)

	router := gin.New()
	group := router.Group("/v1/auth")
	{
		group.GET("/google", h.StartGoogleLogin)
		group.GET("/google/callback", h.GoogleCallback)
		group.POST("/logout", sessionMiddleware, h.Logout)
		group.GET("/me", sessionMiddleware, h.Me)
	}
	return router, sessions
}

func sessionCookie(t *testing.T, sessions *auth.SessionService, userID uint) *http.Cookie {
	t.Helper()
	token, err := sessions.Issue(userID)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return &http.Cookie{Name: middleware.SessionCookieName, Value: token}
}

func TestMeRequiresSession(t *testing.T) {
	db := newTestDB(t)
	router, _ := newAuthTestRouter(t, db)

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestMeReturnsPlanAndRole(t *testing.T) {
	db := newTestDB(t)
	future := time.Now().Add(24 * time.Hour)
	user := seedTestUser(t, db, database.PlanBusiness, &future)
	router, sessions := newAuthTestRouter(t, db)

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.AddCookie(sessionCookie(t, sessions, user.ID))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		Plan string `json:"plan"`
		Role string `json:"role"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Plan != "business" || resp.Role != "business" {
		t.Fatalf("plan=%q role=%q, want business for both", resp.Plan, resp.Role)
	}
}

func TestMeLazyDowngradesExpiredPlan(t *testing.T) {
	db := newTestDB(t)
	expired := time.Now().Add(-time.Hour)
	user := seedTestUser(t, db, database.PlanPro, &expired)
	router, sessions := newAuthTestRouter(t, db)

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.AddCookie(sessionCookie(t, sessions, user.ID))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"plan":"free"`) {
		t.Fatalf("body = %s, want downgraded plan", w.Body.String())
	}

	var got database.User
	if err := db.First(&got, user.ID).Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if got.Plan != database.PlanFree || got.PlanExpiresAt != nil {
		t.Fatalf("downgrade not persisted: plan=%q expires=%v", got.Plan, got.PlanExpiresAt)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	db := newTestDB(t)
	user := seedTestUser(t, db, database.PlanFree, nil)
	router, sessions := newAuthTestRouter(t, db)
	cookie := sessionCookie(t, sessions, user.ID)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/logout", nil)
	req.AddCookie(cookie)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("logout status = %d, want 200", w.Code)
	}

	// 吊销后同一令牌不再可用。
	req = httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("me after logout = %d, want 401", w.Code)
	}
}

func TestStartGoogleLoginRedirectsWithState(t *testing.T) {
	db := newTestDB(t)
	router, _ := newAuthTestRouter(t, db)

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/google", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	location := w.Header().Get("Location")
	if !strings.Contains(location, "state=") {
		t.Fatalf("redirect %q missing state", location)
	}
	if !strings.Contains(location, "accounts.google.com") {
		t.Fatalf("redirect %q not pointing at google", location)
	}
}

func TestStartGoogleLoginDebounce(t *testing.T) {
	db := newTestDB(t)
	router, _ := newAuthTestRouter(t, db)

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/google", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusFound {
		t.Fatalf("first request status = %d, want 302", w.Code)
	}

	// 去抖窗口内同一来源的第二次发起被拒绝。
	req = httptest.NewRequest(http.MethodGet, "/v1/auth/google", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if !strings.Contains(w.Body.String(), "rate_limited") {
		t.Fatalf("body missing rate_limited code: %s", w.Body.String())
	}
}

func TestGoogleCallbackRejectsUnknownState(t *testing.T) {
	db := newTestDB(t)
	router, _ := newAuthTestRouter(t, db)

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/google/callback?state=bogus&code=abc", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", w.Code, w.Body.String())
	}
}

func TestGoogleCallbackRequiresParams(t *testing.T) {
	db := newTestDB(t)
	router, _ := newAuthTestRouter(t, db)

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/google/callback", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
