package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"resumeforge/internal/api/middleware"
	"resumeforge/internal/auth"
	"resumeforge/internal/database"
	"resumeforge/internal/errcode"
)

const (
	oauthStateKeyPrefix  = "auth:oauth:state:"
	oauthInitKeyPrefix   = "auth:oauth:init:"
	oauthStateTTL        = 10 * time.Minute
	oauthInitDebounceTTL = 3 * time.Second
)

// AuthHandler 处理 Google 登录、登出与当前用户查询。
type AuthHandler struct {
	users          *database.UserStore
	sessions       *auth.SessionService
	google         *auth.GoogleOAuth
	redis          redis.UniversalClient
	logger         *slog.Logger
	frontendOrigin string
	cookieDomain   string
}

// NewAuthHandler 构造认证处理器。
func NewAuthHandler(users *database.UserStore, sessions *auth.SessionService, google *auth.GoogleOAuth, redisClient redis.UniversalClient, logger *slog.Logger, frontendOrigin, cookieDomain string) *AuthHandler {
	return &AuthHandler{
		users:          users,
		sessions:       sessions,
		google:         google,
		redis:          redisClient,
		logger:         logger,
		frontendOrigin: strings.TrimRight(frontendOrigin, "/"),
		cookieDomain:   cookieDomain,
	}
}

// StartGoogleLogin 发起 Google 授权跳转。
// 短窗口去抖：同一来源在窗口内重复发起时拒绝，避免并发重复跳转。
func (h *AuthHandler) StartGoogleLogin(c *gin.Context) {
	ctx := c.Request.Context()
	logger := loggerFromContext(c, h.logger)

	debounceKey := oauthInitKeyPrefix + c.ClientIP()
	acquired, err := acquireDebounce(ctx, h.redis, debounceKey, oauthInitDebounceTTL)
	if err != nil {
		logger.Error("oauth debounce check failed", slog.Any("error", err))
		// Redis 故障时放行，登录可用性优先。
		acquired = true
	}
	if !acquired {
		Error(c, http.StatusTooManyRequests, errcode.RateLimited, "login already in progress")
		return
	}

	state := uuid.NewString()
	if err := h.redis.Set(ctx, oauthStateKeyPrefix+state, "1", oauthStateTTL).Err(); err != nil {
		logger.Error("store oauth state failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	c.Redirect(http.StatusFound, h.google.GetAuthURL(state))
}

// GoogleCallback 处理授权回调：校验 state、换取资料、登录并种下会话 Cookie。
func (h *AuthHandler) GoogleCallback(c *gin.Context) {
	ctx := c.Request.Context()
	logger := loggerFromContext(c, h.logger)

	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		BadRequest(c, "missing state or code")
		return
	}

	// state 一次性消费，防重放。
	if err := h.redis.GetDel(ctx, oauthStateKeyPrefix+state).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			logger.Info("oauth state unknown or expired")
			BadRequest(c, "invalid oauth state")
			return
		}
		logger.Error("oauth state lookup failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	token, err := h.google.Exchange(ctx, code)
	if err != nil {
		logger.Info("oauth code exchange failed", slog.Any("error", err))
		BadRequest(c, "invalid authorization code")
		return
	}

	profile, err := h.google.GetUser(ctx, token)
	if err != nil {
		logger.Error("fetch google profile failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}
	if profile.ID == "" {
		logger.Error("google profile missing id")
		Internal(c, "internal error")
		return
	}

	user, err := h.users.UpsertFromLogin(ctx, database.LoginProfile{
		GoogleID:  profile.ID,
		Email:     profile.Email,
		Name:      profile.Name,
		AvatarURL: profile.Picture,
	}, time.Now())
	if err != nil {
		logger.Error("login upsert failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	sessionToken, err := h.sessions.Issue(user.ID)
	if err != nil {
		logger.Error("issue session failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	h.setSessionCookie(c, sessionToken)
	logger.Info("user logged in", slog.Uint64("user_id", uint64(user.ID)))
	c.Redirect(http.StatusFound, h.frontendOrigin+"/app")
}

// Logout 吊销会话并清除 Cookie。
func (h *AuthHandler) Logout(c *gin.Context) {
	logger := loggerFromContext(c, h.logger)

	value, exists := c.Get("sessionClaims")
	claims, ok := value.(*auth.SessionClaims)
	if !exists || !ok {
		AbortUnauthorized(c)
		return
	}

	if err := h.sessions.Revoke(c.Request.Context(), claims); err != nil {
		logger.Error("revoke session failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	h.clearSessionCookie(c)
	c.Status(http.StatusOK)
}

type userResponse struct {
	ID            uint       `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	AvatarURL     string     `json:"avatar_url,omitempty"`
	Plan          string     `json:"plan"`
	Role          string     `json:"role"`
	PlanStartedAt *time.Time `json:"plan_started_at,omitempty"`
	PlanExpiresAt *time.Time `json:"plan_expires_at,omitempty"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
}

// Me 返回当前用户。响应前先对已过期的付费层级做惰性降级并落库。
func (h *AuthHandler) Me(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	ctx := c.Request.Context()
	logger := loggerFromContext(c, h.logger)

	if downgraded, err := h.users.DowngradeIfExpired(ctx, userID, time.Now()); err != nil {
		logger.Error("lazy downgrade failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	} else if downgraded {
		logger.Info("expired plan downgraded on read", slog.Uint64("user_id", uint64(userID)))
	}

	user, err := h.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			AbortUnauthorized(c)
			return
		}
		logger.Error("load current user failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	c.JSON(http.StatusOK, newUserResponse(user))
}

// newUserResponse 序列化用户。role 是 plan 的遗留别名，两者恒等。
func newUserResponse(user *database.User) userResponse {
	return userResponse{
		ID:            user.ID,
		Email:         user.Email,
		Name:          user.Name,
		AvatarURL:     user.AvatarURL,
		Plan:          string(user.Plan),
		Role:          string(user.Plan),
		PlanStartedAt: user.PlanStartedAt,
		PlanExpiresAt: user.PlanExpiresAt,
		LastLoginAt:   user.LastLoginAt,
	}
}

func (h *AuthHandler) setSessionCookie(c *gin.Context, token string) {
	maxAge := int(h.sessions.TTL().Seconds())
	if maxAge <= 0 {
		maxAge = int(time.Hour.Seconds())
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    token,
		MaxAge:   maxAge,
		Path:     "/",
		Secure:   isHTTPSRequest(c),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Domain:   strings.TrimSpace(h.cookieDomain),
		Expires:  time.Now().Add(h.sessions.TTL()),
	})
}

func (h *AuthHandler) clearSessionCookie(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		MaxAge:   -1,
		Path:     "/",
		Secure:   isHTTPSRequest(c),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Domain:   strings.TrimSpace(h.cookieDomain),
	})
}
