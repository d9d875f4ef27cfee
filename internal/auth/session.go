package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const sessionBlacklistKeyPrefix = "auth:session:blacklist:"

// ErrSessionRevoked 表示会话令牌已在登出时被吊销。
var ErrSessionRevoked = errors.New("session revoked")

// SessionService 负责签发、校验与吊销登录会话令牌。
// 令牌是 HS256 JWT，吊销状态存 Redis（以 jti 为键，登出即黑名单）。
type SessionService struct {
	secret []byte
	ttl    time.Duration
	redis  redis.UniversalClient
}

// SessionClaims 表示会话令牌中的业务字段。
type SessionClaims struct {
	UserID uint `json:"user_id"`
	jwt.RegisteredClaims
}

// NewSessionService 构造 SessionService。
func NewSessionService(secret string, ttl time.Duration, redisClient redis.UniversalClient) (*SessionService, error) {
	if secret == "" {
		return nil, errors.New("session secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	return &SessionService{
		secret: []byte(secret),
		ttl:    ttl,
		redis:  redisClient,
	}, nil
}

// Issue 为用户签发一个新的会话令牌。
func (s *SessionService) Issue(userID uint) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Validate 解析并验证会话令牌，同时检查吊销黑名单。
func (s *SessionService) Validate(ctx context.Context, tokenString string) (*SessionClaims, error) {
	if tokenString == "" {
		return nil, errors.New("token string is empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.ID == "" {
		return nil, errors.New("token missing jti")
	}

	if err := s.redis.Get(ctx, sessionBlacklistKeyPrefix+claims.ID).Err(); err == nil {
		return nil, ErrSessionRevoked
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session blacklist lookup: %w", err)
	}

	return claims, nil
}

// Revoke 销毁会话：把 jti 写入黑名单，保留到令牌自然过期。
func (s *SessionService) Revoke(ctx context.Context, claims *SessionClaims) error {
	ttl := s.ttl
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.redis.Set(ctx, sessionBlacklistKeyPrefix+claims.ID, "revoked", ttl).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// TTL 暴露会话有效期（设置 Cookie MaxAge 用）。
func (s *SessionService) TTL() time.Duration {
	return s.ttl
}
