package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"resumeforge/internal/errcode"
)

// Error 输出带机器可读原因码的错误响应。
func Error(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"error": msg, "code": code})
}

func AbortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": errcode.Unauthenticated})
}

func Unauthorized(c *gin.Context) {
	Error(c, http.StatusUnauthorized, errcode.Unauthenticated, "unauthorized")
}
func BadRequest(c *gin.Context, msg string) { Error(c, http.StatusBadRequest, errcode.InvalidInput, msg) }
func Forbidden(c *gin.Context, code, msg string) { Error(c, http.StatusForbidden, code, msg) }
func NotFound(c *gin.Context, msg string)  { Error(c, http.StatusNotFound, errcode.NotFound, msg) }
func Internal(c *gin.Context, msg string)  { Error(c, http.StatusInternalServerError, errcode.Internal, msg) }
