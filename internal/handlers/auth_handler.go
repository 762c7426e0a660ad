package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/UbiquiTimes/middleware/jwt"
)

// AuthHandler 令牌续期；令牌本身由外部的 bot 网关签发
type AuthHandler struct {
	tokens *jwt.TokenManager
}

func NewAuthHandler(tokens *jwt.TokenManager) *AuthHandler {
	return &AuthHandler{tokens: tokens}
}

// Refresh 在过期前后的刷新窗口内换发新令牌
func (h *AuthHandler) Refresh(c *gin.Context) {
	tokenString, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
		return
	}

	token, err := h.tokens.RefreshToken(tokenString)
	switch {
	case errors.Is(err, jwt.ErrRefreshTooEarly):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}
