package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"projectfinder/internal/app"
	"projectfinder/internal/transport/http/response"
)

type AuthHandler struct {
	authService *app.AuthService
}

func NewAuthHandler(authService *app.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req app.LoginInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request body")
		return
	}

	result, err := h.authService.Login(req)
	if err != nil {
		if errors.Is(err, app.ErrInvalidCredential) {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, err.Error())
			return
		}
		response.FromError(c, err, "login failed", nil)
		return
	}
	response.OK(c, result)
}
