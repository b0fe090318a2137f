package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"coderoom/internal/auth"
	"coderoom/internal/ratelimit"
	"coderoom/pkg/models"
)

// AuthHandler serves registration and login.
type AuthHandler struct {
	svc     *auth.Service
	limiter *ratelimit.Limiter
}

func NewAuthHandler(svc *auth.Service, limiter *ratelimit.Limiter) *AuthHandler {
	return &AuthHandler{svc: svc, limiter: limiter}
}

type registerRequest struct {
	Email       string `json:"email" binding:"required"`
	DisplayName string `json:"display_name" binding:"required"`
	Password    string `json:"password" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type authResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "validation", "email, display_name and password are required")
		return
	}

	user, token, err := h.svc.Register(c.Request.Context(), req.Email, req.DisplayName, req.Password)
	switch {
	case errors.Is(err, auth.ErrValidation):
		fail(c, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, auth.ErrEmailTaken):
		fail(c, http.StatusConflict, "conflict", "email already registered")
	case err != nil:
		fail(c, http.StatusInternalServerError, "internal", "registration failed")
	default:
		ok(c, http.StatusCreated, authResponse{User: user, Token: token})
	}
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "validation", "email and password are required")
		return
	}

	user, token, err := h.svc.Login(c.Request.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		fail(c, http.StatusUnauthorized, "unauthorized", "invalid email or password")
	case err != nil:
		fail(c, http.StatusInternalServerError, "internal", "login failed")
	default:
		// Successful logins do not count against the login bucket.
		h.limiter.Forget(c.Request.Context(), ratelimit.Login, c.ClientIP())
		ok(c, http.StatusOK, authResponse{User: user, Token: token})
	}
}
