package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/chatclient/internal/auth"
	"github.com/remote-agent-terminal/chatclient/internal/model"
	"github.com/remote-agent-terminal/chatclient/internal/repository"
)

// AuthHandler handles login and registration.
type AuthHandler struct {
	users  *repository.UserRepository
	issuer *auth.Issuer
	log    *slog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(users *repository.UserRepository, issuer *auth.Issuer, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AuthHandler{
		users:  users,
		issuer: issuer,
		log:    logger,
	}
}

// TokenRequest is the body of POST /api/token.
type TokenRequest struct {
	User struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	} `json:"user" binding:"required"`
}

// RegisterRequest is the body of POST /api/users.
type RegisterRequest struct {
	User struct {
		Email    string `json:"email" binding:"required,email"`
		Name     string `json:"name"`
		Password string `json:"password" binding:"required,min=6"`
	} `json:"user" binding:"required"`
}

// TokenResponse carries an issued token.
type TokenResponse struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

// Token handles POST /api/token - exchanges credentials for a token.
func (h *AuthHandler) Token(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := h.users.Authenticate(c.Request.Context(), req.User.Email, req.User.Password)
	if err != nil {
		if errors.Is(err, model.ErrInvalidCredentials) {
			sendError(c, http.StatusUnauthorized, err.Error())
			return
		}
		h.log.Error("authentication failed", "error", err)
		sendError(c, http.StatusInternalServerError, "internal error")
		return
	}

	h.respondWithToken(c, http.StatusOK, user)
}

// Register handles POST /api/users - creates an account and logs it in.
func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	user, err := h.users.Create(c.Request.Context(), req.User.Email, req.User.Name, req.User.Password)
	if err != nil {
		if errors.Is(err, model.ErrEmailTaken) {
			sendError(c, http.StatusConflict, err.Error())
			return
		}
		h.log.Error("registration failed", "error", err)
		sendError(c, http.StatusInternalServerError, "internal error")
		return
	}

	h.log.Info("user registered", "id", user.ID, "email", user.Email)
	h.respondWithToken(c, http.StatusCreated, user)
}

// Me handles GET /api/me - returns the user of the bearer token.
func (h *AuthHandler) Me(c *gin.Context) {
	user, err := h.users.GetByID(c.Request.Context(), getUserID(c))
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			sendError(c, http.StatusNotFound, err.Error())
			return
		}
		sendError(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *AuthHandler) respondWithToken(c *gin.Context, status int, user *model.User) {
	token, err := h.issuer.Issue(user.ID)
	if err != nil {
		h.log.Error("failed to issue token", "error", err)
		sendError(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.JSON(status, TokenResponse{Token: token, User: user})
}

// RegisterRoutes registers the auth routes on a Gin router group.
func (h *AuthHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/token", h.Token)
	rg.POST("/users", h.Register)
	rg.GET("/me", RequireToken(h.issuer), h.Me)
}
